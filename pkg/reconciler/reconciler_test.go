package reconciler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrs "persistd/errors"
)

// fakeSyscalls records bind mounts in a map instead of calling mount(2),
// so the tests run unprivileged.
type fakeSyscalls struct {
	binds       map[string]string // target -> source
	bindCalls   int
	failBind    bool
	failUnmount bool
}

func newFakeSyscalls() *fakeSyscalls {
	return &fakeSyscalls{binds: make(map[string]string)}
}

func (f *fakeSyscalls) BindMount(source, target string) error {
	f.bindCalls++
	if f.failBind {
		return fmt.Errorf("mount: permission denied")
	}
	f.binds[target] = source
	return nil
}

func (f *fakeSyscalls) Unmount(target string) error {
	if f.failUnmount {
		return fmt.Errorf("umount: %s: target is busy", target)
	}
	if _, ok := f.binds[target]; !ok {
		return fmt.Errorf("umount: %s: not mounted", target)
	}
	delete(f.binds, target)
	return nil
}

func (f *fakeSyscalls) Bound(source, target string) (bool, error) {
	return f.binds[target] == source, nil
}

func (f *fakeSyscalls) MountPoint(path string) (bool, error) {
	_, ok := f.binds[path]
	return ok, nil
}

// layout creates an "ephemeral root" and a "durable store" under a temp dir.
func layout(t *testing.T) (root string, durable string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "root")
	durable = filepath.Join(base, "persist")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(durable, 0o755))
	return root, durable
}

func writeDurable(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func symlinkEntry(name, eph, dur string, required bool) *Entry {
	return &Entry{
		Name:          name,
		EphemeralPath: eph,
		DurablePath:   dur,
		Mode:          ModeSymlink,
		NeededForBoot: required,
		OwnerUID:      -1,
		OwnerGID:      -1,
	}
}

func bindEntry(name, eph, dur string, required bool) *Entry {
	e := symlinkEntry(name, eph, dur, required)
	e.Mode = ModeBindMount
	return e
}

func newTestReconciler(t *testing.T, table []*Entry) (*Reconciler, *fakeSyscalls) {
	t.Helper()
	rec, err := New(table)
	require.NoError(t, err)
	sys := newFakeSyscalls()
	rec.SetSyscalls(sys)
	return rec, sys
}

func TestApplyExampleTable(t *testing.T) {
	root, durable := layout(t)

	machineID := filepath.Join(durable, "etc/machine-id")
	writeDurable(t, machineID, "d41d8cd98f00b204e9800998ecf8427e\n")
	// the bluetooth durable dir is deliberately absent

	table := []*Entry{
		symlinkEntry("machine-id", filepath.Join(root, "etc/machine-id"), machineID, true),
		bindEntry("bluetooth", filepath.Join(root, "var/lib/bluetooth"), filepath.Join(durable, "var/lib/bluetooth"), false),
	}

	rec, _ := newTestReconciler(t, table)
	report, err := rec.Apply()
	require.NoError(t, err)

	assert.True(t, report.Satisfied)
	assert.Equal(t, []string{"bluetooth"}, report.Skipped())

	link := filepath.Join(root, "etc/machine-id")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, machineID, target)

	content, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e\n", string(content))

	// the optional entry left no trace
	_, err = os.Lstat(filepath.Join(root, "var/lib/bluetooth"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyIsIdempotent(t *testing.T) {
	root, durable := layout(t)

	machineID := filepath.Join(durable, "etc/machine-id")
	writeDurable(t, machineID, "id\n")
	btDir := filepath.Join(durable, "var/lib/bluetooth")
	require.NoError(t, os.MkdirAll(btDir, 0o755))

	table := []*Entry{
		symlinkEntry("machine-id", filepath.Join(root, "etc/machine-id"), machineID, true),
		bindEntry("bluetooth", filepath.Join(root, "var/lib/bluetooth"), btDir, true),
	}

	rec, sys := newTestReconciler(t, table)

	first, err := rec.Apply()
	require.NoError(t, err)
	require.True(t, first.Satisfied)
	for _, res := range first.Entries {
		assert.True(t, res.Changed, "first pass should change %q", res.Name)
		assert.Equal(t, StateApplied, res.State)
	}
	require.Equal(t, 1, sys.bindCalls)

	second, err := rec.Apply()
	require.NoError(t, err)
	require.True(t, second.Satisfied)
	for _, res := range second.Entries {
		assert.False(t, res.Changed, "second pass should be a no-op for %q", res.Name)
		assert.Equal(t, StateApplied, res.State)
	}
	assert.Equal(t, 1, sys.bindCalls, "no second mount(2) call expected")

	target, err := os.Readlink(filepath.Join(root, "etc/machine-id"))
	require.NoError(t, err)
	assert.Equal(t, machineID, target)
}

func TestRequiredMissingDurableAborts(t *testing.T) {
	root, durable := layout(t)

	hostKey := filepath.Join(durable, "etc/host-key")
	// hostKey is deliberately absent
	machineID := filepath.Join(durable, "etc/machine-id")
	writeDurable(t, machineID, "id\n")

	// same depth, "host-key" sorts before "machine-id"
	table := []*Entry{
		symlinkEntry("host-key", filepath.Join(root, "etc/host-key"), hostKey, true),
		symlinkEntry("machine-id", filepath.Join(root, "etc/machine-id"), machineID, true),
	}

	rec, _ := newTestReconciler(t, table)
	report, err := rec.Apply()
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrs.DurablePathMissing))
	assert.False(t, report.Satisfied)

	require.Len(t, report.Entries, 2)
	assert.Equal(t, StateFailed, report.Entries[0].State)
	assert.Equal(t, StateUnapplied, report.Entries[1].State)

	// the entry after the failure was never attempted
	_, statErr := os.Lstat(filepath.Join(root, "etc/machine-id"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestConflictingNodeRemoved(t *testing.T) {
	root, durable := layout(t)

	machineID := filepath.Join(durable, "etc/machine-id")
	writeDurable(t, machineID, "durable\n")

	// a previous failed boot attempt left a plain file in the way
	eph := filepath.Join(root, "etc/machine-id")
	writeDurable(t, eph, "stale ephemeral copy\n")

	rec, _ := newTestReconciler(t, []*Entry{
		symlinkEntry("machine-id", eph, machineID, true),
	})
	report, err := rec.Apply()
	require.NoError(t, err)
	assert.True(t, report.Satisfied)

	target, err := os.Readlink(eph)
	require.NoError(t, err)
	assert.Equal(t, machineID, target)
}

func TestLiveMountAtEphemeralPath(t *testing.T) {
	t.Run("busy mount is fatal and nothing behind it is removed", func(t *testing.T) {
		root, durable := layout(t)

		machineID := filepath.Join(durable, "etc/machine-id")
		writeDurable(t, machineID, "durable\n")

		// the ephemeral path is occupied by a live mount exposing a
		// durable tree; recursing into it would destroy that tree
		eph := filepath.Join(root, "etc/machine-id")
		behindMount := filepath.Join(eph, "key")
		writeDurable(t, behindMount, "must survive\n")

		rec, sys := newTestReconciler(t, []*Entry{
			symlinkEntry("machine-id", eph, machineID, true),
		})
		sys.binds[eph] = filepath.Join(durable, "somewhere")
		sys.failUnmount = true

		report, err := rec.Apply()
		require.Error(t, err)
		assert.True(t, errors.Is(err, perrs.EphemeralConflict))
		assert.False(t, report.Satisfied)
		require.Len(t, report.Entries, 1)
		assert.Equal(t, StateFailed, report.Entries[0].State)

		content, readErr := os.ReadFile(behindMount)
		require.NoError(t, readErr, "content behind the mount must survive the failed pass")
		assert.Equal(t, "must survive\n", string(content))
	})

	t.Run("stale mount is unmounted before the link replaces it", func(t *testing.T) {
		root, durable := layout(t)

		machineID := filepath.Join(durable, "etc/machine-id")
		writeDurable(t, machineID, "durable\n")

		eph := filepath.Join(root, "etc/machine-id")
		require.NoError(t, os.MkdirAll(eph, 0o755))

		rec, sys := newTestReconciler(t, []*Entry{
			symlinkEntry("machine-id", eph, machineID, true),
		})
		sys.binds[eph] = filepath.Join(durable, "somewhere")

		report, err := rec.Apply()
		require.NoError(t, err)
		require.Len(t, report.Entries, 1)
		assert.True(t, report.Entries[0].Changed)
		assert.Empty(t, sys.binds, "the stale mount was unmounted")

		target, err := os.Readlink(eph)
		require.NoError(t, err)
		assert.Equal(t, machineID, target)
	})

	t.Run("busy mount blocks a bind entry too", func(t *testing.T) {
		root, durable := layout(t)

		btDir := filepath.Join(durable, "var/lib/bluetooth")
		writeDurable(t, filepath.Join(btDir, "settings"), "durable\n")

		eph := filepath.Join(root, "var/lib/bluetooth")
		behindMount := filepath.Join(eph, "settings")
		writeDurable(t, behindMount, "must survive\n")

		rec, sys := newTestReconciler(t, []*Entry{
			bindEntry("bluetooth", eph, btDir, true),
		})
		sys.binds[eph] = filepath.Join(durable, "somewhere")
		sys.failUnmount = true

		_, err := rec.Apply()
		require.Error(t, err)
		assert.True(t, errors.Is(err, perrs.EphemeralConflict))

		_, statErr := os.Stat(behindMount)
		assert.NoError(t, statErr, "content behind the mount must survive the failed pass")
	})
}

func TestStaleSymlinkReplaced(t *testing.T) {
	root, durable := layout(t)

	machineID := filepath.Join(durable, "etc/machine-id")
	writeDurable(t, machineID, "id\n")

	eph := filepath.Join(root, "etc/machine-id")
	require.NoError(t, os.MkdirAll(filepath.Dir(eph), 0o755))
	require.NoError(t, os.Symlink("/nonexistent/target", eph))

	rec, _ := newTestReconciler(t, []*Entry{
		symlinkEntry("machine-id", eph, machineID, true),
	})
	report, err := rec.Apply()
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.True(t, report.Entries[0].Changed)

	target, err := os.Readlink(eph)
	require.NoError(t, err)
	assert.Equal(t, machineID, target)
}

func TestBindMountSyscallFailure(t *testing.T) {
	root, durable := layout(t)

	btDir := filepath.Join(durable, "var/lib/bluetooth")
	require.NoError(t, os.MkdirAll(btDir, 0o755))

	t.Run("required entry is fatal", func(t *testing.T) {
		rec, sys := newTestReconciler(t, []*Entry{
			bindEntry("bluetooth", filepath.Join(root, "var/lib/bt-req"), btDir, true),
		})
		sys.failBind = true

		report, err := rec.Apply()
		require.Error(t, err)
		assert.True(t, errors.Is(err, perrs.MountFailed))
		assert.False(t, report.Satisfied)
	})

	t.Run("optional entry degrades to a warning", func(t *testing.T) {
		rec, sys := newTestReconciler(t, []*Entry{
			bindEntry("bluetooth", filepath.Join(root, "var/lib/bt-opt"), btDir, false),
		})
		sys.failBind = true

		report, err := rec.Apply()
		require.NoError(t, err)
		assert.True(t, report.Satisfied)
		require.Len(t, report.Entries, 1)
		assert.Equal(t, StateFailed, report.Entries[0].State)
	})
}

func TestDurableTypeMismatch(t *testing.T) {
	root, durable := layout(t)

	notADir := filepath.Join(durable, "var/lib/bluetooth")
	writeDurable(t, notADir, "this is a file\n")

	rec, _ := newTestReconciler(t, []*Entry{
		bindEntry("bluetooth", filepath.Join(root, "var/lib/bluetooth"), notADir, true),
	})
	_, err := rec.Apply()
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrs.DurableTypeMismatch))
}

func TestOwnershipEnforcement(t *testing.T) {
	root, durable := layout(t)

	secret := filepath.Join(durable, "etc/secret")
	writeDurable(t, secret, "s3cret\n")

	e := symlinkEntry("secret", filepath.Join(root, "etc/secret"), secret, true)
	e.OwnerUID = os.Getuid()
	e.OwnerGID = os.Getgid()
	e.Perm = 0o640

	rec, _ := newTestReconciler(t, []*Entry{e})
	_, err := rec.Apply()
	require.NoError(t, err)

	fi, err := os.Stat(secret)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
}

func TestOwnershipFailureMarksEntryFailed(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("chown cannot be made to fail when running as root")
	}

	root, durable := layout(t)

	secret := filepath.Join(durable, "etc/secret")
	writeDurable(t, secret, "s3cret\n")

	e := symlinkEntry("secret", filepath.Join(root, "etc/secret"), secret, true)
	rec, _ := newTestReconciler(t, []*Entry{e})

	first, err := rec.Apply()
	require.NoError(t, err)
	require.True(t, first.Satisfied)

	// the link is already in place; only the chown can go wrong now
	e.OwnerUID = 0

	second, err := rec.Apply()
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrs.OwnershipFailed))
	require.Len(t, second.Entries, 1)
	assert.Equal(t, StateFailed, second.Entries[0].State)
	assert.Equal(t, StateFailed, rec.states["secret"].State,
		"internal state and report must agree")

	// a later pass recovers once the rule is satisfiable again
	e.OwnerUID = -1
	third, err := rec.Apply()
	require.NoError(t, err)
	assert.True(t, third.Satisfied)
}

func TestDryRunTouchesNothing(t *testing.T) {
	root, durable := layout(t)

	machineID := filepath.Join(durable, "etc/machine-id")
	writeDurable(t, machineID, "id\n")

	rec, sys := newTestReconciler(t, []*Entry{
		symlinkEntry("machine-id", filepath.Join(root, "etc/machine-id"), machineID, true),
	})
	rec.SetDryRun(true)

	report, err := rec.Apply()
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.True(t, report.DryRun)
	assert.True(t, report.Entries[0].Changed, "dry run should report a pending change")

	_, statErr := os.Lstat(filepath.Join(root, "etc/machine-id"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Zero(t, sys.bindCalls)
}
