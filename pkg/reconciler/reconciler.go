package reconciler

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	perrs "persistd/errors"
	log "persistd/logger"
	"persistd/pkg/fsutil"
)

// Syscalls wraps the mount primitives so tests can run without privileges.
// Symlink creation goes through os directly; only mount(2) needs root.
type Syscalls interface {
	BindMount(source, target string) error
	Unmount(target string) error
	// Bound reports whether target is currently a bind mount of source.
	Bound(source, target string) (bool, error)
	// MountPoint reports whether path is the root of an active mount.
	MountPoint(path string) (bool, error)
}

type linuxSyscalls struct{}

func (linuxSyscalls) BindMount(source, target string) error {
	return unix.Mount(source, target, "", unix.MS_BIND, "")
}

func (linuxSyscalls) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

func (linuxSyscalls) MountPoint(path string) (bool, error) {
	return fsutil.MountPoint(path)
}

// A bind mount target shares (dev, ino) with its source.
func (linuxSyscalls) Bound(source, target string) (bool, error) {
	if !fsutil.FileExist(target) {
		return false, nil
	}
	same, err := fsutil.SameNode(target, source)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return same, nil
}

// Reconciler applies an immutable mount table to the ephemeral root. It is
// strictly sequential: entries have ordering dependencies and there are only
// ever a handful of them.
type Reconciler struct {
	table  []*Entry
	states map[string]*EntryState
	sys    Syscalls
	dryRun bool
}

// New validates and orders the table. The table is rejected, not silently
// fixed, when it contains duplicates or malformed paths; nesting order is
// normalized automatically.
func New(table []*Entry) (*Reconciler, error) {
	sorted, err := sortTable(table)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*EntryState, len(sorted))
	for _, e := range sorted {
		states[e.Name] = &EntryState{State: StateUnapplied}
	}

	return &Reconciler{
		table:  sorted,
		states: states,
		sys:    linuxSyscalls{},
	}, nil
}

// Table returns the entries in application order.
func (r *Reconciler) Table() []*Entry {
	return r.table
}

func (r *Reconciler) SetDryRun(dry bool) {
	r.dryRun = dry
}

// SetSyscalls replaces the mount primitives. Intended for tests.
func (r *Reconciler) SetSyscalls(sys Syscalls) {
	r.sys = sys
}

// Apply walks the table once. The returned report always covers every
// entry; the error is non-nil only when a needed-for-boot entry could not
// be satisfied, in which case the remaining entries were not attempted
// (the partially reconciled state is safe: the ephemeral root reverts
// completely on the next boot).
func (r *Reconciler) Apply() (*Report, error) {
	report := newReport(r.dryRun)
	defer report.finish()

	var warns *multierror.Error
	var fatal error

	for _, e := range r.table {
		if fatal != nil {
			report.add(e, StateUnapplied, false, "aborted: earlier boot-critical entry failed")
			continue
		}

		st := r.enterState(e)
		changed, err := r.applyEntry(e, st)

		switch {
		case err == nil:
			report.add(e, st.State, changed, "")

		case st.State == StateSkipped:
			log.WithError(err).Warnf("skipping optional entry %q", e.Name)
			warns = multierror.Append(warns, err)
			report.add(e, StateSkipped, false, err.Error())

		default:
			report.add(e, StateFailed, changed, err.Error())
			if e.NeededForBoot {
				fatal = errors.Wrapf(err, "boot-critical entry %q", e.Name)
				continue
			}
			log.WithError(err).Warnf("optional entry %q failed", e.Name)
			warns = multierror.Append(warns, err)
		}
	}

	report.Satisfied = fatal == nil
	if werr := warns.ErrorOrNil(); werr != nil {
		log.Warnf("reconciliation finished with warnings: %v", werr)
	}
	return report, fatal
}

// enterState moves the entry's state machine back into Verifying, starting
// over from Unapplied when the previous pass left it Failed.
func (r *Reconciler) enterState(e *Entry) *EntryState {
	st := r.states[e.Name]
	if st.State == StateFailed {
		st.State = StateUnapplied
	}
	if err := st.Transition(st.State, StateVerifying); err != nil {
		// Only reachable through a bug in the transition table itself.
		log.Errorf("entry %q: %v", e.Name, err)
		st.State = StateVerifying
	}
	return st
}

// applyEntry runs one rule through Verifying into Applied. The returned
// bool reports whether the filesystem was changed; a second pass over an
// already correct entry returns (false, nil).
func (r *Reconciler) applyEntry(e *Entry, st *EntryState) (bool, error) {
	if err := r.verifyDurable(e); err != nil {
		if e.NeededForBoot {
			st.Transition(StateVerifying, StateFailed)
			return false, err
		}
		st.Transition(StateVerifying, StateSkipped)
		return false, err
	}

	applied, err := r.alreadyApplied(e)
	if err != nil {
		st.Transition(StateVerifying, StateFailed)
		return false, err
	}
	if applied {
		log.Debugf("entry %q already applied, nothing to do", e.Name)
		st.Transition(StateVerifying, StateApplied)
		if err := r.enforceOwnership(e); err != nil {
			st.Transition(StateApplied, StateFailed)
			return false, err
		}
		return false, nil
	}

	if r.dryRun {
		log.Infof("dry run: would apply entry %q (%s %s -> %s)",
			e.Name, e.Mode, e.EphemeralPath, e.DurablePath)
		st.Transition(StateVerifying, StateSkipped)
		// Changed=true in a dry-run report means "would change".
		return true, nil
	}

	if err := r.prepareEphemeral(e); err != nil {
		st.Transition(StateVerifying, StateFailed)
		return false, err
	}

	switch e.Mode {
	case ModeSymlink:
		st.Transition(StateVerifying, StateLinking)
		if err := os.Symlink(e.DurablePath, e.EphemeralPath); err != nil {
			st.Transition(StateLinking, StateFailed)
			return false, errors.Wrapf(perrs.LinkFailed, "%s -> %s: %v", e.EphemeralPath, e.DurablePath, err)
		}
		st.Transition(StateLinking, StateApplied)

	case ModeBindMount:
		st.Transition(StateVerifying, StateMounting)
		if err := r.sys.BindMount(e.DurablePath, e.EphemeralPath); err != nil {
			st.Transition(StateMounting, StateFailed)
			return false, errors.Wrapf(perrs.MountFailed, "%s on %s: %v", e.DurablePath, e.EphemeralPath, err)
		}
		st.Transition(StateMounting, StateApplied)
	}

	log.Infof("applied entry %q: %s %s -> %s", e.Name, e.Mode, e.EphemeralPath, e.DurablePath)
	if err := r.enforceOwnership(e); err != nil {
		st.Transition(StateApplied, StateFailed)
		return true, err
	}
	return true, nil
}

// verifyDurable checks that the durable side of the rule exists with the
// type the mode needs. The reconciler never creates durable content: a
// missing durable path is a provisioning problem, not something to paper
// over with an empty file.
func (r *Reconciler) verifyDurable(e *Entry) error {
	fi, err := os.Stat(e.DurablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(perrs.DurablePathMissing, "entry %q: %s", e.Name, e.DurablePath)
		}
		return errors.Wrapf(err, "entry %q: stat %s", e.Name, e.DurablePath)
	}

	if e.Mode == ModeBindMount && !fi.IsDir() {
		return errors.Wrapf(perrs.DurableTypeMismatch, "entry %q: %s is not a directory", e.Name, e.DurablePath)
	}
	return nil
}

// alreadyApplied recognizes the effect of a previous pass: a symlink with
// the exact durable target, or a bind mount whose target shares (dev, ino)
// with the durable path.
func (r *Reconciler) alreadyApplied(e *Entry) (bool, error) {
	if !fsutil.FileExist(e.EphemeralPath) {
		return false, nil
	}

	switch e.Mode {
	case ModeSymlink:
		return fsutil.SymlinkTarget(e.EphemeralPath) == e.DurablePath, nil

	case ModeBindMount:
		if fsutil.IsSymlink(e.EphemeralPath) {
			return false, nil
		}
		bound, err := r.sys.Bound(e.DurablePath, e.EphemeralPath)
		if err != nil {
			return false, errors.Wrapf(err, "entry %q: compare %s and %s", e.Name, e.EphemeralPath, e.DurablePath)
		}
		return bound, nil
	}
	return false, nil
}

// prepareEphemeral makes room for the link or mount: the parent directory
// is created, a conflicting node is cleared, and for bind mounts the
// target directory is recreated.
func (r *Reconciler) prepareEphemeral(e *Entry) error {
	parent := filepath.Dir(e.EphemeralPath)
	if err := fsutil.MkdirAllWithInheritedOwner(parent, os.FileMode(0755)); err != nil {
		return errors.Wrapf(err, "entry %q: create parent %s", e.Name, parent)
	}

	if fsutil.FileExist(e.EphemeralPath) {
		if err := r.clearConflict(e); err != nil {
			return err
		}
	}

	if e.Mode == ModeBindMount {
		if err := fsutil.MkdirAllWithInheritedOwner(e.EphemeralPath, os.FileMode(0755)); err != nil {
			return errors.Wrapf(err, "entry %q: create mount point %s", e.Name, e.EphemeralPath)
		}
	}
	return nil
}

// clearConflict removes whatever occupies the ephemeral path. A live mount
// is unmounted first and never removed: RemoveAll would recurse through the
// mount and delete the durable content behind it, and a failed pass must
// leave the durable side untouched. A mount that cannot be unmounted is a
// hard conflict regardless of mode.
func (r *Reconciler) clearConflict(e *Entry) error {
	mounted, err := r.sys.MountPoint(e.EphemeralPath)
	if err != nil {
		return errors.Wrapf(err, "entry %q: probe mount at %s", e.Name, e.EphemeralPath)
	}
	if mounted {
		log.Warnf("entry %q: unmounting stale mount at %s", e.Name, e.EphemeralPath)
		if err := r.sys.Unmount(e.EphemeralPath); err != nil {
			return errors.Wrapf(perrs.EphemeralConflict, "entry %q: unmount %s: %v", e.Name, e.EphemeralPath, err)
		}
		if still, err := r.sys.MountPoint(e.EphemeralPath); err != nil || still {
			return errors.Wrapf(perrs.EphemeralConflict, "entry %q: %s is still mounted after unmount", e.Name, e.EphemeralPath)
		}
	}

	log.Warnf("entry %q: removing conflicting node at %s", e.Name, e.EphemeralPath)
	if fsutil.IsDir(e.EphemeralPath) && !fsutil.IsSymlink(e.EphemeralPath) {
		if err := os.RemoveAll(e.EphemeralPath); err != nil {
			return errors.Wrapf(perrs.EphemeralConflict, "entry %q: remove %s: %v", e.Name, e.EphemeralPath, err)
		}
		return nil
	}
	if err := os.Remove(e.EphemeralPath); err != nil {
		return errors.Wrapf(perrs.EphemeralConflict, "entry %q: remove %s: %v", e.Name, e.EphemeralPath, err)
	}
	return nil
}

// enforceOwnership applies the recorded owner and permission bits to the
// durable path. The ephemeral side inherits them: a bind mount exposes the
// target's attributes and a symlink points through.
func (r *Reconciler) enforceOwnership(e *Entry) error {
	if r.dryRun {
		return nil
	}

	if e.OwnerUID >= 0 || e.OwnerGID >= 0 {
		if err := os.Chown(e.DurablePath, e.OwnerUID, e.OwnerGID); err != nil {
			return errors.Wrapf(perrs.OwnershipFailed, "entry %q: chown %s: %v", e.Name, e.DurablePath, err)
		}
	}
	if e.Perm != 0 {
		if err := os.Chmod(e.DurablePath, e.Perm); err != nil {
			return errors.Wrapf(perrs.OwnershipFailed, "entry %q: chmod %s: %v", e.Name, e.DurablePath, err)
		}
	}
	return nil
}
