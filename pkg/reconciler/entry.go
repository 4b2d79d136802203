package reconciler

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	perrs "persistd/errors"
)

// Mode selects how an ephemeral path is materialized from its durable
// counterpart.
type Mode string

const (
	// ModeSymlink places a symbolic link at the ephemeral path. Suitable
	// for single files or directories that only need to resolve to the
	// durable copy (host keys, machine-id).
	ModeSymlink Mode = "symlink"
	// ModeBindMount bind-mounts the durable directory onto the ephemeral
	// path. Required for trees whose consumers must see native
	// permissions and hard-link semantics (service state directories).
	ModeBindMount Mode = "bind"
)

// Entry is one declared reconciliation rule: after a successful pass the
// ephemeral path resolves to the durable path. The rule itself is immutable;
// its effect is recreated on every boot because the root filesystem is wiped.
type Entry struct {
	// Name identifies the entry in logs and reports. Taken from the
	// config section name.
	Name string

	// EphemeralPath is the absolute path on the volatile root.
	EphemeralPath string
	// DurablePath is the absolute path on the durable backing store.
	DurablePath string

	Mode Mode

	// NeededForBoot marks the entry boot-critical: a failure to apply it
	// aborts the whole pass instead of degrading to a warning.
	NeededForBoot bool

	// Ownership and permission bits enforced on DurablePath after the
	// entry is applied. A negative uid/gid leaves ownership untouched,
	// a zero Perm leaves the mode bits untouched.
	OwnerUID int
	OwnerGID int
	Perm     os.FileMode
}

func (e *Entry) Validate() error {
	if e.EphemeralPath == "" || e.DurablePath == "" {
		return errors.Wrapf(perrs.InvalidTable, "entry %q: ephemeral and durable paths are required", e.Name)
	}
	if !filepath.IsAbs(e.EphemeralPath) {
		return errors.Wrapf(perrs.RelativePath, "entry %q: %s", e.Name, e.EphemeralPath)
	}
	if !filepath.IsAbs(e.DurablePath) {
		return errors.Wrapf(perrs.RelativePath, "entry %q: %s", e.Name, e.DurablePath)
	}
	switch e.Mode {
	case ModeSymlink, ModeBindMount:
	default:
		return errors.Wrapf(perrs.UnknownMode, "entry %q: %q", e.Name, e.Mode)
	}
	if filepath.Clean(e.EphemeralPath) == filepath.Clean(e.DurablePath) {
		return errors.Wrapf(perrs.InvalidTable, "entry %q: ephemeral and durable paths are identical", e.Name)
	}
	return nil
}
