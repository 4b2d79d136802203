package store

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	perrs "persistd/errors"
)

type Kind string

const (
	// KindZFS stores are datasets mounted through the zfs CLI, with an
	// optional key load for encrypted datasets.
	KindZFS Kind = "zfs"
	// KindPlain stores are ordinary block-device filesystems mounted
	// through mount(2).
	KindPlain Kind = "plain"
)

// DurableStore is one persistent filesystem that backs reconciled paths.
// Stores survive the ephemeral root; everything the reconciler does depends
// on the right stores being mounted first.
type DurableStore struct {
	// ID is the dataset name for zfs stores (e.g. "rpool/persist") or a
	// free-form label for plain stores.
	ID string
	// Mountpoint is where the store must be visible before reconciliation.
	Mountpoint string

	Kind Kind

	// Device and FSType describe plain stores; ignored for zfs, where the
	// dataset carries its own mountpoint configuration.
	Device  string
	FSType  string
	Options string

	// KeyFile unlocks an encrypted zfs dataset before mounting.
	KeyFile string

	// NeededForBoot marks the store boot-critical: if it cannot be
	// mounted, reconciliation must not run, otherwise stateful services
	// would start against an empty ephemeral path.
	NeededForBoot bool
}

func (s *DurableStore) Validate() error {
	if s.ID == "" {
		return errors.Wrap(perrs.InvalidTable, "store id is required")
	}
	if !filepath.IsAbs(s.Mountpoint) {
		return errors.Wrapf(perrs.RelativePath, "store %q: mountpoint %q", s.ID, s.Mountpoint)
	}
	switch s.Kind {
	case KindZFS:
	case KindPlain:
		if s.Device == "" {
			return errors.Wrapf(perrs.InvalidTable, "store %q: plain store needs a device", s.ID)
		}
	default:
		return errors.Wrapf(perrs.InvalidTable, "store %q: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// Contains reports whether path lives inside the store's mountpoint.
func (s *DurableStore) Contains(path string) bool {
	mp := filepath.Clean(s.Mountpoint)
	p := filepath.Clean(path)
	if mp == "/" {
		return true
	}
	return p == mp || strings.HasPrefix(p, mp+"/")
}
