package store

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	defs "persistd/definitions"
	perrs "persistd/errors"
	log "persistd/logger"
	"persistd/pkg/fsutil"
)

// driver performs the actual mount for one store kind.
type driver interface {
	Mount(s *DurableStore) error
}

func driverFor(kind Kind) driver {
	switch kind {
	case KindZFS:
		return zfsDriver{}
	default:
		return plainDriver{}
	}
}

// Mounter brings up durable stores in dependency order: a store must be
// mounted before any store nested under its mountpoint.
type Mounter struct {
	stores []*DurableStore

	// swapped by tests
	drv     func(Kind) driver
	mounted func(string) (bool, error)
}

func NewMounter(stores []*DurableStore) (*Mounter, error) {
	sorted := make([]*DurableStore, len(stores))
	for i, s := range stores {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		sorted[i] = s
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return mountDepth(sorted[i].Mountpoint) < mountDepth(sorted[j].Mountpoint)
	})

	return &Mounter{
		stores:  sorted,
		drv:     driverFor,
		mounted: fsutil.MountPoint,
	}, nil
}

// Stores returns the stores in mount order.
func (m *Mounter) Stores() []*DurableStore {
	return m.stores
}

// MountAll attempts to mount every store, skipping those the kernel already
// shows as mounted (the initrd may have done the work). A boot-critical
// store that cannot be mounted aborts immediately; the boot sequence must
// not reach reconciliation without it. Optional failures degrade to
// warnings and the entries depending on them fail later, individually.
func (m *Mounter) MountAll() error {
	var warns *multierror.Error

	for _, s := range m.stores {
		active, err := m.mounted(s.Mountpoint)
		if err != nil {
			log.WithError(err).Debugf("cannot probe mount table for %s", s.Mountpoint)
		}
		if active {
			log.Debugf("store %q already mounted at %s", s.ID, s.Mountpoint)
			continue
		}

		if err := m.drv(s.Kind).Mount(s); err != nil {
			if s.NeededForBoot {
				return errors.Wrapf(perrs.StoreUnavailable, "boot-critical store %q at %s: %v", s.ID, s.Mountpoint, err)
			}
			log.WithError(err).Warnf("optional store %q could not be mounted", s.ID)
			warns = multierror.Append(warns, errors.Wrapf(err, "store %q", s.ID))
			continue
		}
		log.Infof("mounted store %q at %s", s.ID, s.Mountpoint)
	}

	if werr := warns.ErrorOrNil(); werr != nil {
		log.Warnf("some optional stores are unavailable: %v", werr)
	}
	return nil
}

// Ready reports whether every boot-critical store is currently mounted.
func (m *Mounter) Ready() (bool, error) {
	for _, s := range m.stores {
		if !s.NeededForBoot {
			continue
		}
		active, err := m.mounted(s.Mountpoint)
		if err != nil {
			return false, err
		}
		if !active {
			return false, errors.Wrapf(perrs.StoreNotMounted, "store %q at %s", s.ID, s.Mountpoint)
		}
	}
	return true, nil
}

// StoreFor returns the store whose mountpoint contains path, preferring the
// deepest match, or nil when no store covers it.
func (m *Mounter) StoreFor(path string) *DurableStore {
	var best *DurableStore
	for _, s := range m.stores {
		if !s.Contains(path) {
			continue
		}
		if best == nil || mountDepth(s.Mountpoint) > mountDepth(best.Mountpoint) {
			best = s
		}
	}
	return best
}

func mountDepth(path string) int {
	clean := filepath.Clean(path)
	if clean == "/" {
		return 0
	}
	return strings.Count(clean, "/")
}

// plainDriver mounts an ordinary block-device filesystem.
type plainDriver struct{}

// mount options handled as flags; anything else is passed through as
// filesystem data.
var optionFlags = map[string]uintptr{
	"ro":          unix.MS_RDONLY,
	"noatime":     unix.MS_NOATIME,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"nosuid":      unix.MS_NOSUID,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
}

func (plainDriver) Mount(s *DurableStore) error {
	if err := fsutil.EnsureDir(s.Mountpoint, defs.DirMode); err != nil {
		return errors.Wrapf(err, "create mountpoint %s", s.Mountpoint)
	}

	var flags uintptr
	var data []string
	for _, opt := range strings.Split(s.Options, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if f, ok := optionFlags[opt]; ok {
			flags |= f
			continue
		}
		data = append(data, opt)
	}

	if err := unix.Mount(s.Device, s.Mountpoint, s.FSType, flags, strings.Join(data, ",")); err != nil {
		return errors.Wrapf(err, "mount %s on %s", s.Device, s.Mountpoint)
	}
	return nil
}
