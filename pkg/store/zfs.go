package store

import (
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	defs "persistd/definitions"
	log "persistd/logger"
)

// zfsDriver mounts datasets through the zfs CLI. Encryption keys are loaded
// first when the store declares a key file; a dataset whose key is already
// loaded (for example by the initrd prompting the operator) is left alone.
type zfsDriver struct{}

func (d zfsDriver) Mount(s *DurableStore) error {
	if s.KeyFile != "" {
		if err := d.loadKey(s); err != nil {
			return err
		}
	}

	out, err := exec.Command(defs.ZfsBin, "mount", s.ID).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "already mounted") {
			log.Debugf("dataset %q already mounted", s.ID)
			return nil
		}
		return errors.Wrapf(err, "zfs mount %s: %s", s.ID, msg)
	}
	return nil
}

func (d zfsDriver) loadKey(s *DurableStore) error {
	status, err := keyStatus(s.ID)
	if err != nil {
		// zfs get failing usually means the pool is gone entirely;
		// let the mount attempt produce the real error.
		log.WithError(err).Debugf("cannot query keystatus of %q", s.ID)
	}
	if status == "available" {
		log.Debugf("key for dataset %q already loaded", s.ID)
		return nil
	}

	out, err := exec.Command(defs.ZfsBin, "load-key", "-L", "file://"+s.KeyFile, s.ID).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "zfs load-key %s: %s", s.ID, strings.TrimSpace(string(out)))
	}
	return nil
}

func keyStatus(dataset string) (string, error) {
	out, err := exec.Command(defs.ZfsBin, "get", "-H", "-o", "value", "keystatus", dataset).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
