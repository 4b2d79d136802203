package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gookit/ini/v2"
	"github.com/pkg/errors"

	defs "persistd/definitions"
	perrs "persistd/errors"
	log "persistd/logger"
	"persistd/pkg/reconciler"
	"persistd/pkg/store"
)

// Configuration keys.
const (
	// [runtime]
	KeyLogLevel  = "log_level"  // default=info
	KeyLogFormat = "log_format" // text or json, default=text
	KeyLogOutput = "log_file"   // default=stderr
	KeyDebug     = "debug"      // default=false

	// [stores] / [table] ordering; entries apply in the declared order
	// (the reconciler still normalizes nesting)
	KeyOrder = "order"

	// [store.<id>]
	KeyKind          = "kind" // zfs or plain
	KeyMountpoint    = "mountpoint"
	KeyDevice        = "device"
	KeyFSType        = "fstype"
	KeyOptions       = "options"
	KeyKeyFile       = "keyfile"
	KeyNeededForBoot = "needed_for_boot" // default=false

	// [persist.<name>]
	KeyEphemeral = "ephemeral"
	KeyDurable   = "durable"
	KeyMode      = "mode"  // symlink or bind, default=symlink
	KeyOwner     = "owner" // "uid:gid", default: leave alone
	KeyPerm      = "perm"  // octal, default: leave alone
)

const (
	runtimeSection     = "runtime"
	storesSection      = "stores"
	tableSection       = "table"
	storeSectionPrefix = "store."
	entrySectionPrefix = "persist."
)

// Config is the single immutable configuration value loaded at process
// start and passed explicitly to the mounter and the reconciler.
type Config struct {
	Log    log.Config
	Stores []*store.DurableStore
	Table  []*reconciler.Entry
}

// DefaultPath resolves the config file location, honoring the env override.
func DefaultPath() string {
	if p := os.Getenv(defs.ConfEnv); p != "" {
		return p
	}
	return filepath.Join(defs.ConfDir, defs.DefaultConf)
}

func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	raw := ini.New()
	if err := raw.LoadExists(path); err != nil {
		return nil, errors.Wrapf(perrs.ConfigParseFailed, "%s: %v", path, err)
	}

	c := &Config{
		Log: log.Config{
			Level:  raw.String(runtimeSection + "." + KeyLogLevel),
			Format: raw.String(runtimeSection + "." + KeyLogFormat),
			Output: raw.String(runtimeSection + "." + KeyLogOutput),
			Debug:  parseBool(raw.String(runtimeSection+"."+KeyDebug), false),
		},
	}

	for _, id := range orderedNames(raw, storesSection) {
		s, err := parseStore(raw, id)
		if err != nil {
			return nil, err
		}
		c.Stores = append(c.Stores, s)
	}

	for _, name := range orderedNames(raw, tableSection) {
		e, err := parseEntry(raw, name)
		if err != nil {
			return nil, err
		}
		c.Table = append(c.Table, e)
	}

	if len(c.Table) == 0 {
		return nil, errors.Wrapf(perrs.InvalidTable, "%s declares no persist entries", path)
	}

	c.promoteRequired()
	return c, nil
}

// orderedNames reads the `order` list of the [stores] or [table] section.
func orderedNames(raw *ini.Ini, section string) []string {
	var names []string
	for _, name := range strings.Split(raw.String(section+"."+KeyOrder), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parseStore(raw *ini.Ini, id string) (*store.DurableStore, error) {
	sec := raw.StringMap(storeSectionPrefix + id)
	if len(sec) == 0 {
		return nil, errors.Wrapf(perrs.ConfigParseFailed, "store %q listed in [%s] but [%s%s] is missing", id, storesSection, storeSectionPrefix, id)
	}

	s := &store.DurableStore{
		ID:            id,
		Mountpoint:    sec[KeyMountpoint],
		Kind:          store.Kind(sec[KeyKind]),
		Device:        sec[KeyDevice],
		FSType:        sec[KeyFSType],
		Options:       sec[KeyOptions],
		KeyFile:       sec[KeyKeyFile],
		NeededForBoot: parseBool(sec[KeyNeededForBoot], false),
	}
	if s.Kind == "" {
		s.Kind = store.KindZFS
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseEntry(raw *ini.Ini, name string) (*reconciler.Entry, error) {
	sec := raw.StringMap(entrySectionPrefix + name)
	if len(sec) == 0 {
		return nil, errors.Wrapf(perrs.ConfigParseFailed, "entry %q listed in [%s] but [%s%s] is missing", name, tableSection, entrySectionPrefix, name)
	}

	e := &reconciler.Entry{
		Name:          name,
		EphemeralPath: sec[KeyEphemeral],
		DurablePath:   sec[KeyDurable],
		Mode:          reconciler.Mode(sec[KeyMode]),
		NeededForBoot: parseBool(sec[KeyNeededForBoot], false),
		OwnerUID:      -1,
		OwnerGID:      -1,
	}
	if e.Mode == "" {
		e.Mode = reconciler.ModeSymlink
	}

	if owner := sec[KeyOwner]; owner != "" {
		uid, gid, err := parseOwner(owner)
		if err != nil {
			return nil, errors.Wrapf(perrs.ConfigParseFailed, "entry %q: %v", name, err)
		}
		e.OwnerUID, e.OwnerGID = uid, gid
	}

	if perm := sec[KeyPerm]; perm != "" {
		bits, err := strconv.ParseUint(perm, 8, 32)
		if err != nil {
			return nil, errors.Wrapf(perrs.ConfigParseFailed, "entry %q: perm %q is not octal: %v", name, perm, err)
		}
		e.Perm = os.FileMode(bits)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// promoteRequired propagates a boot-critical store's flag to every entry
// whose durable path lives under it: if the store must be there for boot,
// so must the state it carries.
func (c *Config) promoteRequired() {
	for _, s := range c.Stores {
		if !s.NeededForBoot {
			continue
		}
		for _, e := range c.Table {
			if !e.NeededForBoot && s.Contains(e.DurablePath) {
				log.Debugf("entry %q promoted to needed-for-boot by store %q", e.Name, s.ID)
				e.NeededForBoot = true
			}
		}
	}
}

// parseBool mirrors the tolerant value handling of the rest of the config:
// a malformed flag logs and falls back instead of failing the whole load.
func parseBool(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		log.Debugf("failed to parse %q as bool, using %v", s, fallback)
		return fallback
	}
	return v
}

func parseOwner(s string) (int, int, error) {
	uidStr, gidStr, found := strings.Cut(s, ":")
	if !found {
		gidStr = "-1"
	}
	uid, err := strconv.Atoi(strings.TrimSpace(uidStr))
	if err != nil {
		return 0, 0, errors.Errorf("owner uid %q is not numeric", uidStr)
	}
	gid, err := strconv.Atoi(strings.TrimSpace(gidStr))
	if err != nil {
		return 0, 0, errors.Errorf("owner gid %q is not numeric", gidStr)
	}
	return uid, gid, nil
}
