package defs

import "os"

const (
	// Persistd configuration (INI).
	ConfDir     = "/etc/persistd"
	DefaultConf = "persistd.conf"
	// specify an alternative config file
	ConfEnv = "PERSISTD_CONF_FILE"

	// runtime state directory, lives on the ephemeral root on purpose:
	// a stale report from a previous boot can never survive into this one
	RunDir = "/run/persistd"
	// serialized report of the last reconciliation pass
	ReportFile = "report.json"
	// created once every required entry is applied; downstream units
	// may use it as an ordering condition
	ReadyFile = "ready"

	DirMode  = os.FileMode(0755) | os.ModeDir
	FileMode = os.FileMode(0644)
)

const (
	// external tools used by the zfs store driver
	ZfsBin   = "zfs"
	ZpoolBin = "zpool"
)
