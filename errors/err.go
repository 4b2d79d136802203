package errors

import (
	"fmt"
)

type ErrCode int

// PersistErr is a coded error so callers can branch on the failure class
// without string matching. Severity (fatal vs warning) is not part of the
// error: it is decided by whether the store or entry that produced it is
// flagged needed-for-boot.
type PersistErr struct {
	Code ErrCode
	Msg  string
}

func (e *PersistErr) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
}

func new(code ErrCode, msg string) *PersistErr {
	return &PersistErr{
		Code: code,
		Msg:  msg,
	}
}

const (
	storeUnavailable ErrCode = iota
	notMounted
	durableMissing
	typeMismatch
	ephemeralConflict
	syscallFailed
	invalidTable
	parseFailed
	notReady
)

// Pre-defined errors.
var (
	StoreUnavailable = new(storeUnavailable, "durable store could not be mounted")
	StoreNotMounted  = new(notMounted, "durable store is not mounted")

	DurablePathMissing  = new(durableMissing, "durable path does not exist")
	DurableTypeMismatch = new(typeMismatch, "durable path type does not match entry mode")

	EphemeralConflict = new(ephemeralConflict, "ephemeral path occupied by a conflicting node")
	LinkFailed        = new(syscallFailed, "symlink creation failed")
	MountFailed       = new(syscallFailed, "bind mount failed")
	OwnershipFailed   = new(syscallFailed, "ownership or permission enforcement failed")

	InvalidTable   = new(invalidTable, "mount table is not valid")
	DuplicateEntry = new(invalidTable, "duplicate ephemeral path in mount table")
	RelativePath   = new(invalidTable, "path must be absolute")
	UnknownMode    = new(invalidTable, "unknown reconciliation mode")

	ConfigParseFailed = new(parseFailed, "failed to parse config file")
	NotReconciled     = new(notReady, "reconciliation has not completed on this boot")
)
