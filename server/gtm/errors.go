package gtm

import (
	"github.com/pkg/errors"
)

var (
	// ErrCapacity means the transaction slot array is full.
	ErrCapacity = errors.New("max global transactions limit reached")
	// ErrInvalidHandle means the handle does not name an in-use slot.
	ErrInvalidHandle = errors.New("invalid transaction handle")
	// ErrShuttingDown rejects allocations once shutdown has started, so the
	// GXID recorded in the control file stays ahead of every issued id.
	ErrShuttingDown = errors.New("shutting down, can not issue new transaction ids")
	// ErrStandbyMode rejects allocations on a standby; only the master
	// generates GXIDs.
	ErrStandbyMode = errors.New("running in standby mode, can not issue new transaction ids")
	// ErrWraparoundStop means the stop limit has been reached and operator
	// intervention is required.
	ErrWraparoundStop = errors.New("not accepting commands to avoid wraparound data loss")
	// ErrDuplicateGID means the GID is already bound to an open transaction.
	ErrDuplicateGID = errors.New("prepared transaction identifier already in use")
	// ErrUnknownGID means no open transaction carries the GID.
	ErrUnknownGID = errors.New("no transaction found for prepared transaction identifier")
	// ErrUnknownGXID means no open transaction carries the GXID.
	ErrUnknownGXID = errors.New("no transaction found for gxid")
	// ErrNotRunning rejects allocations before the counter has been restored.
	ErrNotRunning = errors.New("still starting up, can not issue new transaction ids")
	// ErrNotStarting rejects a counter restore outside the startup phase.
	ErrNotStarting = errors.New("transaction id can only be restored while starting")
	// ErrBadPrepareState means prepare was requested from a state other than
	// prepare-in-progress.
	ErrBadPrepareState = errors.New("transaction is not being prepared")
)
