package gtm

import (
	"container/list"
	"sync"

	"github.com/zhukovaskychina/xgtm-server/server/common"
)

// TransactionHandle indexes the global slot array. Handles are cheap to pass
// around; everything else (GXID, GID, session id) has to be resolved through
// the registry indexes first.
type TransactionHandle int32

// InvalidTransactionHandle is the sentinel returned by failed lookups.
const InvalidTransactionHandle TransactionHandle = -1

// TransactionState tracks the lifecycle of a slot between begin and cleanup.
type TransactionState int32

const (
	TXN_STARTING TransactionState = iota
	TXN_IN_PROGRESS
	TXN_PREPARE_IN_PROGRESS
	TXN_PREPARED
	TXN_COMMIT_IN_PROGRESS
	TXN_ABORT_IN_PROGRESS
	TXN_ABORTED
)

// IsolationLevel of a global transaction. The GTM only records it.
type IsolationLevel int32

const (
	ISOLATION_READ_COMMITTED IsolationLevel = iota + 1
	ISOLATION_REPEATABLE_READ
	ISOLATION_SERIALIZABLE
)

// TransactionInfo is one slot of the global transaction array. A slot is
// reused across many transactions; init resets every field. The per-slot lock
// guards the mutable fields (state, gid, node string) — slot allocation and
// the inUse flag are owned by the registry's table lock instead, and a
// transaction may be created, prepared and completed by different
// connections, so nothing here may reference a connection-local buffer.
type TransactionInfo struct {
	mu sync.RWMutex

	handle TransactionHandle
	inUse  bool

	gxid      GXID
	state     TransactionState
	isolation IsolationLevel
	readOnly  bool
	isVacuum  bool

	sessionID   string
	clientID    uint32
	proxyConnID int32

	// 2PC bookkeeping, present only after start-prepared.
	gid        string
	nodeString string

	// Sequences touched by this transaction, in arrival order. Handed to the
	// sequence manager on commit/abort cleanup.
	createdSeqs []SequenceRef
	droppedSeqs []SequenceRef
	alteredSeqs []SequenceRef

	// Position in the registry open list while inUse.
	elem *list.Element
}

// Handle returns the slot index.
func (ti *TransactionInfo) Handle() TransactionHandle { return ti.handle }

// GXID returns the assigned global transaction id, InvalidGXID if none yet.
func (ti *TransactionInfo) GXID() GXID { return ti.gxid }

// State returns the current lifecycle state under the slot lock.
func (ti *TransactionInfo) State() TransactionState {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.state
}

// SessionID returns the global session bound at begin time, "" for none.
func (ti *TransactionInfo) SessionID() string { return ti.sessionID }

// ClientID returns the server-issued id of the owning client connection.
func (ti *TransactionInfo) ClientID() uint32 { return ti.clientID }

// GID returns the prepared transaction identifier, "" before start-prepared.
func (ti *TransactionInfo) GID() string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.gid
}

// NodeString returns the node list recorded by start-prepared.
func (ti *TransactionInfo) NodeString() string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.nodeString
}

// IsVacuum reports whether this is an autovacuum transaction; those are
// invisible to snapshot xmin computation.
func (ti *TransactionInfo) IsVacuum() bool { return ti.isVacuum }

// init resets the slot for a fresh transaction. Caller holds the table lock.
func (ti *TransactionInfo) init(handle TransactionHandle, isolation IsolationLevel,
	readOnly bool, sessionID string, clientID uint32, connID int32) {
	ti.handle = handle
	ti.inUse = true

	ti.gxid = InvalidGXID
	ti.state = TXN_STARTING
	ti.isolation = isolation
	ti.readOnly = readOnly
	ti.isVacuum = false

	if len(sessionID) > common.SESSION_ID_MAXLEN {
		sessionID = sessionID[:common.SESSION_ID_MAXLEN]
	}
	ti.sessionID = sessionID
	ti.clientID = clientID
	ti.proxyConnID = connID

	ti.gid = ""
	ti.nodeString = ""
	ti.createdSeqs = nil
	ti.droppedSeqs = nil
	ti.alteredSeqs = nil
	ti.elem = nil
}
