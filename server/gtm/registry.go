package gtm

import (
	"container/list"
	"sync"

	"github.com/zhukovaskychina/xgtm-server/logger"
)

// ServerState is the lifecycle phase of the whole GTM node.
type ServerState int32

const (
	GTM_STARTING ServerState = iota
	GTM_RUNNING
	GTM_SHUTTING_DOWN
)

// DefaultMaxGlobalTransactions sizes the slot array when the config does not.
const DefaultMaxGlobalTransactions = 16384

// DefaultControlInterval is the number of issued GXIDs between control file
// checkpoints.
const DefaultControlInterval = 8192

// BeginRequest carries the per-transaction arguments of a begin command.
type BeginRequest struct {
	Isolation IsolationLevel
	ReadOnly  bool
	SessionID string
	ClientID  uint32
	ConnID    int32
}

// Transactions is the global transaction registry: the slot array, the open
// list, the GXID allocator state and the two registry-wide locks.
//
// Lock order is idLock, then tableLock, then a slot lock; a path may skip
// levels downward but never acquires a higher lock while holding a lower one.
// The control file is always written with no registry lock held.
type Transactions struct {
	// idLock guards the GXID counter and the wraparound limits.
	idLock          sync.RWMutex
	state           ServerState
	standby         bool
	nextGXID        GXID
	oldestGXID      GXID
	vacLimit        GXID
	warnLimit       GXID
	stopLimit       GXID
	wrapLimit       GXID
	controlGXID     GXID
	backedUpGXID    GXID
	controlInterval uint32
	needBackup      bool

	// tableLock guards slot allocation, the inUse flags, the open list and
	// the lookup indexes.
	tableLock           sync.RWMutex
	slots               []TransactionInfo
	lastSlot            int
	freeSlots           int
	openList            *list.List
	byGXID              map[GXID]*TransactionInfo
	byGID               map[string]*TransactionInfo
	bySession           map[string]*TransactionInfo
	latestCompletedGXID GXID
	recentGlobalXmin    GXID
	reportedXmins       map[string]*nodeXminReport

	seqMgr  SequenceManager
	control ControlFile

	// warnHook, when set, observes wraparound warnings (tests use this).
	warnHook func(remaining uint32)
}

// NewTransactions builds an empty registry with maxTxns slots. The sequence
// manager and control file may be nil (cleanup and checkpoints are skipped).
func NewTransactions(maxTxns int, controlInterval uint32, seqMgr SequenceManager, control ControlFile) *Transactions {
	if maxTxns <= 0 {
		maxTxns = DefaultMaxGlobalTransactions
	}
	if controlInterval == 0 {
		controlInterval = DefaultControlInterval
	}

	t := &Transactions{
		state:               GTM_STARTING,
		nextGXID:            FirstNormalGXID,
		oldestGXID:          FirstNormalGXID,
		controlGXID:         FirstNormalGXID,
		controlInterval:     controlInterval,
		slots:               make([]TransactionInfo, maxTxns),
		lastSlot:            -1,
		freeSlots:           maxTxns,
		openList:            list.New(),
		byGXID:              make(map[GXID]*TransactionInfo),
		byGID:               make(map[string]*TransactionInfo),
		bySession:           make(map[string]*TransactionInfo),
		latestCompletedGXID: FirstNormalGXID,
		recentGlobalXmin:    FirstNormalGXID,
		reportedXmins:       make(map[string]*nodeXminReport),
		seqMgr:              seqMgr,
		control:             control,
	}
	for i := range t.slots {
		t.slots[i].handle = TransactionHandle(i)
	}
	return t
}

// SetSequenceManager hands in the sequence manager capability; cleanup calls
// it for every completing transaction that touched sequences.
func (t *Transactions) SetSequenceManager(mgr SequenceManager) {
	t.tableLock.Lock()
	t.seqMgr = mgr
	t.tableLock.Unlock()
}

// MaxGlobalTransactions returns the slot array capacity.
func (t *Transactions) MaxGlobalTransactions() int {
	return len(t.slots)
}

// HandleToTransactionInfo resolves a handle to its slot, nil when the handle
// is out of range or the slot is not in use.
func (t *Transactions) HandleToTransactionInfo(handle TransactionHandle) *TransactionInfo {
	if handle < 0 || int(handle) >= len(t.slots) {
		logger.Warnf("invalid transaction handle: %d", handle)
		return nil
	}
	txn := &t.slots[handle]
	if !txn.inUse {
		logger.Warnf("invalid transaction handle (%d), slot not in use", handle)
		return nil
	}
	return txn
}

// GXIDToTransactionInfo resolves a GXID through the open-set index, nil when
// no open transaction carries it.
func (t *Transactions) GXIDToTransactionInfo(gxid GXID) *TransactionInfo {
	if !gxid.IsValid() {
		return nil
	}
	t.tableLock.RLock()
	txn := t.byGXID[gxid]
	t.tableLock.RUnlock()
	return txn
}

// GXIDToHandle resolves a GXID to a handle, InvalidTransactionHandle when no
// open transaction carries it.
func (t *Transactions) GXIDToHandle(gxid GXID) TransactionHandle {
	if txn := t.GXIDToTransactionInfo(gxid); txn != nil {
		return txn.handle
	}
	logger.Warnf("no transaction handle for gxid: %d", gxid)
	return InvalidTransactionHandle
}

// IsGXIDInProgress reports whether the GXID belongs to an open transaction.
func (t *Transactions) IsGXIDInProgress(gxid GXID) bool {
	return t.GXIDToTransactionInfo(gxid) != nil
}

// GIDToHandle resolves a prepared transaction identifier to a handle.
func (t *Transactions) GIDToHandle(gid string) TransactionHandle {
	t.tableLock.RLock()
	txn := t.byGID[gid]
	t.tableLock.RUnlock()
	if txn != nil {
		return txn.handle
	}
	logger.Warnf("no transaction handle for prepared transaction id '%s'", gid)
	return InvalidTransactionHandle
}

// sessionToHandle resolves a global session to the open transaction bound to
// it. Caller holds the table lock.
func (t *Transactions) sessionToHandle(sessionID string) TransactionHandle {
	if sessionID == "" {
		return InvalidTransactionHandle
	}
	if txn := t.bySession[sessionID]; txn != nil {
		return txn.handle
	}
	return InvalidTransactionHandle
}

// BeginTransactionMulti starts one transaction per request. A request whose
// session already has an open transaction reuses that slot instead of
// consuming a new one.
//
// New slots are found by scanning forward from the last allocated index; the
// cursor rotation assumes old slots are freed long before the cursor comes
// back around. When the array is full the error is returned immediately and
// slots acquired by earlier requests in the batch stay valid.
func (t *Transactions) BeginTransactionMulti(reqs []BeginRequest) ([]TransactionHandle, error) {
	handles := make([]TransactionHandle, len(reqs))

	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	for k, req := range reqs {
		if h := t.sessionToHandle(req.SessionID); h != InvalidTransactionHandle {
			logger.Debugf("existing transaction found: %s:%d", req.SessionID, t.slots[h].gxid)
			handles[k] = h
			continue
		}

		if t.freeSlots == 0 {
			return handles[:k], ErrCapacity
		}

		slot := -1
		for i, j := (t.lastSlot+1)%len(t.slots), 0; j < len(t.slots); i, j = (i+1)%len(t.slots), j+1 {
			if !t.slots[i].inUse {
				slot = i
				break
			}
		}
		if slot < 0 {
			return handles[:k], ErrCapacity
		}

		txn := &t.slots[slot]
		txn.init(TransactionHandle(slot), req.Isolation, req.ReadOnly,
			req.SessionID, req.ClientID, req.ConnID)
		txn.elem = t.openList.PushBack(txn)
		if txn.sessionID != "" {
			t.bySession[txn.sessionID] = txn
		}
		t.lastSlot = slot
		t.freeSlots--
		handles[k] = TransactionHandle(slot)
	}

	return handles, nil
}

// BeginTransaction starts a single transaction, reusing the slot already
// bound to sessionID if there is one.
func (t *Transactions) BeginTransaction(isolation IsolationLevel, readOnly bool,
	sessionID string, clientID uint32) (TransactionHandle, error) {
	handles, err := t.BeginTransactionMulti([]BeginRequest{{
		Isolation: isolation,
		ReadOnly:  readOnly,
		SessionID: sessionID,
		ClientID:  clientID,
		ConnID:    -1,
	}})
	if err != nil {
		return InvalidTransactionHandle, err
	}
	return handles[0], nil
}

// SetVacuum flags the transaction as autovacuum; the xmin tracker skips it.
func (t *Transactions) SetVacuum(handle TransactionHandle) error {
	txn := t.HandleToTransactionInfo(handle)
	if txn == nil {
		return ErrInvalidHandle
	}
	txn.mu.Lock()
	txn.isVacuum = true
	txn.mu.Unlock()
	return nil
}

// removeLocked unlinks one slot from the open set, advances the latest
// completed GXID, runs sequence cleanup and releases the slot. Caller holds
// the table lock and has already moved the slot to a terminal in-progress
// state.
func (t *Transactions) removeLocked(txn *TransactionInfo) {
	if txn.elem != nil {
		t.openList.Remove(txn.elem)
		txn.elem = nil
	}
	if txn.gxid.IsValid() {
		delete(t.byGXID, txn.gxid)
	}
	if txn.gid != "" {
		delete(t.byGID, txn.gid)
	}
	if txn.sessionID != "" && t.bySession[txn.sessionID] == txn {
		delete(t.bySession, txn.sessionID)
	}

	if txn.gxid.IsNormal() && txn.gxid.FollowsOrEquals(t.latestCompletedGXID) {
		t.latestCompletedGXID = txn.gxid
	}

	logger.Debugf("removing transaction id %d, client %d, handle (%d)",
		txn.gxid, txn.clientID, txn.handle)

	txn.cleanupSequences(t.seqMgr)

	txn.createdSeqs = nil
	txn.droppedSeqs = nil
	txn.alteredSeqs = nil
	txn.gid = ""
	txn.nodeString = ""
	txn.sessionID = ""
	txn.state = TXN_ABORTED
	txn.inUse = false
	t.freeSlots++
}

// RemoveTransactionMulti removes the given transactions from the open set in
// one critical section. Nil entries are skipped.
func (t *Transactions) RemoveTransactionMulti(txns []*TransactionInfo) {
	t.tableLock.Lock()
	for _, txn := range txns {
		if txn == nil {
			continue
		}
		t.removeLocked(txn)
	}
	t.tableLock.Unlock()
}

// RemoveAllTransactions aborts and removes every open transaction owned by
// the client, restricted to connID unless connID is -1. Prepared transactions (and
// ones being prepared) survive: they are completed later through the GID,
// usually by a different client.
func (t *Transactions) RemoveAllTransactions(clientID uint32, connID int32) int {
	removed := 0

	t.tableLock.Lock()
	for elem := t.openList.Front(); elem != nil; {
		next := elem.Next()
		txn := elem.Value.(*TransactionInfo)
		if txn.inUse &&
			txn.state != TXN_PREPARED &&
			txn.state != TXN_PREPARE_IN_PROGRESS &&
			txn.clientID == clientID &&
			(connID == -1 || txn.proxyConnID == connID) {
			txn.state = TXN_ABORT_IN_PROGRESS
			t.removeLocked(txn)
			removed++
		}
		elem = next
	}
	t.tableLock.Unlock()

	if removed > 0 {
		logger.Infof("removed %d transactions for client %d backend %d", removed, clientID, connID)
	}
	return removed
}

// LastClientIdentifier returns the newest client id (in modular order) among
// the open transactions, 0 when none are open. A new master seeds its client
// id counter from this after promotion.
func (t *Transactions) LastClientIdentifier() uint32 {
	var last uint32

	t.tableLock.RLock()
	for elem := t.openList.Front(); elem != nil; elem = elem.Next() {
		txn := elem.Value.(*TransactionInfo)
		if clientIDFollows(txn.clientID, last) {
			last = txn.clientID
		}
	}
	t.tableLock.RUnlock()

	return last
}

// OpenTransactionCount returns the number of in-use slots.
func (t *Transactions) OpenTransactionCount() int {
	t.tableLock.RLock()
	defer t.tableLock.RUnlock()
	return t.openList.Len()
}

// LatestCompletedGXID returns the newest GXID whose slot has left the open
// set.
func (t *Transactions) LatestCompletedGXID() GXID {
	t.tableLock.RLock()
	defer t.tableLock.RUnlock()
	return t.latestCompletedGXID
}
