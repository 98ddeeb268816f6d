package gtm

import (
	"github.com/zhukovaskychina/xgtm-server/logger"
)

// ReadNewGXID returns the next GXID without allocating it.
func (t *Transactions) ReadNewGXID() GXID {
	t.idLock.RLock()
	gxid := t.nextGXID
	t.idLock.RUnlock()
	return gxid
}

// SetNextGXID restores the counter, normally from the control file, and moves
// the node from starting to running. Only legal during startup.
func (t *Transactions) SetNextGXID(gxid GXID) error {
	t.idLock.Lock()
	defer t.idLock.Unlock()

	if t.state != GTM_STARTING {
		return ErrNotStarting
	}
	if !gxid.IsNormal() {
		gxid = FirstNormalGXID
	}
	t.nextGXID = gxid
	t.controlGXID = gxid
	t.state = GTM_RUNNING
	return nil
}

// SetShuttingDown stops further GXID allocation so the value recorded in the
// control file stays ahead of every issued id.
func (t *Transactions) SetShuttingDown() {
	t.idLock.Lock()
	t.state = GTM_SHUTTING_DOWN
	t.idLock.Unlock()
}

// State returns the node lifecycle state.
func (t *Transactions) State() ServerState {
	t.idLock.RLock()
	defer t.idLock.RUnlock()
	return t.state
}

// SetStandby marks the node as a warm standby; standbys never generate GXIDs
// themselves, they replay the master's.
func (t *Transactions) SetStandby(standby bool) {
	t.idLock.Lock()
	t.standby = standby
	t.idLock.Unlock()
}

// IsStandby reports whether the node runs as a standby.
func (t *Transactions) IsStandby() bool {
	t.idLock.RLock()
	defer t.idLock.RUnlock()
	return t.standby
}

// SetWraparoundLimits installs the vacuum/warn/stop thresholds. An invalid
// vacLimit disables the checks entirely (the allocation fast path).
func (t *Transactions) SetWraparoundLimits(vacLimit, warnLimit, stopLimit, wrapLimit GXID) {
	t.idLock.Lock()
	t.vacLimit = vacLimit
	t.warnLimit = warnLimit
	t.stopLimit = stopLimit
	t.wrapLimit = wrapLimit
	t.idLock.Unlock()
}

// SetBackedUpGXID records the counter value known to be on the standby; used
// by the restore-update hint.
func (t *Transactions) SetBackedUpGXID(gxid GXID) {
	t.idLock.Lock()
	t.backedUpGXID = gxid
	t.idLock.Unlock()
}

// needsRestoreUpdate reports whether the counter has run past the value the
// standby restores from. Caller holds idLock.
func (t *Transactions) needsRestoreUpdate() bool {
	return t.backedUpGXID.PrecedesOrEquals(t.nextGXID)
}

// ConsumeNeedBackup returns and clears the pending backup hint.
func (t *Transactions) ConsumeNeedBackup() bool {
	t.idLock.Lock()
	need := t.needBackup
	t.needBackup = false
	t.idLock.Unlock()
	return need
}

// GlobalTransactionIDMulti assigns a GXID to every handle that does not have
// one yet. Handles with a GXID keep it and are reported in gxids[] all the
// same; newHandles lists only the handles that received a fresh id.
//
// Every CONTROL_INTERVAL issued ids (or on wraparound past the checkpoint)
// the counter is saved to the control file — after idLock is released.
func (t *Transactions) GlobalTransactionIDMulti(handles []TransactionHandle) (gxids []GXID, newHandles []TransactionHandle, err error) {
	if t.IsStandby() {
		return nil, nil, ErrStandbyMode
	}

	gxids = make([]GXID, len(handles))
	saveControl := false
	var lastIssued GXID

	t.idLock.Lock()

	if t.state == GTM_SHUTTING_DOWN {
		t.idLock.Unlock()
		return nil, nil, ErrShuttingDown
	}
	if t.state != GTM_RUNNING {
		t.idLock.Unlock()
		return nil, nil, ErrNotRunning
	}

	// A refused batch leaves the counter and the slots as they were.
	startGXID := t.nextGXID
	var assigned []*TransactionInfo
	undo := func() {
		for _, txn := range assigned {
			txn.gxid = InvalidGXID
		}
		t.nextGXID = startGXID
	}
	for i, handle := range handles {
		txn := t.HandleToTransactionInfo(handle)
		if txn == nil {
			undo()
			t.idLock.Unlock()
			return nil, nil, ErrInvalidHandle
		}

		if txn.gxid.IsValid() {
			gxids[i] = txn.gxid
			logger.Debugf("transaction has a GXID already assigned - %s:%d", txn.sessionID, txn.gxid)
			continue
		}

		xid := t.nextGXID

		// Wraparound defenses, coded to fall through as fast as possible in
		// normal operation (vacLimit unset or not yet violated).
		if xid.FollowsOrEquals(t.vacLimit) && t.vacLimit.IsValid() {
			if xid.FollowsOrEquals(t.stopLimit) {
				undo()
				t.idLock.Unlock()
				return nil, nil, ErrWraparoundStop
			} else if xid.FollowsOrEquals(t.warnLimit) {
				remaining := uint32(t.wrapLimit - xid)
				if t.warnHook != nil {
					t.warnHook(remaining)
				}
				logger.Warnf("database must be vacuumed within %d transactions", remaining)
			}
		}

		t.nextGXID = t.nextGXID.Next()

		txn.gxid = xid
		gxids[i] = xid
		lastIssued = xid
		assigned = append(assigned, txn)
		newHandles = append(newHandles, handle)
	}

	// Periodically checkpoint the counter; the plain compare catches the
	// wrapped case (lastIssued numerically below the checkpoint).
	if lastIssued.IsValid() &&
		(uint32(lastIssued-t.controlGXID) > t.controlInterval || lastIssued < t.controlGXID) {
		saveControl = true
		t.controlGXID = lastIssued
	}
	if t.needsRestoreUpdate() {
		t.needBackup = true
	}

	// Index the fresh GXIDs; taking tableLock under idLock follows the
	// declared lock order.
	if len(assigned) > 0 {
		t.tableLock.Lock()
		for _, txn := range assigned {
			t.byGXID[txn.gxid] = txn
		}
		t.tableLock.Unlock()
	}

	t.idLock.Unlock()

	if saveControl {
		t.saveControlFile()
	}

	return gxids, newHandles, nil
}

// GetGlobalTransactionID assigns (or returns the already assigned) GXID for a
// single handle.
func (t *Transactions) GetGlobalTransactionID(handle TransactionHandle) (GXID, error) {
	gxids, _, err := t.GlobalTransactionIDMulti([]TransactionHandle{handle})
	if err != nil {
		return InvalidGXID, err
	}
	return gxids[0], nil
}

// saveControlFile checkpoints the counter. Never called with a registry lock
// held: the control file write may block on disk.
func (t *Transactions) saveControlFile() {
	if t.control == nil {
		return
	}
	gxid := t.ReadNewGXID()
	if err := t.control.Save(gxid); err != nil {
		logger.Errorf("failed to save control file at gxid %d: %v", gxid, err)
		return
	}
	logger.Debugf("control file saved, next gxid %d", gxid)
}

// SaveControlFile forces a checkpoint; the server calls this on shutdown.
func (t *Transactions) SaveControlFile() {
	t.saveControlFile()
}

// BkupBeginTransactionMulti replays begin commands on the standby. As on the
// master, a batch that does not get a slot for every request fails with
// ErrCapacity.
func (t *Transactions) BkupBeginTransactionMulti(reqs []BeginRequest) ([]TransactionHandle, error) {
	handles, err := t.BeginTransactionMulti(reqs)
	if err != nil {
		return nil, err
	}
	if len(handles) != len(reqs) {
		return nil, ErrCapacity
	}
	return handles, nil
}

// BkupBeginTransactionGetGXIDMulti replays begin-and-allocate on the standby:
// the master's GXIDs are assigned into the fresh slots directly, and the
// local counter is pushed past the highest of them, skipping the reserved
// range on wraparound.
func (t *Transactions) BkupBeginTransactionGetGXIDMulti(gxids []GXID, reqs []BeginRequest) ([]TransactionHandle, error) {
	handles, err := t.BkupBeginTransactionMulti(reqs)
	if err != nil {
		return nil, err
	}

	saveControl := false
	var lastSeen GXID

	t.idLock.Lock()
	t.tableLock.Lock()

	for i, handle := range handles {
		txn := &t.slots[handle]
		txn.gxid = gxids[i]
		t.byGXID[gxids[i]] = txn

		logger.Debugf("bkup begin: gxid(%d), handle(%d)", gxids[i], handle)

		if t.nextGXID.PrecedesOrEquals(gxids[i]) {
			t.nextGXID = gxids[i] + 1
		}
		if !t.nextGXID.IsNormal() {
			t.nextGXID = FirstNormalGXID
		}
		lastSeen = t.nextGXID
	}

	if lastSeen.IsValid() &&
		(uint32(lastSeen-t.controlGXID) > t.controlInterval || lastSeen < t.controlGXID) {
		saveControl = true
		t.controlGXID = lastSeen
	}

	t.tableLock.Unlock()
	t.idLock.Unlock()

	if saveControl {
		t.saveControlFile()
	}

	return handles, nil
}

// BkupBeginTransactionGetGXID is the single-transaction standby replay.
func (t *Transactions) BkupBeginTransactionGetGXID(gxid GXID, req BeginRequest) (TransactionHandle, error) {
	handles, err := t.BkupBeginTransactionGetGXIDMulti([]GXID{gxid}, []BeginRequest{req})
	if err != nil {
		return InvalidTransactionHandle, err
	}
	return handles[0], nil
}
