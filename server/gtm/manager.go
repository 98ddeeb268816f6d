package gtm

import (
	"github.com/zhukovaskychina/xgtm-server/logger"
	"github.com/zhukovaskychina/xgtm-server/server/common"
)

// CommitTransactionMulti commits a batch of transactions. The returned status
// slice has one entry per handle:
//
//	STATUS_OK      committed and removed from the open set
//	STATUS_DELAYED a waited-for GXID is still in progress; the slot is left
//	               untouched and the client is expected to retry
//	STATUS_ERROR   the handle does not name an open transaction
//
// The second return value is the number of transactions actually removed.
//
// The waited set is re-checked against the open set for every transaction in
// the batch rather than snapshotted once, matching the historical behavior
// when the waited and committed sets overlap.
func (t *Transactions) CommitTransactionMulti(handles []TransactionHandle, waitedXIDs []GXID) ([]int, int) {
	status := make([]int, len(handles))
	remove := make([]*TransactionInfo, 0, len(handles))

	for i, handle := range handles {
		txn := t.HandleToTransactionInfo(handle)
		if txn == nil {
			logger.Warnf("can not commit uninitialized transaction handle %d", handle)
			status[i] = common.STATUS_ERROR
			continue
		}

		delayed := false
		for _, waited := range waitedXIDs {
			if t.IsGXIDInProgress(waited) {
				logger.Debugf("transaction %d not yet finished, commit of %d will be delayed",
					waited, txn.gxid)
				delayed = true
				break
			}
		}
		if delayed {
			status[i] = common.STATUS_DELAYED
			continue
		}

		txn.mu.Lock()
		txn.state = TXN_COMMIT_IN_PROGRESS
		txn.mu.Unlock()

		status[i] = common.STATUS_OK
		remove = append(remove, txn)
	}

	t.RemoveTransactionMulti(remove)

	return status, len(remove)
}

// CommitTransaction commits a single transaction, honoring waitedXIDs the
// same way the multi variant does.
func (t *Transactions) CommitTransaction(handle TransactionHandle, waitedXIDs []GXID) int {
	status, _ := t.CommitTransactionMulti([]TransactionHandle{handle}, waitedXIDs)
	return status[0]
}

// RollbackTransactionMulti aborts a batch of transactions. Statuses are
// STATUS_OK or STATUS_ERROR (invalid handle).
func (t *Transactions) RollbackTransactionMulti(handles []TransactionHandle) []int {
	status := make([]int, len(handles))
	remove := make([]*TransactionInfo, 0, len(handles))

	for i, handle := range handles {
		txn := t.HandleToTransactionInfo(handle)
		if txn == nil {
			status[i] = common.STATUS_ERROR
			continue
		}

		txn.mu.Lock()
		txn.state = TXN_ABORT_IN_PROGRESS
		txn.mu.Unlock()

		status[i] = common.STATUS_OK
		remove = append(remove, txn)
	}

	t.RemoveTransactionMulti(remove)

	return status
}

// RollbackTransaction aborts a single transaction.
func (t *Transactions) RollbackTransaction(handle TransactionHandle) int {
	return t.RollbackTransactionMulti([]TransactionHandle{handle})[0]
}

// StartPreparedTransaction moves a transaction into prepare-in-progress and
// binds the GID and the involved-node list to it. The GID must not be in use
// by any other open transaction.
func (t *Transactions) StartPreparedTransaction(handle TransactionHandle, gid, nodeString string) error {
	txn := t.HandleToTransactionInfo(handle)
	if txn == nil {
		return ErrInvalidHandle
	}
	if len(gid) > common.GID_MAXLEN {
		gid = gid[:common.GID_MAXLEN]
	}
	if len(nodeString) > common.NODESTRING_MAXLEN {
		nodeString = nodeString[:common.NODESTRING_MAXLEN]
	}

	// The uniqueness check and the index insert have to happen in the same
	// table lock section, or two racing prepares could both pass the check.
	t.tableLock.Lock()
	if other, ok := t.byGID[gid]; ok && other != txn {
		t.tableLock.Unlock()
		logger.Warnf("prepared transaction id '%s' already exists", gid)
		return ErrDuplicateGID
	}

	txn.mu.Lock()
	if txn.gid != "" && txn.gid != gid {
		delete(t.byGID, txn.gid)
	}
	txn.state = TXN_PREPARE_IN_PROGRESS
	txn.gid = gid
	// It is possible that no datanode is involved in a transaction.
	txn.nodeString = nodeString
	txn.mu.Unlock()

	t.byGID[gid] = txn
	t.tableLock.Unlock()

	return nil
}

// PrepareTransaction finishes the prepare step. The transaction must be in
// prepare-in-progress.
func (t *Transactions) PrepareTransaction(handle TransactionHandle) error {
	txn := t.HandleToTransactionInfo(handle)
	if txn == nil {
		logger.Warnf("can not prepare transaction handle %d", handle)
		return ErrInvalidHandle
	}

	txn.mu.Lock()
	state := txn.state
	if state == TXN_PREPARE_IN_PROGRESS {
		txn.state = TXN_PREPARED
	}
	txn.mu.Unlock()

	if state != TXN_PREPARE_IN_PROGRESS {
		logger.Errorf("transaction %d prepared from state %d, expected prepare-in-progress",
			txn.gxid, state)
		return ErrBadPrepareState
	}

	return nil
}

// GIDData returns the GXID and node list recorded for a prepared
// transaction.
func (t *Transactions) GIDData(handle TransactionHandle) (GXID, string, error) {
	txn := t.HandleToTransactionInfo(handle)
	if txn == nil {
		return InvalidGXID, "", ErrInvalidHandle
	}

	txn.mu.RLock()
	gxid := txn.gxid
	nodeString := txn.nodeString
	txn.mu.RUnlock()

	return gxid, nodeString, nil
}
