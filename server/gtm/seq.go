package gtm

// SequenceRef is an opaque reference to a sequence object owned by the
// sequence manager. The registry only tracks which transaction touched it.
type SequenceRef interface{}

// SequenceManager finalizes or rolls back sequence changes when the owning
// global transaction completes. Callbacks run with the registry table lock
// held, so implementations must not call back into the registry.
type SequenceManager interface {
	// RemoveCreated drops a sequence created by an aborting transaction.
	RemoveCreated(ref SequenceRef)
	// RestoreDropped reinstates a sequence dropped by an aborting transaction.
	RestoreDropped(ref SequenceRef)
	// RestoreAltered reverts a sequence altered by an aborting transaction.
	RestoreAltered(ref SequenceRef)
	// RemoveDropped permanently removes a sequence dropped by a committing
	// transaction.
	RemoveDropped(ref SequenceRef)
	// RemoveAltered permanently removes the original copy of a sequence
	// altered by a committing transaction; the altered copy stays.
	RemoveAltered(ref SequenceRef)
}

// RememberCreatedSequence tracks a sequence created under gxid so cleanup can
// drop it again if the transaction aborts.
func (t *Transactions) RememberCreatedSequence(gxid GXID, ref SequenceRef) {
	txn := t.GXIDToTransactionInfo(gxid)
	if txn == nil {
		return
	}
	txn.mu.Lock()
	txn.createdSeqs = append(txn.createdSeqs, ref)
	txn.mu.Unlock()
}

// ForgetCreatedSequence stops tracking a created sequence; used when the same
// transaction drops the sequence it created.
func (t *Transactions) ForgetCreatedSequence(gxid GXID, ref SequenceRef) {
	txn := t.GXIDToTransactionInfo(gxid)
	if txn == nil {
		return
	}
	txn.mu.Lock()
	for i, r := range txn.createdSeqs {
		if r == ref {
			txn.createdSeqs = append(txn.createdSeqs[:i], txn.createdSeqs[i+1:]...)
			break
		}
	}
	txn.mu.Unlock()
}

// RememberDroppedSequence tracks a sequence dropped under gxid.
func (t *Transactions) RememberDroppedSequence(gxid GXID, ref SequenceRef) {
	txn := t.GXIDToTransactionInfo(gxid)
	if txn == nil {
		return
	}
	txn.mu.Lock()
	txn.droppedSeqs = append(txn.droppedSeqs, ref)
	txn.mu.Unlock()
}

// RememberAlteredSequence tracks the original copy of a sequence altered
// under gxid.
func (t *Transactions) RememberAlteredSequence(gxid GXID, ref SequenceRef) {
	txn := t.GXIDToTransactionInfo(gxid)
	if txn == nil {
		return
	}
	txn.mu.Lock()
	txn.alteredSeqs = append(txn.alteredSeqs, ref)
	txn.mu.Unlock()
}

// cleanupSequences dispatches the tracked sequence changes to the sequence
// manager. Called with the table lock held, with the slot state already set
// to commit- or abort-in-progress.
//
// On abort, created sequences are dropped before dropped ones are restored:
// the new sequence may have reused a dropped name.
func (ti *TransactionInfo) cleanupSequences(mgr SequenceManager) {
	if mgr == nil {
		return
	}
	switch ti.state {
	case TXN_ABORT_IN_PROGRESS:
		for _, ref := range ti.createdSeqs {
			mgr.RemoveCreated(ref)
		}
		for _, ref := range ti.droppedSeqs {
			mgr.RestoreDropped(ref)
		}
		for _, ref := range ti.alteredSeqs {
			mgr.RestoreAltered(ref)
		}
	case TXN_COMMIT_IN_PROGRESS:
		for _, ref := range ti.droppedSeqs {
			mgr.RemoveDropped(ref)
		}
		for _, ref := range ti.alteredSeqs {
			mgr.RemoveAltered(ref)
		}
	}
}
