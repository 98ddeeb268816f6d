package gtm

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgtm-server/server/common"
)

// recordingSeqManager records cleanup callbacks for assertions.
type recordingSeqManager struct {
	mu       sync.Mutex
	removed  []SequenceRef
	restored []SequenceRef
	dropped  []SequenceRef
	altered  []SequenceRef
	reverted []SequenceRef
	// calls lists the abort-side callbacks in the order they ran
	calls []string
}

func (m *recordingSeqManager) RemoveCreated(ref SequenceRef) {
	m.mu.Lock()
	m.removed = append(m.removed, ref)
	m.calls = append(m.calls, "RemoveCreated")
	m.mu.Unlock()
}

func (m *recordingSeqManager) RestoreDropped(ref SequenceRef) {
	m.mu.Lock()
	m.restored = append(m.restored, ref)
	m.calls = append(m.calls, "RestoreDropped")
	m.mu.Unlock()
}

func (m *recordingSeqManager) RestoreAltered(ref SequenceRef) {
	m.mu.Lock()
	m.reverted = append(m.reverted, ref)
	m.calls = append(m.calls, "RestoreAltered")
	m.mu.Unlock()
}

func (m *recordingSeqManager) RemoveDropped(ref SequenceRef) {
	m.mu.Lock()
	m.dropped = append(m.dropped, ref)
	m.mu.Unlock()
}

func (m *recordingSeqManager) RemoveAltered(ref SequenceRef) {
	m.mu.Lock()
	m.altered = append(m.altered, ref)
	m.mu.Unlock()
}

func TestBasicBeginCommit(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, TransactionHandle(0), handle)

	gxid, err := reg.GetGlobalTransactionID(handle)
	require.NoError(t, err)
	assert.Equal(t, GXID(3), gxid)

	status := reg.CommitTransaction(reg.GXIDToHandle(gxid), nil)
	assert.Equal(t, common.STATUS_OK, status)

	assert.False(t, reg.slots[0].inUse)
	assert.Equal(t, GXID(3), reg.LatestCompletedGXID())
	assert.Equal(t, GXID(4), reg.ReadNewGXID())
}

func TestCommitInvalidHandle(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	status := reg.CommitTransaction(InvalidTransactionHandle, nil)
	assert.Equal(t, common.STATUS_ERROR, status)
}

func TestTwoPhaseCommit(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	gxid, err := reg.GetGlobalTransactionID(handle)
	require.NoError(t, err)
	assert.Equal(t, GXID(3), gxid)

	require.NoError(t, reg.StartPreparedTransaction(handle, "tx1", "n1,n2"))
	assert.Equal(t, TXN_PREPARE_IN_PROGRESS, reg.HandleToTransactionInfo(handle).State())
	require.NoError(t, reg.PrepareTransaction(handle))
	assert.Equal(t, TXN_PREPARED, reg.HandleToTransactionInfo(handle).State())

	// COMMIT PREPARED path: resolve the GID, open the auxiliary transaction
	preparedHandle := reg.GIDToHandle("tx1")
	require.NotEqual(t, InvalidTransactionHandle, preparedHandle)

	auxHandle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 2)
	require.NoError(t, err)
	auxGXID, err := reg.GetGlobalTransactionID(auxHandle)
	require.NoError(t, err)
	assert.Equal(t, GXID(4), auxGXID)

	preparedGXID, nodeString, err := reg.GIDData(preparedHandle)
	require.NoError(t, err)
	assert.Equal(t, GXID(3), preparedGXID)
	assert.Equal(t, "n1,n2", nodeString)

	// both GXIDs commit as one batch, the auxiliary one is authoritative
	status, removed := reg.CommitTransactionMulti(
		[]TransactionHandle{auxHandle, preparedHandle}, nil)
	assert.Equal(t, common.STATUS_OK, status[0])
	assert.Equal(t, common.STATUS_OK, status[1])
	assert.Equal(t, 2, removed)

	assert.Equal(t, 0, reg.OpenTransactionCount())
	assert.Equal(t, GXID(4), reg.LatestCompletedGXID())
}

func TestStartPreparedDuplicateGID(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	h1, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	h2, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)

	require.NoError(t, reg.StartPreparedTransaction(h1, "dup", "n1"))
	assert.ErrorIs(t, reg.StartPreparedTransaction(h2, "dup", "n2"), ErrDuplicateGID)

	// the loser is untouched
	assert.Equal(t, TXN_STARTING, reg.HandleToTransactionInfo(h2).State())
}

func TestPrepareFromWrongState(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)

	assert.ErrorIs(t, reg.PrepareTransaction(handle), ErrBadPrepareState)
}

func TestCommitWaitDelay(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	h0, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	gxid0, err := reg.GetGlobalTransactionID(h0)
	require.NoError(t, err)
	assert.Equal(t, GXID(3), gxid0)

	h1, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	gxid1, err := reg.GetGlobalTransactionID(h1)
	require.NoError(t, err)
	assert.Equal(t, GXID(4), gxid1)

	// h1 waits on gxid0, which is still open: delayed, slot untouched
	status := reg.CommitTransaction(h1, []GXID{gxid0})
	assert.Equal(t, common.STATUS_DELAYED, status)
	require.NotNil(t, reg.HandleToTransactionInfo(h1))
	assert.Equal(t, TXN_STARTING, reg.HandleToTransactionInfo(h1).State())

	// complete the dependency, then the retry succeeds
	assert.Equal(t, common.STATUS_OK, reg.CommitTransaction(h0, nil))
	assert.Equal(t, common.STATUS_OK, reg.CommitTransaction(h1, []GXID{gxid0}))
	assert.Equal(t, GXID(4), reg.LatestCompletedGXID())
}

func TestRollbackRunsSequenceCleanupInOrder(t *testing.T) {
	seqMgr := &recordingSeqManager{}
	reg := NewTransactions(16, 0, seqMgr, nil)
	require.NoError(t, reg.SetNextGXID(FirstNormalGXID))

	handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	gxid, err := reg.GetGlobalTransactionID(handle)
	require.NoError(t, err)

	reg.RememberCreatedSequence(gxid, "seq-created")
	reg.RememberDroppedSequence(gxid, "seq-dropped")
	reg.RememberAlteredSequence(gxid, "seq-altered")

	assert.Equal(t, common.STATUS_OK, reg.RollbackTransaction(handle))

	// created sequences are dropped before dropped ones are restored
	assert.Equal(t, []string{"RemoveCreated", "RestoreDropped", "RestoreAltered"}, seqMgr.calls)
	assert.Equal(t, []SequenceRef{"seq-created"}, seqMgr.removed)
	assert.Equal(t, []SequenceRef{"seq-dropped"}, seqMgr.restored)
	assert.Equal(t, []SequenceRef{"seq-altered"}, seqMgr.reverted)
	assert.Empty(t, seqMgr.dropped)
	assert.Empty(t, seqMgr.altered)
}

func TestCommitRunsSequenceCleanup(t *testing.T) {
	seqMgr := &recordingSeqManager{}
	reg := NewTransactions(16, 0, seqMgr, nil)
	require.NoError(t, reg.SetNextGXID(FirstNormalGXID))

	handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	gxid, err := reg.GetGlobalTransactionID(handle)
	require.NoError(t, err)

	reg.RememberCreatedSequence(gxid, "seq-created")
	reg.RememberDroppedSequence(gxid, "seq-dropped")
	reg.RememberAlteredSequence(gxid, "seq-altered")
	reg.ForgetCreatedSequence(gxid, "seq-created")

	assert.Equal(t, common.STATUS_OK, reg.CommitTransaction(handle, nil))

	assert.Equal(t, []SequenceRef{"seq-dropped"}, seqMgr.dropped)
	assert.Equal(t, []SequenceRef{"seq-altered"}, seqMgr.altered)
	assert.Empty(t, seqMgr.removed)
	assert.Empty(t, seqMgr.restored)
	assert.Empty(t, seqMgr.reverted)
}

func TestConcurrentBeginCommit(t *testing.T) {
	reg := newRunningRegistry(t, 256)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				session := fmt.Sprintf("w%d-%d", worker, i)
				handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, session, uint32(worker))
				if !assert.NoError(t, err) {
					return
				}
				gxid, err := reg.GetGlobalTransactionID(handle)
				if !assert.NoError(t, err) {
					return
				}
				status := reg.CommitTransaction(reg.GXIDToHandle(gxid), nil)
				assert.Equal(t, common.STATUS_OK, status)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.OpenTransactionCount())
	// 8 workers * 50 ids, starting at 3
	assert.Equal(t, GXID(3+8*50), reg.ReadNewGXID())
	for i := 0; i < reg.MaxGlobalTransactions(); i++ {
		assert.False(t, reg.slots[i].inUse)
	}
}
