package gtm

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func beginN(t *testing.T, reg *Transactions, n int) []TransactionHandle {
	reqs := make([]BeginRequest, n)
	for i := range reqs {
		reqs[i] = BeginRequest{Isolation: ISOLATION_READ_COMMITTED, ClientID: 1, ConnID: -1}
	}
	handles, err := reg.BeginTransactionMulti(reqs)
	require.NoError(t, err)
	return handles
}

func TestAllocateMonotone(t *testing.T) {
	reg := newRunningRegistry(t, 64)

	handles := beginN(t, reg, 10)
	gxids, newHandles, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)
	assert.Len(t, newHandles, 10)

	prev := InvalidGXID
	for _, gxid := range gxids {
		assert.True(t, gxid.IsNormal())
		if prev.IsValid() {
			assert.True(t, gxid.Follows(prev))
		}
		prev = gxid
	}

	// a second call returns the same ids and assigns nothing new
	again, newHandles, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)
	assert.Equal(t, gxids, again)
	assert.Empty(t, newHandles)
}

func TestAllocateSkipsReservedOnWrap(t *testing.T) {
	reg := NewTransactions(16, 0, nil, nil)
	require.NoError(t, reg.SetNextGXID(GXID(0xFFFFFFFF)))

	handles := beginN(t, reg, 2)
	gxids, _, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)

	assert.Equal(t, GXID(0xFFFFFFFF), gxids[0])
	// the counter wrapped straight past 0, 1 and 2
	assert.Equal(t, FirstNormalGXID, gxids[1])
}

func TestAllocateStateGates(t *testing.T) {
	reg := NewTransactions(16, 0, nil, nil)

	// starting: no ids yet
	reqs := []BeginRequest{{Isolation: ISOLATION_READ_COMMITTED, ConnID: -1}}
	handles, err := reg.BeginTransactionMulti(reqs)
	require.NoError(t, err)
	_, _, err = reg.GlobalTransactionIDMulti(handles)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, reg.SetNextGXID(FirstNormalGXID))
	_, _, err = reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)

	// restore is one-shot
	assert.ErrorIs(t, reg.SetNextGXID(FirstNormalGXID), ErrNotStarting)

	reg.SetShuttingDown()
	_, _, err = reg.GlobalTransactionIDMulti(handles)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestAllocateOnStandbyFails(t *testing.T) {
	reg := newRunningRegistry(t, 16)
	reg.SetStandby(true)

	handles := beginN(t, reg, 1)
	_, _, err := reg.GlobalTransactionIDMulti(handles)
	assert.ErrorIs(t, err, ErrStandbyMode)
}

func TestWraparoundWarnAndStop(t *testing.T) {
	reg := NewTransactions(16, 0, nil, nil)
	require.NoError(t, reg.SetNextGXID(GXID(10)))
	reg.SetWraparoundLimits(GXID(5), GXID(10), GXID(20), GXID(30))

	var warnings []uint32
	reg.warnHook = func(remaining uint32) {
		warnings = append(warnings, remaining)
	}

	// at the warn limit: allocation succeeds and warns with wrap - xid
	handles := beginN(t, reg, 1)
	gxids, _, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)
	assert.Equal(t, GXID(10), gxids[0])
	require.Len(t, warnings, 1)
	assert.Equal(t, uint32(20), warnings[0])

	// at the stop limit: refused, state unchanged
	reg2 := NewTransactions(16, 0, nil, nil)
	require.NoError(t, reg2.SetNextGXID(GXID(20)))
	reg2.SetWraparoundLimits(GXID(5), GXID(10), GXID(20), GXID(30))

	handles2 := beginN(t, reg2, 1)
	_, _, err = reg2.GlobalTransactionIDMulti(handles2)
	assert.ErrorIs(t, err, ErrWraparoundStop)
	assert.Equal(t, GXID(20), reg2.ReadNewGXID())
	assert.Equal(t, InvalidGXID, reg2.HandleToTransactionInfo(handles2[0]).GXID())
}

func TestWraparoundFastPathWhenVacLimitUnset(t *testing.T) {
	reg := NewTransactions(16, 0, nil, nil)
	require.NoError(t, reg.SetNextGXID(GXID(25)))
	// vac limit invalid: warn/stop are ignored entirely
	reg.SetWraparoundLimits(InvalidGXID, GXID(10), GXID(20), GXID(30))

	handles := beginN(t, reg, 1)
	gxids, _, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)
	assert.Equal(t, GXID(25), gxids[0])
}

func TestControlFileCheckpointInterval(t *testing.T) {
	control := NewFileControl(filepath.Join(t.TempDir(), "gtm.control"))
	reg := NewTransactions(64, 8, nil, control)
	require.NoError(t, reg.SetNextGXID(FirstNormalGXID))

	// fewer allocations than the interval: nothing saved yet
	handles := beginN(t, reg, 4)
	_, _, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)
	restored, err := control.Load()
	require.NoError(t, err)
	assert.Equal(t, InvalidGXID, restored)

	// crossing the interval publishes the checkpoint
	handles = beginN(t, reg, 8)
	_, _, err = reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)
	restored, err = control.Load()
	require.NoError(t, err)
	assert.True(t, restored.IsNormal())
	assert.Equal(t, reg.ReadNewGXID(), restored)
}

func TestNeedBackupHint(t *testing.T) {
	reg := newRunningRegistry(t, 16)
	reg.SetBackedUpGXID(FirstNormalGXID)

	handles := beginN(t, reg, 1)
	_, _, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)

	assert.True(t, reg.ConsumeNeedBackup())
	assert.False(t, reg.ConsumeNeedBackup())
}

func TestBkupBeginAdvancesCounter(t *testing.T) {
	reg := newRunningRegistry(t, 16)
	reg.SetStandby(true)

	handle, err := reg.BkupBeginTransactionGetGXID(GXID(100), BeginRequest{
		Isolation: ISOLATION_READ_COMMITTED,
		SessionID: "s1",
		ClientID:  42,
		ConnID:    -1,
	})
	require.NoError(t, err)

	txn := reg.HandleToTransactionInfo(handle)
	require.NotNil(t, txn)
	assert.Equal(t, GXID(100), txn.GXID())
	assert.Equal(t, uint32(42), txn.ClientID())
	assert.Equal(t, GXID(101), reg.ReadNewGXID())
	assert.Equal(t, handle, reg.GXIDToHandle(GXID(100)))

	// a master gxid behind the counter does not move it back
	_, err = reg.BkupBeginTransactionGetGXID(GXID(50), BeginRequest{ConnID: -1})
	require.NoError(t, err)
	assert.Equal(t, GXID(101), reg.ReadNewGXID())
}

func TestBkupBeginSkipsReservedOnWrap(t *testing.T) {
	reg := NewTransactions(16, 0, nil, nil)
	require.NoError(t, reg.SetNextGXID(GXID(0xFFFFFFF0)))
	reg.SetStandby(true)

	_, err := reg.BkupBeginTransactionGetGXID(GXID(0xFFFFFFFF), BeginRequest{ConnID: -1})
	require.NoError(t, err)
	assert.Equal(t, FirstNormalGXID, reg.ReadNewGXID())
}

func TestConcurrentAllocationsSerialized(t *testing.T) {
	reg := newRunningRegistry(t, 512)

	handles := beginN(t, reg, 400)

	var mu sync.Mutex
	seen := make(map[GXID]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		part := handles[g*50 : (g+1)*50]
		wg.Add(1)
		go func(part []TransactionHandle) {
			defer wg.Done()
			gxids, _, err := reg.GlobalTransactionIDMulti(part)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			for _, gxid := range gxids {
				assert.False(t, seen[gxid], "gxid %d issued twice", gxid)
				seen[gxid] = true
			}
			mu.Unlock()
		}(part)
	}
	wg.Wait()

	assert.Len(t, seen, 400)
	assert.Equal(t, GXID(3+400), reg.ReadNewGXID())
}
