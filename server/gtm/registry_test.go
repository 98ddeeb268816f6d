package gtm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgtm-server/server/common"
)

func newRunningRegistry(t *testing.T, maxTxns int) *Transactions {
	reg := NewTransactions(maxTxns, 0, nil, nil)
	require.NoError(t, reg.SetNextGXID(FirstNormalGXID))
	return reg
}

func TestBeginTransactionAllocatesSlotZeroFirst(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	handle, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, TransactionHandle(0), handle)
	assert.Equal(t, 1, reg.OpenTransactionCount())

	txn := reg.HandleToTransactionInfo(handle)
	require.NotNil(t, txn)
	assert.Equal(t, TXN_STARTING, txn.State())
	assert.Equal(t, "s1", txn.SessionID())
	assert.Equal(t, InvalidGXID, txn.GXID())
}

func TestBeginTransactionSessionReuse(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	h1, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "s1", 1)
	require.NoError(t, err)
	h2, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "s1", 1)
	require.NoError(t, err)

	// same session, same slot, one open transaction
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, reg.OpenTransactionCount())

	// completion frees the binding; the next begin on the session gets a
	// fresh slot
	status := reg.CommitTransaction(h1, nil)
	assert.Equal(t, common.STATUS_OK, status)

	h3, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "s1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, 1, reg.OpenTransactionCount())
}

func TestBeginTransactionRotatingCursor(t *testing.T) {
	reg := newRunningRegistry(t, 4)

	h0, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	assert.Equal(t, TransactionHandle(0), h0)
	assert.Equal(t, common.STATUS_OK, reg.CommitTransaction(h0, nil))

	// the freed slot is not reused immediately, the cursor moves on
	h1, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	assert.Equal(t, TransactionHandle(1), h1)

	// but it is reused within one sweep of the array
	seen := map[TransactionHandle]bool{h1: true}
	for i := 0; i < 3; i++ {
		h, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
		require.NoError(t, err)
		assert.False(t, seen[h])
		seen[h] = true
	}
	assert.True(t, seen[h0])
}

func TestBeginTransactionCapacity(t *testing.T) {
	reg := newRunningRegistry(t, 2)

	_, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)
	_, err = reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	require.NoError(t, err)

	_, err = reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
	assert.ErrorIs(t, err, ErrCapacity)

	// earlier entries of a failing batch keep their slots
	reg2 := newRunningRegistry(t, 2)
	handles, err := reg2.BeginTransactionMulti([]BeginRequest{
		{Isolation: ISOLATION_READ_COMMITTED, ConnID: -1},
		{Isolation: ISOLATION_READ_COMMITTED, ConnID: -1},
		{Isolation: ISOLATION_READ_COMMITTED, ConnID: -1},
	})
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Len(t, handles, 2)
	assert.Equal(t, 2, reg2.OpenTransactionCount())
}

func TestOpenSetMatchesInUse(t *testing.T) {
	reg := newRunningRegistry(t, 8)

	var handles []TransactionHandle
	for i := 0; i < 5; i++ {
		h, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 1)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, _, err := reg.GlobalTransactionIDMulti(handles)
	require.NoError(t, err)

	reg.CommitTransaction(handles[1], nil)
	reg.RollbackTransaction(handles[3])

	open := 0
	for i := 0; i < reg.MaxGlobalTransactions(); i++ {
		if reg.slots[i].inUse {
			open++
			txn := &reg.slots[i]
			assert.NotNil(t, txn.elem, "in-use slot %d must be on the open list", i)
		}
	}
	assert.Equal(t, open, reg.OpenTransactionCount())
	assert.Equal(t, 3, open)
}

func TestGXIDAndGIDLookups(t *testing.T) {
	reg := newRunningRegistry(t, 8)

	h, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "sess", 7)
	require.NoError(t, err)
	gxid, err := reg.GetGlobalTransactionID(h)
	require.NoError(t, err)

	assert.Equal(t, h, reg.GXIDToHandle(gxid))
	assert.Equal(t, InvalidTransactionHandle, reg.GXIDToHandle(gxid+100))
	assert.True(t, reg.IsGXIDInProgress(gxid))

	require.NoError(t, reg.StartPreparedTransaction(h, "gid-1", "n1,n2"))
	assert.Equal(t, h, reg.GIDToHandle("gid-1"))
	assert.Equal(t, InvalidTransactionHandle, reg.GIDToHandle("gid-2"))
}

func TestRemoveAllTransactionsSparesPrepared(t *testing.T) {
	reg := newRunningRegistry(t, 8)

	// two transactions for client 7: one plain, one prepared
	h1, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 7)
	require.NoError(t, err)
	_, err = reg.GetGlobalTransactionID(h1)
	require.NoError(t, err)

	h2, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 7)
	require.NoError(t, err)
	_, err = reg.GetGlobalTransactionID(h2)
	require.NoError(t, err)
	require.NoError(t, reg.StartPreparedTransaction(h2, "tx-prep", "n1"))
	require.NoError(t, reg.PrepareTransaction(h2))

	// a third one for another client
	h3, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 8)
	require.NoError(t, err)

	removed := reg.RemoveAllTransactions(7, -1)
	assert.Equal(t, 1, removed)

	assert.Nil(t, reg.HandleToTransactionInfo(h1))
	require.NotNil(t, reg.HandleToTransactionInfo(h2))
	assert.Equal(t, TXN_PREPARED, reg.HandleToTransactionInfo(h2).State())
	assert.NotNil(t, reg.HandleToTransactionInfo(h3))

	// the prepared transaction is still completable through its GID
	prepared := reg.GIDToHandle("tx-prep")
	assert.Equal(t, h2, prepared)
}

func TestRemoveAllTransactionsByProxyConn(t *testing.T) {
	reg := newRunningRegistry(t, 8)

	handles, err := reg.BeginTransactionMulti([]BeginRequest{
		{Isolation: ISOLATION_READ_COMMITTED, ClientID: 7, ConnID: 1},
		{Isolation: ISOLATION_READ_COMMITTED, ClientID: 7, ConnID: 2},
	})
	require.NoError(t, err)

	removed := reg.RemoveAllTransactions(7, 1)
	assert.Equal(t, 1, removed)
	assert.Nil(t, reg.HandleToTransactionInfo(handles[0]))
	assert.NotNil(t, reg.HandleToTransactionInfo(handles[1]))
}

func TestLastClientIdentifier(t *testing.T) {
	reg := newRunningRegistry(t, 8)

	assert.Equal(t, uint32(0), reg.LastClientIdentifier())

	_, err := reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 3)
	require.NoError(t, err)
	_, err = reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 9)
	require.NoError(t, err)
	_, err = reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "", 5)
	require.NoError(t, err)

	assert.Equal(t, uint32(9), reg.LastClientIdentifier())
}
