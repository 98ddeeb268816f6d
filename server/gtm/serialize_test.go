package gtm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRegistryRoundTrip(t *testing.T) {
	reg := newRunningRegistry(t, 16)

	h1, err := reg.BeginTransaction(ISOLATION_SERIALIZABLE, true, "sess-1", 7)
	require.NoError(t, err)
	gxid1, err := reg.GetGlobalTransactionID(h1)
	require.NoError(t, err)
	require.NoError(t, reg.StartPreparedTransaction(h1, "gid-1", "n1,n2"))

	_, err = reg.BeginTransaction(ISOLATION_READ_COMMITTED, false, "sess-2", 8)
	require.NoError(t, err)

	data := reg.SerializeRegistry()
	snap, err := DeserializeRegistry(data)
	require.NoError(t, err)

	assert.Equal(t, reg.ReadNewGXID(), snap.NextGXID)
	assert.Equal(t, reg.LatestCompletedGXID(), snap.LatestCompletedGXID)
	assert.Equal(t, GTM_RUNNING, snap.State)
	require.Len(t, snap.Transactions, 2)

	first := snap.Transactions[0]
	assert.Equal(t, gxid1, first.GXID)
	assert.Equal(t, ISOLATION_SERIALIZABLE, first.Isolation)
	assert.True(t, first.ReadOnly)
	assert.Equal(t, "sess-1", first.SessionID)
	assert.Equal(t, uint32(7), first.ClientID)
	assert.Equal(t, "gid-1", first.GID)
	assert.Equal(t, "n1,n2", first.NodeString)
}

func TestDeserializeRegistryRejectsGarbage(t *testing.T) {
	_, err := DeserializeRegistry([]byte("not snappy at all"))
	assert.Error(t, err)
}
