package protocol

import (
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgtm-server/server/common"
)

func TestPayloadRoundTrip(t *testing.T) {
	b := NewCommand(common.MSG_TXN_START_PREPARED)
	b.PutUint32(42).PutBool(true).PutString("tx-1").PutInt32(-1).PutInt64(123456789)

	pkt, _, err := DecodePacket(b.Bytes())
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, common.MSG_QUALIFIER_CMD, pkt.Qualifier)

	p := NewPayload(pkt.Body)
	u, err := p.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), u)

	flag, err := p.GetBool()
	require.NoError(t, err)
	assert.True(t, flag)

	s, err := p.GetString(common.GID_MAXLEN)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", s)

	i, err := p.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i)

	ts, err := p.GetInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), ts)

	assert.NoError(t, p.End())
}

func TestPayloadTruncation(t *testing.T) {
	p := NewPayload([]byte{0x00, 0x00})

	_, err := p.GetUint32()
	assert.Equal(t, ErrTruncatedMessage, jerrors.Cause(err))

	// a string whose declared length runs past the buffer
	p = NewPayload([]byte{0x00, 0x00, 0x00, 0x10, 'a', 'b'})
	_, err = p.GetString(1024)
	assert.Equal(t, ErrTruncatedMessage, jerrors.Cause(err))
}

func TestPayloadStringLimit(t *testing.T) {
	b := NewCommand(common.MSG_TXN_BEGIN)
	b.PutString("too-long-for-the-limit")

	p := NewPayload(b.Body())
	_, err := p.GetString(4)
	assert.Error(t, err)
}

func TestPayloadTrailingGarbage(t *testing.T) {
	p := NewPayload([]byte{0x01})
	assert.Equal(t, ErrTrailingGarbage, jerrors.Cause(p.End()))
}

func TestResponseProxyHeader(t *testing.T) {
	b := NewResponse(common.MSG_TXN_COMMIT_RESULT)
	b.PutProxyHeader(ProxyHeader{ConnID: 9}).PutUint32(3).PutInt32(0)

	pkt, _, err := DecodePacket(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, common.MSG_QUALIFIER_RESULT, pkt.Qualifier)

	p := NewPayload(pkt.Body)
	hdr, err := p.GetProxyHeader()
	require.NoError(t, err)
	assert.Equal(t, int32(9), hdr.ConnID)
}
