package protocol

import (
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgtm-server/server/common"
)

func TestPacketRoundTrip(t *testing.T) {
	body := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := EncodePacket(common.MSG_QUALIFIER_CMD, common.MSG_TXN_COMMIT, body)

	pkt, consumed, err := DecodePacket(frame)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, common.MSG_QUALIFIER_CMD, pkt.Qualifier)
	assert.Equal(t, common.MSG_TXN_COMMIT, pkt.Type)
	assert.Equal(t, body, pkt.Body)
	assert.False(t, pkt.IsProxied())
}

func TestDecodePacketIncomplete(t *testing.T) {
	frame := EncodePacket(common.MSG_QUALIFIER_CMD, common.MSG_TXN_BEGIN, []byte("hello"))

	// any prefix short of the full frame parses to nil without error
	for cut := 0; cut < len(frame); cut++ {
		pkt, consumed, err := DecodePacket(frame[:cut])
		assert.NoError(t, err)
		assert.Nil(t, pkt)
		assert.Equal(t, 0, consumed)
	}
}

func TestDecodePacketTrailingBytesStay(t *testing.T) {
	frame := EncodePacket(common.MSG_QUALIFIER_PROXY, common.MSG_TXN_ROLLBACK, []byte{1, 2})
	stream := append(append([]byte(nil), frame...), 0xAA, 0xBB)

	pkt, consumed, err := DecodePacket(stream)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, len(frame), consumed)
	assert.True(t, pkt.IsProxied())
}

func TestDecodePacketBadQualifier(t *testing.T) {
	frame := EncodePacket(common.MSG_QUALIFIER_CMD, common.MSG_TXN_BEGIN, nil)
	frame[0] = 'X'

	_, _, err := DecodePacket(frame)
	assert.Equal(t, ErrBadQualifier, jerrors.Cause(err))
}

func TestDecodePacketOversized(t *testing.T) {
	frame := EncodePacket(common.MSG_QUALIFIER_CMD, common.MSG_TXN_BEGIN, nil)
	frame[1] = 0xFF // length field far beyond MaxPacketSize
	frame[2] = 0xFF
	frame[3] = 0xFF
	frame[4] = 0xFF

	_, _, err := DecodePacket(frame)
	assert.Equal(t, ErrPacketTooLarge, jerrors.Cause(err))
}
