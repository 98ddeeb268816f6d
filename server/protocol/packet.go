package protocol

import (
	"encoding/binary"

	jerrors "github.com/juju/errors"
	"github.com/zhukovaskychina/xgtm-server/server/common"
)

// Wire framing: every frame is a one-byte qualifier, a big-endian uint32
// total frame length (header included), a uint32 message type and the
// payload. Proxy-relayed commands use the proxy qualifier and start the
// payload with a proxy header carrying the backend connection id.

const (
	// PacketHeaderSize is qualifier + length + message type.
	PacketHeaderSize = 1 + 4 + 4
	// MaxPacketSize bounds a frame; anything larger is a protocol error.
	MaxPacketSize = 1024 * 1024
)

var (
	// ErrBadQualifier rejects a frame whose first byte is not a known
	// qualifier; the stream is unrecoverable and the connection is closed.
	ErrBadQualifier = jerrors.New("packet qualifier is not right")
	// ErrPacketTooLarge rejects a frame above MaxPacketSize.
	ErrPacketTooLarge = jerrors.New("packet length exceeds the legal maximum length")
)

// Packet is one decoded frame.
type Packet struct {
	Qualifier byte
	Type      common.MsgType
	Body      []byte
}

// IsProxied reports whether the command was relayed by a proxy, in which case
// the body starts with a ProxyHeader.
func (p *Packet) IsProxied() bool {
	return p.Qualifier == common.MSG_QUALIFIER_PROXY
}

// ProxyHeader prefixes proxied command payloads and every response to them.
type ProxyHeader struct {
	ConnID int32
}

// DecodePacket parses one frame from the head of data. A short buffer
// returns (nil, 0, nil) so the caller keeps reading; a malformed header
// returns an error and the connection is torn down.
func DecodePacket(data []byte) (*Packet, int, error) {
	if len(data) < PacketHeaderSize {
		return nil, 0, nil
	}

	qualifier := data[0]
	if qualifier != common.MSG_QUALIFIER_CMD &&
		qualifier != common.MSG_QUALIFIER_PROXY &&
		qualifier != common.MSG_QUALIFIER_RESULT {
		return nil, 0, jerrors.Trace(ErrBadQualifier)
	}

	length := binary.BigEndian.Uint32(data[1:5])
	if length < PacketHeaderSize || length > MaxPacketSize {
		return nil, 0, jerrors.Trace(ErrPacketTooLarge)
	}
	if len(data) < int(length) {
		return nil, 0, nil
	}

	pkt := &Packet{
		Qualifier: qualifier,
		Type:      common.MsgType(binary.BigEndian.Uint32(data[5:9])),
		Body:      append([]byte(nil), data[PacketHeaderSize:length]...),
	}
	return pkt, int(length), nil
}

// EncodePacket frames a message.
func EncodePacket(qualifier byte, msgType common.MsgType, body []byte) []byte {
	buf := make([]byte, PacketHeaderSize, PacketHeaderSize+len(body))
	buf[0] = qualifier
	binary.BigEndian.PutUint32(buf[1:5], uint32(PacketHeaderSize+len(body)))
	binary.BigEndian.PutUint32(buf[5:9], uint32(msgType))
	return append(buf, body...)
}
