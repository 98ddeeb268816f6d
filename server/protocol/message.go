package protocol

import (
	"encoding/binary"

	jerrors "github.com/juju/errors"
	"github.com/zhukovaskychina/xgtm-server/server/common"
)

// ErrTruncatedMessage means a payload ended in the middle of a field. It is a
// protocol error: no state is mutated and the connection is closed.
var ErrTruncatedMessage = jerrors.New("message payload is truncated")

// ErrTrailingGarbage means a payload had bytes left after the last expected
// field.
var ErrTrailingGarbage = jerrors.New("message payload has trailing bytes")

// Payload is a read cursor over a command body. All scalars are big-endian;
// strings are a uint32 length followed by the bytes.
type Payload struct {
	buf []byte
	pos int
}

// NewPayload wraps a packet body.
func NewPayload(body []byte) *Payload {
	return &Payload{buf: body}
}

// GetByte reads one byte.
func (p *Payload) GetByte() (byte, error) {
	if p.pos+1 > len(p.buf) {
		return 0, jerrors.Trace(ErrTruncatedMessage)
	}
	b := p.buf[p.pos]
	p.pos++
	return b, nil
}

// GetBool reads one byte as a flag.
func (p *Payload) GetBool() (bool, error) {
	b, err := p.GetByte()
	return b != 0, err
}

// GetUint32 reads a big-endian uint32.
func (p *Payload) GetUint32() (uint32, error) {
	if p.pos+4 > len(p.buf) {
		return 0, jerrors.Trace(ErrTruncatedMessage)
	}
	v := binary.BigEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v, nil
}

// GetInt32 reads a big-endian int32.
func (p *Payload) GetInt32() (int32, error) {
	v, err := p.GetUint32()
	return int32(v), err
}

// GetInt64 reads a big-endian int64.
func (p *Payload) GetInt64() (int64, error) {
	if p.pos+8 > len(p.buf) {
		return 0, jerrors.Trace(ErrTruncatedMessage)
	}
	v := binary.BigEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return int64(v), nil
}

// GetString reads a length-prefixed string, refusing one longer than max.
func (p *Payload) GetString(max int) (string, error) {
	n, err := p.GetUint32()
	if err != nil {
		return "", err
	}
	if int(n) > max {
		return "", jerrors.Errorf("string length %d exceeds limit %d", n, max)
	}
	if p.pos+int(n) > len(p.buf) {
		return "", jerrors.Trace(ErrTruncatedMessage)
	}
	s := string(p.buf[p.pos : p.pos+int(n)])
	p.pos += int(n)
	return s, nil
}

// GetProxyHeader reads the proxy header at the head of a proxied payload.
func (p *Payload) GetProxyHeader() (ProxyHeader, error) {
	connID, err := p.GetInt32()
	return ProxyHeader{ConnID: connID}, err
}

// End verifies the whole payload has been consumed.
func (p *Payload) End() error {
	if p.pos != len(p.buf) {
		return jerrors.Trace(ErrTrailingGarbage)
	}
	return nil
}

// Builder accumulates a message body and frames it on Bytes(). Responses to
// proxied commands carry the proxy header first, so the proxy can route the
// result back to the right backend.
type Builder struct {
	qualifier byte
	msgType   common.MsgType
	body      []byte
}

// NewResponse starts a result frame of the given type.
func NewResponse(msgType common.MsgType) *Builder {
	return &Builder{qualifier: common.MSG_QUALIFIER_RESULT, msgType: msgType}
}

// NewCommand starts a command frame; the replication shim uses this for the
// backup twins it sends to the standby.
func NewCommand(msgType common.MsgType) *Builder {
	return &Builder{qualifier: common.MSG_QUALIFIER_CMD, msgType: msgType}
}

// PutProxyHeader prefixes the body with the connection id of the incoming
// frame. Must be the first Put call.
func (b *Builder) PutProxyHeader(hdr ProxyHeader) *Builder {
	return b.PutInt32(hdr.ConnID)
}

// PutByte appends one byte.
func (b *Builder) PutByte(v byte) *Builder {
	b.body = append(b.body, v)
	return b
}

// PutBool appends a flag byte.
func (b *Builder) PutBool(v bool) *Builder {
	if v {
		return b.PutByte(1)
	}
	return b.PutByte(0)
}

// PutUint32 appends a big-endian uint32.
func (b *Builder) PutUint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.body = append(b.body, tmp[:]...)
	return b
}

// PutInt32 appends a big-endian int32.
func (b *Builder) PutInt32(v int32) *Builder {
	return b.PutUint32(uint32(v))
}

// PutInt64 appends a big-endian int64.
func (b *Builder) PutInt64(v int64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.body = append(b.body, tmp[:]...)
	return b
}

// PutString appends a length-prefixed string.
func (b *Builder) PutString(s string) *Builder {
	b.PutUint32(uint32(len(s)))
	b.body = append(b.body, s...)
	return b
}

// PutBytes appends a length-prefixed byte slice.
func (b *Builder) PutBytes(data []byte) *Builder {
	b.PutUint32(uint32(len(data)))
	b.body = append(b.body, data...)
	return b
}

// Bytes frames the accumulated body.
func (b *Builder) Bytes() []byte {
	return EncodePacket(b.qualifier, b.msgType, b.body)
}

// Type returns the message type the builder frames.
func (b *Builder) Type() common.MsgType {
	return b.msgType
}

// Body returns the accumulated body without the frame header.
func (b *Builder) Body() []byte {
	return b.body
}
