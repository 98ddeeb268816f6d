package net

import (
	getty "github.com/AlexStocks/getty/transport"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgtm-server/server/protocol"
)

// GTMPkgHandler splits the TCP stream into GTM frames for getty and turns
// outgoing packets back into bytes. The framing itself lives in the protocol
// package.
type GTMPkgHandler struct {
}

func NewGTMPkgHandler() *GTMPkgHandler {
	return &GTMPkgHandler{}
}

// Read parses one frame from the head of data. Returning a nil package with
// no error tells getty to wait for more bytes.
func (h *GTMPkgHandler) Read(ss getty.Session, data []byte) (interface{}, int, error) {
	pkt, pkgLen, err := protocol.DecodePacket(data)
	if err != nil {
		return nil, 0, jerrors.Trace(err)
	}
	if pkt == nil {
		return nil, 0, nil
	}
	return pkt, pkgLen, nil
}

// Write serializes an outgoing package.
func (h *GTMPkgHandler) Write(ss getty.Session, pkg interface{}) ([]byte, error) {
	switch p := pkg.(type) {
	case []byte:
		return p, nil
	case *protocol.Packet:
		return protocol.EncodePacket(p.Qualifier, p.Type, p.Body), nil
	}
	return nil, jerrors.Errorf("illegal @pkg{%#v} type", pkg)
}
