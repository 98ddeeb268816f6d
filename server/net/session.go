package net

import (
	"sync/atomic"
	"time"

	getty "github.com/AlexStocks/getty/transport"

	"github.com/zhukovaskychina/xgtm-server/server"
)

// GTMConnSessionImpl is the per-connection state: the server-issued client
// id, request counters and activity tracking.
type GTMConnSessionImpl struct {
	server.GTMServerSession
	session        getty.Session
	clientID       uint32
	reqNum         int32
	lastActiveTime time.Time
}

func NewGTMConnSession(session getty.Session, clientID uint32) *GTMConnSessionImpl {
	var connSession = new(GTMConnSessionImpl)
	connSession.session = session
	connSession.clientID = clientID
	connSession.lastActiveTime = time.Now()
	connSession.reqNum = 0
	return connSession
}

func (m *GTMConnSessionImpl) GetLastActiveTime() time.Time {
	return m.lastActiveTime
}

func (m *GTMConnSessionImpl) ClientID() uint32 {
	return m.clientID
}

func (m *GTMConnSessionImpl) touch() {
	atomic.AddInt32(&m.reqNum, 1)
	m.lastActiveTime = time.Now()
}

func (m *GTMConnSessionImpl) GetParamByName(name string) interface{} {
	return m.session.GetAttribute(name)
}

func (m *GTMConnSessionImpl) SetParamByName(name string, value interface{}) {
	m.session.SetAttribute(name, value)
}
