package net

import (
	"sync"
	"time"

	getty "github.com/AlexStocks/getty/transport"
	log "github.com/AlexStocks/log4go"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgtm-server/server/common"
	"github.com/zhukovaskychina/xgtm-server/server/conf"
	"github.com/zhukovaskychina/xgtm-server/server/protocol"
)

var (
	errStandbyNotConnected = jerrors.New("standby connection is not established")
	errStandbySyncTimeout  = jerrors.New("timed out waiting for standby acknowledgment")
)

// StandbyAgent mirrors every mutating operation to the warm standby before
// the client is acknowledged. It owns a single getty client connection that
// reconnects on loss; a send is retried a bounded number of times across
// reconnects. Retries are idempotent on the standby: a backup operation
// either already advanced the standby to the GXID or will do so now.
//
// The agent is deliberately independent of the registry locks: it only sees
// encoded packets.
type StandbyAgent struct {
	addr              string
	retryLimit        int
	reconnectInterval time.Duration
	syncTimeout       time.Duration

	client getty.Client

	mu      sync.RWMutex
	session getty.Session

	syncCh chan struct{}
	once   sync.Once
}

func NewStandbyAgent(cfg *conf.Cfg) *StandbyAgent {
	return &StandbyAgent{
		addr:              cfg.StandbyAddress,
		retryLimit:        cfg.StandbyRetryLimit,
		reconnectInterval: cfg.StandbyReconnectDuration,
		syncTimeout:       cfg.StandbySyncDuration,
		syncCh:            make(chan struct{}, 1),
	}
}

// Start connects to the standby. getty keeps redialing in the background, so
// a standby that is down at startup attaches as soon as it comes up.
func (a *StandbyAgent) Start(sessionParam *conf.GTMSessionParam) {
	a.client = getty.NewTCPClient(
		getty.WithServerAddress(a.addr),
		getty.WithConnectionNumber(1),
		getty.WithReconnectInterval(int(a.reconnectInterval)),
	)
	a.client.RunEventLoop(func(session getty.Session) error {
		session.SetName("gtm-standby")
		session.SetMaxMsgLen(sessionParam.MaxMsgLen)
		session.SetPkgHandler(NewGTMPkgHandler())
		session.SetEventListener(&standbyListener{agent: a})
		session.SetWQLen(sessionParam.PkgWQSize)
		session.SetReadTimeout(sessionParam.TcpReadTimeoutDuration)
		session.SetWriteTimeout(sessionParam.TcpWriteTimeoutDuration)
		session.SetWaitTime(sessionParam.WaitTimeoutDuration)
		log.Info("standby session established: %s", session.Stat())
		return nil
	})
}

// Close tears the standby connection down.
func (a *StandbyAgent) Close() {
	a.once.Do(func() {
		if a.client != nil {
			a.client.Close()
		}
	})
}

func (a *StandbyAgent) setSession(ss getty.Session) {
	a.mu.Lock()
	a.session = ss
	a.mu.Unlock()
}

func (a *StandbyAgent) dropSession(ss getty.Session) {
	a.mu.Lock()
	if a.session == ss {
		a.session = nil
	}
	a.mu.Unlock()
}

func (a *StandbyAgent) currentSession() getty.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Forward delivers one backup command to the standby, retrying across
// reconnects up to the retry limit.
func (a *StandbyAgent) Forward(msg *protocol.Builder) error {
	pkt := msg.Bytes()

	var err error
	for attempt := 0; attempt <= a.retryLimit; attempt++ {
		ss := a.currentSession()
		if ss == nil || ss.IsClosed() {
			err = errStandbyNotConnected
			log.Warn("standby not connected, waiting for reconnection (attempt %d)", attempt)
			time.Sleep(a.reconnectInterval)
			continue
		}
		if err = ss.WriteBytes(pkt); err == nil {
			return nil
		}
		log.Warn("standby write failed: %s, retrying", jerrors.ErrorStack(err))
		ss.Close()
	}
	return jerrors.Annotatef(err, "forward %d to standby %s", msg.Type(), a.addr)
}

// Sync performs the synchronous flush: a sync command is sent and the call
// blocks until the standby acknowledges it or the timeout fires.
func (a *StandbyAgent) Sync() error {
	// drain a stale ack left over from a timed-out sync
	select {
	case <-a.syncCh:
	default:
	}

	if err := a.Forward(protocol.NewCommand(common.MSG_SYNC_STANDBY)); err != nil {
		return err
	}

	select {
	case <-a.syncCh:
		return nil
	case <-time.After(a.syncTimeout):
		return jerrors.Trace(errStandbySyncTimeout)
	}
}

// standbyListener tracks the life of the standby session and surfaces sync
// acknowledgments.
type standbyListener struct {
	agent *StandbyAgent
}

func (l *standbyListener) OnOpen(session getty.Session) error {
	l.agent.setSession(session)
	return nil
}

func (l *standbyListener) OnClose(session getty.Session) {
	log.Info("standby session closed: %s", session.Stat())
	l.agent.dropSession(session)
}

func (l *standbyListener) OnError(session getty.Session, err error) {
	log.Error("standby session error: %v", err)
	l.agent.dropSession(session)
	session.Close()
}

func (l *standbyListener) OnCron(session getty.Session) {
}

func (l *standbyListener) OnMessage(session getty.Session, pkg interface{}) {
	pkt, ok := pkg.(*protocol.Packet)
	if !ok {
		log.Error("invalid package type from standby: %T", pkg)
		return
	}
	if pkt.Type == common.MSG_SYNC_STANDBY_RESULT {
		select {
		case l.agent.syncCh <- struct{}{}:
		default:
		}
	}
}
