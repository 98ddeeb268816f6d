package net

import (
	"sync"
	"sync/atomic"
	"time"

	getty "github.com/AlexStocks/getty/transport"
	log "github.com/AlexStocks/log4go"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgtm-server/server/common"
	"github.com/zhukovaskychina/xgtm-server/server/conf"
	"github.com/zhukovaskychina/xgtm-server/server/gtm"
	"github.com/zhukovaskychina/xgtm-server/server/protocol"
)

var (
	errTooManySessions = jerrors.New("too many GTM sessions")
)

// request carries one decoded command through a handler: the frame, the
// payload cursor (already past the proxy header for proxied frames) and the
// session to respond on.
type request struct {
	session getty.Session
	conn    *GTMConnSessionImpl
	pkt     *protocol.Packet
	payload *protocol.Payload
	proxied bool
	hdr     protocol.ProxyHeader
}

// GTMMessageHandler decodes commands, drives the transaction registry,
// mirrors mutations to the standby and writes responses. One instance serves
// every connection; per-connection state lives in the session map.
type GTMMessageHandler struct {
	rwlock       sync.RWMutex
	cfg          *conf.Cfg
	sessionMap   map[getty.Session]*GTMConnSessionImpl
	registry     *gtm.Transactions
	standby      *StandbyAgent
	nextClientID uint32
}

func NewGTMMessageHandler(cfg *conf.Cfg, registry *gtm.Transactions, standby *StandbyAgent) *GTMMessageHandler {
	var handler = new(GTMMessageHandler)
	handler.sessionMap = make(map[getty.Session]*GTMConnSessionImpl)
	handler.cfg = cfg
	handler.registry = registry
	handler.standby = standby
	// Never hand out a client id at or below one already owned by an open
	// transaction (matters after promotion from standby).
	handler.nextClientID = registry.LastClientIdentifier()
	return handler
}

func (h *GTMMessageHandler) OnOpen(session getty.Session) error {
	var err error

	h.rwlock.RLock()
	if h.cfg.SessionNumber <= len(h.sessionMap) {
		err = errTooManySessions
	}
	h.rwlock.RUnlock()
	if err != nil {
		return err
	}

	clientID := atomic.AddUint32(&h.nextClientID, 1)
	log.Info("got session:%s, client id %d", session.Stat(), clientID)

	h.rwlock.Lock()
	h.sessionMap[session] = NewGTMConnSession(session, clientID)
	h.rwlock.Unlock()
	return nil
}

func (h *GTMMessageHandler) OnClose(session getty.Session) {
	h.dropSession(session)
}

func (h *GTMMessageHandler) OnError(session getty.Session, err error) {
	log.Error("session %s got error %v, closing", session.Stat(), err)
	h.dropSession(session)
}

// dropSession removes the connection and aborts every non-prepared
// transaction the client left behind.
func (h *GTMMessageHandler) dropSession(session getty.Session) {
	h.rwlock.Lock()
	conn, ok := h.sessionMap[session]
	delete(h.sessionMap, session)
	h.rwlock.Unlock()

	session.Close()
	if ok {
		h.registry.RemoveAllTransactions(conn.ClientID(), common.NO_PROXY_CONNID)
	}
}

func (h *GTMMessageHandler) OnCron(session getty.Session) {
	h.rwlock.RLock()
	conn, ok := h.sessionMap[session]
	h.rwlock.RUnlock()
	if !ok {
		return
	}
	if h.cfg.SessionTimeoutDuration > 0 &&
		time.Since(conn.GetLastActiveTime()) > h.cfg.SessionTimeoutDuration {
		log.Warn("session %s timed out, closing", session.Stat())
		h.dropSession(session)
	}
}

func (h *GTMMessageHandler) OnMessage(session getty.Session, pkg interface{}) {
	pkt, ok := pkg.(*protocol.Packet)
	if !ok {
		log.Error("invalid package type: %T", pkg)
		return
	}

	h.rwlock.RLock()
	conn, ok := h.sessionMap[session]
	h.rwlock.RUnlock()
	if !ok {
		log.Error("session not found: %s", session.Stat())
		return
	}
	conn.touch()

	if err := h.handleMessage(session, conn, pkt); err != nil {
		// Protocol errors are fatal for the connection; nothing was mutated.
		log.Error("error handling message type %d: %s", pkt.Type, jerrors.ErrorStack(err))
		h.dropSession(session)
	}
}

func (h *GTMMessageHandler) handleMessage(session getty.Session, conn *GTMConnSessionImpl, pkt *protocol.Packet) error {
	req := &request{
		session: session,
		conn:    conn,
		pkt:     pkt,
		payload: protocol.NewPayload(pkt.Body),
		proxied: pkt.IsProxied(),
	}
	if req.proxied {
		hdr, err := req.payload.GetProxyHeader()
		if err != nil {
			return err
		}
		req.hdr = hdr
	}

	switch pkt.Type {
	case common.MSG_TXN_BEGIN:
		return h.processBeginTransaction(req)
	case common.MSG_BKUP_TXN_BEGIN:
		return h.processBkupBeginTransaction(req)
	case common.MSG_TXN_BEGIN_GETGXID:
		return h.processBeginTransactionGetGXID(req)
	case common.MSG_BKUP_TXN_BEGIN_GETGXID:
		return h.processBkupBeginTransactionGetGXID(req)
	case common.MSG_TXN_BEGIN_GETGXID_AUTOVACUUM:
		return h.processBeginTransactionGetGXIDAutovacuum(req)
	case common.MSG_BKUP_TXN_BEGIN_GETGXID_AUTOVACUUM:
		return h.processBkupBeginTransactionGetGXIDAutovacuum(req)
	case common.MSG_TXN_BEGIN_GETGXID_MULTI:
		return h.processBeginTransactionGetGXIDMulti(req)
	case common.MSG_BKUP_TXN_BEGIN_GETGXID_MULTI:
		return h.processBkupBeginTransactionGetGXIDMulti(req)
	case common.MSG_TXN_PREPARE, common.MSG_BKUP_TXN_PREPARE:
		return h.processPrepareTransaction(req, pkt.Type.IsBackup())
	case common.MSG_TXN_START_PREPARED, common.MSG_BKUP_TXN_START_PREPARED:
		return h.processStartPreparedTransaction(req, pkt.Type.IsBackup())
	case common.MSG_TXN_COMMIT, common.MSG_BKUP_TXN_COMMIT:
		return h.processCommitTransaction(req, pkt.Type.IsBackup())
	case common.MSG_TXN_COMMIT_PREPARED, common.MSG_BKUP_TXN_COMMIT_PREPARED:
		return h.processCommitPreparedTransaction(req, pkt.Type.IsBackup())
	case common.MSG_TXN_COMMIT_MULTI, common.MSG_BKUP_TXN_COMMIT_MULTI:
		return h.processCommitTransactionMulti(req, pkt.Type.IsBackup())
	case common.MSG_TXN_ROLLBACK, common.MSG_BKUP_TXN_ROLLBACK:
		return h.processRollbackTransaction(req, pkt.Type.IsBackup())
	case common.MSG_TXN_ROLLBACK_MULTI, common.MSG_BKUP_TXN_ROLLBACK_MULTI:
		return h.processRollbackTransactionMulti(req, pkt.Type.IsBackup())
	case common.MSG_TXN_GET_GID_DATA:
		return h.processGetGIDData(req)
	case common.MSG_TXN_GET_GXID:
		return h.processGetGXID(req)
	case common.MSG_TXN_GET_NEXT_GXID:
		return h.processGetNextGXID(req)
	case common.MSG_TXN_GXID_LIST:
		return h.processGXIDList(req)
	case common.MSG_REPORT_XMIN, common.MSG_BKUP_REPORT_XMIN:
		return h.processReportXmin(req, pkt.Type.IsBackup())
	case common.MSG_BACKEND_DISCONNECT:
		return h.processBackendDisconnect(req)
	case common.MSG_SYNC_STANDBY:
		return h.processSyncStandby(req)
	default:
		return jerrors.Errorf("unsupported message type: %d", pkt.Type)
	}
}

// newResponse starts a result for req, prefixing the proxy header when the
// command came through a proxy.
func (h *GTMMessageHandler) newResponse(req *request, msgType common.MsgType) *protocol.Builder {
	b := protocol.NewResponse(msgType)
	if req.proxied {
		b.PutProxyHeader(req.hdr)
	}
	return b
}

func (h *GTMMessageHandler) respond(req *request, b *protocol.Builder) error {
	return req.session.WriteBytes(b.Bytes())
}

// respondError surfaces a validation or state error; registry state is
// unchanged.
func (h *GTMMessageHandler) respondError(req *request, opErr error) error {
	log.Warn("command %d failed: %v", req.pkt.Type, opErr)
	b := h.newResponse(req, common.MSG_ERROR_RESULT)
	b.PutString(opErr.Error())
	return h.respond(req, b)
}

// backup mirrors one mutation to the standby before the response is written.
// With no standby attached this is a no-op. An unreachable standby does not
// fail the client in asynchronous mode — the agent keeps reconnecting — but
// a synchronous flush that cannot be acknowledged does.
func (h *GTMMessageHandler) backup(req *request, cmd *protocol.Builder) error {
	if h.standby == nil {
		return nil
	}
	if err := h.standby.Forward(cmd); err != nil {
		log.Error("backup of %d to standby failed: %s", cmd.Type(), jerrors.ErrorStack(err))
		if h.cfg.SynchronousBackup && !req.proxied {
			return err
		}
		return nil
	}
	if h.cfg.SynchronousBackup && !req.proxied {
		return h.standby.Sync()
	}
	return nil
}

// parseBeginArgs reads the common begin argument tuple.
func parseBeginArgs(payload *protocol.Payload) (gtm.IsolationLevel, bool, string, error) {
	isolation, err := payload.GetUint32()
	if err != nil {
		return 0, false, "", err
	}
	readOnly, err := payload.GetBool()
	if err != nil {
		return 0, false, "", err
	}
	sessionID, err := payload.GetString(common.SESSION_ID_MAXLEN)
	if err != nil {
		return 0, false, "", err
	}
	return gtm.IsolationLevel(isolation), readOnly, sessionID, nil
}

// Process MSG_TXN_BEGIN message
func (h *GTMMessageHandler) processBeginTransaction(req *request) error {
	isolation, readOnly, sessionID, err := parseBeginArgs(req.payload)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	handle, beginErr := h.registry.BeginTransaction(isolation, readOnly, sessionID, req.conn.ClientID())
	if beginErr != nil {
		return h.respondError(req, beginErr)
	}

	timestamp := gtm.CurrentTimestamp()

	// Backup first
	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_BEGIN)
	cmd.PutUint32(uint32(isolation)).PutBool(readOnly).PutString(sessionID)
	cmd.PutUint32(req.conn.ClientID()).PutInt64(int64(timestamp))
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_BEGIN_RESULT)
	b.PutInt32(int32(handle)).PutInt64(int64(timestamp))
	return h.respond(req, b)
}

// Process MSG_BKUP_TXN_BEGIN message
func (h *GTMMessageHandler) processBkupBeginTransaction(req *request) error {
	isolation, readOnly, sessionID, err := parseBeginArgs(req.payload)
	if err != nil {
		return err
	}
	clientID, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if _, err = req.payload.GetInt64(); err != nil { // timestamp
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	_, beginErr := h.registry.BkupBeginTransactionMulti([]gtm.BeginRequest{{
		Isolation: isolation,
		ReadOnly:  readOnly,
		SessionID: sessionID,
		ClientID:  clientID,
		ConnID:    common.NO_PROXY_CONNID,
	}})
	if beginErr != nil {
		log.Error("bkup begin failed: %v", beginErr)
	}
	return nil
}

// Process MSG_TXN_BEGIN_GETGXID message
func (h *GTMMessageHandler) processBeginTransactionGetGXID(req *request) error {
	isolation, readOnly, sessionID, err := parseBeginArgs(req.payload)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	timestamp := gtm.CurrentTimestamp()

	handle, beginErr := h.registry.BeginTransaction(isolation, readOnly, sessionID, req.conn.ClientID())
	if beginErr != nil {
		return h.respondError(req, beginErr)
	}
	gxid, gxidErr := h.registry.GetGlobalTransactionID(handle)
	if gxidErr != nil {
		return h.respondError(req, gxidErr)
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_BEGIN_GETGXID)
	cmd.PutUint32(uint32(gxid))
	cmd.PutUint32(uint32(isolation)).PutBool(readOnly).PutString(sessionID)
	cmd.PutUint32(req.conn.ClientID()).PutInt64(int64(timestamp))
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_BEGIN_GETGXID_RESULT)
	b.PutUint32(uint32(gxid)).PutInt64(int64(timestamp))
	return h.respond(req, b)
}

// Process MSG_BKUP_TXN_BEGIN_GETGXID message
func (h *GTMMessageHandler) processBkupBeginTransactionGetGXID(req *request) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	isolation, readOnly, sessionID, err := parseBeginArgs(req.payload)
	if err != nil {
		return err
	}
	clientID, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if _, err = req.payload.GetInt64(); err != nil { // timestamp
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	_, beginErr := h.registry.BkupBeginTransactionGetGXID(gtm.GXID(gxid), gtm.BeginRequest{
		Isolation: isolation,
		ReadOnly:  readOnly,
		SessionID: sessionID,
		ClientID:  clientID,
		ConnID:    common.NO_PROXY_CONNID,
	})
	if beginErr != nil {
		log.Error("bkup begin getgxid failed: %v", beginErr)
	}
	return nil
}

// Process MSG_TXN_BEGIN_GETGXID_AUTOVACUUM message
func (h *GTMMessageHandler) processBeginTransactionGetGXIDAutovacuum(req *request) error {
	isolation, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	readOnly, err := req.payload.GetBool()
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	handle, beginErr := h.registry.BeginTransaction(gtm.IsolationLevel(isolation), readOnly, "", req.conn.ClientID())
	if beginErr != nil {
		return h.respondError(req, beginErr)
	}
	if vacErr := h.registry.SetVacuum(handle); vacErr != nil {
		return h.respondError(req, vacErr)
	}
	gxid, gxidErr := h.registry.GetGlobalTransactionID(handle)
	if gxidErr != nil {
		return h.respondError(req, gxidErr)
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_BEGIN_GETGXID_AUTOVACUUM)
	cmd.PutUint32(uint32(gxid)).PutUint32(isolation).PutBool(readOnly).PutUint32(req.conn.ClientID())
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_BEGIN_GETGXID_AUTOVACUUM_RESULT)
	b.PutUint32(uint32(gxid))
	return h.respond(req, b)
}

// Process MSG_BKUP_TXN_BEGIN_GETGXID_AUTOVACUUM message
func (h *GTMMessageHandler) processBkupBeginTransactionGetGXIDAutovacuum(req *request) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	isolation, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	readOnly, err := req.payload.GetBool()
	if err != nil {
		return err
	}
	clientID, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	handle, beginErr := h.registry.BkupBeginTransactionGetGXID(gtm.GXID(gxid), gtm.BeginRequest{
		Isolation: gtm.IsolationLevel(isolation),
		ReadOnly:  readOnly,
		ClientID:  clientID,
		ConnID:    common.NO_PROXY_CONNID,
	})
	if beginErr != nil {
		log.Error("bkup begin autovacuum failed: %v", beginErr)
		return nil
	}
	if vacErr := h.registry.SetVacuum(handle); vacErr != nil {
		log.Error("bkup begin autovacuum failed: %v", vacErr)
	}
	return nil
}

// Process MSG_TXN_BEGIN_GETGXID_MULTI message
func (h *GTMMessageHandler) processBeginTransactionGetGXIDMulti(req *request) error {
	count, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if count == 0 || int(count) > h.registry.MaxGlobalTransactions() {
		return jerrors.Errorf("invalid transaction count %d", count)
	}

	reqs := make([]gtm.BeginRequest, count)
	for i := range reqs {
		isolation, readOnly, sessionID, err := parseBeginArgs(req.payload)
		if err != nil {
			return err
		}
		connID, err := req.payload.GetInt32()
		if err != nil {
			return err
		}
		reqs[i] = gtm.BeginRequest{
			Isolation: isolation,
			ReadOnly:  readOnly,
			SessionID: sessionID,
			ClientID:  req.conn.ClientID(),
			ConnID:    connID,
		}
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	timestamp := gtm.CurrentTimestamp()

	handles, beginErr := h.registry.BeginTransactionMulti(reqs)
	if beginErr != nil {
		return h.respondError(req, beginErr)
	}
	gxids, _, gxidErr := h.registry.GlobalTransactionIDMulti(handles)
	if gxidErr != nil {
		return h.respondError(req, gxidErr)
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_BEGIN_GETGXID_MULTI)
	cmd.PutInt64(int64(timestamp)).PutUint32(count)
	for i := range reqs {
		cmd.PutUint32(uint32(gxids[i]))
		cmd.PutUint32(uint32(reqs[i].Isolation)).PutBool(reqs[i].ReadOnly).PutString(reqs[i].SessionID)
		cmd.PutUint32(reqs[i].ClientID).PutInt32(reqs[i].ConnID)
	}
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_BEGIN_GETGXID_MULTI_RESULT)
	b.PutUint32(count)
	for _, gxid := range gxids {
		b.PutUint32(uint32(gxid))
	}
	b.PutInt64(int64(timestamp))
	return h.respond(req, b)
}

// Process MSG_BKUP_TXN_BEGIN_GETGXID_MULTI message
func (h *GTMMessageHandler) processBkupBeginTransactionGetGXIDMulti(req *request) error {
	if _, err := req.payload.GetInt64(); err != nil { // timestamp
		return err
	}
	count, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if count == 0 || int(count) > h.registry.MaxGlobalTransactions() {
		return jerrors.Errorf("invalid transaction count %d", count)
	}

	gxids := make([]gtm.GXID, count)
	reqs := make([]gtm.BeginRequest, count)
	for i := range reqs {
		gxid, err := req.payload.GetUint32()
		if err != nil {
			return err
		}
		isolation, readOnly, sessionID, err := parseBeginArgs(req.payload)
		if err != nil {
			return err
		}
		clientID, err := req.payload.GetUint32()
		if err != nil {
			return err
		}
		connID, err := req.payload.GetInt32()
		if err != nil {
			return err
		}
		gxids[i] = gtm.GXID(gxid)
		reqs[i] = gtm.BeginRequest{
			Isolation: isolation,
			ReadOnly:  readOnly,
			SessionID: sessionID,
			ClientID:  clientID,
			ConnID:    connID,
		}
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	if _, beginErr := h.registry.BkupBeginTransactionGetGXIDMulti(gxids, reqs); beginErr != nil {
		log.Error("bkup begin getgxid multi failed: %v", beginErr)
	}
	return nil
}

// parseWaitedXIDs reads the waited-for GXID list of a commit command.
func parseWaitedXIDs(payload *protocol.Payload) ([]gtm.GXID, error) {
	count, err := payload.GetUint32()
	if err != nil {
		return nil, err
	}
	waited := make([]gtm.GXID, count)
	for i := range waited {
		v, err := payload.GetUint32()
		if err != nil {
			return nil, err
		}
		waited[i] = gtm.GXID(v)
	}
	return waited, nil
}

// Process MSG_TXN_COMMIT/MSG_BKUP_TXN_COMMIT message
func (h *GTMMessageHandler) processCommitTransaction(req *request, isBackup bool) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	waited, err := parseWaitedXIDs(req.payload)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	handle := h.registry.GXIDToHandle(gtm.GXID(gxid))
	status := h.registry.CommitTransaction(handle, waited)

	if isBackup {
		return nil
	}

	// A delayed commit is not mirrored: the backup is sent when the retried
	// commit finally succeeds.
	if status == common.STATUS_OK {
		cmd := protocol.NewCommand(common.MSG_BKUP_TXN_COMMIT)
		cmd.PutUint32(gxid).PutUint32(0)
		if err = h.backup(req, cmd); err != nil {
			return h.respondError(req, err)
		}
	}

	b := h.newResponse(req, common.MSG_TXN_COMMIT_RESULT)
	b.PutUint32(gxid).PutInt32(int32(status))
	return h.respond(req, b)
}

// Process MSG_TXN_COMMIT_PREPARED/MSG_BKUP_TXN_COMMIT_PREPARED message.
// Both the COMMIT PREPARED gxid and the original prepared gxid are committed
// as one atomic batch; the status of the auxiliary gxid is authoritative.
func (h *GTMMessageHandler) processCommitPreparedTransaction(req *request, isBackup bool) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	preparedGXID, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	waited, err := parseWaitedXIDs(req.payload)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	handles := []gtm.TransactionHandle{
		h.registry.GXIDToHandle(gtm.GXID(gxid)),
		h.registry.GXIDToHandle(gtm.GXID(preparedGXID)),
	}
	log.Debug("committing: prepared id %d and commit prepared id %d", preparedGXID, gxid)
	status, _ := h.registry.CommitTransactionMulti(handles, waited)

	if isBackup {
		return nil
	}

	if status[0] == common.STATUS_OK {
		cmd := protocol.NewCommand(common.MSG_BKUP_TXN_COMMIT_PREPARED)
		cmd.PutUint32(gxid).PutUint32(preparedGXID).PutUint32(0)
		if err = h.backup(req, cmd); err != nil {
			return h.respondError(req, err)
		}
	}

	b := h.newResponse(req, common.MSG_TXN_COMMIT_PREPARED_RESULT)
	b.PutUint32(gxid).PutInt32(int32(status[0]))
	return h.respond(req, b)
}

// Process MSG_TXN_COMMIT_MULTI/MSG_BKUP_TXN_COMMIT_MULTI message
func (h *GTMMessageHandler) processCommitTransactionMulti(req *request, isBackup bool) error {
	count, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if count == 0 || int(count) > h.registry.MaxGlobalTransactions() {
		return jerrors.Errorf("invalid transaction count %d", count)
	}
	gxids := make([]uint32, count)
	handles := make([]gtm.TransactionHandle, count)
	for i := range gxids {
		if gxids[i], err = req.payload.GetUint32(); err != nil {
			return err
		}
		handles[i] = h.registry.GXIDToHandle(gtm.GXID(gxids[i]))
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	status, _ := h.registry.CommitTransactionMulti(handles, nil)

	if isBackup {
		return nil
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_COMMIT_MULTI)
	cmd.PutUint32(count)
	for _, gxid := range gxids {
		cmd.PutUint32(gxid)
	}
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_COMMIT_MULTI_RESULT)
	b.PutUint32(count)
	for _, st := range status {
		b.PutInt32(int32(st))
	}
	return h.respond(req, b)
}

// Process MSG_TXN_ROLLBACK/MSG_BKUP_TXN_ROLLBACK message
func (h *GTMMessageHandler) processRollbackTransaction(req *request, isBackup bool) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	log.Debug("cancelling transaction id %d", gxid)

	handle := h.registry.GXIDToHandle(gtm.GXID(gxid))
	status := h.registry.RollbackTransaction(handle)

	if isBackup {
		return nil
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_ROLLBACK)
	cmd.PutUint32(gxid)
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_ROLLBACK_RESULT)
	b.PutUint32(gxid).PutInt32(int32(status))
	return h.respond(req, b)
}

// Process MSG_TXN_ROLLBACK_MULTI/MSG_BKUP_TXN_ROLLBACK_MULTI message
func (h *GTMMessageHandler) processRollbackTransactionMulti(req *request, isBackup bool) error {
	count, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if count == 0 || int(count) > h.registry.MaxGlobalTransactions() {
		return jerrors.Errorf("invalid transaction count %d", count)
	}
	gxids := make([]uint32, count)
	handles := make([]gtm.TransactionHandle, count)
	for i := range gxids {
		if gxids[i], err = req.payload.GetUint32(); err != nil {
			return err
		}
		handles[i] = h.registry.GXIDToHandle(gtm.GXID(gxids[i]))
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	status := h.registry.RollbackTransactionMulti(handles)

	if isBackup {
		return nil
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_ROLLBACK_MULTI)
	cmd.PutUint32(count)
	for _, gxid := range gxids {
		cmd.PutUint32(gxid)
	}
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_ROLLBACK_MULTI_RESULT)
	b.PutUint32(count)
	for _, st := range status {
		b.PutInt32(int32(st))
	}
	return h.respond(req, b)
}

// Process MSG_TXN_START_PREPARED/MSG_BKUP_TXN_START_PREPARED message
func (h *GTMMessageHandler) processStartPreparedTransaction(req *request, isBackup bool) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	gid, err := req.payload.GetString(common.GID_MAXLEN)
	if err != nil {
		return err
	}
	nodeString, err := req.payload.GetString(common.NODESTRING_MAXLEN)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	handle := h.registry.GXIDToHandle(gtm.GXID(gxid))
	prepErr := h.registry.StartPreparedTransaction(handle, gid, nodeString)

	if isBackup {
		if prepErr != nil {
			log.Error("bkup start prepared failed: %v", prepErr)
		}
		return nil
	}
	if prepErr != nil {
		return h.respondError(req, prepErr)
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_START_PREPARED)
	cmd.PutUint32(gxid).PutString(gid).PutString(nodeString)
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_START_PREPARED_RESULT)
	b.PutUint32(gxid)
	return h.respond(req, b)
}

// Process MSG_TXN_PREPARE/MSG_BKUP_TXN_PREPARE message
func (h *GTMMessageHandler) processPrepareTransaction(req *request, isBackup bool) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	log.Debug("preparing transaction id %d", gxid)

	handle := h.registry.GXIDToHandle(gtm.GXID(gxid))
	prepErr := h.registry.PrepareTransaction(handle)

	if isBackup {
		if prepErr != nil {
			log.Error("bkup prepare failed: %v", prepErr)
		}
		return nil
	}
	if prepErr != nil {
		return h.respondError(req, prepErr)
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_PREPARE)
	cmd.PutUint32(gxid)
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_PREPARE_RESULT)
	b.PutUint32(gxid)
	return h.respond(req, b)
}

// Process MSG_TXN_GET_GID_DATA message.
// Sent at the beginning of COMMIT PREPARED / ROLLBACK PREPARED: resolves the
// GID, opens an auxiliary transaction carrying the second phase, and hands
// back both GXIDs plus the involved-node list.
func (h *GTMMessageHandler) processGetGIDData(req *request) error {
	isolation, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	readOnly, err := req.payload.GetBool()
	if err != nil {
		return err
	}
	gid, err := req.payload.GetString(common.GID_MAXLEN)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	preparedHandle := h.registry.GIDToHandle(gid)
	if preparedHandle == gtm.InvalidTransactionHandle {
		return h.respondError(req, gtm.ErrUnknownGID)
	}

	handle, beginErr := h.registry.BeginTransaction(gtm.IsolationLevel(isolation), readOnly, "", req.conn.ClientID())
	if beginErr != nil {
		return h.respondError(req, beginErr)
	}
	gxid, gxidErr := h.registry.GetGlobalTransactionID(handle)
	if gxidErr != nil {
		return h.respondError(req, gxidErr)
	}

	preparedGXID, nodeString, gidErr := h.registry.GIDData(preparedHandle)
	if gidErr != nil {
		return h.respondError(req, gidErr)
	}

	// The prepared transaction was already backed up when it was started.
	// The auxiliary GXID has to reach the standby too: the standby will see
	// COMMIT/ABORT for it later and must know the id by then.
	cmd := protocol.NewCommand(common.MSG_BKUP_TXN_BEGIN_GETGXID)
	cmd.PutUint32(uint32(gxid))
	cmd.PutUint32(isolation).PutBool(false).PutString("")
	cmd.PutUint32(req.conn.ClientID()).PutInt64(0)
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_TXN_GET_GID_DATA_RESULT)
	b.PutUint32(uint32(gxid)).PutUint32(uint32(preparedGXID)).PutString(nodeString)
	return h.respond(req, b)
}

// Process MSG_TXN_GET_GXID message
func (h *GTMMessageHandler) processGetGXID(req *request) error {
	handle, err := req.payload.GetInt32()
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	gxid, gxidErr := h.registry.GetGlobalTransactionID(gtm.TransactionHandle(handle))
	if gxidErr != nil {
		return h.respondError(req, gxidErr)
	}

	b := h.newResponse(req, common.MSG_TXN_GET_GXID_RESULT)
	b.PutInt32(handle).PutUint32(uint32(gxid))
	return h.respond(req, b)
}

// Process MSG_TXN_GET_NEXT_GXID message.
// Read-only, so there is no backup to the standby.
func (h *GTMMessageHandler) processGetNextGXID(req *request) error {
	if err := req.payload.End(); err != nil {
		return err
	}

	b := h.newResponse(req, common.MSG_TXN_GET_NEXT_GXID_RESULT)
	b.PutUint32(uint32(h.registry.ReadNewGXID()))
	return h.respond(req, b)
}

// Process MSG_TXN_GXID_LIST message
func (h *GTMMessageHandler) processGXIDList(req *request) error {
	if err := req.payload.End(); err != nil {
		return err
	}

	if h.registry.IsStandby() {
		return h.respondError(req, gtm.ErrStandbyMode)
	}

	data := h.registry.SerializeRegistry()

	b := h.newResponse(req, common.MSG_TXN_GXID_LIST_RESULT)
	b.PutBytes(data)
	return h.respond(req, b)
}

// Process MSG_REPORT_XMIN/MSG_BKUP_REPORT_XMIN message
func (h *GTMMessageHandler) processReportXmin(req *request, isBackup bool) error {
	gxid, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	nodeType, err := req.payload.GetUint32()
	if err != nil {
		return err
	}
	nodeName, err := req.payload.GetString(common.NODE_NAME_MAXLEN)
	if err != nil {
		return err
	}
	if err = req.payload.End(); err != nil {
		return err
	}

	latestCompleted, globalXmin, errcode := h.registry.HandleGlobalXmin(int(nodeType), nodeName, gtm.GXID(gxid))

	if isBackup {
		return nil
	}

	cmd := protocol.NewCommand(common.MSG_BKUP_REPORT_XMIN)
	cmd.PutUint32(gxid).PutUint32(nodeType).PutString(nodeName)
	if err = h.backup(req, cmd); err != nil {
		return h.respondError(req, err)
	}

	b := h.newResponse(req, common.MSG_REPORT_XMIN_RESULT)
	b.PutUint32(uint32(latestCompleted)).PutUint32(uint32(globalXmin)).PutInt32(int32(errcode))
	return h.respond(req, b)
}

// Process MSG_BACKEND_DISCONNECT message.
// A proxy reports that one of its backends went away; every non-prepared
// transaction of that backend is aborted. No response is produced.
func (h *GTMMessageHandler) processBackendDisconnect(req *request) error {
	if err := req.payload.End(); err != nil {
		return err
	}

	connID := common.NO_PROXY_CONNID
	if req.proxied {
		connID = req.hdr.ConnID
	}
	h.registry.RemoveAllTransactions(req.conn.ClientID(), connID)
	return nil
}

// Process MSG_SYNC_STANDBY message: acknowledge a synchronous flush.
func (h *GTMMessageHandler) processSyncStandby(req *request) error {
	if err := req.payload.End(); err != nil {
		return err
	}

	b := h.newResponse(req, common.MSG_SYNC_STANDBY_RESULT)
	return h.respond(req, b)
}
