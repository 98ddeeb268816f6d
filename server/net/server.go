package net

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	getty "github.com/AlexStocks/getty/transport"
	gxlog "github.com/AlexStocks/goext/log"
	gxnet "github.com/AlexStocks/goext/net"
	log "github.com/AlexStocks/log4go"
	gxsync "github.com/dubbogo/gost/sync"

	"github.com/zhukovaskychina/xgtm-server/logger"
	"github.com/zhukovaskychina/xgtm-server/server/conf"
	"github.com/zhukovaskychina/xgtm-server/server/gtm"
)

const (
	pprofPath = "/debug/pprof/"
)

const logBanner = `
******************************************************************************************

 __   ______ _______ __  __        _____ ______ _______      ________ _____
 \ \ / / ___|_   __ |  \/  |      / ____|  ____|  __ \ \    / /  ____|  __ \
  \ V / |  __ | |  | \  / |_____ | (___ | |__  | |__) \ \  / /| |__  | |__) |
   > <| | |_ || |  | |\/| |______| \___ \|  __| |  _  / \ \/ / |  __| |  _  /
  / . \ |__| || |  | |  | |       ____) | |____| | \ \  \  /  | |____| | \ \
 /_/ \_\_____||_|  |_|  |_|      |_____/|______|_|  \_\  \/   |______|_|  \_\

******************************************************************************************
`

var (
	gtmPkgHandler = NewGTMPkgHandler()
)

// GTMServer ties the pieces together: the transaction registry, the standby
// agent and the getty event loop serving client connections.
type GTMServer struct {
	conf       *conf.Cfg
	serverList []getty.Server
	taskPool   gxsync.GenericTaskPool

	registry *gtm.Transactions
	control  *gtm.FileControl
	standby  *StandbyAgent
	handler  *GTMMessageHandler
}

func NewGTMServer(cfg *conf.Cfg) *GTMServer {
	controlPath := cfg.ControlFile
	if !filepath.IsAbs(controlPath) {
		controlPath = filepath.Join(cfg.DataDir, controlPath)
	}
	control := gtm.NewFileControl(controlPath)

	registry := gtm.NewTransactions(cfg.MaxGlobalTransactions, uint32(cfg.ControlInterval), nil, control)
	registry.SetStandby(cfg.Standby)

	return &GTMServer{
		conf:     cfg,
		registry: registry,
		control:  control,
		taskPool: gxsync.NewTaskPoolSimple(0),
	}
}

// Registry exposes the transaction registry, mainly so an embedding process
// can hand in its sequence manager.
func (srv *GTMServer) Registry() *gtm.Transactions {
	return srv.registry
}

func (srv *GTMServer) Start() {
	initProfiling(srv.conf)

	srv.restoreTransactionID()

	if srv.conf.StandbyEnable && srv.conf.StandbyAddress != "" && !srv.conf.Standby {
		srv.standby = NewStandbyAgent(srv.conf)
		srv.standby.Start(&srv.conf.GTMSessionParam)
	}

	srv.initServer(srv.conf)

	gxlog.CInfo(logBanner)
	gxlog.CInfo("%s starts successfull! its version=%s, its listen ends=%s:%d\n",
		srv.conf.AppName, getty.Version, srv.conf.BindAddress, srv.conf.Port)
	log.Info("%s starts successfull! its version=%s, its listen ends=%s:%d\n",
		srv.conf.AppName, getty.Version, srv.conf.BindAddress, srv.conf.Port)

	srv.initSignal()
}

// restoreTransactionID seeds the allocator from the control file written on
// the last clean shutdown, falling back to the configured startup GXID, and
// moves the node to running.
func (srv *GTMServer) restoreTransactionID() {
	next := gtm.GXID(srv.conf.StartupGXID)
	if restored, err := srv.control.Load(); err != nil {
		logger.Errorf("failed to read control file: %v, starting from %d", err, next)
	} else if restored.IsValid() {
		next = restored
		logger.Infof("restored next gxid %d from control file", next)
	}

	if err := srv.registry.SetNextGXID(next); err != nil {
		logger.Fatalf("failed to restore transaction id: %v", err)
	}
}

func initProfiling(cfg *conf.Cfg) {
	if cfg.ProfilePort <= 0 {
		return
	}
	addr := gxnet.HostAddress(cfg.BindAddress, cfg.ProfilePort)
	log.Info("App Profiling startup on address{%v}", addr+pprofPath)
	go func() {
		log.Info(http.ListenAndServe(addr, nil))
	}()
}

func (srv *GTMServer) initServer(cfg *conf.Cfg) {
	var (
		addr     string
		portList []string
		server   getty.Server
	)
	srv.handler = NewGTMMessageHandler(cfg, srv.registry, srv.standby)
	portList = append(portList, strconv.Itoa(cfg.Port))
	if len(portList) == 0 {
		panic("portList is nil")
	}
	for _, port := range portList {
		addr = gxnet.HostAddress2(cfg.BindAddress, port)
		serverOpts := []getty.ServerOption{getty.WithLocalAddress(addr)}
		server = getty.NewTCPServer(serverOpts...)
		// run event loop
		server.RunEventLoop(func(session getty.Session) error {
			var (
				ok      bool
				tcpConn *net.TCPConn
			)
			if cfg.GTMSessionParam.CompressEncoding {
				session.SetCompressType(getty.CompressZip)
			}
			if tcpConn, ok = session.Conn().(*net.TCPConn); !ok {
				panic(fmt.Sprintf("%s, session.conn{%#v} is not tcp connection\n", session.Stat(), session.Conn()))
			}
			tcpConn.SetNoDelay(cfg.GTMSessionParam.TcpNoDelay)
			tcpConn.SetKeepAlive(cfg.GTMSessionParam.TcpKeepAlive)
			if cfg.GTMSessionParam.TcpKeepAlive {
				tcpConn.SetKeepAlivePeriod(cfg.GTMSessionParam.KeepAlivePeriodDuration)
			}
			tcpConn.SetReadBuffer(cfg.GTMSessionParam.TcpRBufSize)
			tcpConn.SetWriteBuffer(cfg.GTMSessionParam.TcpWBufSize)

			session.SetName(cfg.GTMSessionParam.SessionName)
			session.SetMaxMsgLen(cfg.GTMSessionParam.MaxMsgLen)
			session.SetPkgHandler(gtmPkgHandler)
			session.SetEventListener(srv.handler)
			session.SetWQLen(cfg.GTMSessionParam.PkgWQSize)
			session.SetReadTimeout(cfg.GTMSessionParam.TcpReadTimeoutDuration)
			session.SetWriteTimeout(cfg.GTMSessionParam.TcpWriteTimeoutDuration)
			session.SetCronPeriod((int)(cfg.SessionTimeoutDuration / 1e6))
			session.SetWaitTime(cfg.GTMSessionParam.WaitTimeoutDuration)
			log.Debug("app accepts new session:%s\n", session.Stat())
			return nil
		})
		log.Debug("server bind addr{%s} ok!", addr)
		srv.serverList = append(srv.serverList, server)
	}
}

func (srv *GTMServer) uninitServer() {
	// Stop taking allocations first, then checkpoint the counter so a
	// restart resumes past every issued GXID.
	srv.registry.SetShuttingDown()
	srv.registry.SaveControlFile()

	for _, server := range srv.serverList {
		server.Close()
	}
	if srv.standby != nil {
		srv.standby.Close()
	}
	if srv.taskPool != nil {
		srv.taskPool.Close()
	}
}

func (srv *GTMServer) initSignal() {
	signals := make(chan os.Signal, 1)
	// It is not possible to block SIGKILL or syscall.SIGSTOP
	signal.Notify(signals, os.Interrupt, os.Kill, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-signals
		log.Info("get signal %s", sig.String())
		switch sig {
		case syscall.SIGHUP:
		// reload()
		default:
			go time.AfterFunc(srv.conf.FailFastTimeoutDuration, func() {
				log.Exit("app exit now by force...")
				log.Close()
			})

			// either uninitServer finishes within the fail-fast timeout or
			// the AfterFunc above kills the process
			srv.uninitServer()
			log.Exit("app exit now...")
			log.Close()
			return
		}
	}
}
