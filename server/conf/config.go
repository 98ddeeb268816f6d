package conf

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhukovaskychina/xgtm-server/logger"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
nodename	= gtm1
bind-address	= 127.0.0.1
port		= 6666
datadir		= /var/lib/xgtm
control_file	= /var/lib/xgtm/gtm.control
*/
type Cfg struct {
	Raw         *ini.File
	AppName     string
	NodeName    string
	BindAddress string
	Port        int
	DataDir     string

	ProfilePort int

	// transaction registry
	MaxGlobalTransactions int    `default:"16384" yaml:"max_global_transactions" json:"max_global_transactions,omitempty"`
	ControlFile           string `default:"gtm.control" yaml:"control_file" json:"control_file,omitempty"`
	ControlInterval       int    `default:"8192" yaml:"control_interval" json:"control_interval,omitempty"`
	StartupGXID           uint32 `default:"3" yaml:"startup_gxid" json:"startup_gxid,omitempty"`

	// standby replication
	Standby                  bool   `default:"false" yaml:"standby" json:"standby,omitempty"`
	StandbyEnable            bool   `default:"false" yaml:"standby_enable" json:"standby_enable,omitempty"`
	StandbyAddress           string `default:"" yaml:"standby_address" json:"standby_address,omitempty"`
	SynchronousBackup        bool   `default:"false" yaml:"synchronous_backup" json:"synchronous_backup,omitempty"`
	StandbyRetryLimit        int    `default:"3" yaml:"standby_retry_limit" json:"standby_retry_limit,omitempty"`
	StandbyReconnectInterval string `default:"3s" yaml:"standby_reconnect_interval" json:"standby_reconnect_interval,omitempty"`
	StandbyReconnectDuration time.Duration
	StandbySyncTimeout       string `default:"10s" yaml:"standby_sync_timeout" json:"standby_sync_timeout,omitempty"`
	StandbySyncDuration      time.Duration

	// session
	SessionTimeout         string `default:"60s" yaml:"session_timeout" json:"session_timeout,omitempty"`
	SessionTimeoutDuration time.Duration
	SessionNumber          int `default:"1000" yaml:"session_number" json:"session_number,omitempty"`

	// app
	FailFastTimeout         string `default:"5s" yaml:"fail_fast_timeout" json:"fail_fast_timeout,omitempty"`
	FailFastTimeoutDuration time.Duration

	// logs
	LogError string `default:"/var/log/xgtm/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/xgtm/gtm.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// session tcp parameters
	GTMSessionParam GTMSessionParam `required:"true" yaml:"getty_session_param" json:"getty_session_param,omitempty"`
}

type GTMSessionParam struct {
	CompressEncoding        bool   `default:"false" yaml:"compress_encoding" json:"compress_encoding,omitempty"`
	TcpNoDelay              bool   `default:"true" yaml:"tcp_no_delay" json:"tcp_no_delay,omitempty"`
	TcpKeepAlive            bool   `default:"true" yaml:"tcp_keep_alive" json:"tcp_keep_alive,omitempty"`
	KeepAlivePeriod         string `default:"180s" yaml:"keep_alive_period" json:"keep_alive_period,omitempty"`
	KeepAlivePeriodDuration time.Duration
	TcpRBufSize             int `default:"262144" yaml:"tcp_r_buf_size" json:"tcp_r_buf_size,omitempty"`
	TcpWBufSize             int `default:"65536" yaml:"tcp_w_buf_size" json:"tcp_w_buf_size,omitempty"`
	PkgWQSize               int `default:"1024" yaml:"pkg_wq_size" json:"pkg_wq_size,omitempty"`
	TcpReadTimeout          string `default:"1s" yaml:"tcp_read_timeout" json:"tcp_read_timeout,omitempty"`
	TcpReadTimeoutDuration  time.Duration
	TcpWriteTimeout         string `default:"5s" yaml:"tcp_write_timeout" json:"tcp_write_timeout,omitempty"`
	TcpWriteTimeoutDuration time.Duration
	WaitTimeout             string `default:"7s" yaml:"wait_timeout" json:"wait_timeout,omitempty"`
	WaitTimeoutDuration     time.Duration
	MaxMsgLen               int    `default:"1048576" yaml:"max_msg_len" json:"max_msg_len,omitempty"`
	SessionName             string `default:"gtm-server" yaml:"session_name" json:"session_name,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:         ini.Empty(),
		AppName:     "xgtm-server",
		NodeName:    "one",
		BindAddress: "127.0.0.1",
		Port:        6666,
		DataDir:     "data",

		MaxGlobalTransactions: 16384,
		ControlFile:           "gtm.control",
		ControlInterval:       8192,
		StartupGXID:           3,

		StandbyRetryLimit:        3,
		StandbyReconnectDuration: 3 * time.Second,
		StandbySyncDuration:      10 * time.Second,

		SessionNumber:           1000,
		SessionTimeoutDuration:  60 * time.Second,
		FailFastTimeoutDuration: 5 * time.Second,

		LogError: "/var/log/xgtm/error.log",
		LogInfos: "/var/log/xgtm/gtm.log",
		LogLevel: "info",

		GTMSessionParam: GTMSessionParam{
			TcpNoDelay:              true,
			TcpKeepAlive:            true,
			KeepAlivePeriodDuration: 180 * time.Second,
			TcpRBufSize:             262144,
			TcpWBufSize:             65536,
			PkgWQSize:               1024,
			TcpReadTimeoutDuration:  time.Second,
			TcpWriteTimeoutDuration: 5 * time.Second,
			WaitTimeoutDuration:     7 * time.Second,
			MaxMsgLen:               1048576,
			SessionName:             "gtm-server",
		},
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Debugf("failed to load the configuration file: %v\n", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile

	cfg.parseGTMCfg(cfg.Raw.Section("gtm"))
	cfg.parseStandbyCfg(cfg.Raw.Section("standby"))
	cfg.parseSessionCfg(cfg.Raw.Section("session"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}

	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := "conf/gtm.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	// check if config file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("configuration file %s not found, using defaults\n", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		logger.Debugf("failed to parse %s: %v, using defaults\n", configFile, err)
		return ini.Empty(), nil
	}

	logger.Debugf("configuration loaded from %s\n", configFile)
	return parsedFile, nil
}

func (cfg *Cfg) parseGTMCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	nodeName, err := valueAsString(section, "nodename", cfg.NodeName)
	if err == nil {
		cfg.NodeName = nodeName
	}

	bindAddress, err := valueAsString(section, "bind-address", cfg.BindAddress)
	if err == nil && net.ParseIP(bindAddress) != nil {
		cfg.BindAddress = bindAddress
	}

	cfg.Port = section.Key("port").MustInt(cfg.Port)
	cfg.ProfilePort = section.Key("profile_port").MustInt(cfg.ProfilePort)

	dataDir, err := valueAsString(section, "datadir", cfg.DataDir)
	if err == nil {
		cfg.DataDir = dataDir
	}

	cfg.MaxGlobalTransactions = section.Key("max_global_transactions").MustInt(cfg.MaxGlobalTransactions)
	cfg.ControlInterval = section.Key("control_interval").MustInt(cfg.ControlInterval)
	cfg.StartupGXID = uint32(section.Key("startup_gxid").MustUint(uint(cfg.StartupGXID)))

	controlFile, err := valueAsString(section, "control_file", cfg.ControlFile)
	if err == nil {
		cfg.ControlFile = controlFile
	}

	cfg.SessionNumber = section.Key("max_session_number").MustInt(cfg.SessionNumber)

	sessionTimeout := section.Key("session_timeout").MustString("60s")
	if d, err := time.ParseDuration(sessionTimeout); err == nil {
		cfg.SessionTimeout = sessionTimeout
		cfg.SessionTimeoutDuration = d
	}

	failFastTimeout := section.Key("fail_fast_timeout").MustString("5s")
	if d, err := time.ParseDuration(failFastTimeout); err == nil {
		cfg.FailFastTimeout = failFastTimeout
		cfg.FailFastTimeoutDuration = d
	}

	return cfg
}

func (cfg *Cfg) parseStandbyCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.Standby = section.Key("standby").MustBool(cfg.Standby)
	cfg.StandbyEnable = section.Key("enable").MustBool(cfg.StandbyEnable)

	address, err := valueAsString(section, "address", cfg.StandbyAddress)
	if err == nil {
		cfg.StandbyAddress = address
	}

	cfg.SynchronousBackup = section.Key("synchronous_backup").MustBool(cfg.SynchronousBackup)
	cfg.StandbyRetryLimit = section.Key("retry_limit").MustInt(cfg.StandbyRetryLimit)

	reconnect := section.Key("reconnect_interval").MustString("3s")
	if d, err := time.ParseDuration(reconnect); err == nil {
		cfg.StandbyReconnectInterval = reconnect
		cfg.StandbyReconnectDuration = d
	}

	syncTimeout := section.Key("sync_timeout").MustString("10s")
	if d, err := time.ParseDuration(syncTimeout); err == nil {
		cfg.StandbySyncTimeout = syncTimeout
		cfg.StandbySyncDuration = d
	}

	return cfg
}

func (cfg *Cfg) parseSessionCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	param := &cfg.GTMSessionParam

	param.CompressEncoding = section.Key("compress_encoding").MustBool(param.CompressEncoding)
	param.TcpNoDelay = section.Key("tcp_no_delay").MustBool(param.TcpNoDelay)
	param.TcpKeepAlive = section.Key("tcp_keep_alive").MustBool(param.TcpKeepAlive)

	keepAlivePeriod := section.Key("keep_alive_period").MustString("180s")
	if d, err := time.ParseDuration(keepAlivePeriod); err == nil {
		param.KeepAlivePeriod = keepAlivePeriod
		param.KeepAlivePeriodDuration = d
	}

	param.TcpRBufSize = section.Key("tcp_r_buf_size").MustInt(param.TcpRBufSize)
	param.TcpWBufSize = section.Key("tcp_w_buf_size").MustInt(param.TcpWBufSize)
	param.PkgWQSize = section.Key("pkg_wq_size").MustInt(param.PkgWQSize)

	tcpReadTimeout := section.Key("tcp_read_timeout").MustString("1s")
	if d, err := time.ParseDuration(tcpReadTimeout); err == nil {
		param.TcpReadTimeout = tcpReadTimeout
		param.TcpReadTimeoutDuration = d
	}

	tcpWriteTimeout := section.Key("tcp_write_timeout").MustString("5s")
	if d, err := time.ParseDuration(tcpWriteTimeout); err == nil {
		param.TcpWriteTimeout = tcpWriteTimeout
		param.TcpWriteTimeoutDuration = d
	}

	waitTimeout := section.Key("wait_timeout").MustString("7s")
	if d, err := time.ParseDuration(waitTimeout); err == nil {
		param.WaitTimeout = waitTimeout
		param.WaitTimeoutDuration = d
	}

	param.MaxMsgLen = section.Key("max_msg_len").MustInt(param.MaxMsgLen)
	param.SessionName = section.Key("session_name").MustString(param.SessionName)

	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	logError, err := valueAsString(section, "log_error", cfg.LogError)
	if err == nil {
		cfg.LogError = logError
	}

	logInfos, err := valueAsString(section, "log_infos", cfg.LogInfos)
	if err == nil {
		cfg.LogInfos = logInfos
	}

	logLevel, err := valueAsString(section, "log_level", cfg.LogLevel)
	if err == nil {
		cfg.LogLevel = strings.ToLower(logLevel)
		validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
		isValid := false
		for _, level := range validLevels {
			if cfg.LogLevel == level {
				isValid = true
				break
			}
		}
		if !isValid {
			logger.Debugf("invalid log level '%s', falling back to 'info'\n", logLevel)
			cfg.LogLevel = "info"
		}
	}

	return cfg
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

// GetString reads an arbitrary "section.key" value.
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}

	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return ""
	}

	value, err := valueAsString(section, strings.Join(parts[1:], "."), "")
	if err != nil {
		return ""
	}
	return value
}

// GetInt reads an arbitrary "section.key" integer value.
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return 0
	}

	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return 0
	}

	return section.Key(strings.Join(parts[1:], ".")).MustInt(0)
}
