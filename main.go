package main

import (
	"flag"
	"fmt"

	"github.com/zhukovaskychina/xgtm-server/logger"

	"github.com/zhukovaskychina/xgtm-server/server/conf"
	"github.com/zhukovaskychina/xgtm-server/server/net"
)

func main() {
	fmt.Println("Starting XGTM Server...")

	var configPath string
	flag.StringVar(&configPath, "configPath", "", "path of the gtm.ini configuration file")
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}

	config := conf.NewCfg().Load(args)
	logger.Debugf("Config loaded: error_log=%s, info_log=%s\n", config.LogError, config.LogInfos)

	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}

	if err := logger.InitLogger(logConfig); err != nil {
		logger.Debugf("Failed to initialize logger: %s\n", err.Error())
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Infof("Logger initialized successfully with level: %s\n", config.LogLevel)

	logger.Info("XGTM Server starting...")
	gtmServer := net.NewGTMServer(config)
	gtmServer.Start()
	logger.Info("Server started successfully")
}
