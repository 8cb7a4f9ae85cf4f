package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ospreyproxy/osprey/internal/config"
	"github.com/ospreyproxy/osprey/internal/logging"
	"github.com/ospreyproxy/osprey/internal/proxy"
)

func main() {
	configFile := flag.String("config", "config.json", "path to configuration file")
	watch := flag.Bool("watch", false, "reload filters when the config file changes")
	flag.Parse()

	loader := config.NewLoader()
	cfg, err := loader.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level, _ := cfg.LogLevel()
	if err := logging.InitGlobalLogger(logging.Config{
		LogFile:     cfg.Logging.LogFile,
		EnableDebug: cfg.Logging.EnableDebug,
		Level:       level,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.CloseGlobalLogger()

	server, err := proxy.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create proxy server: %v", err)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logging.Error("Failed to start proxy server: %v", err)
		os.Exit(1)
	}

	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configFile, loader)
		if err != nil {
			logging.Error("Failed to create config watcher: %v", err)
			os.Exit(1)
		}
		watcher.OnReload(func(oldConfig, newConfig *config.Config) error {
			return server.ReloadConfig(newConfig)
		})
		if err := watcher.Start(cfg); err != nil {
			logging.Error("Failed to start config watcher: %v", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logging.Info("Osprey proxy started successfully")
	logging.Info("Configuration: Listen=%s, Debug=%t, VerifyUpstream=%t, Capture=%t",
		cfg.Proxy.ListenAddr, cfg.Logging.EnableDebug, cfg.Proxy.VerifyUpstream, cfg.Capture.Enabled)

	<-sigCh
	logging.Info("Received shutdown signal, stopping server...")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logging.Warn("Config watcher stop error: %v", err)
		}
	}
	if err := server.Stop(); err != nil {
		logging.Warn("Error during server shutdown: %v", err)
	}

	logging.Info("Osprey proxy stopped")
}
