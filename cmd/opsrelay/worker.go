package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/opsrelay/opsrelay/internal/logging"
	"github.com/opsrelay/opsrelay/internal/worker/config"
	"github.com/opsrelay/opsrelay/worker"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config file")
	gatewayURL := fs.String("gateway", "", "gateway WebSocket URL (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *gatewayURL != "" {
		cfg.GatewayURL = *gatewayURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	applyLogLevel(cfg.LogLevel)

	logging.PrintBanner("worker", version, cfg.GatewayURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.Run(ctx, cfg, version)
}
