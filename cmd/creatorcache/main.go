// Package main runs the creator cache service: it loads configuration,
// wires the application container, and drives the startup scrape plus the
// HTTP API until the process is signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/app"
	"github.com/creatorcache/creatorcache/internal/config"
	"github.com/creatorcache/creatorcache/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("service init failed", zap.Error(err))
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	a.Close()
	if runErr != nil {
		logger.Error("service exited with error", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
