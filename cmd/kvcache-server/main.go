package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrife/kvcache/config"
	"github.com/jrife/kvcache/transport/service_host"
	"github.com/jrife/kvcache/utils/log"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.ParseServerConfig(flag.CommandLine, os.Args[1:])

	if err != nil {
		stdlog.Fatalf("parse config: %v", err)
	}

	logger, err := log.New(cfg.LogLevel)

	if err != nil {
		stdlog.Fatalf("create logger: %v", err)
	}

	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := service_host.New(cfg, logger)

	if err != nil {
		logger.Fatal("could not create host", zap.Error(err))
	}

	if err := host.Run(ctx); err != nil {
		logger.Fatal("failed to serve", zap.Error(err))
	}
}
