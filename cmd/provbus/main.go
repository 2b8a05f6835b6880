package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"provbus/internal/platform"
	"provbus/internal/platform/metrics"
)

func main() {
	cfg := platform.LoadConfig()
	platform.InitLogger(cfg.LogLevel)
	metrics.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := platform.Run(ctx, cfg); err != nil {
		slog.Error("Fatal", "err", err)
		os.Exit(1)
	}
}
