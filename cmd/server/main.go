// EscrowNow - two-party escrow transactions with dispute mediation
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/escrownow/internal/config"
	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrownow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"currency", cfg.Currency,
		"commission_rate", cfg.CommissionRate,
	)

	// Startup dials (database, NATS) give up on SIGINT too
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	srv, err := server.New(ctx, cfg, server.WithLogger(logger))
	stop()
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
