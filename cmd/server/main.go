// dealbroker - price negotiation and escrow service for marketplace listings
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/dealbroker/internal/config"
	"github.com/mbd888/dealbroker/internal/logging"
	"github.com/mbd888/dealbroker/internal/server"
	"github.com/mbd888/dealbroker/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Version == "dev" {
		cfg.Version = Version
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting dealbroker",
		"version", cfg.Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"max_counter_offers", cfg.MaxCounterOffers,
		"currency", cfg.PaymentCurrency,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Version, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
