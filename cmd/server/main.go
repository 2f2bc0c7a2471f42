// escrowd - escrow payment lifecycle and reconciliation engine
package main

import (
	"context"
	"os"

	"github.com/marketplane/escrowd/internal/config"
	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/server"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowd",
		"version", server.Version,
		"commit", server.Commit,
		"build_time", server.BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"gateway_driver", cfg.GatewayDriver,
		"fee_rate", cfg.PlatformFeeRate,
	)

	// Rebuild with the configured level and format.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
