package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/dbchat/internal/config"
	"github.com/jkaninda/dbchat/internal/ratelimit"
	"github.com/jkaninda/dbchat/internal/retention"
	"github.com/jkaninda/dbchat/internal/server"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat UI and HTTP API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `dbchat --config path` and `dbchat serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default: env and sidecar files only)")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8000)")
	}
}

// runServe starts the HTTP server, WebSocket chat, and retention pruner.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("DBCHAT_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting server",
		slog.String("addr", cfg.Server.Addr()),
		slog.String("credential_source", cfg.Credentials.SourceName()),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Retention pruner (optional).
	if cfg.Retention != nil {
		pruner := retention.New(sc.Store, cfg.Retention, logger)
		if err := pruner.Validate(); err != nil {
			return err
		}
		cancelPruner := pruner.Start(ctx)
		defer cancelPruner()

		logger.Debug("retention pruner started",
			slog.String("schedule", cfg.Retention.CronSchedule()),
			slog.Duration("max_age", cfg.Retention.MaxAge()),
		)
	}

	limiter := ratelimit.NewLimiter(cfg.Server.RateLimit)

	srvCfg := server.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        cfg.Server.APIKeys,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		HistoryLimit:   cfg.Server.HistoryLimit,
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			srvCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			srvCfg.Metrics = sc.Obs.Metrics
		}
		srvCfg.HealthChecker = sc.Obs.Health
		srvCfg.Tracer = sc.Obs.TracerOrNil().Tracer()
	}

	srv := server.New(srvCfg, sc.Sessions, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Closing sessions revokes any
	// outstanding Vault leases.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("stopping server", slog.String("error", err.Error()))
	}
	sc.Sessions.CloseAll(shutdownCtx)

	return nil
}
