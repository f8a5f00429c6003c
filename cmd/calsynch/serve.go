package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/calsynch/internal/adapters/driven/auth"
	"github.com/custodia-labs/calsynch/internal/adapters/driven/connectors"
	"github.com/custodia-labs/calsynch/internal/adapters/driven/connectors/local"
	"github.com/custodia-labs/calsynch/internal/adapters/driving/http"
	"github.com/custodia-labs/calsynch/internal/config"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
	"github.com/custodia-labs/calsynch/internal/engine"
)

// connectorBuilders lists every connector type this binary can run.
var connectorBuilders = map[string]connectors.Builder{
	local.Type: local.Build,
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	logger.Info("calsynch starting", "version", version)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	registry, err := connectors.Build(ctx, connectorBuilders, cfg.Connectors)
	if err != nil {
		return err
	}
	if len(cfg.Connectors) == 0 {
		logger.Warn("no connectors configured; subscriptions cannot be created")
	}

	eng := engine.New(engineConfig(cfg, b, registry, logger))
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.StopTimeout+10*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			logger.Error("engine stop failed", "error", err)
		}
		logger.Info("calsynch stopped")
	}()

	var authAdapter driven.AuthAdapter
	if cfg.HTTP.JWTSecret != "" {
		authAdapter = auth.NewAdapter(cfg.HTTP.JWTSecret)
	} else {
		logger.Warn("http.jwt_secret is not set; the admin API is unauthenticated")
	}

	server := http.NewServer(http.Config{
		Host:             cfg.HTTP.Host,
		Port:             cfg.HTTP.Port,
		Version:          version,
		CallbackMaxBytes: cfg.HTTP.CallbackMaxBytes,
		Logger:           logger,
	}, eng, authAdapter, eng, http.NewMetrics(eng))

	return server.Start(ctx)
}

func engineConfig(cfg *config.Config, b *backends, registry driven.ConnectorRegistry, logger *slog.Logger) engine.Config {
	e := cfg.Engine
	return engine.Config{
		Store:                b.store,
		Queue:                b.queue,
		Lock:                 b.lock,
		Connectors:           registry,
		Logger:               logger,
		CallbackBaseURI:      cfg.HTTP.CallbackBaseURI(),
		PoolSize:             e.PoolSize,
		PoolTimeout:          e.PoolTimeout,
		QueueOfferTimeout:    e.QueueOfferTimeout,
		BatchSize:            e.BatchSize,
		MissingTargetRetries: e.MissingTargetRetries,
		SubscriptionsOnly:    e.SubscriptionsOnly,
		RefreshDelay:         e.RefreshDelay,
		NotifyResyncDelay:    e.NotifyResyncDelay,
		RetryDelay:           e.RetryDelay,
		StopTimeout:          e.StopTimeout,
		MaxAttempts:          e.MaxAttempts,
		BackoffInitial:       e.BackoffInitial,
		BackoffMax:           e.BackoffMax,
		LockTTL:              e.LockTTL,
		HousekeepingSchedule: e.HousekeepingSchedule,
	}
}
