package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
	"github.com/custodia-labs/calsynch/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter reports engine readiness along with a detail snapshot
type HealthReporter interface {
	Ready(ctx context.Context) (bool, any)
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	engine  driving.SynchEngine
	health  HealthReporter
	auth    driven.AuthAdapter // nil disables bearer auth
	metrics *Metrics
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string

	// CallbackMaxBytes bounds callback bodies
	CallbackMaxBytes int64

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		Version:          "dev",
		CallbackMaxBytes: 1 << 20,
	}
}

// NewServer creates a new HTTP server.
// auth may be nil, in which case the admin API is unauthenticated.
// health and metrics may be nil.
func NewServer(cfg Config, engine driving.SynchEngine, auth driven.AuthAdapter, health HealthReporter, metrics *Metrics) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallbackMaxBytes <= 0 {
		cfg.CallbackMaxBytes = DefaultConfig().CallbackMaxBytes
	}
	s := &Server{
		router:  http.NewServeMux(),
		version: cfg.Version,
		logger:  cfg.Logger,
		engine:  engine,
		health:  health,
		auth:    auth,
		metrics: metrics,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.setupRoutes(cfg.CallbackMaxBytes)
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(callbackMaxBytes int64) {
	authMiddleware := NewAuthMiddleware(s.auth)
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(h)
	}

	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)
	s.router.HandleFunc("GET /swagger/doc.json", s.handleSwagger)
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}

	// Connector callbacks authenticate themselves
	s.router.Handle("POST /api/v1/callbacks/{connector}",
		http.MaxBytesHandler(http.HandlerFunc(s.handleCallback), callbackMaxBytes))

	// Subscription endpoints
	s.router.Handle("POST /api/v1/subscriptions", protected(s.handleSubscribe))
	s.router.Handle("GET /api/v1/subscriptions", protected(s.handleListSubscriptions))
	s.router.Handle("GET /api/v1/subscriptions/{id}", protected(s.handleGetSubscription))
	s.router.Handle("DELETE /api/v1/subscriptions/{id}", protected(s.handleUnsubscribe))
	s.router.Handle("POST /api/v1/subscriptions/{id}/refresh", protected(s.handleRefresh))
	s.router.Handle("GET /api/v1/subscriptions/{id}/status", protected(s.handleStatus))

	// Engine endpoints
	s.router.Handle("GET /api/v1/stats", protected(s.handleStats))
}

// Handler returns the router wrapped in recovery, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = NewLoggingMiddleware(s.logger, s.metrics).Handler(h)
	h = NewRecoveryMiddleware(s.logger).Handler(h)
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
