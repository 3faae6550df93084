// Package api exposes the deploy control plane over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/deployd/internal/dispatch"
	"github.com/mattjoyce/deployd/internal/events"
	"github.com/mattjoyce/deployd/internal/worker"
)

// Deployer is the slice of the dispatch coordinator the API drives.
type Deployer interface {
	Deploy(ctx context.Context, req dispatch.DeployRequest) (*dispatch.DeployResult, error)
	Undeploy(ctx context.Context, name string) error
	Applications() []dispatch.AppView
	Workers() []*worker.Handle
	HostID() string
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Production hides stack traces from the error log.
	Production bool
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	deployer  Deployer
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Server. hub and metrics may be nil, which disables /events
// and /metrics.
func New(config Config, deployer Deployer, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	return &Server{
		config:    config,
		deployer:  deployer,
		events:    hub,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readiness", s.handleReadiness)
	r.Get("/validate", s.handleValidate)
	r.Get("/inspect", s.handleInspect)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Post("/deploy", s.handleDeploy)
	r.Post("/undeploy", s.handleUndeploy)

	if s.events != nil {
		r.Get("/events", s.handleEvents)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Can't find %s on this server", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s not allowed on %s", r.Method, r.URL.Path))
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
