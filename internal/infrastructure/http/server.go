// Package http serves the operator-facing status read API. It is a side
// surface over the same database the workers write; nothing here mutates
// job state.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Default configuration values for the status API server.
const (
	DefaultAddr              = ":8090"
	DefaultReadTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

// ServerConfig holds configuration for the status API server.
type ServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
}

// StatusServer wraps the HTTP server serving the status API.
type StatusServer struct {
	server *http.Server
}

// NewStatusServer creates the status API server with router and middleware.
func NewStatusServer(handler *StatusHandler, cfg ServerConfig) *StatusServer {
	cfg.applyDefaults()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs/{jobID}", handler.GetJob)
		r.Get("/jobs/{jobID}/events", handler.GetJobEvents)
		r.Get("/workers/{workerID}", handler.GetWorker)
	})

	return &StatusServer{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           otelhttp.NewHandler(r, "pilot-status-api"),
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *StatusServer) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the configured handler chain, for tests.
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}
