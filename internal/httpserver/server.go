// Package httpserver exposes the kernel host's own HTTP surface: liveness,
// readiness, Prometheus scraping, and a read-only status endpoint reporting
// installed modules and audit backpressure. Adapted from the teacher's
// internal/httpserver/server.go, trimmed of tenant/auth/docs concerns this
// host has no use for.
package httpserver

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/modkernel/internal/config"
	"github.com/wisbric/modkernel/pkg/kernel/audit"
	"github.com/wisbric/modkernel/pkg/kernel/manager"
)

// Pinger is implemented by whatever backing store the configured audit
// writer depends on: a pgxpool.Pool satisfies it directly, a redis.Client
// through PingFunc; stdout mode has none and readiness simply reports ok.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain func to Pinger, for backing stores (like
// redis.Client, whose Ping returns a *StatusCmd rather than an error) that
// don't satisfy the interface directly.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Manager   *manager.Manager
	AuditSink *audit.Sink
	Backing   Pinger // nil when no backing store is in play (stdout audit writer)
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware, health endpoints, a
// Prometheus scrape endpoint, and the kernel's read-only status surface.
func NewServer(cfg *config.Config, logger *slog.Logger, mgr *manager.Manager, sink *audit.Sink, backing Pinger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Manager:   mgr,
		AuditSink: sink,
		Backing:   backing,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/status", s.handleStatus)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Backing == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if err := s.Backing.Ping(r.Context()); err != nil {
		s.Logger.Error("readiness check: backing store ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "backing store not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by handleStatus.
type statusResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	AuditDropped  uint64           `json:"audit_dropped_total"`
	Modules       []manager.Status `json:"modules"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.startedAt)
	resp := statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(math.Round(uptime.Seconds())),
		AuditDropped:  s.AuditSink.DroppedCount(),
		Modules:       s.Manager.Snapshot(),
	}
	Respond(w, http.StatusOK, resp)
}
