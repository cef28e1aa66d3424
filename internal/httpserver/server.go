package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iotistic/supervisor/internal/config"
)

// Server holds the HTTP server dependencies for the Local Admin API (C8).
// Unlike the teacher's tenant-scoped API, there is exactly one device per
// process, so every route is mounted directly on APIRouter with no
// per-request tenant or auth middleware.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // /v1 sub-router; domain handlers mount here
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	startedAt time.Time

	readyCheck func() error
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers should be mounted on APIRouter after calling
// NewServer. readyCheck, if non-nil, backs /readyz (e.g. a store ping).
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, readyCheck func() error) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		Logger:     logger,
		Metrics:    metricsReg,
		startedAt:  time.Now(),
		readyCheck: readyCheck,
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints. This admin API is loopback/LAN-only (spec.md §4.8
	// names no auth scheme for it), so these are unauthenticated like the
	// teacher's.
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics.
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.readyCheck != nil {
		if err := s.readyCheck(); err != nil {
			s.Logger.Error("readiness check failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "store not ready")
			return
		}
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
