// Package api exposes the rule management endpoints, the snapshot endpoints and the sample
// protected endpoints over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shexroz002/rate-limit/policy"
)

// Paths served outside rule management. Admission should skip them.
const (
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// Syncer publishes snapshots on demand.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
	Override(ctx context.Context, rules []policy.Rule) (*policy.Snapshot, error)
}

// SnapshotReader returns the snapshot requests are currently evaluated against.
type SnapshotReader interface {
	Current(ctx context.Context) *policy.Snapshot
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	repo      policy.Repository
	syncer    Syncer
	snapshots SnapshotReader
	admission func(http.Handler) http.Handler
	gatherer  prometheus.Gatherer
	checks    map[string]HealthCheck
}

// Option configures a Server.
type Option func(*Server)

// WithAdmission puts mw in front of the whole router, unmatched paths included.
func WithAdmission(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.admission = mw
	}
}

// WithGatherer serves g on /metrics. Default is prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewServer creates a Server.
func NewServer(repo policy.Repository, syncer Syncer, snapshots SnapshotReader, opts ...Option) *Server {
	s := &Server{
		repo:      repo,
		syncer:    syncer,
		snapshots: snapshots,
		gatherer:  prometheus.DefaultGatherer,
		checks:    make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the complete HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.admission != nil {
		r.Use(s.admission)
	}

	r.Get(HealthPath, s.health)
	r.Handle(MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/rate-limit", func(r chi.Router) {
		r.Post("/", s.createRule)
		r.Get("/", s.listRules)
		r.Post("/sync", s.syncNow)
		r.Get("/{id}", s.getRule)
		r.Put("/{id}", s.updateRule)
		r.Delete("/{id}", s.deleteRule)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rate-limited-endpoint", s.currentLimits)
		r.Post("/update-rate-limits", s.overrideLimits)

		r.Get("/posts", message("Posts list"))
		r.Post("/posts", message("Create a new post"))
		r.Get("/users", message("Users list"))
		r.Post("/login", message("Login endpoint"))
	})

	return r
}
