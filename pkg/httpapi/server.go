// Package httpapi is the HTTP surface of the study assistant: chat, model
// listing, login, health and cache administration, all behind the gate.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/assistant"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/metrics"
)

// Routes with their own admission policy.
const (
	RouteGeneral = "general"
	RouteChat    = "/chat"
)

// Version is reported by / and /health.
const Version = "1.0.0"

// Server holds the handler dependencies.
type Server struct {
	gate      *gate.Gate
	auth      *auth.Manager
	assistant *assistant.Assistant
	metrics   metrics.MetricsCollector
	logger    *zap.Logger

	metricsHandler http.Handler
	trustProxy     bool
	started        time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records requests in m and serves handler on /metrics.
// A nil handler leaves /metrics unrouted.
func WithMetrics(m metrics.MetricsCollector, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithTrustProxy honours X-Forwarded-For and X-Real-IP.
func WithTrustProxy(trust bool) Option {
	return func(s *Server) {
		s.trustProxy = trust
	}
}

// NewServer creates a server. All arguments are required.
func NewServer(g *gate.Gate, am *auth.Manager, a *assistant.Assistant, opts ...Option) *Server {
	s := &Server{
		gate:      g,
		auth:      am,
		assistant: a,
		metrics:   metrics.Nop{},
		logger:    zap.NewNop(),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)
	r.Use(s.authenticate)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})

	// Probes and scraping are not rate limited.
	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limit(RouteGeneral))

		r.Get("/", s.handleRoot)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Get("/models", s.handleModels)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireRole(auth.RoleAdmin))
			r.Get("/stats", s.handleStats)
			r.Post("/cache/clear", s.handleClearCache)
		})
	})

	// Chat runs admission itself through gate.Do.
	r.Post(RouteChat, s.handleChat)

	return r
}
