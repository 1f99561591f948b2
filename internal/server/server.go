// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/qwengate/qwengate/internal/dispatch"
	"github.com/qwengate/qwengate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Pool       Pool
	Registry   Registry
	Quota      Quota
	KV         KV

	APIKey       string // client-facing shared bearer token
	AdminKey     string // X-Admin-Key for the admin surface
	QwenClientID string // OAuth client_id for device-code enrollment

	HTTPClient *http.Client
	Now        func() time.Time

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

type server struct {
	deps  Deps
	admin *adminState
	now   func() time.Time
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	s := &server{deps: deps, admin: newAdminState(), now: deps.Now}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/v1/chat/completions", s.deps.Dispatcher.HandleChat)
		r.Post("/v1/tools/web_search", s.deps.Dispatcher.HandleSearch)
	})

	r.Route("/admin/api", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/stats", s.handleAdminStats)
		r.Post("/auth/start", s.handleAuthStart)
		r.Post("/auth/poll", s.handleAuthPoll)
		r.Patch("/providers/alias", s.handleSetAlias)
		r.Delete("/providers", s.handleRemoveProvider)
		r.Post("/providers/rescan", s.handleRescan)
	})

	return r
}
