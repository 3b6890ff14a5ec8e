// Package server implements the local HTTP surface of the admission engine.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/roastguard/internal/admission"
	"github.com/eugener/roastguard/internal/budget"
	"github.com/eugener/roastguard/internal/killswitch"
	"github.com/eugener/roastguard/internal/ratelimit"
	"github.com/eugener/roastguard/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Reloader re-reads the quota policy from its source.
type Reloader func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Admission *admission.Controller
	Switch    *killswitch.Switch
	Budget    *budget.Service
	Burst     *ratelimit.Guard // nil = no per-IP burst guard on admit
	// AdminKey guards /admin routes; empty leaves them unmounted.
	AdminKey           string
	Reload             Reloader      // nil = reload unsupported
	ReadyCheck         ReadyChecker  // nil = always ready (for tests)
	ReservationTimeout time.Duration // reported as expires_at on admit
	Metrics            *telemetry.Metrics
	MetricsHandler     http.Handler
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, now: time.Now}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Consumer API. The sidecar binds to loopback; callers are the web
	// workers on the same host.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/admit", s.handleAdmit)
		r.Post("/reservations/{id}/confirm", s.handleConfirm)
		r.Post("/reservations/{id}/release", s.handleRelease)
		r.Delete("/reservations/{id}", s.handleRelease)
		r.Get("/remaining", s.handleRemaining)
	})

	if deps.AdminKey != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/killswitch", s.handleGetKillSwitch)
			r.Put("/killswitch", s.handleSetKillSwitch)
			r.Get("/budget", s.handleBudget)
			r.Get("/audit", s.handleAudit)
			r.Post("/policy/reload", s.handleReload)
		})
	}

	return r
}

type server struct {
	deps Deps
	now  func() time.Time
}
