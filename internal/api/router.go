package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/commongrow/garden-core/internal/metrics"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 2 * time.Second

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/login", s.handleLogin)
			r.Post("/second-factor", s.handleSecondFactor)
			r.Post("/second-factor/method", s.handleFactorMethod)
			r.Post("/logout", s.handleLogout)
			r.Post("/acknowledge", s.handleAcknowledge)
			r.Patch("/profile", s.handleProfilePatch)
		})

		r.Get("/navigate", s.handleNavigate)
		r.Get("/routes", s.handleListRoutes)

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/", s.handleGetDashboard)
			r.Post("/role", s.handleSwitchRole)
			r.Post("/unified", s.handleShowUnified)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/refresh", s.handleRefreshNotifications)
			r.Post("/{id}/read", s.handleMarkRead)
		})

		r.Get("/audit", s.handleListAudit)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth probes each configured dependency. Any failing probe makes
// the agent unhealthy; a push path that is not connected only marks it
// degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	health := s.channel.Health()
	status, code := "ok", http.StatusOK
	switch {
	case !healthy:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case s.store.Current().IsAuthenticated() && health.Degraded():
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       s.version,
		"session":       s.store.Current().Status,
		"notifications": health,
		"checks":        checks,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "metrics are not enabled")
		return
	}
	metrics.Handler(s.gatherer).ServeHTTP(w, r)
}
