package api

import (
	"context"
	"net/http"
	"time"
)

// handleHealth is liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady is readiness: the store answers queries. Deployments sit
// behind this before traffic is routed to a fresh control plane.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	code := http.StatusOK
	if _, err := s.store.CountSnapshot(ctx); err != nil {
		checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	respond(w, code, map[string]any{
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}
