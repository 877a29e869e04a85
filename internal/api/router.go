package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hass/internal/journal"
)

// Health status values.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"

	componentDisabled = "disabled"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/commands", s.handleListCommands)
	})

	return r
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// handleHealth reports the session state and each component. Only the
// WebSocket session decides the overall status; optional components are
// informational.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  healthOK,
		Version: s.version,
		Components: map[string]string{
			"websocket": s.session.State().String(),
			"rest":      connectedLabel(s.rest.IsConnected()),
		},
	}

	for _, name := range []string{"mqtt", "influxdb", "database"} {
		if _, ok := s.components[name]; !ok {
			resp.Components[name] = componentDisabled
		}
	}

	names := make([]string, 0, len(s.components))
	for name := range s.components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), componentCheckTimeout)
		err := s.components[name].HealthCheck(ctx)
		cancel()

		if err != nil {
			resp.Components[name] = "error: " + err.Error()
		} else {
			resp.Components[name] = healthOK
		}
	}

	status := http.StatusOK
	if !s.session.IsConnected() {
		resp.Status = healthDegraded
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleListCommands returns a page of the command journal.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeNotFound(w, "command journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Transport: q.Get("transport"),
		Outcome:   q.Get("outcome"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal failed", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func connectedLabel(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}
