package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (token in query, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Post("/commands", s.handleSendCommand)
				})
			})

			r.Get("/commands/{id}", s.handleGetCommand)

			r.Get("/alerts", s.handleListAlerts)
			r.Get("/alert-rules", s.handleListAlertRules)

			r.Route("/automation/rules", func(r chi.Router) {
				r.Get("/", s.handleListAutomationRules)
				r.Put("/{id}", s.handleUpsertAutomationRule)
				r.Delete("/{id}", s.handleDeleteAutomationRule)
			})
		})
	})

	return r
}

// handleHealth reports liveness and bus connectivity. It answers 200 while
// the process is up; "degraded" means the bus is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}

	st, err := s.fleet.Status(r.Context())
	switch {
	case err != nil:
		resp["status"] = "degraded"
		resp["error"] = err.Error()
	case !st.Connected:
		resp["status"] = "degraded"
		resp["fleet"] = st
	default:
		resp["fleet"] = st
	}
	resp["websocket_clients"] = s.hub.ClientCount()

	writeJSON(w, http.StatusOK, resp)
}
