package api

import (
	"net/http"
	"strconv"
)

// maxAlertLimit caps the alerts page size.
const maxAlertLimit = 1000

// handleListAlerts returns recent alerts, newest first.
//
// Query parameters:
//   - limit: number of alerts (1-1000, default alerts.recent_limit)
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := s.alertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAlertLimit {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	alerts := s.fleet.RecentAlerts(limit)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// handleListAlertRules returns the configured alert rules.
func (s *Server) handleListAlertRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.fleet.AlertRules()
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}
