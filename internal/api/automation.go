package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetlink-core/internal/automation"
)

// handleListAutomationRules returns every automation rule.
func (s *Server) handleListAutomationRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.fleet.AutomationRules(r.Context())
	if err != nil {
		s.writeFleetError(w, r, err, "list automation rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// handleUpsertAutomationRule creates or replaces the rule at {id}.
func (s *Server) handleUpsertAutomationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if rule.ID != "" && rule.ID != id {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "body id does not match path")
		return
	}
	rule.ID = id

	saved, err := s.fleet.UpsertRule(r.Context(), rule)
	if err != nil {
		s.writeFleetError(w, r, err, "save automation rule")
		return
	}
	s.logger.Info("automation rule saved by operator", "rule_id", saved.ID, "operator", operator(r))
	writeJSON(w, http.StatusOK, saved)
}

// handleDeleteAutomationRule removes a rule.
func (s *Server) handleDeleteAutomationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.fleet.DeleteRule(r.Context(), id); err != nil {
		s.writeFleetError(w, r, err, "delete automation rule")
		return
	}
	s.logger.Info("automation rule deleted by operator", "rule_id", id, "operator", operator(r))
	w.WriteHeader(http.StatusNoContent)
}
