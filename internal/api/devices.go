package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// sendCommandRequest is the request body for POST /devices/{id}/commands.
type sendCommandRequest struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
}

// handleListDevices returns every known device.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.fleet.ListDevices(r.Context())
	if err != nil {
		s.writeFleetError(w, r, err, "list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a device with its history, statistics and
// commands.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	detail, err := s.fleet.DeviceDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFleetError(w, r, err, "get device")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeleteDevice purges a device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.fleet.PurgeDevice(r.Context(), id); err != nil {
		s.writeFleetError(w, r, err, "delete device")
		return
	}
	s.logger.Info("device purged by operator", "device_id", id, "operator", operator(r))
	w.WriteHeader(http.StatusNoContent)
}

// handleSendCommand submits a command and returns it as tracked. The
// response is 202: acknowledgement arrives later.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "action is required")
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "timeout_seconds must not be negative")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	p, err := s.fleet.SendCommand(r.Context(), chi.URLParam(r, "id"), req.Action, req.Params, timeout)
	if err != nil {
		s.writeFleetError(w, r, err, "send command")
		return
	}
	s.logger.Info("command sent by operator",
		"command_id", p.ID,
		"device_id", p.DeviceID,
		"action", p.Action,
		"operator", operator(r),
	)
	writeJSON(w, http.StatusAccepted, p)
}

// handleGetCommand returns a tracked command.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	p, err := s.fleet.Command(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFleetError(w, r, err, "get command")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
