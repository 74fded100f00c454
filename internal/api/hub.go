package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/infrastructure/logging"
)

// Hub fans fleet events out to connected operator sessions. The fan-out
// worker calls Broadcast; sessions join and leave from their own
// goroutines.
type Hub struct {
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	stopped  bool
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[*wsSession]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every session.
// Sessions that arrive afterwards are refused.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.stopped = true
	sessions := h.sessions
	h.sessions = make(map[*wsSession]struct{})
	h.mu.Unlock()

	for s := range sessions {
		s.close()
		s.conn.Close()
	}
}

// join adds a session. It reports false once the hub has stopped.
func (h *Hub) join(s *wsSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.sessions[s] = struct{}{}
	h.logger.Debug("websocket session opened", "operator", s.operator, "sessions", len(h.sessions))
	return true
}

// leave removes a session and stops its writer.
func (h *Hub) leave(s *wsSession) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()

	s.close()
	h.logger.Debug("websocket session closed", "operator", s.operator, "sessions", n)
}

// Broadcast pushes an event to every session subscribed to eventType. It
// never blocks; a session whose queue is full misses the event.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "event_type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var dropped int
	for _, s := range targets {
		if !s.subscribed(eventType) {
			continue
		}
		if !s.enqueue(data) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("websocket event dropped for slow sessions", "event_type", eventType, "sessions", dropped)
	}
}

// ClientCount returns the number of open sessions.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
