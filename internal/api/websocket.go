package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleetlink-core/internal/fanout"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/config"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// sessionQueueSize is the number of outbound frames buffered per session.
const sessionQueueSize = 256

// defaultChannels are the events a new session receives until it
// unsubscribes.
var defaultChannels = []string{
	fanout.EventAlertRaised,
	fanout.EventCommandTimedOut,
	fanout.EventDeviceOffline,
}

// WSMessage is a frame sent to or from an operator session.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame with its payload left undecoded.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSession is one operator connection.
type wsSession struct {
	conn     *websocket.Conn
	operator string
	queue    chan []byte

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

func newSession(conn *websocket.Conn, operator string) *wsSession {
	s := &wsSession{
		conn:     conn,
		operator: operator,
		queue:    make(chan []byte, sessionQueueSize),
		channels: make(map[string]struct{}, len(defaultChannels)),
	}
	for _, ch := range defaultChannels {
		s.channels[ch] = struct{}{}
	}
	return s
}

// enqueue queues a frame without blocking. It reports false only when the
// queue is full; frames for a closed session are discarded.
func (s *wsSession) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- data:
		return true
	default:
		return false
	}
}

// close stops the writer. It is safe to call more than once.
func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *wsSession) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *wsSession) setChannels(channels []string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		if on {
			s.channels[ch] = struct{}{}
		} else {
			delete(s.channels, ch)
		}
	}
}

// reply queues a non-event frame.
func (s *wsSession) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		s.enqueue(data)
	}
}

// handleWebSocket upgrades an authenticated request to an operator
// session. The token comes from the token query parameter or an
// Authorization header.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw, _ = bearerToken(r)
	}
	if raw == "" {
		writeUnauthorized(w, "token query parameter is required")
		return
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		writeUnauthorized(w, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	session := newSession(conn, claims.Subject)
	if !s.hub.join(session) {
		conn.Close()
		return
	}

	go session.writeLoop(s.wsCfg)
	go s.readLoop(session)
}

// readLoop handles inbound frames until the connection fails, then leaves
// the hub.
func (s *Server) readLoop(session *wsSession) {
	defer func() {
		s.hub.leave(session)
		session.conn.Close()
	}()

	conn := session.conn
	window := time.Duration(s.wsCfg.PingInterval+s.wsCfg.PongTimeout) * time.Second
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(window)) }

	conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	if err := extend(); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "operator", session.operator, "error", err)
			}
			return
		}
		// Application frames count as liveness for clients that ignore
		// protocol pings.
		if err := extend(); err != nil {
			return
		}
		s.handleFrame(session, data)
	}
}

// handleFrame answers one inbound frame.
func (s *Server) handleFrame(session *wsSession, data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		session.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch req.Type {
	case WSTypePing:
		session.reply(req.ID, WSTypePong, nil)

	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
			session.reply(req.ID, WSTypeError, map[string]string{"message": "invalid " + req.Type + " payload"})
			return
		}
		on := req.Type == WSTypeSubscribe
		session.setChannels(sub.Channels, on)

		key := "unsubscribed"
		if on {
			key = "subscribed"
		}
		s.logger.Debug("websocket channels changed", "operator", session.operator, key, sub.Channels)
		session.reply(req.ID, WSTypeResponse, map[string]any{key: sub.Channels})

	default:
		session.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

// writeLoop drains the session queue and keeps the connection alive with
// pings. It exits when the queue is closed or a write fails.
func (s *wsSession) writeLoop(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return s.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-s.queue:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
