package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/onnwee/beacon/internal/auth"
	"github.com/onnwee/beacon/internal/presence"
	"github.com/onnwee/beacon/internal/safety"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 64 * 1024

	// Outbound frame buffer per connection.
	sendBufferSize = 32
)

// conn is the subset of *websocket.Conn the session uses, extracted so
// tests can drive a session without a network socket.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Session is one websocket connection. Its lifecycle is
// connected -> authenticated -> closed; a transport bounce always produces
// a fresh Session, so there is no authenticated -> connected transition.
// Inbound frames are processed sequentially by the read loop, which is what
// preserves per-connection event ordering.
type Session struct {
	ID string

	conn     conn
	hub      *Hub
	registry *presence.Registry
	router   *safety.Router
	verifier *auth.Verifier
	logger   *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Mutated only by the read loop.
	authenticated bool
	userID        string
}

// NewSession wraps an upgraded connection. Call Run to start the pumps.
func NewSession(c conn, hub *Hub, registry *presence.Registry, router *safety.Router, verifier *auth.Verifier, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:       uuid.New().String(),
		conn:     c,
		hub:      hub,
		registry: registry,
		router:   router,
		verifier: verifier,
		logger:   logger,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Run starts the write pump and blocks in the read loop until the
// connection closes.
func (s *Session) Run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)
}

// Deliver queues an outbound frame. Returns false when the session's buffer
// is full or the session is closed; the hub logs and drops in that case.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Close tears the session down: leaves all rooms, removes presence, closes
// the socket. Idempotent, since a transport error and an explicit close may
// race.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.Leave(s)
		s.registry.Remove(s.ID)
		_ = s.conn.Close()
		s.logger.Info("session closed", "conn_id", s.ID, "user_id", s.userID)
	})
}

// readPump reads and dispatches inbound frames sequentially.
func (s *Session) readPump(ctx context.Context) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("connection closed unexpectedly", "conn_id", s.ID, "error", err)
			}
			return
		}

		s.handleMessage(ctx, data)
	}
}

// writePump flushes queued frames and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// handleMessage decodes one inbound envelope and dispatches it.
func (s *Session) handleMessage(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(MsgError, ErrCodeBadEnvelope, "malformed message")
		return
	}

	if env.Type == MsgAuthenticate {
		s.handleAuthenticate(ctx, env.Payload)
		return
	}

	// Everything except authenticate requires a bound identity. The
	// connection stays open but inert until the handshake succeeds.
	if !s.authenticated {
		s.sendError(MsgError, ErrCodeNotAuthenticated, "authenticate first")
		return
	}

	switch env.Type {
	case MsgLocationUpdate:
		s.handleLocationUpdate(ctx, env.Payload)
	case MsgSOSAlert:
		s.handleSOS(ctx, env.Payload)
	case MsgSafetyCheckIn:
		s.handleCheckIn(ctx, env.Payload)
	case MsgShareTrip:
		s.handleShareTrip(ctx, env.Payload)
	default:
		s.sendError(MsgError, ErrCodeUnknownType, "unknown message type: "+env.Type)
	}
}

// handleAuthenticate runs the credential handshake and, on success, joins
// the per-user room and registers presence.
func (s *Session) handleAuthenticate(ctx context.Context, payload json.RawMessage) {
	// The lifecycle has no authenticated -> authenticated edge. A client
	// that wants to bind a different identity reconnects; honoring a second
	// handshake here would leave the session joined to the old user's room.
	if s.authenticated {
		s.sendError(MsgAuthError, ErrCodeAlreadyAuthenticated, "session is already authenticated")
		return
	}

	var p AuthenticatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(MsgAuthError, ErrCodeBadEnvelope, "malformed authenticate payload")
		return
	}

	if err := s.verifier.Authenticate(ctx, p.UserID, p.Token); err != nil {
		var message string
		switch {
		case errors.Is(err, auth.ErrUnknownUser):
			message = "user not found"
		case errors.Is(err, auth.ErrExpiredToken):
			message = "token has expired"
		default:
			message = "invalid credentials"
		}
		s.logger.Info("authentication failed",
			"conn_id", s.ID,
			"user_id", p.UserID,
			"error", err)
		s.sendError(MsgAuthError, "", message)
		return
	}

	s.authenticated = true
	s.userID = p.UserID
	s.hub.Join(safety.RoomForUser(p.UserID), s)
	s.registry.Upsert(p.UserID, s.ID, nil)

	s.logger.Info("session authenticated", "conn_id", s.ID, "user_id", p.UserID)
	s.sendJSON(Authenticated{Type: MsgAuthenticated, UserID: p.UserID})
}

// handleLocationUpdate refreshes presence and routes a location share.
func (s *Session) handleLocationUpdate(ctx context.Context, payload json.RawMessage) {
	var p LocationUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(MsgError, ErrCodeBadEnvelope, "malformed location payload")
		return
	}

	s.registry.UpdateLocation(s.ID, presence.Location{Lat: p.Location.Lat, Lng: p.Location.Lng})

	event := safety.NewLocationShare(s.userID, p.IdempotencyKey, safety.LocationShareDetails{Location: p.Location})
	s.routeEvent(ctx, event, MsgLocationShared, p.IdempotencyKey)
}

func (s *Session) handleSOS(ctx context.Context, payload json.RawMessage) {
	var p SOSAlertPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(MsgError, ErrCodeBadEnvelope, "malformed sos payload")
		return
	}

	event := safety.NewSOS(s.userID, p.IdempotencyKey, safety.SOSDetails{
		Type:        p.Type,
		Location:    p.Location,
		Description: p.Description,
	})
	s.routeEvent(ctx, event, MsgSOSSent, p.IdempotencyKey)
}

func (s *Session) handleCheckIn(ctx context.Context, payload json.RawMessage) {
	var p CheckInPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(MsgError, ErrCodeBadEnvelope, "malformed checkin payload")
		return
	}

	event := safety.NewCheckIn(s.userID, p.IdempotencyKey, safety.CheckInDetails{
		TripID:   p.TripID,
		Location: p.Location,
		Status:   p.Status,
		Notes:    p.Notes,
	})
	s.routeEvent(ctx, event, MsgCheckInRecorded, p.IdempotencyKey)
}

func (s *Session) handleShareTrip(ctx context.Context, payload json.RawMessage) {
	var p ShareTripPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(MsgError, ErrCodeBadEnvelope, "malformed trip share payload")
		return
	}

	event := safety.NewTripShare(s.userID, p.IdempotencyKey, safety.TripShareDetails{
		TripID:    p.TripID,
		ShareWith: p.ShareWith,
	})
	s.routeEvent(ctx, event, MsgTripShared, p.IdempotencyKey)
}

// routeEvent hands the event to the router and acknowledges the sender.
// A persistence failure is reported distinctly so the client knows to
// retry through its durability queue.
func (s *Session) routeEvent(ctx context.Context, event *safety.Event, ackType, idempotencyKey string) {
	ack, err := s.router.Handle(ctx, event)
	if err != nil {
		if safety.IsValidation(err) {
			s.sendJSON(ErrorMessage{
				Type:           MsgError,
				Code:           ErrCodeValidation,
				Message:        err.Error(),
				IdempotencyKey: idempotencyKey,
			})
			return
		}
		s.logger.Error("failed to route safety event",
			"conn_id", s.ID,
			"user_id", s.userID,
			"kind", event.Kind,
			"error", err)
		s.sendJSON(ErrorMessage{
			Type:           MsgError,
			Code:           ErrCodePersistenceFailed,
			Message:        "event not stored, please retry",
			IdempotencyKey: idempotencyKey,
		})
		return
	}

	s.sendJSON(EventAck{
		Type:           ackType,
		AlertID:        ack.EventID,
		IdempotencyKey: idempotencyKey,
		Duplicate:      ack.Duplicate,
	})
}

// sendJSON marshals and queues an outbound frame for this session only.
func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal outbound frame", "error", err)
		return
	}
	if !s.Deliver(data) {
		s.logger.Warn("outbound frame dropped", "conn_id", s.ID)
	}
}

func (s *Session) sendError(msgType, code, message string) {
	s.sendJSON(ErrorMessage{Type: msgType, Code: code, Message: message})
}
