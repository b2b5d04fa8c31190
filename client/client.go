package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/beacon/client/queue"
)

// State describes the client's connection to the server.
type State string

const (
	StateConnecting State = "connecting"
	StateOnline     State = "online"
	StateOffline    State = "offline"
)

// Wire frame type names. Inbound acks and errors are matched to in-flight
// sends by idempotency key.
const (
	msgAuthenticate    = "authenticate"
	msgAuthenticated   = "authenticated"
	msgAuthError       = "auth_error"
	msgError           = "error"
	ackSOSSent         = "sos_sent"
	ackCheckInRecorded = "checkin_recorded"
	ackLocationShared  = "location_shared"
	ackTripShared      = "trip_shared"
)

// codeValidation marks server rejections that a retry cannot fix.
const codeValidation = "validation_error"

// Client errors.
var (
	ErrNotConnected        = errors.New("not connected")
	ErrAckTimeout          = errors.New("timed out waiting for acknowledgment")
	ErrAuthRejected        = errors.New("authentication rejected")
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

// ServerError is an error frame returned by the server for one send.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected event (%s): %s", e.Code, e.Message)
}

// Ack reports the outcome of a send. Queued means the event did not reach
// the server yet but is durably stored and will be replayed; AlertID is
// empty in that case.
type Ack struct {
	AlertID        string
	IdempotencyKey string
	Duplicate      bool
	Queued         bool
}

// Client is a resilient websocket client for the safety service. It
// reconnects automatically with exponential backoff and jitter, and routes
// sends through the offline queue when the live channel is unavailable.
type Client struct {
	opts   Options
	logger *slog.Logger

	alertHandler func(ContactAlert)
	stateHandler func(State)
	queue        *queue.Queue

	mu      sync.Mutex
	rng     *rand.Rand // protected by mu
	conn    *websocket.Conn
	state   State
	pending map[string]chan serverFrame

	// writeMu serializes frame writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	// reconnectCount tracks consecutive reconnection attempts (atomic)
	reconnectCount int64
}

// NewClient creates a client with the given options.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		state:   StateOffline,
		pending: make(map[string]chan serverFrame),
	}, nil
}

// SetAlertHandler registers the callback for incoming contact alerts.
// Must be called before Run.
func (c *Client) SetAlertHandler(fn func(ContactAlert)) {
	c.alertHandler = fn
}

// SetStateHandler registers the callback for connection state changes.
// Must be called before Run.
func (c *Client) SetStateHandler(fn func(State)) {
	c.stateHandler = fn
}

// EnableOfflineQueue attaches a durability queue backed by store. Sends
// that cannot reach the server are persisted there and replayed over the
// live channel after reconnect. Must be called before Run.
func (c *Client) EnableOfflineQueue(store queue.Store, opts ...queue.Option) {
	c.queue = queue.New(store, liveSender{c: c}, opts...)
}

// QueueStatus reports the offline queue backlog. Zero when no queue is
// attached.
func (c *Client) QueueStatus(ctx context.Context) (queue.Status, error) {
	if c.queue == nil {
		return queue.Status{}, nil
	}
	return c.queue.Status(ctx)
}

// Run connects and blocks until the context is cancelled, the credentials
// are rejected, or the reconnect budget is exhausted. Disconnects trigger
// automatic reconnection with exponential backoff and jitter; after each
// successful reconnect the offline queue is drained.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.close()
			c.setState(StateOffline)
			return ctx.Err()
		default:
		}

		c.setState(StateConnecting)

		if err := c.connect(ctx); err != nil {
			c.setState(StateOffline)
			if errors.Is(err, ErrAuthRejected) {
				return err
			}

			attempt := atomic.AddInt64(&c.reconnectCount, 1)
			c.logger.Warn("connection failed",
				slog.String("error", err.Error()),
				slog.Int64("attempt", attempt))

			if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
				return fmt.Errorf("%w after %d attempts", ErrReconnectsExhausted, attempt)
			}

			delay := c.computeBackoff()
			c.logger.Info("scheduling reconnect",
				slog.Duration("delay", delay),
				slog.Int64("attempt", attempt))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		// Reset reconnect count on successful connection
		atomic.StoreInt64(&c.reconnectCount, 0)
		c.setState(StateOnline)

		// Replay whatever accumulated while offline.
		if c.queue != nil {
			go func() {
				if err := c.queue.Drain(ctx); err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
					c.logger.Warn("offline queue drain incomplete", slog.String("error", err.Error()))
				}
			}()
		}

		c.readLoop(ctx)
		c.close()
		c.setState(StateOffline)
	}
}

// SendSOS raises an SOS alert.
func (c *Client) SendSOS(ctx context.Context, alert SOSAlert) (*Ack, error) {
	return c.sendEvent(ctx, TypeSOSAlert, alert)
}

// SendCheckIn records a safety check-in.
func (c *Client) SendCheckIn(ctx context.Context, checkIn CheckIn) (*Ack, error) {
	return c.sendEvent(ctx, TypeSafetyCheckIn, checkIn)
}

// SendLocation reports a fresh location.
func (c *Client) SendLocation(ctx context.Context, loc Location) (*Ack, error) {
	payload := struct {
		Location Location `json:"location"`
	}{Location: loc}
	return c.sendEvent(ctx, TypeLocationUpdate, payload)
}

// ShareTrip shares a trip with the given recipients, or with the user's
// emergency contacts when ShareWith is empty.
func (c *Client) ShareTrip(ctx context.Context, share TripShare) (*Ack, error) {
	return c.sendEvent(ctx, TypeShareTrip, share)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns whether the client currently has a live channel.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// sendEvent tries the live channel first and falls back to the offline
// queue. A validation rejection is returned as-is: replaying the same
// payload cannot succeed, so it never enters the queue.
func (c *Client) sendEvent(ctx context.Context, msgType string, v any) (*Ack, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	key := uuid.New().String()

	ack, sendErr := c.sendLive(ctx, msgType, payload, key)
	if sendErr == nil {
		return ack, nil
	}

	var srvErr *ServerError
	if errors.As(sendErr, &srvErr) && srvErr.Code == codeValidation {
		return nil, sendErr
	}

	if c.queue == nil {
		return nil, sendErr
	}

	entry := &queue.Entry{Type: msgType, Payload: payload, IdempotencyKey: key}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("event not sent and could not be queued: %w", err)
	}

	c.logger.Info("event queued for replay",
		slog.String("type", msgType),
		slog.String("idempotency_key", key))

	return &Ack{IdempotencyKey: key, Queued: true}, nil
}

// sendLive writes one envelope and waits for its acknowledgment.
func (c *Client) sendLive(ctx context.Context, msgType string, payload []byte, key string) (*Ack, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	waiter := make(chan serverFrame, 1)
	c.pending[key] = waiter
	c.mu.Unlock()
	defer c.unregister(key)

	body, err := injectKey(payload, key)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope{Type: msgType, Payload: body})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.AckTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrAckTimeout
	case frame, ok := <-waiter:
		if !ok {
			return nil, ErrNotConnected
		}
		if frame.Type == msgError {
			return nil, &ServerError{Code: frame.Code, Message: frame.Message}
		}
		return &Ack{AlertID: frame.AlertID, IdempotencyKey: key, Duplicate: frame.Duplicate}, nil
	}
}

// connect dials the server and runs the authenticate handshake.
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting", slog.String("url", c.opts.URL))

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(authenticatePayload{UserID: c.opts.UserID, Token: c.opts.Token})
	if err != nil {
		_ = conn.Close()
		return err
	}
	data, err := json.Marshal(envelope{Type: msgAuthenticate, Payload: payload})
	if err != nil {
		_ = conn.Close()
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return err
	}

	var frame serverFrame
	if err := json.Unmarshal(reply, &frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("malformed handshake reply: %w", err)
	}

	switch frame.Type {
	case msgAuthenticated:
	case msgAuthError:
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAuthRejected, frame.Message)
	default:
		_ = conn.Close()
		return fmt.Errorf("unexpected handshake frame %q", frame.Type)
	}

	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected and authenticated", slog.String("user_id", c.opts.UserID))
	return nil
}

// readLoop reads frames until the connection closes.
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("connection closed", slog.String("error", err.Error()))
			return
		}

		c.handleFrame(data)
	}
}

// handleFrame dispatches one inbound frame.
func (c *Client) handleFrame(data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed frame from server", slog.String("error", err.Error()))
		return
	}

	switch frame.Type {
	case ackSOSSent, ackCheckInRecorded, ackLocationShared, ackTripShared:
		c.settle(frame)

	case msgError:
		if frame.IdempotencyKey != "" {
			c.settle(frame)
			return
		}
		c.logger.Warn("server error",
			slog.String("code", frame.Code),
			slog.String("message", frame.Message))

	case AlertSOS, AlertCheckIn, AlertLocation, AlertTripShare:
		var alert ContactAlert
		if err := json.Unmarshal(data, &alert); err != nil {
			c.logger.Warn("malformed alert from server", slog.String("error", err.Error()))
			return
		}
		if c.alertHandler != nil {
			c.alertHandler(alert)
		}

	case msgAuthenticated:
		// Duplicate handshake confirmation, nothing to do.

	default:
		c.logger.Debug("ignoring unknown frame type", slog.String("type", frame.Type))
	}
}

// settle hands an ack or error frame to the matching in-flight send.
func (c *Client) settle(frame serverFrame) {
	c.mu.Lock()
	waiter, ok := c.pending[frame.IdempotencyKey]
	if ok {
		delete(c.pending, frame.IdempotencyKey)
	}
	c.mu.Unlock()

	if !ok {
		// Ack for a drained queue entry or a send that already timed out.
		return
	}
	waiter <- frame
}

// unregister drops a waiter that is no longer listening.
func (c *Client) unregister(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// close tears down the connection and fails every in-flight send so it
// can fall back to the queue immediately instead of waiting out the ack
// timeout.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	for key, waiter := range c.pending {
		close(waiter)
		delete(c.pending, key)
	}
}

// setState updates the connection state and notifies the listener.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

// computeBackoff calculates the next reconnection delay with exponential backoff and jitter.
func (c *Client) computeBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Exponential backoff: baseDelay * 2^attempts using bit shifting
	// Cap the shift at 30 to prevent overflow (2^30 = ~1 billion)
	reconnectCount := atomic.LoadInt64(&c.reconnectCount)
	shift := uint(reconnectCount)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(c.opts.BaseDelay) * float64(uint64(1)<<shift)

	// Cap at max delay
	if backoff > float64(c.opts.MaxDelay) {
		backoff = float64(c.opts.MaxDelay)
	}

	// Apply jitter: delay * (1 - jitter/2 + rand*jitter)
	// This creates a range of [delay*(1-jitter/2), delay*(1+jitter/2)]
	if c.opts.JitterFactor > 0 {
		jitter := (c.rng.Float64() - 0.5) * c.opts.JitterFactor
		backoff = backoff * (1 + jitter)
	}

	return time.Duration(backoff)
}

// liveSender adapts the client's live channel to the queue's Sender.
type liveSender struct {
	c *Client
}

// Send replays one queued entry with its original idempotency key.
func (s liveSender) Send(ctx context.Context, entry *queue.Entry) error {
	_, err := s.c.sendLive(ctx, entry.Type, entry.Payload, entry.IdempotencyKey)
	return err
}

// injectKey adds the idempotency key to an encoded payload.
func injectKey(payload []byte, key string) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	fields["idempotency_key"] = key
	return json.Marshal(fields)
}
