// Package ws provides the websocket transport: the per-user room hub, the
// per-connection session state machine, and the wire protocol envelopes.
package ws

import (
	"encoding/json"

	"github.com/onnwee/beacon/internal/safety"
)

// Inbound message types.
const (
	MsgAuthenticate   = "authenticate"
	MsgLocationUpdate = "location_update"
	MsgSOSAlert       = "sos_alert"
	MsgSafetyCheckIn  = "safety_checkin"
	MsgShareTrip      = "share_trip"
)

// Outbound message types.
const (
	MsgAuthenticated   = "authenticated"
	MsgAuthError       = "auth_error"
	MsgError           = "error"
	MsgSOSSent         = "sos_sent"
	MsgCheckInRecorded = "checkin_recorded"
	MsgLocationShared  = "location_shared"
	MsgTripShared      = "trip_shared"
)

// Error codes carried by outbound error envelopes.
const (
	ErrCodeNotAuthenticated     = "not_authenticated"
	ErrCodeAlreadyAuthenticated = "already_authenticated"
	ErrCodeBadEnvelope          = "bad_envelope"
	ErrCodeUnknownType          = "unknown_type"
	ErrCodeValidation           = "validation_error"
	ErrCodePersistenceFailed    = "persistence_failed"
)

// Envelope is the inbound wire frame. Payload is decoded per Type after the
// envelope itself parses, so a malformed payload is rejected at the boundary
// before it reaches the router.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatePayload binds a connection to a user identity.
type AuthenticatePayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// LocationUpdatePayload reports a fresh location. It both refreshes the
// presence record and, when the user has emergency contacts, is routed as a
// location-share safety event.
type LocationUpdatePayload struct {
	Location       safety.Location `json:"location"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SOSAlertPayload raises an SOS alert.
type SOSAlertPayload struct {
	Type           string          `json:"type"`
	Location       safety.Location `json:"location"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CheckInPayload records a safety check-in along a trip.
type CheckInPayload struct {
	TripID         string          `json:"trip_id"`
	Location       safety.Location `json:"location"`
	Status         string          `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ShareTripPayload shares a trip with explicit recipients (or the sender's
// emergency contacts when ShareWith is empty).
type ShareTripPayload struct {
	TripID         string   `json:"trip_id"`
	ShareWith      []string `json:"share_with,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// Authenticated confirms a successful handshake.
type Authenticated struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ErrorMessage is the generic outbound error envelope. AuthError uses the
// same shape under the auth_error type so unauthenticated clients can tell
// handshake failures from event failures. Event failures echo the
// idempotency key so the sender can settle the matching in-flight attempt.
type ErrorMessage struct {
	Type           string `json:"type"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// EventAck acknowledges an accepted safety event back to the sender. The
// idempotency key is echoed so the client can settle the matching queue
// entry.
type EventAck struct {
	Type           string `json:"type"`
	AlertID        string `json:"alert_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}
