// Package client is the Go client for the beacon realtime safety service.
// It maintains an authenticated websocket channel with automatic reconnect,
// queues outbound events while offline, and surfaces incoming contact
// alerts to the application.
package client

import (
	"encoding/json"
	"time"
)

// Outbound event types. These double as queue entry types so a drained
// entry is replayed with its original envelope.
const (
	TypeSOSAlert       = "sos_alert"
	TypeSafetyCheckIn  = "safety_checkin"
	TypeLocationUpdate = "location_update"
	TypeShareTrip      = "share_trip"
)

// Alert types pushed by the server when a contact raises a safety event.
const (
	AlertSOS       = "sos_alert_received"
	AlertCheckIn   = "safety_checkin_received"
	AlertLocation  = "contact_location_update"
	AlertTripShare = "trip_share_received"
)

// Check-in status values.
const (
	CheckInStatusSafe    = "safe"
	CheckInStatusDelayed = "delayed"
	CheckInStatusHelp    = "help_needed"
)

// Location is a coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SOSAlert is the payload of an outbound SOS.
type SOSAlert struct {
	Type        string   `json:"type"`
	Location    Location `json:"location"`
	Description string   `json:"description,omitempty"`
}

// CheckIn is the payload of an outbound safety check-in.
type CheckIn struct {
	TripID   string   `json:"trip_id"`
	Location Location `json:"location"`
	Status   string   `json:"status"`
	Notes    string   `json:"notes,omitempty"`
}

// TripShare is the payload of an outbound trip share. An empty ShareWith
// targets the sender's emergency contacts.
type TripShare struct {
	TripID    string   `json:"trip_id"`
	ShareWith []string `json:"share_with,omitempty"`
}

// ContactAlert is a safety event received from one of the user's contacts.
type ContactAlert struct {
	Type        string    `json:"type"`
	AlertID     string    `json:"alert_id"`
	ContactID   string    `json:"contact_id"`
	ContactName string    `json:"contact_name,omitempty"`
	SOSType     string    `json:"sos_type,omitempty"`
	Location    *Location `json:"location,omitempty"`
	Geohash     string    `json:"geohash,omitempty"`
	Description string    `json:"description,omitempty"`
	TripID      string    `json:"trip_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// envelope is the outbound wire frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// authenticatePayload carries the handshake credentials.
type authenticatePayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// serverFrame is the superset of every inbound frame, decoded by Type.
type serverFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id,omitempty"`
	AlertID        string `json:"alert_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}
