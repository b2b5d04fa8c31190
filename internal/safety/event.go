// Package safety provides the safety-event model and the router that
// persists events and fans them out to emergency contacts.
package safety

import (
	"time"

	"github.com/onnwee/beacon/internal/validate"
)

// Kind identifies the variant of a safety event.
type Kind string

const (
	KindSOS           Kind = "sos_alert"
	KindCheckIn       Kind = "safety_checkin"
	KindLocationShare Kind = "location_share"
	KindTripShare     Kind = "trip_share"
)

// SOS alert types.
const (
	SOSTypeEmergency = "emergency"
	SOSTypeMedical   = "medical"
	SOSTypeSecurity  = "security"
	SOSTypeOther     = "other"
)

// SOS status values. An alert starts active; resolving it is a status-only
// update, never a rewrite of the original record.
const (
	SOSStatusActive   = "active"
	SOSStatusResolved = "resolved"
)

// Check-in status values.
const (
	CheckInStatusSafe    = "safe"
	CheckInStatusDelayed = "delayed"
	CheckInStatusHelp    = "help_needed"
)

// Location is a coordinate pair reported by a client.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are within WGS84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// SOSDetails is the payload of an SOS alert.
type SOSDetails struct {
	Type        string   `json:"type"`
	Location    Location `json:"location"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
}

// CheckInDetails is the payload of a safety check-in.
type CheckInDetails struct {
	TripID   string   `json:"trip_id"`
	Location Location `json:"location"`
	Status   string   `json:"status"`
	Notes    string   `json:"notes,omitempty"`
}

// LocationShareDetails is the payload of a location share.
type LocationShareDetails struct {
	Location Location `json:"location"`
}

// TripShareDetails is the payload of a trip share. ShareWith lists explicit
// recipient user ids; when empty the sender's emergency contacts are used.
type TripShareDetails struct {
	TripID    string   `json:"trip_id"`
	ShareWith []string `json:"share_with,omitempty"`
}

// Event is a durable safety event. Exactly one of the detail fields is set,
// matching Kind. Events are immutable once persisted apart from status-only
// fields (SOS resolution).
type Event struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Kind           Kind      `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	SOS           *SOSDetails           `json:"sos,omitempty"`
	CheckIn       *CheckInDetails       `json:"checkin,omitempty"`
	LocationShare *LocationShareDetails `json:"location_share,omitempty"`
	TripShare     *TripShareDetails     `json:"trip_share,omitempty"`
}

// NewSOS constructs an SOS alert event.
func NewSOS(userID, idempotencyKey string, details SOSDetails) *Event {
	if details.Status == "" {
		details.Status = SOSStatusActive
	}
	return &Event{
		UserID:         userID,
		Kind:           KindSOS,
		IdempotencyKey: idempotencyKey,
		SOS:            &details,
	}
}

// NewCheckIn constructs a safety check-in event.
func NewCheckIn(userID, idempotencyKey string, details CheckInDetails) *Event {
	return &Event{
		UserID:         userID,
		Kind:           KindCheckIn,
		IdempotencyKey: idempotencyKey,
		CheckIn:        &details,
	}
}

// NewLocationShare constructs a location-share event.
func NewLocationShare(userID, idempotencyKey string, details LocationShareDetails) *Event {
	return &Event{
		UserID:         userID,
		Kind:           KindLocationShare,
		IdempotencyKey: idempotencyKey,
		LocationShare:  &details,
	}
}

// NewTripShare constructs a trip-share event.
func NewTripShare(userID, idempotencyKey string, details TripShareDetails) *Event {
	return &Event{
		UserID:         userID,
		Kind:           KindTripShare,
		IdempotencyKey: idempotencyKey,
		TripShare:      &details,
	}
}

// validSOSTypes and validCheckInStatuses gate the enum fields.
var validSOSTypes = map[string]bool{
	SOSTypeEmergency: true,
	SOSTypeMedical:   true,
	SOSTypeSecurity:  true,
	SOSTypeOther:     true,
}

var validCheckInStatuses = map[string]bool{
	CheckInStatusSafe:    true,
	CheckInStatusDelayed: true,
	CheckInStatusHelp:    true,
}

// Validate checks the event's required fields for its kind and normalizes
// free-form text in place (trimmed, HTML-escaped). Returns a
// *ValidationError describing the first problem found, or nil.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}

	switch e.Kind {
	case KindSOS:
		if e.SOS == nil {
			return &ValidationError{Field: "sos", Reason: "payload required"}
		}
		if !validSOSTypes[e.SOS.Type] {
			return &ValidationError{Field: "sos.type", Reason: "must be one of emergency, medical, security, other"}
		}
		if !e.SOS.Location.Valid() {
			return &ValidationError{Field: "sos.location", Reason: "coordinates out of range"}
		}
		desc, err := validate.Description(e.SOS.Description)
		if err != nil {
			return &ValidationError{Field: "sos.description", Reason: err.Error()}
		}
		e.SOS.Description = desc
	case KindCheckIn:
		if e.CheckIn == nil {
			return &ValidationError{Field: "checkin", Reason: "payload required"}
		}
		tripID, err := validate.TripID(e.CheckIn.TripID)
		if err != nil {
			return &ValidationError{Field: "checkin.trip_id", Reason: err.Error()}
		}
		e.CheckIn.TripID = tripID
		if !validCheckInStatuses[e.CheckIn.Status] {
			return &ValidationError{Field: "checkin.status", Reason: "must be one of safe, delayed, help_needed"}
		}
		if !e.CheckIn.Location.Valid() {
			return &ValidationError{Field: "checkin.location", Reason: "coordinates out of range"}
		}
		notes, err := validate.CheckInNotes(e.CheckIn.Notes)
		if err != nil {
			return &ValidationError{Field: "checkin.notes", Reason: err.Error()}
		}
		e.CheckIn.Notes = notes
	case KindLocationShare:
		if e.LocationShare == nil {
			return &ValidationError{Field: "location_share", Reason: "payload required"}
		}
		if !e.LocationShare.Location.Valid() {
			return &ValidationError{Field: "location_share.location", Reason: "coordinates out of range"}
		}
	case KindTripShare:
		if e.TripShare == nil {
			return &ValidationError{Field: "trip_share", Reason: "payload required"}
		}
		tripID, err := validate.TripID(e.TripShare.TripID)
		if err != nil {
			return &ValidationError{Field: "trip_share.trip_id", Reason: err.Error()}
		}
		e.TripShare.TripID = tripID
	default:
		return &ValidationError{Field: "kind", Reason: "unknown event kind"}
	}

	return nil
}
