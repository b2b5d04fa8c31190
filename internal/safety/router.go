package safety

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/beacon/internal/geo"
	"github.com/onnwee/beacon/internal/tracing"
)

// Outbound notification type names, as delivered to recipient rooms.
const (
	NotifySOS       = "sos_alert_received"
	NotifyCheckIn   = "safety_checkin_received"
	NotifyLocation  = "contact_location_update"
	NotifyTripShare = "trip_share_received"
)

// RoomPublisher publishes a payload to every connection in a room. The
// websocket hub implements it in production; tests use an in-memory fake.
type RoomPublisher interface {
	Publish(room string, payload any) error
}

// RoomForUser returns the deterministic room name for a user's devices.
func RoomForUser(userID string) string {
	return "user:" + userID
}

// Ack is the acknowledgment returned to the sender after Handle.
type Ack struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ContactNotification is the fan-out payload pushed to each recipient room.
// Geohash is the coarse cell of Location, letting clients group and dedupe
// location traffic without comparing raw coordinates.
type ContactNotification struct {
	Type        string    `json:"type"`
	AlertID     string    `json:"alert_id"`
	ContactID   string    `json:"contact_id"` // the originating user
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

// Router accepts inbound safety events, persists them, and fans them out to
// the originating user's emergency contacts.
type Router struct {
	store     EventStore
	contacts  ContactDirectory
	publisher RoomPublisher
	metrics   *Metrics
	logger    *slog.Logger
}

// NewRouter creates a Router. metrics may be nil when metrics collection is
// disabled; logger falls back to slog.Default.
func NewRouter(store EventStore, contacts ContactDirectory, publisher RoomPublisher, metrics *Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:     store,
		contacts:  contacts,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle validates, persists, and fans out one safety event.
//
// Failure semantics: a *ValidationError or *PersistenceError means nothing
// was delivered and (for validation) nothing was stored; the caller retries
// through its durability queue. Delivery failures to individual recipients
// never fail the call; persistence already succeeded and the other
// recipients are unaffected.
func (r *Router) Handle(ctx context.Context, event *Event) (ack *Ack, err error) {
	start := time.Now()

	ctx, endSpan := tracing.StartSpan(ctx, "handle_safety_event")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("event.kind", string(event.Kind)),
		attribute.String("user.id", event.UserID))

	if err := event.Validate(); err != nil {
		if r.metrics != nil {
			r.metrics.IncRejected()
		}
		return nil, err
	}

	result, err := r.store.Save(ctx, event)
	if err != nil {
		if IsPersistence(err) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "save", Err: err}
	}

	if r.metrics != nil {
		r.metrics.IncEvents(string(event.Kind))
		defer r.metrics.ObserveHandleLatency(time.Since(start).Seconds())
	}

	// A replayed idempotency key means the original call already fanned out.
	// Acknowledge with the stored id and do nothing else.
	if result.Duplicate {
		if r.metrics != nil {
			r.metrics.IncDuplicates()
		}
		r.logger.InfoContext(ctx, "duplicate safety event replay acknowledged",
			"event_id", result.ID,
			"user_id", event.UserID,
			"kind", event.Kind)
		return &Ack{EventID: result.ID, Duplicate: true}, nil
	}

	r.fanOut(ctx, result.ID, event)

	return &Ack{EventID: result.ID}, nil
}

// fanOut delivers the event to every resolved recipient room. Recipient
// resolution and delivery are both best-effort: a failure for one recipient
// is logged and isolated from the rest.
func (r *Router) fanOut(ctx context.Context, eventID string, event *Event) {
	recipients, err := r.resolveRecipients(ctx, event)
	if err != nil {
		// Contact lookup failing must not fail the operation; the event is
		// already durable and retrievable through the history read path.
		r.logger.WarnContext(ctx, "emergency contact lookup failed, skipping fan-out",
			"event_id", eventID,
			"user_id", event.UserID,
			"error", err)
		return
	}

	if len(recipients) == 0 {
		r.logger.InfoContext(ctx, "safety event has no recipients",
			"event_id", eventID,
			"user_id", event.UserID,
			"kind", event.Kind)
		return
	}

	notification := r.buildNotification(ctx, eventID, event)

	for _, recipient := range recipients {
		room := RoomForUser(recipient.UserID)
		if err := r.publisher.Publish(room, notification); err != nil {
			if r.metrics != nil {
				r.metrics.IncFanoutFailures()
			}
			r.logger.WarnContext(ctx, "delivery to recipient failed",
				"event_id", eventID,
				"recipient", recipient.UserID,
				"error", err)
			continue
		}
		if r.metrics != nil {
			r.metrics.IncFanoutDeliveries()
		}
	}
}

// resolveRecipients returns the recipient set for the event. Trip shares
// with an explicit share list use it; every other kind goes to the sender's
// emergency contacts.
func (r *Router) resolveRecipients(ctx context.Context, event *Event) ([]Contact, error) {
	if event.Kind == KindTripShare && len(event.TripShare.ShareWith) > 0 {
		contacts := make([]Contact, 0, len(event.TripShare.ShareWith))
		for _, userID := range event.TripShare.ShareWith {
			contacts = append(contacts, Contact{UserID: userID})
		}
		return contacts, nil
	}
	return r.contacts.GetEmergencyContacts(ctx, event.UserID)
}

// buildNotification maps the event variant onto the wire notification.
func (r *Router) buildNotification(ctx context.Context, eventID string, event *Event) *ContactNotification {
	senderName, err := r.contacts.DisplayName(ctx, event.UserID)
	if err != nil {
		// Name resolution is cosmetic; deliver without it.
		senderName = ""
	}

	n := &ContactNotification{
		AlertID:     eventID,
		ContactID:   event.UserID,
		ContactName: senderName,
		Timestamp:   time.Now(),
	}

	switch event.Kind {
	case KindSOS:
		n.Type = NotifySOS
		n.SOSType = event.SOS.Type
		loc := event.SOS.Location
		n.Location = &loc
		n.Description = event.SOS.Description
	case KindCheckIn:
		n.Type = NotifyCheckIn
		n.TripID = event.CheckIn.TripID
		loc := event.CheckIn.Location
		n.Location = &loc
		n.Status = event.CheckIn.Status
		n.Notes = event.CheckIn.Notes
	case KindLocationShare:
		n.Type = NotifyLocation
		loc := event.LocationShare.Location
		n.Location = &loc
	case KindTripShare:
		n.Type = NotifyTripShare
		n.TripID = event.TripShare.TripID
	}

	if n.Location != nil {
		n.Geohash = geo.Encode(n.Location.Lat, n.Location.Lng, geo.DefaultPrecision)
	}

	return n
}
