// Package notify presents incoming safety alerts to the user. It maps
// alert kinds onto urgency tiers and delivers through the system
// notification surface, falling back to an in-app banner when the system
// surface is unavailable. Presentation never fails the caller: an alert
// that cannot be shown anywhere is logged, not returned.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/onnwee/beacon/client"
	"github.com/onnwee/beacon/client/queue"
)

// Urgency tiers, in decreasing severity.
type Urgency string

const (
	UrgencyCritical  Urgency = "critical"
	UrgencyImportant Urgency = "important"
	UrgencyInfo      Urgency = "info"
)

// Notification is one user-facing alert ready for presentation.
type Notification struct {
	Title   string
	Body    string
	Urgency Urgency

	// Persistent notifications stay on screen until acknowledged;
	// transient ones may auto-dismiss.
	Persistent bool

	// DemandsAttention asks the sink to break through focus modes.
	// Only SOS alerts set it.
	DemandsAttention bool
}

// Sink delivers a notification to one presentation surface.
type Sink interface {
	Deliver(n Notification) error
}

// Dispatcher routes notifications to the system sink, with the in-app
// sink as fallback.
type Dispatcher struct {
	system Sink
	inApp  Sink
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. Either sink may be nil; logger
// falls back to slog.Default.
func NewDispatcher(system, inApp Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{system: system, inApp: inApp, logger: logger}
}

// Present shows a contact alert to the user. SOS alerts are persistent
// and attention-demanding; a check-in asking for help is treated the
// same way; everything else is informational and transient.
func (d *Dispatcher) Present(alert client.ContactAlert) {
	d.deliver(buildNotification(alert))
}

// PresentSyncFailure tells the user a queued event was dropped after its
// retry budget ran out. A lost SOS is critical; anything else is
// important but not attention-demanding.
func (d *Dispatcher) PresentSyncFailure(entry queue.Entry) {
	n := Notification{
		Title:      "Safety event could not be sent",
		Body:       fmt.Sprintf("A queued %s could not reach the server and was dropped. Please resend it.", describeEntryType(entry.Type)),
		Urgency:    UrgencyImportant,
		Persistent: true,
	}
	if entry.Type == client.TypeSOSAlert {
		n.Urgency = UrgencyCritical
		n.DemandsAttention = true
		n.Body = "Your SOS alert could not reach the server and was dropped. Please resend it or contact emergency services directly."
	}
	d.deliver(n)
}

// deliver tries the system sink, then the in-app sink. Both failing is
// logged and swallowed.
func (d *Dispatcher) deliver(n Notification) {
	if d.system != nil {
		err := d.system.Deliver(n)
		if err == nil {
			return
		}
		d.logger.Warn("system notification failed, falling back to in-app",
			"title", n.Title,
			"error", err)
	}
	if d.inApp != nil {
		if err := d.inApp.Deliver(n); err != nil {
			d.logger.Error("in-app notification failed, alert not shown",
				"title", n.Title,
				"error", err)
		}
	}
}

// buildNotification maps an alert onto its presentation.
func buildNotification(alert client.ContactAlert) Notification {
	sender := alert.ContactName
	if sender == "" {
		sender = "A contact"
	}

	switch alert.Type {
	case client.AlertSOS:
		body := fmt.Sprintf("%s raised a %s SOS alert.", sender, alert.SOSType)
		if alert.Description != "" {
			body = fmt.Sprintf("%s raised a %s SOS alert: %s", sender, alert.SOSType, alert.Description)
		}
		return Notification{
			Title:            "SOS alert",
			Body:             body,
			Urgency:          UrgencyCritical,
			Persistent:       true,
			DemandsAttention: true,
		}

	case client.AlertCheckIn:
		if alert.Status == client.CheckInStatusHelp {
			return Notification{
				Title:            "Help needed",
				Body:             fmt.Sprintf("%s checked in and needs help.", sender),
				Urgency:          UrgencyCritical,
				Persistent:       true,
				DemandsAttention: true,
			}
		}
		return Notification{
			Title:   "Safety check-in",
			Body:    fmt.Sprintf("%s checked in: %s.", sender, alert.Status),
			Urgency: UrgencyInfo,
		}

	case client.AlertLocation:
		return Notification{
			Title:   "Location update",
			Body:    fmt.Sprintf("%s shared their location.", sender),
			Urgency: UrgencyInfo,
		}

	case client.AlertTripShare:
		return Notification{
			Title:   "Trip shared",
			Body:    fmt.Sprintf("%s shared a trip with you.", sender),
			Urgency: UrgencyInfo,
		}

	default:
		return Notification{
			Title:   "Safety update",
			Body:    fmt.Sprintf("%s sent a safety update.", sender),
			Urgency: UrgencyInfo,
		}
	}
}

// describeEntryType renders a queue entry type for user-facing text.
func describeEntryType(entryType string) string {
	switch entryType {
	case client.TypeSOSAlert:
		return "SOS alert"
	case client.TypeSafetyCheckIn:
		return "safety check-in"
	case client.TypeLocationUpdate:
		return "location update"
	case client.TypeShareTrip:
		return "trip share"
	default:
		return "safety event"
	}
}
