package safety

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/beacon/internal/tracing"
)

// PostgresEventStore implements EventStore on Postgres. SOS alerts and
// check-ins live in their own tables (they are read by the safety-history
// service); location and trip shares share a generic table.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates an EventStore backed by the given database.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// nullableKey maps an empty idempotency key to NULL so the partial unique
// index only constrains real keys.
func nullableKey(key string) sql.NullString {
	if key == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: key, Valid: true}
}

// tableForKind returns the table an event kind is stored in.
func tableForKind(kind Kind) string {
	switch kind {
	case KindSOS:
		return "sos_alerts"
	case KindCheckIn:
		return "safety_checkins"
	default:
		return "safety_events"
	}
}

// Save persists the event, deduplicating on (user_id, idempotency_key).
func (s *PostgresEventStore) Save(ctx context.Context, event *Event) (result *SaveResult, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tableForKind(event.Kind), tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var savedID string

	switch event.Kind {
	case KindSOS:
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO sos_alerts (id, user_id, idempotency_key, sos_type, lat, lng, description, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			RETURNING id`,
			id, event.UserID, nullableKey(event.IdempotencyKey),
			event.SOS.Type, event.SOS.Location.Lat, event.SOS.Location.Lng,
			event.SOS.Description, event.SOS.Status, createdAt,
		).Scan(&savedID)
		if errors.Is(err, sql.ErrNoRows) {
			return s.existing(ctx, "sos_alerts", event)
		}
	case KindCheckIn:
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO safety_checkins (id, user_id, idempotency_key, trip_id, lat, lng, status, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			RETURNING id`,
			id, event.UserID, nullableKey(event.IdempotencyKey),
			event.CheckIn.TripID, event.CheckIn.Location.Lat, event.CheckIn.Location.Lng,
			event.CheckIn.Status, event.CheckIn.Notes, createdAt,
		).Scan(&savedID)
		if errors.Is(err, sql.ErrNoRows) {
			return s.existing(ctx, "safety_checkins", event)
		}
	case KindLocationShare, KindTripShare:
		var payload []byte
		payload, err = marshalDetails(event)
		if err != nil {
			return nil, &PersistenceError{Op: "encode", Err: err}
		}
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO safety_events (id, user_id, idempotency_key, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			RETURNING id`,
			id, event.UserID, nullableKey(event.IdempotencyKey),
			string(event.Kind), payload, createdAt,
		).Scan(&savedID)
		if errors.Is(err, sql.ErrNoRows) {
			return s.existing(ctx, "safety_events", event)
		}
	default:
		return nil, &ValidationError{Field: "kind", Reason: "unknown event kind"}
	}

	if err != nil {
		return nil, &PersistenceError{Op: "insert", Err: err}
	}
	return &SaveResult{ID: savedID}, nil
}

// existing looks up the event id that already holds the idempotency key.
func (s *PostgresEventStore) existing(ctx context.Context, table string, event *Event) (*SaveResult, error) {
	var id string
	// table comes from the switch above, never from input.
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE user_id = $1 AND idempotency_key = $2",
		event.UserID, event.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		return nil, &PersistenceError{Op: "dedupe lookup", Err: err}
	}
	return &SaveResult{ID: id, Duplicate: true}, nil
}

// marshalDetails encodes the kind-specific payload for the generic table.
func marshalDetails(event *Event) ([]byte, error) {
	switch event.Kind {
	case KindLocationShare:
		return json.Marshal(event.LocationShare)
	case KindTripShare:
		return json.Marshal(event.TripShare)
	}
	return nil, errors.New("no generic payload for kind " + string(event.Kind))
}

// Get retrieves a persisted event by id, checking each table in turn.
func (s *PostgresEventStore) Get(ctx context.Context, id string) (found *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	event := &Event{ID: id, Kind: KindSOS, SOS: &SOSDetails{}}
	var key sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, idempotency_key, sos_type, lat, lng, description, status, created_at
		FROM sos_alerts WHERE id = $1`, id,
	).Scan(&event.UserID, &key, &event.SOS.Type, &event.SOS.Location.Lat,
		&event.SOS.Location.Lng, &event.SOS.Description, &event.SOS.Status, &event.CreatedAt)
	if err == nil {
		event.IdempotencyKey = key.String
		return event, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, &PersistenceError{Op: "get", Err: err}
	}

	event = &Event{ID: id, Kind: KindCheckIn, CheckIn: &CheckInDetails{}}
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, idempotency_key, trip_id, lat, lng, status, notes, created_at
		FROM safety_checkins WHERE id = $1`, id,
	).Scan(&event.UserID, &key, &event.CheckIn.TripID, &event.CheckIn.Location.Lat,
		&event.CheckIn.Location.Lng, &event.CheckIn.Status, &event.CheckIn.Notes, &event.CreatedAt)
	if err == nil {
		event.IdempotencyKey = key.String
		return event, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, &PersistenceError{Op: "get", Err: err}
	}

	event = &Event{ID: id}
	var kind string
	var payload []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, idempotency_key, kind, payload, created_at
		FROM safety_events WHERE id = $1`, id,
	).Scan(&event.UserID, &key, &kind, &payload, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}

	event.IdempotencyKey = key.String
	event.Kind = Kind(kind)
	switch event.Kind {
	case KindLocationShare:
		event.LocationShare = &LocationShareDetails{}
		err = json.Unmarshal(payload, event.LocationShare)
	case KindTripShare:
		event.TripShare = &TripShareDetails{}
		err = json.Unmarshal(payload, event.TripShare)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "decode", Err: err}
	}
	return event, nil
}
