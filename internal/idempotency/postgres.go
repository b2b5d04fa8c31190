package idempotency

import (
	"database/sql"
	"errors"
	"time"
)

// PostgresRepository implements Repository on the idempotency_keys table,
// letting cached responses survive restarts and be shared between nodes
// behind one database.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed idempotency key repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get retrieves an idempotency key by its key value.
// Returns ErrKeyNotFound if the key doesn't exist.
func (r *PostgresRepository) Get(key string) (*IdempotencyKey, error) {
	record := &IdempotencyKey{Key: key}
	var eventID sql.NullString
	err := r.db.QueryRow(`
		SELECT method, route, event_id, response_hash, status, response_body, response_status_code, created_at
		FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&record.Method, &record.Route, &eventID, &record.ResponseHash,
		&record.Status, &record.ResponseBody, &record.ResponseStatusCode, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if eventID.Valid {
		record.EventID = &eventID.String
	}
	return record, nil
}

// Store saves a new idempotency key.
// Returns ErrKeyExists if the key already exists.
func (r *PostgresRepository) Store(record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var eventID sql.NullString
	if record.EventID != nil {
		eventID = sql.NullString{String: *record.EventID, Valid: true}
	}

	result, err := r.db.Exec(`
		INSERT INTO idempotency_keys (key, method, route, event_id, response_hash, status, response_body, response_status_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO NOTHING`,
		record.Key, record.Method, record.Route, eventID, record.ResponseHash,
		record.Status, record.ResponseBody, record.ResponseStatusCode, createdAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan removes idempotency keys older than the specified duration.
// Returns the number of keys deleted.
func (r *PostgresRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	result, err := r.db.Exec(
		"DELETE FROM idempotency_keys WHERE created_at < $1",
		time.Now().Add(-duration))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
