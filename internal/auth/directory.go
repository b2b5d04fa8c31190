package auth

import (
	"context"
	"database/sql"
	"sync"
)

// InMemoryUserDirectory is a map-backed UserDirectory for tests and
// single-node development.
type InMemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]bool
}

// NewInMemoryUserDirectory creates an empty in-memory user directory.
func NewInMemoryUserDirectory() *InMemoryUserDirectory {
	return &InMemoryUserDirectory{users: make(map[string]bool)}
}

// Add registers a user id in the directory.
func (d *InMemoryUserDirectory) Add(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = true
}

// Exists reports whether userID is known.
func (d *InMemoryUserDirectory) Exists(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID], nil
}

// PostgresUserDirectory reads user existence from the shared users table.
type PostgresUserDirectory struct {
	db *sql.DB
}

// NewPostgresUserDirectory creates a UserDirectory backed by Postgres.
func NewPostgresUserDirectory(db *sql.DB) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db}
}

// Exists reports whether userID has a row in the users table.
func (d *PostgresUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
