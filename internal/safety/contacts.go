package safety

import (
	"context"
	"database/sql"
	"sync"
)

// Contact is one entry in a user's emergency-contact list.
type Contact struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// ContactDirectory resolves recipients for fan-out. The contact
// relationships are owned by the profile service; the router only reads
// them at delivery time.
type ContactDirectory interface {
	// GetEmergencyContacts returns the users who should receive userID's
	// safety events. An empty list is not an error.
	GetEmergencyContacts(ctx context.Context, userID string) ([]Contact, error)

	// DisplayName returns the human-readable name for a user, or empty
	// string when unknown.
	DisplayName(ctx context.Context, userID string) (string, error)
}

// InMemoryContactDirectory is a map-backed ContactDirectory for tests and
// single-node development. Thread-safe via RWMutex.
type InMemoryContactDirectory struct {
	mu       sync.RWMutex
	contacts map[string][]Contact
	names    map[string]string
}

// NewInMemoryContactDirectory creates an empty directory.
func NewInMemoryContactDirectory() *InMemoryContactDirectory {
	return &InMemoryContactDirectory{
		contacts: make(map[string][]Contact),
		names:    make(map[string]string),
	}
}

// SetContacts replaces the contact list for a user.
func (d *InMemoryContactDirectory) SetContacts(userID string, contacts []Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[userID] = append([]Contact(nil), contacts...)
}

// SetName records a display name for a user.
func (d *InMemoryContactDirectory) SetName(userID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[userID] = name
}

// GetEmergencyContacts returns a copy of the user's contact list.
func (d *InMemoryContactDirectory) GetEmergencyContacts(_ context.Context, userID string) ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Contact(nil), d.contacts[userID]...), nil
}

// DisplayName returns the recorded name for a user.
func (d *InMemoryContactDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[userID], nil
}

// PostgresContactDirectory reads emergency contacts from the shared
// emergency_contacts and users tables.
type PostgresContactDirectory struct {
	db *sql.DB
}

// NewPostgresContactDirectory creates a ContactDirectory backed by Postgres.
func NewPostgresContactDirectory(db *sql.DB) *PostgresContactDirectory {
	return &PostgresContactDirectory{db: db}
}

// GetEmergencyContacts returns the user's contacts joined with their names.
func (d *PostgresContactDirectory) GetEmergencyContacts(ctx context.Context, userID string) ([]Contact, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT ec.contact_user_id, COALESCE(u.display_name, '')
		FROM emergency_contacts ec
		LEFT JOIN users u ON u.id = ec.contact_user_id
		WHERE ec.user_id = $1
		ORDER BY ec.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.Name); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// DisplayName returns the user's display name, or empty string if the user
// is unknown.
func (d *PostgresContactDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := d.db.QueryRowContext(ctx,
		"SELECT COALESCE(display_name, '') FROM users WHERE id = $1", userID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}
