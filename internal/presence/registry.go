// Package presence tracks which users are connected and where. The registry
// is process-owned and ephemeral: it is rebuilt from authenticate handshakes
// after a restart and never persisted.
package presence

import (
	"sync"
	"time"
)

// Status of a presence record.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
)

// Location is a reported coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is the presence state of one connection. A user with multiple
// devices has one record per connection.
type Record struct {
	UserID      string    `json:"user_id"`
	ConnID      string    `json:"conn_id"`
	Status      Status    `json:"status"`
	Location    *Location `json:"location,omitempty"`
	LocationAt  time.Time `json:"location_at"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry is an in-memory presence store. Thread-safe via RWMutex.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Record            // connID -> record
	byUser map[string]map[string]*Record // userID -> connID -> record
	now    func() time.Time
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*Record),
		byUser: make(map[string]map[string]*Record),
		now:    time.Now,
	}
}

// Upsert inserts or overwrites the presence record for a connection.
// Last write wins on location.
func (r *Registry) Upsert(userID, connID string, loc *Location) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, exists := r.byConn[connID]
	if !exists {
		rec = &Record{
			UserID:      userID,
			ConnID:      connID,
			ConnectedAt: now,
		}
		r.byConn[connID] = rec
		if r.byUser[userID] == nil {
			r.byUser[userID] = make(map[string]*Record)
		}
		r.byUser[userID][connID] = rec
	}

	rec.Status = StatusOnline
	if loc != nil {
		locCopy := *loc
		rec.Location = &locCopy
		rec.LocationAt = now
	}
}

// UpdateLocation records a fresh location for an existing connection and
// marks it online again. Returns false if the connection is unknown.
func (r *Registry) UpdateLocation(connID string, loc Location) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.byConn[connID]
	if !exists {
		return false
	}
	locCopy := loc
	rec.Location = &locCopy
	rec.LocationAt = r.now()
	rec.Status = StatusOnline
	return true
}

// Remove deletes the record for a connection on disconnect. Idempotent.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.byConn[connID]
	if !exists {
		return
	}
	delete(r.byConn, connID)
	if conns, ok := r.byUser[rec.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, rec.UserID)
		}
	}
}

// Get returns copies of all presence records for a user. Empty slice when
// the user has no live connections.
func (r *Registry) Get(userID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	result := make([]*Record, 0, len(conns))
	for _, rec := range conns {
		result = append(result, copyRecord(rec))
	}
	return result
}

// IsOnline reports whether a user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineCount returns the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ConnectionCount returns the total number of tracked connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// SweepStale marks records whose location report is older than maxAge as
// away. The connection stays tracked; the user is just not actively
// reporting. Returns the number of records marked.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	marked := 0
	for _, rec := range r.byConn {
		if rec.Status != StatusOnline {
			continue
		}
		// Connections that never reported a location age from connect time.
		last := rec.LocationAt
		if last.IsZero() {
			last = rec.ConnectedAt
		}
		if last.Before(cutoff) {
			rec.Status = StatusAway
			marked++
		}
	}
	return marked
}

// copyRecord creates a deep copy so callers cannot mutate registry state.
func copyRecord(rec *Record) *Record {
	copied := *rec
	if rec.Location != nil {
		loc := *rec.Location
		copied.Location = &loc
	}
	return &copied
}
