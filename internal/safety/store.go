package safety

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SaveResult reports the outcome of persisting an event.
type SaveResult struct {
	ID        string
	Duplicate bool // true when the idempotency key was already persisted
}

// EventStore defines durable storage for safety events.
type EventStore interface {
	// Save persists the event, assigning its id and creation timestamp.
	// When the event carries an idempotency key that was already stored for
	// the same user, Save returns the existing event id with Duplicate=true
	// and writes nothing.
	Save(ctx context.Context, event *Event) (*SaveResult, error)

	// Get retrieves a persisted event by id.
	// Returns ErrEventNotFound if no such event exists.
	Get(ctx context.Context, id string) (*Event, error)
}

// InMemoryEventStore is an in-memory implementation of EventStore.
// Thread-safe via RWMutex.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*Event // id -> event
	keys   map[string]string // "userID\x00idempotencyKey" -> id
}

// NewInMemoryEventStore creates an empty in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events: make(map[string]*Event),
		keys:   make(map[string]string),
	}
}

// makeKey builds the dedupe index key. The null byte separator prevents
// collisions between (user, key) pairs whose concatenations match.
func makeKey(userID, idempotencyKey string) string {
	return userID + "\x00" + idempotencyKey
}

// Save persists the event, deduplicating on the idempotency key.
func (s *InMemoryEventStore) Save(_ context.Context, event *Event) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.IdempotencyKey != "" {
		if existingID, exists := s.keys[makeKey(event.UserID, event.IdempotencyKey)]; exists {
			return &SaveResult{ID: existingID, Duplicate: true}, nil
		}
	}

	stored := *event
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.events[stored.ID] = &stored
	if stored.IdempotencyKey != "" {
		s.keys[makeKey(stored.UserID, stored.IdempotencyKey)] = stored.ID
	}

	return &SaveResult{ID: stored.ID}, nil
}

// Get retrieves a persisted event by id.
func (s *InMemoryEventStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, exists := s.events[id]
	if !exists {
		return nil, ErrEventNotFound
	}

	copied := *event
	return &copied, nil
}

// Len returns the number of stored events. Test helper.
func (s *InMemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
