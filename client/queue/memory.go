package queue

import (
	"context"
	"sync"
)

// InMemoryStore is a slice-backed Store for tests and for callers that do
// not need crash durability. Thread-safe via mutex.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append adds an entry at the tail.
func (s *InMemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries = append(s.entries, &copied)
	return nil
}

// Oldest returns a copy of the head entry.
func (s *InMemoryStore) Oldest(_ context.Context) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, ErrEmpty
	}
	copied := *s.entries[0]
	return &copied, nil
}

// MarkAttempt records a failed attempt count for the entry.
func (s *InMemoryStore) MarkAttempt(_ context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ID == id {
			entry.Attempts = attempts
			return nil
		}
	}
	return ErrEntryNotFound
}

// Delete removes the entry with the given id.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.entries {
		if entry.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

// Stats returns the pending count and total payload bytes.
func (s *InMemoryStore) Stats(_ context.Context) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes int64
	for _, entry := range s.entries {
		bytes += int64(len(entry.Payload))
	}
	return len(s.entries), bytes, nil
}
