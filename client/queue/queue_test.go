package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeSender records delivered entries and fails on command.
type fakeSender struct {
	mu       sync.Mutex
	sent     []Entry
	failures int    // fail this many sends before succeeding
	failFor  string // fail only entries with this id (when set)
	block    chan struct{}
}

func (s *fakeSender) Send(_ context.Context, entry *Entry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor != "" && entry.ID == s.failFor {
		return errors.New("delivery failed")
	}
	if s.failFor == "" && s.failures > 0 {
		s.failures--
		return errors.New("delivery failed")
	}
	s.sent = append(s.sent, *entry)
	return nil
}

func (s *fakeSender) delivered() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.sent...)
}

func TestQueue_EnqueueFillsDefaults(t *testing.T) {
	q := New(NewInMemoryStore(), &fakeSender{})

	entry := &Entry{Type: "sos_alert", Payload: []byte(`{}`)}
	if err := q.Enqueue(context.Background(), entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if entry.ID == "" {
		t.Error("expected generated id")
	}
	if entry.IdempotencyKey == "" {
		t.Error("expected generated idempotency key")
	}
	if entry.EnqueuedAt.IsZero() {
		t.Error("expected enqueue timestamp")
	}
}

func TestQueue_EnqueueRequiresType(t *testing.T) {
	q := New(NewInMemoryStore(), &fakeSender{})

	if err := q.Enqueue(context.Background(), &Entry{Payload: []byte(`{}`)}); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestQueue_DrainDeliversOldestFirst(t *testing.T) {
	sender := &fakeSender{}
	q := New(NewInMemoryStore(), sender)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		err := q.Enqueue(ctx, &Entry{ID: id, Type: "sos_alert", Payload: []byte(`{}`)})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	sent := sender.delivered()
	if len(sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(sent))
	}
	for i, want := range []string{"a", "b", "c"} {
		if sent[i].ID != want {
			t.Errorf("delivery %d: expected %s, got %s", i, want, sent[i].ID)
		}
	}

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Pending != 0 {
		t.Errorf("expected empty queue after drain, %d pending", status.Pending)
	}
}

func TestQueue_DrainStopsOnFailureAndRetriesLater(t *testing.T) {
	sender := &fakeSender{failures: 1}
	q := New(NewInMemoryStore(), sender)
	ctx := context.Background()

	err := q.Enqueue(ctx, &Entry{ID: "a", Type: "sos_alert", Payload: []byte(`{}`), IdempotencyKey: "key-a"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Drain(ctx); err == nil {
		t.Fatal("expected first drain to fail")
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}

	sent := sender.delivered()
	if len(sent) != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", len(sent))
	}
	if sent[0].IdempotencyKey != "key-a" {
		t.Errorf("replay must carry the original idempotency key, got %q", sent[0].IdempotencyKey)
	}
	if sent[0].Attempts != 1 {
		t.Errorf("expected recorded attempt count 1, got %d", sent[0].Attempts)
	}
}

func TestQueue_ExhaustedEntryIsDroppedOnce(t *testing.T) {
	var exhausted []Entry
	sender := &fakeSender{failFor: "poison"}
	q := New(NewInMemoryStore(), sender,
		WithMaxRetries(3),
		WithOnExhausted(func(e Entry) { exhausted = append(exhausted, e) }))
	ctx := context.Background()

	err := q.Enqueue(ctx, &Entry{ID: "poison", Type: "sos_alert", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue poison: %v", err)
	}
	err = q.Enqueue(ctx, &Entry{ID: "behind", Type: "safety_checkin", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue behind: %v", err)
	}

	// Two drains burn through the retry budget, the third drops the entry
	// and delivers what was queued behind it.
	if err := q.Drain(ctx); err == nil {
		t.Fatal("expected drain 1 to fail")
	}
	if err := q.Drain(ctx); err == nil {
		t.Fatal("expected drain 2 to fail")
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain 3: %v", err)
	}

	if len(exhausted) != 1 {
		t.Fatalf("expected exactly one exhaustion callback, got %d", len(exhausted))
	}
	if exhausted[0].ID != "poison" {
		t.Errorf("wrong exhausted entry: %s", exhausted[0].ID)
	}

	sent := sender.delivered()
	if len(sent) != 1 || sent[0].ID != "behind" {
		t.Errorf("entry behind the poisoned one should still deliver: %+v", sent)
	}

	status, _ := q.Status(ctx)
	if status.Pending != 0 {
		t.Errorf("expected empty queue, %d pending", status.Pending)
	}
}

func TestQueue_DrainMutualExclusion(t *testing.T) {
	block := make(chan struct{})
	sender := &fakeSender{block: block}
	q := New(NewInMemoryStore(), sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &Entry{Type: "sos_alert", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Drain(ctx) }()

	// Wait until the first drain is blocked inside the sender.
	deadline := time.After(2 * time.Second)
	for {
		if err := q.Drain(ctx); errors.Is(err, ErrDrainInProgress) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never observed a concurrent drain being rejected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("blocked drain: %v", err)
	}

	// The lock is released after the drain finishes.
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain after completion: %v", err)
	}
}

func TestQueue_StatusReportsBacklog(t *testing.T) {
	q := New(NewInMemoryStore(), &fakeSender{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, &Entry{Type: "sos_alert", Payload: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, &Entry{Type: "safety_checkin", Payload: []byte(`{"b":22}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Pending != 2 {
		t.Errorf("expected 2 pending, got %d", status.Pending)
	}
	if status.Bytes != int64(len(`{"a":1}`)+len(`{"b":22}`)) {
		t.Errorf("unexpected byte count: %d", status.Bytes)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	entry := &Entry{
		ID:             "e1",
		Type:           "sos_alert",
		Payload:        []byte(`{"type":"emergency"}`),
		IdempotencyKey: "key-1",
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A fresh handle on the same file sees the pending entry.
	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}

	got, err := reopened.Oldest(ctx)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if got.ID != "e1" || got.IdempotencyKey != "key-1" {
		t.Errorf("unexpected entry after reopen: %+v", got)
	}

	if err := reopened.MarkAttempt(ctx, "e1", 2); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	got, err = reopened.Oldest(ctx)
	if err != nil {
		t.Fatalf("oldest after mark: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}

	if err := reopened.Delete(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reopened.Oldest(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if err := reopened.Delete(ctx, "e1"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestSQLiteStore_OrderAndStats(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		err := store.Append(ctx, &Entry{
			ID:         id,
			Type:       "sos_alert",
			Payload:    []byte(`{"x":1}`),
			EnqueuedAt: now,
		})
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	got, err := store.Oldest(ctx)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("expected oldest entry a, got %s", got.ID)
	}

	count, bytes, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 pending, got %d", count)
	}
	if bytes != int64(3*len(`{"x":1}`)) {
		t.Errorf("unexpected byte total: %d", bytes)
	}
}
