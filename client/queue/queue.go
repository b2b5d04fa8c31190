// Package queue provides the client-side durability queue for outbound
// safety events. Events that cannot reach the server are persisted locally
// and replayed oldest-first once connectivity returns, carrying their
// original idempotency keys so server-side dedupe collapses replays.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Defaults for drain behavior.
const (
	DefaultMaxRetries     = 3
	DefaultAttemptTimeout = 10 * time.Second
)

// Queue errors.
var (
	ErrEmpty           = errors.New("queue is empty")
	ErrEntryNotFound   = errors.New("queue entry not found")
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Entry is one queued outbound event. Type and Payload mirror the wire
// envelope so a drained entry is sent exactly as the original attempt
// would have been.
type Entry struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Payload        []byte    `json:"payload"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Status reports what is waiting in the queue.
type Status struct {
	Pending int   `json:"pending"`
	Bytes   int64 `json:"bytes"`
}

// Store persists queue entries. Implementations must keep insertion order:
// Oldest returns the earliest-enqueued entry still present.
type Store interface {
	// Append adds an entry. The write is all-or-nothing: on error the
	// store is unchanged.
	Append(ctx context.Context, entry *Entry) error

	// Oldest returns the earliest pending entry, or ErrEmpty.
	Oldest(ctx context.Context) (*Entry, error)

	// MarkAttempt records a failed delivery attempt for the entry.
	MarkAttempt(ctx context.Context, id string, attempts int) error

	// Delete removes a settled entry. Deleting a missing entry returns
	// ErrEntryNotFound.
	Delete(ctx context.Context, id string) error

	// Stats returns the pending entry count and total payload bytes.
	Stats(ctx context.Context) (count int, bytes int64, err error)
}

// Sender delivers one entry to the server. The live websocket channel and
// the HTTP fallback both implement it.
type Sender interface {
	Send(ctx context.Context, entry *Entry) error
}

// ExhaustedFunc is called exactly once per entry that is dropped after
// exceeding the retry budget.
type ExhaustedFunc func(entry Entry)

// Queue wraps a Store with enqueue/drain semantics.
type Queue struct {
	store          Store
	sender         Sender
	maxRetries     int
	attemptTimeout time.Duration
	onExhausted    ExhaustedFunc

	draining chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries overrides the per-entry retry budget.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithAttemptTimeout overrides the per-attempt delivery timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(q *Queue) { q.attemptTimeout = d }
}

// WithOnExhausted registers the retry-exhaustion callback.
func WithOnExhausted(fn ExhaustedFunc) Option {
	return func(q *Queue) { q.onExhausted = fn }
}

// New creates a Queue draining into sender.
func New(store Store, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:          store,
		sender:         sender,
		maxRetries:     DefaultMaxRetries,
		attemptTimeout: DefaultAttemptTimeout,
		draining:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists an outbound event. It returns only after the entry is
// durably stored; callers treat a nil return as "this event will not be
// lost". Missing ids, keys, and timestamps are filled in.
func (q *Queue) Enqueue(ctx context.Context, entry *Entry) error {
	if entry.Type == "" {
		return fmt.Errorf("enqueue: entry type is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = uuid.New().String()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	return q.store.Append(ctx, entry)
}

// Drain replays pending entries oldest-first until the queue is empty or a
// delivery fails with retry budget remaining. Only one drain runs at a
// time; a concurrent call returns ErrDrainInProgress without touching the
// queue.
//
// An entry whose delivery has failed maxRetries times is dropped and
// reported through the exhaustion callback, then the drain moves on. This
// keeps one poisoned entry from blocking everything behind it.
func (q *Queue) Drain(ctx context.Context) error {
	select {
	case q.draining <- struct{}{}:
	default:
		return ErrDrainInProgress
	}
	defer func() { <-q.draining }()

	for {
		entry, err := q.store.Oldest(ctx)
		if errors.Is(err, ErrEmpty) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("drain: read oldest entry: %w", err)
		}

		if err := q.sendOne(ctx, entry); err != nil {
			attempts := entry.Attempts + 1
			if attempts >= q.maxRetries {
				if delErr := q.store.Delete(ctx, entry.ID); delErr != nil {
					return fmt.Errorf("drain: drop exhausted entry: %w", delErr)
				}
				if q.onExhausted != nil {
					q.onExhausted(*entry)
				}
				continue
			}
			if markErr := q.store.MarkAttempt(ctx, entry.ID, attempts); markErr != nil {
				return fmt.Errorf("drain: record attempt: %w", markErr)
			}
			return fmt.Errorf("drain: deliver entry %s: %w", entry.ID, err)
		}

		if err := q.store.Delete(ctx, entry.ID); err != nil {
			return fmt.Errorf("drain: settle entry: %w", err)
		}
	}
}

// sendOne delivers a single entry under the per-attempt timeout.
func (q *Queue) sendOne(ctx context.Context, entry *Entry) error {
	attemptCtx, cancel := context.WithTimeout(ctx, q.attemptTimeout)
	defer cancel()
	return q.sender.Send(attemptCtx, entry)
}

// Status reports the pending backlog.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	count, bytes, err := q.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Pending: count, Bytes: bytes}, nil
}
