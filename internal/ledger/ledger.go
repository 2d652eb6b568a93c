// Package ledger provides the webhook idempotency ledger: one row per
// logical event delivery, reserved before processing and finalized after.
// The insert-on-conflict reservation is the sole concurrency-control
// primitive for duplicate deliveries.
package ledger

import (
	"context"
	"fmt"
	"time"

	"lawflow_backend/platform/logger"
)

// Outcome is the lifecycle state of a ledger record.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
)

// Record is one ledger row. Rows are never deleted; the table doubles as
// the webhook audit trail.
type Record struct {
	Key         string
	EventType   string
	ResourceID  string
	Outcome     Outcome
	Action      string
	Payload     []byte
	Extra       []byte
	DurationMs  int64
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// Store persists ledger records. Implemented by Repository (Postgres)
// and MemoryStore (tests).
type Store interface {
	// Insert adds a new record, returning false without error when a
	// record with the same key already exists.
	Insert(ctx context.Context, rec Record) (bool, error)
	// Get returns the record for key, or nil when absent.
	Get(ctx context.Context, key string) (*Record, error)
	// Finalize moves an in-progress record to its terminal outcome.
	Finalize(ctx context.Context, key string, outcome Outcome, action string, durationMs int64, extra []byte) error
}

// MakeKey derives the idempotency key for an event delivery. The
// timestamp must be the upstream event's own timestamp, never a receipt
// time, so repeated deliveries of one logical event collide.
func MakeKey(eventType, resourceID, timestamp string) string {
	return fmt.Sprintf("%s:%s:%s", eventType, resourceID, timestamp)
}

// Ledger wraps a Store with the caller protocol used by every workflow
// orchestrator.
type Ledger struct {
	store Store
	log   *logger.Logger
}

// New creates a ledger over the given store.
func New(store Store, log *logger.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

// Lookup returns the existing record for key, or nil when the event has
// not been seen. A read failure degrades to "not yet processed" with a
// warning: we accept a duplicate side effect over dropping the event
// when the ledger is unavailable.
func (l *Ledger) Lookup(ctx context.Context, key string) *Record {
	rec, err := l.store.Get(ctx, key)
	if err != nil {
		l.log.Warn("ledger lookup failed, treating event as unprocessed", "key", key, "error", err)
		return nil
	}
	return rec
}

// Reserve attempts to claim the key for this worker. Returns false when
// another worker already owns it.
func (l *Ledger) Reserve(ctx context.Context, key, eventType, resourceID string, payload []byte) (bool, error) {
	inserted, err := l.store.Insert(ctx, Record{
		Key:        key,
		EventType:  eventType,
		ResourceID: resourceID,
		Outcome:    OutcomeInProgress,
		Payload:    payload,
	})
	if err != nil {
		return false, fmt.Errorf("ledger reserve: %w", err)
	}
	return inserted, nil
}

// Finalize records the terminal outcome of a reserved key.
func (l *Ledger) Finalize(ctx context.Context, key string, outcome Outcome, action string, duration time.Duration, extra []byte) error {
	err := l.store.Finalize(ctx, key, outcome, action, duration.Milliseconds(), extra)
	if err != nil {
		l.log.Error("ledger finalize failed", "key", key, "outcome", string(outcome), "error", err)
	}
	return err
}
