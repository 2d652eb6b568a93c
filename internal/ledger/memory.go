package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	// FailReads forces Get to error, for exercising the degraded-read path.
	FailReads bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Insert adds a record unless the key is taken.
func (m *MemoryStore) Insert(ctx context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.Key]; exists {
		return false, nil
	}
	rec.CreatedAt = time.Now()
	m.records[rec.Key] = &rec
	return true, nil
}

// Get returns a copy of the record for key, or nil.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return nil, errors.New("memory store: reads disabled")
	}
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Finalize moves the record to its terminal outcome.
func (m *MemoryStore) Finalize(ctx context.Context, key string, outcome Outcome, action string, durationMs int64, extra []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Outcome != OutcomeInProgress {
		return errors.New("memory store: no in-progress record for key " + key)
	}
	now := time.Now()
	rec.Outcome = outcome
	rec.Action = action
	rec.DurationMs = durationMs
	rec.Extra = extra
	rec.ProcessedAt = &now
	return nil
}
