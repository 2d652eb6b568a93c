// Package queue serializes webhook processing per business entity.
// Entries sharing an entity key drain strictly FIFO, one at a time, while
// entries for different keys run in parallel. The rate-aware variant
// additionally defers work when the upstream API quota runs low.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lawflow_backend/platform/logger"
)

// UnitOfWork is one deferred webhook workflow. Its result (or error) is
// handed back to the enqueuing caller and nobody else.
type UnitOfWork func(ctx context.Context) (any, error)

type result struct {
	value any
	err   error
}

type entry struct {
	ctx        context.Context
	work       UnitOfWork
	enqueuedAt time.Time
	done       chan result
}

type bucket struct {
	entries []*entry
}

// EntityQueue is the in-memory per-entity serial queue.
type EntityQueue struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	log     *logger.Logger
}

// NewEntityQueue creates an empty queue.
func NewEntityQueue(log *logger.Logger) *EntityQueue {
	return &EntityQueue{
		buckets: make(map[string]*bucket),
		log:     log,
	}
}

// Enqueue schedules work under entityKey and blocks until it completes,
// returning the work's own result. An empty entityKey means no
// serialization is possible; the work runs immediately.
func (q *EntityQueue) Enqueue(ctx context.Context, entityKey string, work UnitOfWork) (any, error) {
	if entityKey == "" {
		return runGuarded(ctx, work)
	}

	e := &entry{
		ctx:        ctx,
		work:       work,
		enqueuedAt: time.Now(),
		done:       make(chan result, 1),
	}

	q.mu.Lock()
	b, ok := q.buckets[entityKey]
	if !ok {
		b = &bucket{}
		q.buckets[entityKey] = b
	}
	b.entries = append(b.entries, e)
	startWorker := !ok
	q.mu.Unlock()

	if startWorker {
		go q.drain(entityKey)
	}

	res := <-e.done
	return res.value, res.err
}

// drain processes one bucket FIFO until it empties, then removes it.
func (q *EntityQueue) drain(entityKey string) {
	for {
		q.mu.Lock()
		b, ok := q.buckets[entityKey]
		if !ok || len(b.entries) == 0 {
			delete(q.buckets, entityKey)
			q.mu.Unlock()
			return
		}
		e := b.entries[0]
		b.entries = b.entries[1:]
		waiting := len(b.entries)
		q.mu.Unlock()

		if waiting > 0 {
			q.log.Debug("queue: draining entry", "entity", entityKey, "backlog", waiting)
		}

		value, err := runGuarded(e.ctx, e.work)
		e.done <- result{value: value, err: err}
	}
}

// runGuarded executes work, converting a panic into an error so the
// queue slot is always released.
func runGuarded(ctx context.Context, work UnitOfWork) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: unit of work panicked: %v", r)
		}
	}()
	return work(ctx)
}

// PendingBuckets reports how many entity buckets currently exist.
func (q *EntityQueue) PendingBuckets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets)
}
