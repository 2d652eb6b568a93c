package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"lawflow_backend/platform/logger"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, logger.New("development")), store
}

func TestMakeKeyIsDeterministic(t *testing.T) {
	a := MakeKey("matter.updated", "123", "2026-08-21T10:00:00Z")
	b := MakeKey("matter.updated", "123", "2026-08-21T10:00:00Z")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != "matter.updated:123:2026-08-21T10:00:00Z" {
		t.Fatalf("unexpected key %q", a)
	}
}

func TestReserveOnlyOnce(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := MakeKey("task.completed", "9", "t1")

	ok, err := l.Reserve(ctx, key, "task.completed", "9", nil)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}

	ok, err = l.Reserve(ctx, key, "task.completed", "9", nil)
	if err != nil {
		t.Fatalf("second reserve errored: %v", err)
	}
	if ok {
		t.Fatal("second reserve must report not-inserted")
	}
}

func TestConcurrentReserveAdmitsExactlyOneWinner(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := MakeKey("matter.updated", "55", "t2")

	const workers = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve(ctx, key, "matter.updated", "55", nil)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestFinalizeTransitionsRecord(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := MakeKey("calendar.created", "3", "t3")

	if ok, _ := l.Reserve(ctx, key, "calendar.created", "3", []byte(`{}`)); !ok {
		t.Fatal("reserve failed")
	}
	if err := l.Finalize(ctx, key, OutcomeSuccess, "generated 3 tasks", 120*time.Millisecond, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec := l.Lookup(ctx, key)
	if rec == nil {
		t.Fatal("record missing after finalize")
	}
	if rec.Outcome != OutcomeSuccess || rec.Action != "generated 3 tasks" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
}

func TestFinalizeWithoutReservationFails(t *testing.T) {
	l, _ := newTestLedger()
	if err := l.Finalize(context.Background(), "missing", OutcomeFailure, "", 0, nil); err == nil {
		t.Fatal("expected error finalizing unreserved key")
	}
}

func TestLookupDegradesToUnprocessedOnReadFailure(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	key := MakeKey("document.created", "2", "t4")

	if ok, _ := l.Reserve(ctx, key, "document.created", "2", nil); !ok {
		t.Fatal("reserve failed")
	}

	store.FailReads = true
	if rec := l.Lookup(ctx, key); rec != nil {
		t.Fatal("degraded lookup must report absent, not error")
	}
}
