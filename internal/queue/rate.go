package queue

import (
	"context"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/platform/logger"
)

// globalKey is the shared bucket used when throttling work that carries
// no extractable entity id.
const globalKey = "_global"

// QuotaSource exposes the live upstream rate-limit snapshot.
type QuotaSource interface {
	RateLimit() clio.RateLimitStatus
}

// RateAwareConfig tunes the throttled queue variant.
type RateAwareConfig struct {
	// Threshold is the remaining-quota level at or below which work is
	// queued instead of run inline.
	Threshold int
	// WaitMax bounds how long a drain will sleep for a quota reset.
	WaitMax time.Duration
	// InterRequestDelay is inserted between drained entries to let the
	// quota recover.
	InterRequestDelay time.Duration
}

// RateAwareQueue wraps an EntityQueue with upstream-quota awareness:
// above the threshold it bypasses queueing entirely for latency; at or
// below it, everything funnels through buckets with reset waits and
// inter-request delays. This trades strict per-entity ordering for
// protection against upstream throttling errors.
type RateAwareQueue struct {
	inner *EntityQueue
	quota QuotaSource
	cfg   RateAwareConfig
	log   *logger.Logger
}

// NewRateAwareQueue creates the rate-aware variant.
func NewRateAwareQueue(inner *EntityQueue, quota QuotaSource, cfg RateAwareConfig, log *logger.Logger) *RateAwareQueue {
	return &RateAwareQueue{inner: inner, quota: quota, cfg: cfg, log: log}
}

// Enqueue schedules work, consulting the quota snapshot first.
func (q *RateAwareQueue) Enqueue(ctx context.Context, entityKey string, work UnitOfWork) (any, error) {
	rl := q.quota.RateLimit()
	if rl.Remaining > q.cfg.Threshold {
		return runGuarded(ctx, work)
	}

	key := entityKey
	if key == "" {
		key = globalKey
	}

	q.log.Info("queue: quota low, deferring work",
		"entity", key,
		"remaining", rl.Remaining,
		"threshold", q.cfg.Threshold,
	)

	return q.inner.Enqueue(ctx, key, func(ctx context.Context) (any, error) {
		q.waitForQuota(ctx)
		value, err := work(ctx)
		q.sleep(ctx, q.cfg.InterRequestDelay)
		return value, err
	})
}

// waitForQuota sleeps until the known quota reset, bounded by WaitMax.
func (q *RateAwareQueue) waitForQuota(ctx context.Context) {
	rl := q.quota.RateLimit()
	if rl.Remaining > q.cfg.Threshold || rl.ResetAt.IsZero() {
		return
	}

	wait := time.Until(rl.ResetAt)
	if wait <= 0 {
		return
	}
	if wait > q.cfg.WaitMax {
		wait = q.cfg.WaitMax
	}

	q.log.Info("queue: waiting for quota reset", "wait", wait.String(), "remaining", rl.Remaining)
	q.sleep(ctx, wait)
}

func (q *RateAwareQueue) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
