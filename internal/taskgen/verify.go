package taskgen

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lawflow_backend/internal/clio"
	"lawflow_backend/platform/logger"
)

// VerifyConfig tunes the post-generation verification pass.
type VerifyConfig struct {
	// SettleDelay is how long to wait after a batch before comparing, so
	// in-flight writes land first.
	SettleDelay time.Duration
	// Window bounds how far back generated records are considered part
	// of the batch under verification.
	Window time.Duration
	// Concurrency caps parallel regeneration calls.
	Concurrency int
}

// Verifier re-checks a generation batch against its template set and
// regenerates anything that went missing between external create and
// local record.
type Verifier struct {
	engine *Engine
	tasks  TaskStore
	cfg    VerifyConfig
	log    *logger.Logger
}

// NewVerifier wires the verifier.
func NewVerifier(engine *Engine, tasks TaskStore, cfg VerifyConfig, log *logger.Logger) *Verifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Verifier{engine: engine, tasks: tasks, cfg: cfg, log: log}
}

// Verify waits out the settle delay, diffs expected template sequences
// against the records generated inside the window, and regenerates the
// missing ones. Error tasks and completed slots count as satisfied.
func (v *Verifier) Verify(ctx context.Context, m *clio.Matter, stage clio.Stage, templates []TaskTemplate, ref Reference, opts ResolveOptions, calendarEntryID *int64) (Result, error) {
	select {
	case <-time.After(v.cfg.SettleDelay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	since := time.Now().Add(-v.cfg.Window)
	generated, err := v.tasks.ListGeneratedSince(ctx, m.ID, stage.ID, since)
	if err != nil {
		return Result{}, err
	}

	present := make(map[int]bool, len(generated))
	blocked := false
	for _, rec := range generated {
		if rec.Seq == nil {
			continue
		}
		if *rec.Seq == ErrorTaskSeq {
			if !rec.Completed() {
				blocked = true
			}
			continue
		}
		present[*rec.Seq] = true
	}
	if blocked {
		// Generation ended in a missing-data task; nothing to backfill
		// until a human completes it.
		return Result{Skipped: "batch blocked on missing data"}, nil
	}

	var missing []TaskTemplate
	for _, tpl := range templates {
		if !present[tpl.Seq] {
			missing = append(missing, tpl)
		}
	}
	if len(missing) == 0 {
		return Result{}, nil
	}

	v.log.Warn("verification found missing tasks, regenerating",
		"matterId", m.ID, "stage", stage.Name, "expected", len(templates), "missing", len(missing))

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	for _, tpl := range missing {
		tpl := tpl
		g.Go(func() error {
			rec, failure := v.engine.createFromTemplate(gctx, tpl, m, stage, ref, opts, calendarEntryID, GeneratedByVerification)
			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				res.Failures = append(res.Failures, *failure)
				return nil
			}
			res.Regenerated++
			v.log.Info("task regenerated by verification",
				"matterId", m.ID, "stage", stage.Name, "seq", tpl.Seq, "externalId", rec.ExternalID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}
