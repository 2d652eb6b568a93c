// Package workflows sequences the automation components per webhook
// trigger: dedupe through the idempotency ledger, serialize through the
// entity queue, run the trigger-specific policy, verify, finalize.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/events"
	"lawflow_backend/internal/ledger"
	"lawflow_backend/internal/queue"
	"lawflow_backend/internal/taskgen"
	"lawflow_backend/platform/apperr"
	"lawflow_backend/platform/logger"
)

// PracticeClient is the slice of the practice-management client the
// orchestrators need. Satisfied by *clio.Client.
type PracticeClient interface {
	GetMatter(ctx context.Context, id int64) (*clio.Matter, error)
	GetTask(ctx context.Context, id int64) (*clio.Task, error)
	GetCalendarEntry(ctx context.Context, id int64) (*clio.CalendarEntry, error)
	GetDocument(ctx context.Context, id int64) (*clio.Document, error)
	UpdateTask(ctx context.Context, id int64, p clio.TaskParams) (*clio.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	ListBillsByMatter(ctx context.Context, matterID int64) ([]clio.Bill, error)
}

// Queue is the entity-serialization contract. Satisfied by both
// queue.EntityQueue and queue.RateAwareQueue.
type Queue interface {
	Enqueue(ctx context.Context, entityKey string, work queue.UnitOfWork) (any, error)
}

// Delivery is one inbound webhook event after envelope validation.
type Delivery struct {
	EventType  string
	ResourceID string
	// Timestamp is the upstream event's own timestamp, not receipt time.
	Timestamp string
	// EntityKey serializes processing; usually the matter id. Empty
	// means no serialization is possible.
	EntityKey string
	Payload   []byte
}

// Key returns the delivery's idempotency key.
func (d Delivery) Key() string {
	return ledger.MakeKey(d.EventType, d.ResourceID, d.Timestamp)
}

// Outcome is what a processed delivery reports back to the webhook
// handler.
type Outcome struct {
	Action string `json:"action"`
	Cached bool   `json:"cached"`
	// Pending means another worker holds the ledger reservation; the
	// caller should retry later.
	Pending bool           `json:"pending,omitempty"`
	Result  taskgen.Result `json:"result"`
}

// Processor runs the shared ledger/queue protocol around every
// trigger-specific workflow.
type Processor struct {
	ledger    *ledger.Ledger
	queue     Queue
	client    PracticeClient
	engine    *taskgen.Engine
	verifier  *taskgen.Verifier
	tasks     taskgen.TaskStore
	templates taskgen.TemplateStore
	tracking  taskgen.TrackingStore
	attempts  taskgen.AttemptStore
	bus       events.Bus
	log       *logger.Logger
}

// NewProcessor wires the workflow processor.
func NewProcessor(
	led *ledger.Ledger,
	q Queue,
	client PracticeClient,
	engine *taskgen.Engine,
	verifier *taskgen.Verifier,
	tasks taskgen.TaskStore,
	templates taskgen.TemplateStore,
	tracking taskgen.TrackingStore,
	attempts taskgen.AttemptStore,
	bus events.Bus,
	log *logger.Logger,
) *Processor {
	return &Processor{
		ledger:    led,
		queue:     q,
		client:    client,
		engine:    engine,
		verifier:  verifier,
		tasks:     tasks,
		templates: templates,
		tracking:  tracking,
		attempts:  attempts,
		bus:       bus,
		log:       log,
	}
}

// workFunc is one trigger-specific workflow body.
type workFunc func(ctx context.Context) (string, taskgen.Result, error)

// process applies the caller protocol shared by every orchestrator:
// lookup, reserve, run under the entity queue, finalize in both the
// success and failure paths.
func (p *Processor) process(ctx context.Context, d Delivery, work workFunc) (Outcome, error) {
	key := d.Key()

	if rec := p.ledger.Lookup(ctx, key); rec != nil {
		if rec.Outcome == ledger.OutcomeInProgress {
			p.log.Info("event already being processed", "key", key)
			return Outcome{Action: "in_progress", Pending: true}, nil
		}
		p.log.Info("event replay, returning cached outcome", "key", key, "action", rec.Action)
		return Outcome{Action: rec.Action, Cached: true}, nil
	}

	reserved, err := p.ledger.Reserve(ctx, key, d.EventType, d.ResourceID, d.Payload)
	if err != nil {
		return Outcome{}, err
	}
	if !reserved {
		// Lost the race to a concurrent duplicate; not an error.
		return Outcome{Action: "in_progress", Pending: true}, nil
	}

	started := time.Now()
	value, err := p.queue.Enqueue(ctx, d.EntityKey, func(ctx context.Context) (any, error) {
		action, result, werr := work(ctx)
		if werr != nil {
			return Outcome{Action: action, Result: result}, werr
		}
		return Outcome{Action: action, Result: result}, nil
	})

	out, _ := value.(Outcome)
	duration := time.Since(started)

	if err != nil {
		// A finalize failure must not mask the workflow error.
		_ = p.ledger.Finalize(ctx, key, ledger.OutcomeFailure, err.Error(), duration, nil)
		return out, err
	}

	extra, _ := json.Marshal(out.Result)
	if ferr := p.ledger.Finalize(ctx, key, ledger.OutcomeSuccess, out.Action, duration, extra); ferr != nil {
		return out, ferr
	}
	return out, nil
}

// fetchMatter re-reads the matter from the upstream system; webhook
// payloads may be stale.
func (p *Processor) fetchMatter(ctx context.Context, id int64) (*clio.Matter, error) {
	m, err := p.client.GetMatter(ctx, id)
	if errors.Is(err, clio.ErrNotFound) {
		return nil, apperr.Validation("matter not found upstream").WithDetails(map[string]interface{}{"matterId": id})
	}
	return m, err
}
