package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres-backed ledger store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert adds a new ledger row. The primary key on (key) makes the
// insert race-safe: the second writer sees zero affected rows and knows
// another worker owns the event.
func (r *Repository) Insert(ctx context.Context, rec Record) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (key, event_type, resource_id, outcome, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.EventType, rec.ResourceID, string(rec.Outcome), rec.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the ledger row for key, or nil when absent.
func (r *Repository) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var outcome string
	err := r.pool.QueryRow(ctx, `
		SELECT key, event_type, resource_id, outcome, action, payload, extra, duration_ms, processed_at, created_at
		FROM webhook_events
		WHERE key = $1
	`, key).Scan(
		&rec.Key, &rec.EventType, &rec.ResourceID, &outcome, &rec.Action,
		&rec.Payload, &rec.Extra, &rec.DurationMs, &rec.ProcessedAt, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Outcome = Outcome(outcome)
	return &rec, nil
}

// Finalize moves the row from in_progress to its terminal outcome.
func (r *Repository) Finalize(ctx context.Context, key string, outcome Outcome, action string, durationMs int64, extra []byte) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET outcome = $2, action = $3, duration_ms = $4, extra = $5, processed_at = now()
		WHERE key = $1 AND outcome = 'in_progress'
	`, key, string(outcome), action, durationMs, extra)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("ledger: no in-progress record for key " + key)
	}
	return nil
}
