// Package errorlog persists structured automation failures for triage.
// Writes are fire-and-forget: a failing error log must never take down
// the workflow that is trying to report a failure.
package errorlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lawflow_backend/platform/logger"
)

// Entry is one recorded failure.
type Entry struct {
	ID        int64
	Code      string
	Message   string
	Details   map[string]any
	CreatedAt time.Time
}

// Repository stores failures in Postgres.
type Repository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewRepository creates a new error log repository.
func NewRepository(pool *pgxpool.Pool, log *logger.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

// Record writes one failure row. Errors are logged, never returned.
func (r *Repository) Record(ctx context.Context, code, message string, details map[string]any) {
	var payload []byte
	if details != nil {
		var err error
		payload, err = json.Marshal(details)
		if err != nil {
			r.log.Error("error log: details not serializable", "code", code, "error", err)
			payload = nil
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO error_log (code, message, details)
		VALUES ($1, $2, $3)
	`, code, message, payload)
	if err != nil {
		r.log.Error("error log write failed", "code", code, "message", message, "error", err)
	}
}

// ListRecent returns the most recent failures for the admin surface.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, message, details, created_at
		FROM error_log
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Code, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Details); err != nil {
				r.log.Warn("error log: unreadable details", "id", e.ID, "error", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
