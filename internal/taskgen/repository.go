package taskgen

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides Postgres-backed access to the task mirror, the
// template tables, stage tracking, attempt sequences, and the assignee
// reference data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new taskgen repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const taskColumns = `id, external_id, title, description, matter_id, assignee_id, assignee_name,
		due_at, stage_id, stage_name, seq, status, calendar_entry_id, generated_by, created_at, updated_at`

func scanTask(row pgx.Row) (TaskRecord, error) {
	var rec TaskRecord
	err := row.Scan(
		&rec.ID, &rec.ExternalID, &rec.Title, &rec.Description, &rec.MatterID,
		&rec.AssigneeID, &rec.AssigneeName, &rec.DueAt, &rec.StageID, &rec.StageName,
		&rec.Seq, &rec.Status, &rec.CalendarEntryID, &rec.GeneratedBy,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

// Insert stores a new task mirror row.
func (r *Repository) Insert(ctx context.Context, rec TaskRecord) (TaskRecord, error) {
	return scanTask(r.pool.QueryRow(ctx, `
		INSERT INTO tasks (external_id, title, description, matter_id, assignee_id, assignee_name,
			due_at, stage_id, stage_name, seq, status, calendar_entry_id, generated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+taskColumns+`
	`, rec.ExternalID, rec.Title, rec.Description, rec.MatterID, rec.AssigneeID, rec.AssigneeName,
		rec.DueAt, rec.StageID, rec.StageName, rec.Seq, rec.Status, rec.CalendarEntryID, rec.GeneratedBy))
}

// UpdateByExternalID refreshes due date and assignee on a mirror row.
func (r *Repository) UpdateByExternalID(ctx context.Context, externalID int64, dueAt *time.Time, assigneeID int64, assigneeName string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET due_at = $2, assignee_id = $3, assignee_name = $4, updated_at = now()
		WHERE external_id = $1 AND status <> 'deleted'
	`, externalID, dueAt, assigneeID, assigneeName)
	return err
}

// MarkCompleted flips a mirror row to completed.
func (r *Repository) MarkCompleted(ctx context.Context, externalID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = 'completed', updated_at = now()
		WHERE external_id = $1 AND status <> 'deleted'
	`, externalID)
	return err
}

// SoftDelete marks a mirror row deleted, freeing its (matter, stage, seq)
// slot for regeneration while retaining the row for audit.
func (r *Repository) SoftDelete(ctx context.Context, externalID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = 'deleted', updated_at = now()
		WHERE external_id = $1 AND status <> 'deleted'
	`, externalID)
	return err
}

// StampCalendarEntry takes meeting ownership of a mirror row.
func (r *Repository) StampCalendarEntry(ctx context.Context, externalID int64, calendarEntryID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET calendar_entry_id = $2, updated_at = now()
		WHERE external_id = $1 AND status <> 'deleted'
	`, externalID, calendarEntryID)
	return err
}

// ListActiveByMatterStage returns non-deleted rows for a matter/stage pair.
func (r *Repository) ListActiveByMatterStage(ctx context.Context, matterID, stageID int64) ([]TaskRecord, error) {
	return r.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE matter_id = $1 AND stage_id = $2 AND status <> 'deleted'
		ORDER BY seq NULLS LAST, id
	`, matterID, stageID)
}

// ListActiveByMatterSince returns non-deleted rows created after the
// given instant, used by rollback cleanup.
func (r *Repository) ListActiveByMatterSince(ctx context.Context, matterID int64, since time.Time) ([]TaskRecord, error) {
	return r.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE matter_id = $1 AND created_at > $2 AND status <> 'deleted'
		ORDER BY id
	`, matterID, since)
}

// ListGeneratedSince returns rows for a matter/stage pair generated after
// the given instant, used by the verification pass.
func (r *Repository) ListGeneratedSince(ctx context.Context, matterID, stageID int64, since time.Time) ([]TaskRecord, error) {
	return r.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE matter_id = $1 AND stage_id = $2 AND created_at > $3 AND status <> 'deleted'
		ORDER BY seq NULLS LAST, id
	`, matterID, stageID, since)
}

// ListActiveByCalendarEntry returns non-deleted rows owned by a calendar
// entry.
func (r *Repository) ListActiveByCalendarEntry(ctx context.Context, calendarEntryID int64) ([]TaskRecord, error) {
	return r.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE calendar_entry_id = $1 AND status <> 'deleted'
		ORDER BY seq NULLS LAST, id
	`, calendarEntryID)
}

// FindByExternalID returns a row by its external id, or nil when absent.
func (r *Repository) FindByExternalID(ctx context.Context, externalID int64) (*TaskRecord, error) {
	rec, err := scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE external_id = $1
		ORDER BY id DESC LIMIT 1
	`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) listTasks(ctx context.Context, query string, args ...any) ([]TaskRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const templateColumns = `id, stage_id, event_type_id, seq, title, description,
		role_expr, offset_value, offset_unit, relation_expr`

// ForStage returns the parsed, validated templates for a stage.
func (r *Repository) ForStage(ctx context.Context, stageID int64) ([]TaskTemplate, error) {
	raw, err := r.listTemplates(ctx, `
		SELECT `+templateColumns+` FROM task_templates
		WHERE stage_id = $1 AND active
		ORDER BY seq
	`, stageID)
	if err != nil {
		return nil, err
	}
	return ParseTemplates(raw)
}

// ForMeetingType returns the parsed, validated templates for a calendar
// event type.
func (r *Repository) ForMeetingType(ctx context.Context, eventTypeID int64) ([]TaskTemplate, error) {
	raw, err := r.listTemplates(ctx, `
		SELECT `+templateColumns+` FROM task_templates
		WHERE event_type_id = $1 AND active
		ORDER BY seq
	`, eventTypeID)
	if err != nil {
		return nil, err
	}
	return ParseTemplates(raw)
}

// StageForMeetingType maps a calendar event type to its recording stage.
func (r *Repository) StageForMeetingType(ctx context.Context, eventTypeID int64) (*StageRef, error) {
	var ref StageRef
	err := r.pool.QueryRow(ctx, `
		SELECT s.id, s.name
		FROM event_type_stages ets
		JOIN stages s ON s.id = ets.stage_id
		WHERE ets.event_type_id = $1
	`, eventTypeID).Scan(&ref.ID, &ref.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *Repository) listTemplates(ctx context.Context, query string, args ...any) ([]TaskTemplate, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []TaskTemplate
	for rows.Next() {
		var tpl TaskTemplate
		if err := rows.Scan(
			&tpl.ID, &tpl.StageID, &tpl.EventTypeID, &tpl.Seq, &tpl.Title, &tpl.Description,
			&tpl.RoleExpr, &tpl.OffsetValue, &tpl.OffsetUnit, &tpl.RelationExpr,
		); err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// RecordEntry stamps when a matter entered a stage.
func (r *Repository) RecordEntry(ctx context.Context, matterID int64, stageName string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stage_tracking (matter_id, stage_name, entered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (matter_id, stage_name)
		DO UPDATE SET entered_at = EXCLUDED.entered_at
	`, matterID, stageName, at)
	return err
}

// RecordExit stamps when a matter left a stage.
func (r *Repository) RecordExit(ctx context.Context, matterID int64, stageName string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stage_tracking (matter_id, stage_name, exited_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (matter_id, stage_name)
		DO UPDATE SET exited_at = EXCLUDED.exited_at
	`, matterID, stageName, at)
	return err
}

// RecordExitOthers stamps an exit on every open stage of the matter
// except the current one.
func (r *Repository) RecordExitOthers(ctx context.Context, matterID int64, currentStage string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE stage_tracking SET exited_at = $3
		WHERE matter_id = $1 AND stage_name <> $2
		  AND (exited_at IS NULL OR exited_at < entered_at)
	`, matterID, currentStage, at)
	return err
}

// LastExitAt returns when the matter last left the stage, or nil.
func (r *Repository) LastExitAt(ctx context.Context, matterID int64, stageName string) (*time.Time, error) {
	var exitedAt *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT exited_at FROM stage_tracking
		WHERE matter_id = $1 AND stage_name = $2
	`, matterID, stageName).Scan(&exitedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exitedAt, nil
}

// DeleteTrackingOlderThan removes dwell rows whose last activity is older
// than the cutoff. Used by the scheduled cleanup job.
func (r *Repository) DeleteTrackingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM stage_tracking
		WHERE GREATEST(COALESCE(entered_at, 'epoch'), COALESCE(exited_at, 'epoch')) < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// StaleEntry is a matter that has sat in a stage past the alert horizon.
type StaleEntry struct {
	MatterID  int64
	StageName string
	EnteredAt time.Time
}

// ListStaleEntries returns matters that entered a stage before the
// cutoff and have not left it.
func (r *Repository) ListStaleEntries(ctx context.Context, cutoff time.Time) ([]StaleEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT matter_id, stage_name, entered_at FROM stage_tracking
		WHERE entered_at < $1 AND (exited_at IS NULL OR exited_at < entered_at)
		ORDER BY entered_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StaleEntry
	for rows.Next() {
		var e StaleEntry
		if err := rows.Scan(&e.MatterID, &e.StageName, &e.EnteredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NextAttempt returns the configured follow-up for a completed task
// name, or nil when the name is not part of an attempt sequence.
func (r *Repository) NextAttempt(ctx context.Context, taskName string) (*Attempt, error) {
	var a Attempt
	err := r.pool.QueryRow(ctx, `
		SELECT current_name, next_name, stage_id, next_seq
		FROM attempt_sequences
		WHERE lower(current_name) = lower($1)
	`, taskName).Scan(&a.CurrentName, &a.NextName, &a.StageID, &a.NextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LocationKeywords returns the configured city keyword list.
func (r *Repository) LocationKeywords(ctx context.Context) ([]LocationKeyword, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT keyword, user_id, user_name FROM location_keywords ORDER BY keyword
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []LocationKeyword
	for rows.Next() {
		var kw LocationKeyword
		if err := rows.Scan(&kw.Word, &kw.UserID, &kw.UserName); err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

// ParalegalForAttorney returns the paralegal mapped to an attorney, or
// nil when no mapping exists.
func (r *Repository) ParalegalForAttorney(ctx context.Context, attorneyID int64) (*Assignee, error) {
	return r.mappedAssignee(ctx, `
		SELECT paralegal_id, paralegal_name FROM attorney_paralegals WHERE attorney_id = $1
	`, attorneyID)
}

// FundTableForAttorney returns the fund-table user mapped to an
// attorney, or nil when no mapping exists.
func (r *Repository) FundTableForAttorney(ctx context.Context, attorneyID int64) (*Assignee, error) {
	return r.mappedAssignee(ctx, `
		SELECT user_id, user_name FROM attorney_fund_tables WHERE attorney_id = $1
	`, attorneyID)
}

func (r *Repository) mappedAssignee(ctx context.Context, query string, attorneyID int64) (*Assignee, error) {
	var a Assignee
	err := r.pool.QueryRow(ctx, query, attorneyID).Scan(&a.ID, &a.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
