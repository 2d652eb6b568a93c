package taskgen

import (
	"context"
	"time"
)

// Task lifecycle statuses in the local store.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusDeleted   = "deleted"
)

// ErrorTaskSeq is the sentinel sequence number for system-generated
// "missing data" / "assignment error" tasks, distinct from any template
// number.
const ErrorTaskSeq = -1

// Generation source tags recorded on each task.
const (
	GeneratedByStage        = "stage"
	GeneratedByMeeting      = "meeting"
	GeneratedByVerification = "verification"
)

// TaskRecord mirrors one practice-management task in the local store.
// The external id is authoritative; (matter, stage, seq) is unique among
// non-deleted rows so a template slot holds at most one live task.
type TaskRecord struct {
	ID              int64
	ExternalID      int64
	Title           string
	Description     string
	MatterID        int64
	AssigneeID      int64
	AssigneeName    string
	DueAt           *time.Time
	StageID         *int64
	StageName       string
	Seq             *int
	Status          string
	CalendarEntryID *int64
	GeneratedBy     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Completed reports whether the task finished in the upstream system.
func (t TaskRecord) Completed() bool { return t.Status == StatusCompleted }

// TaskStore persists task records. Implemented by Repository (Postgres)
// and by in-memory fakes in tests.
type TaskStore interface {
	Insert(ctx context.Context, rec TaskRecord) (TaskRecord, error)
	// UpdateByExternalID refreshes due date and assignee on a record.
	UpdateByExternalID(ctx context.Context, externalID int64, dueAt *time.Time, assigneeID int64, assigneeName string) error
	// MarkCompleted flips a record to completed.
	MarkCompleted(ctx context.Context, externalID int64) error
	// SoftDelete flips status to deleted; the row is retained.
	SoftDelete(ctx context.Context, externalID int64) error
	// StampCalendarEntry takes meeting ownership of a record.
	StampCalendarEntry(ctx context.Context, externalID int64, calendarEntryID int64) error
	// ListActiveByMatterStage returns non-deleted records for a
	// (matter, stage) pair.
	ListActiveByMatterStage(ctx context.Context, matterID, stageID int64) ([]TaskRecord, error)
	// ListActiveByMatterSince returns non-deleted records created after
	// the given instant, for rollback cleanup.
	ListActiveByMatterSince(ctx context.Context, matterID int64, since time.Time) ([]TaskRecord, error)
	// ListGeneratedSince returns records for a (matter, stage) pair
	// generated after the given instant, for the verification pass.
	ListGeneratedSince(ctx context.Context, matterID, stageID int64, since time.Time) ([]TaskRecord, error)
	// ListActiveByCalendarEntry returns non-deleted records owned by a
	// calendar entry, for meeting-deletion cleanup.
	ListActiveByCalendarEntry(ctx context.Context, calendarEntryID int64) ([]TaskRecord, error)
	// FindByExternalID returns a record by its external id, or nil.
	FindByExternalID(ctx context.Context, externalID int64) (*TaskRecord, error)
}

// TemplateStore loads task templates and the calendar-event mapping.
type TemplateStore interface {
	// ForStage returns the templates for a stage, parsed and validated.
	ForStage(ctx context.Context, stageID int64) ([]TaskTemplate, error)
	// ForMeetingType returns the templates for a calendar event type,
	// parsed and validated.
	ForMeetingType(ctx context.Context, eventTypeID int64) ([]TaskTemplate, error)
	// StageForMeetingType maps a calendar event type to the stage its
	// tasks are recorded under, or nil when unmapped.
	StageForMeetingType(ctx context.Context, eventTypeID int64) (*StageRef, error)
}

// StageRef names a stage without fetching the matter.
type StageRef struct {
	ID   int64
	Name string
}

// TrackingStore records matter stage dwell observations.
type TrackingStore interface {
	// RecordEntry upserts the (matter, stage) tracking row on entry.
	RecordEntry(ctx context.Context, matterID int64, stageName string, at time.Time) error
	// RecordExit stamps when the matter last left the stage.
	RecordExit(ctx context.Context, matterID int64, stageName string, at time.Time) error
	// RecordExitOthers stamps an exit on every open stage of the matter
	// except the current one, called when a stage change arrives.
	RecordExitOthers(ctx context.Context, matterID int64, currentStage string, at time.Time) error
	// LastExitAt returns when the matter last left the stage, or nil.
	LastExitAt(ctx context.Context, matterID int64, stageName string) (*time.Time, error)
}

// Attempt describes the follow-up in a configured attempt sequence.
type Attempt struct {
	CurrentName string
	NextName    string
	StageID     int64
	NextSeq     int
}

// AttemptStore loads the configured attempt sequences.
type AttemptStore interface {
	// NextAttempt returns the configured follow-up for a completed task
	// name, or nil when the name is not part of an attempt sequence.
	NextAttempt(ctx context.Context, taskName string) (*Attempt, error)
}

// ErrorLog records structured failures for later triage.
type ErrorLog interface {
	Record(ctx context.Context, code, message string, details map[string]any)
}

// NopErrorLog discards failures; used in tests.
type NopErrorLog struct{}

func (NopErrorLog) Record(ctx context.Context, code, message string, details map[string]any) {}
