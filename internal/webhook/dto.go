package webhook

import (
	"encoding/json"
	"strings"
	"time"
)

// Envelope is the event wrapper the CRM posts to every webhook endpoint.
type Envelope struct {
	ID         string          `json:"id" validate:"required"`
	Type       string          `json:"type" validate:"required"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Data       json.RawMessage `json:"data" validate:"required"`
}

// Timestamp renders the event's own timestamp for idempotency keying.
// Deliveries without one key on the delivery id instead: redeliveries
// of one logical event share it, while the resource's next distinct
// event arrives under a fresh id and must not dedupe against this one.
func (e Envelope) Timestamp() string {
	if e.OccurredAt == nil {
		return e.ID
	}
	return e.OccurredAt.UTC().Format(time.RFC3339)
}

type matterRef struct {
	ID int64 `json:"id"`
}

// MatterData is the payload of a matter event.
type MatterData struct {
	ID        int64      `json:"id" validate:"required"`
	Status    string     `json:"status"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// TaskData is the payload of a task event.
type TaskData struct {
	ID        int64      `json:"id" validate:"required"`
	Status    string     `json:"status"`
	Matter    *matterRef `json:"matter"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// CalendarData is the payload of a calendar-entry event.
type CalendarData struct {
	ID        int64      `json:"id" validate:"required"`
	Matter    *matterRef `json:"matter"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// DocumentData is the payload of a document event.
type DocumentData struct {
	ID        int64      `json:"id" validate:"required"`
	Matter    *matterRef `json:"matter"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// isDeletion reports whether a delivery is the deletion variant. The CRM
// signals deletion either with a dedicated event type or by stamping
// deleted_at on the same update event.
func isDeletion(eventType string, deletedAt *time.Time) bool {
	if deletedAt != nil {
		return true
	}
	return strings.HasSuffix(strings.ToLower(eventType), ".deleted")
}

func isClosed(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "closed" || s == "close"
}

func isCompleted(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "complete" || s == "completed"
}
