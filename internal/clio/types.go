package clio

import "time"

// Stage is a matter's workflow step in the practice-management system.
type Stage struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Attorney identifies a user referenced from a matter.
type Attorney struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PracticeArea is the matter's area of law.
type PracticeArea struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Matter is a legal matter as the practice-management system records it.
// Webhook payloads may be stale, so orchestrators re-fetch matters by id
// rather than trusting the delivery body.
type Matter struct {
	ID                  int64         `json:"id"`
	DisplayNumber       string        `json:"display_number"`
	Description         string        `json:"description"`
	Status              string        `json:"status"`
	Location            string        `json:"location"`
	Stage               *Stage        `json:"matter_stage"`
	StageUpdatedAt      *time.Time    `json:"matter_stage_updated_at"`
	PracticeArea        *PracticeArea `json:"practice_area"`
	ResponsibleAttorney *Attorney     `json:"responsible_attorney"`
	OriginatingAttorney *Attorney     `json:"originating_attorney"`
}

// TaskAssignee is the user a task is assigned to.
type TaskAssignee struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Task is a unit of work in the practice-management system.
type Task struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Priority    string        `json:"priority"`
	DueAt       *time.Time    `json:"due_at"`
	CompletedAt *time.Time    `json:"completed_at"`
	Assignee    *TaskAssignee `json:"assignee"`
	Matter      *Matter       `json:"matter"`
}

// TaskParams is the mutable subset of a task sent on create/update.
type TaskParams struct {
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	AssigneeID  int64      `json:"assignee_id,omitempty"`
	MatterID    int64      `json:"matter_id,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// CalendarEntry is a scheduled meeting tied to a matter.
type CalendarEntry struct {
	ID        int64      `json:"id"`
	Summary   string     `json:"summary"`
	Location  string     `json:"location"`
	StartAt   *time.Time `json:"start_at"`
	EndAt     *time.Time `json:"end_at"`
	Matter    *Matter    `json:"matter"`
	EventType *Stage     `json:"calendar_entry_event_type"`
}

// Document is an uploaded document reference.
type Document struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	ParentFolder *Folder `json:"parent"`
	Matter       *Matter `json:"matter"`
}

// Folder is a document folder.
type Folder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Bill is an invoice on a matter, used for payment-presence checks.
type Bill struct {
	ID    int64   `json:"id"`
	State string  `json:"state"`
	Total float64 `json:"total"`
}

// MatterParams is the mutable subset of a matter sent on update.
type MatterParams struct {
	Status   string `json:"status,omitempty"`
	StageID  int64  `json:"matter_stage_id,omitempty"`
	Location string `json:"location,omitempty"`
}

// WebhookSubscription is an outbound-event subscription registered with
// the practice-management system. Subscriptions expire and must be
// renewed periodically.
type WebhookSubscription struct {
	ID        int64      `json:"id"`
	URL       string     `json:"url"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
	Events    []string   `json:"events"`
}

// WebhookParams is the mutable subset of a subscription sent on update.
type WebhookParams struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RateLimitStatus is the live upstream-quota snapshot parsed from
// response headers, consumed by the rate-aware queue.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}
