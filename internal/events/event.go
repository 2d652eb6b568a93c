// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"lawflow_backend/platform/events"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Task Generation Domain Events
// =============================================================================

// TasksGenerated is published after a generation batch lands for a
// matter, whatever its trigger.
type TasksGenerated struct {
	BaseEvent
	MatterID    int64  `json:"matterId"`
	StageID     int64  `json:"stageId"`
	StageName   string `json:"stageName"`
	Trigger     string `json:"trigger"` // "stage", "meeting", "verification"
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Linked      int    `json:"linked"`
	Regenerated int    `json:"regenerated"`
	Failures    int    `json:"failures"`
}

func (e TasksGenerated) EventName() string { return "taskgen.batch.generated" }

// GenerationBlocked is published when a batch is blocked on missing
// matter data and an error task was created instead.
type GenerationBlocked struct {
	BaseEvent
	MatterID      int64    `json:"matterId"`
	StageName     string   `json:"stageName"`
	MissingFields []string `json:"missingFields"`
}

func (e GenerationBlocked) EventName() string { return "taskgen.batch.blocked" }

// =============================================================================
// Matter Domain Events
// =============================================================================

// MatterStageChanged is published when a matter moves to a new stage.
type MatterStageChanged struct {
	BaseEvent
	MatterID  int64  `json:"matterId"`
	StageID   int64  `json:"stageId"`
	StageName string `json:"stageName"`
}

func (e MatterStageChanged) EventName() string { return "matters.stage.changed" }

// MatterClosed is published when a matter reaches a closed status.
type MatterClosed struct {
	BaseEvent
	MatterID    int64 `json:"matterId"`
	HasPayments bool  `json:"hasPayments"`
}

func (e MatterClosed) EventName() string { return "matters.closed" }

// MatterStageStale is published by the scheduler when a matter has sat
// in a stage past the alert horizon.
type MatterStageStale struct {
	BaseEvent
	MatterID  int64     `json:"matterId"`
	StageName string    `json:"stageName"`
	EnteredAt time.Time `json:"enteredAt"`
}

func (e MatterStageStale) EventName() string { return "matters.stage.stale" }

// =============================================================================
// Task Domain Events
// =============================================================================

// TaskCompleted is published when a tracked task completes upstream.
type TaskCompleted struct {
	BaseEvent
	TaskID   int64  `json:"taskId"`
	MatterID int64  `json:"matterId"`
	TaskName string `json:"taskName"`
}

func (e TaskCompleted) EventName() string { return "tasks.completed" }

// =============================================================================
// Integration Domain Events
// =============================================================================

// TokenRefreshFailed is published when the scheduled OAuth refresh
// cannot obtain a new access token. Handlers alert an operator; the
// integration is down until someone re-authorizes.
type TokenRefreshFailed struct {
	BaseEvent
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

func (e TokenRefreshFailed) EventName() string { return "integration.token.refresh_failed" }
