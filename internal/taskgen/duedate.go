package taskgen

import (
	"time"

	"lawflow_backend/platform/logger"
)

// ReferenceKind says what instant a due-date computation anchors on.
// The kind is explicit: callers state "now" rather than the calculator
// inferring it from wall-clock proximity.
type ReferenceKind int

const (
	// RefCreation anchors on "now", adjusted into the firm's business
	// timezone. Used at initial generation time.
	RefCreation ReferenceKind = iota
	// RefMeeting anchors on a meeting's start time, which already
	// carries real calendar semantics and is never offset-adjusted.
	RefMeeting
	// RefTaskCompletion anchors on the completion of a dependency task.
	RefTaskCompletion
)

// Reference is the anchor instant for one computation. At is ignored
// for RefCreation.
type Reference struct {
	Kind ReferenceKind
	At   time.Time
}

// Calculator computes due timestamps from parsed anchors.
type Calculator struct {
	tzOffset time.Duration
	now      func() time.Time
	log      *logger.Logger
}

// NewCalculator creates a calculator. tzOffset shifts "now" from server
// time (UTC) into the firm's business timezone.
func NewCalculator(tzOffset time.Duration, log *logger.Logger) *Calculator {
	return &Calculator{
		tzOffset: tzOffset,
		now:      time.Now,
		log:      log,
	}
}

// Compute returns the due timestamp for an anchor relative to ref, or
// nil when the due date is deliberately deferred:
//   - a cross-task dependency outside a task-completion context stays
//     unset until the dependency completes;
//   - a meeting-relative anchor outside a meeting context is a logic
//     error, warned loudly and defaulted to nil, never guessed.
func (c *Calculator) Compute(a Anchor, ref Reference) *time.Time {
	if a.DependsOnTask != nil && ref.Kind != RefTaskCompletion {
		return nil
	}
	if a.MeetingRelative && ref.Kind != RefMeeting {
		c.log.Warn("due date: meeting-relative anchor computed outside meeting context, leaving unset",
			"dependsOnTask", a.DependsOnTask,
			"offset", a.Offset,
		)
		return nil
	}

	base := ref.At
	if ref.Kind == RefCreation {
		base = c.now().Add(c.tzOffset)
	}

	due := applyOffset(base, a)

	// Zero-offset and "now" anchors mean due immediately; weekend
	// protection intentionally does not apply.
	if a.Offset == 0 || a.Relation == RelationNow {
		return &due
	}

	due = shiftOffWeekend(due)
	return &due
}

func applyOffset(base time.Time, a Anchor) time.Time {
	var d time.Duration
	switch a.Unit {
	case UnitHours:
		d = time.Duration(a.Offset) * time.Hour
	case UnitMinutes:
		d = time.Duration(a.Offset) * time.Minute
	default:
		d = time.Duration(a.Offset) * 24 * time.Hour
	}

	if a.Relation == RelationBefore {
		return base.Add(-d)
	}
	return base.Add(d)
}

// shiftOffWeekend moves Saturday/Sunday dates forward to the following
// Monday, keeping the time-of-day.
func shiftOffWeekend(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, 2)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	default:
		return t
	}
}
