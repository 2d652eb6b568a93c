package taskgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/platform/apperr"
	"lawflow_backend/platform/logger"
)

// ExternalTasks is the slice of the practice-management client the
// engine needs.
type ExternalTasks interface {
	CreateTask(ctx context.Context, p clio.TaskParams) (*clio.Task, error)
	UpdateTask(ctx context.Context, id int64, p clio.TaskParams) (*clio.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Failure is one template-level failure accumulated during a batch.
type Failure struct {
	Seq   int
	Title string
	Code  string
	Err   string
}

// Result summarizes one generation batch.
type Result struct {
	Created     int
	Updated     int
	Linked      int
	Regenerated int
	Skipped     string
	Failures    []Failure
}

// Changed reports whether the batch created or failed anything, which is
// what decides whether a verification pass runs.
func (r Result) Changed() bool {
	return r.Created > 0 || len(r.Failures) > 0
}

// Config tunes the engine.
type Config struct {
	// RollbackWindow is how soon a stage re-entry counts as accidental.
	RollbackWindow time.Duration
	// FallbackUserID receives "missing data" error tasks.
	FallbackUserID   int64
	FallbackUserName string
}

// Engine generates, updates, and links tasks from templates.
type Engine struct {
	external  ExternalTasks
	tasks     TaskStore
	templates TemplateStore
	tracking  TrackingStore
	resolver  *Resolver
	calc      *Calculator
	errlog    ErrorLog
	cfg       Config
	log       *logger.Logger
}

// NewEngine wires the engine.
func NewEngine(external ExternalTasks, tasks TaskStore, templates TemplateStore, tracking TrackingStore, resolver *Resolver, calc *Calculator, errlog ErrorLog, cfg Config, log *logger.Logger) *Engine {
	return &Engine{
		external:  external,
		tasks:     tasks,
		templates: templates,
		tracking:  tracking,
		resolver:  resolver,
		calc:      calc,
		errlog:    errlog,
		cfg:       cfg,
		log:       log,
	}
}

// GenerateForStage runs the stage-change generation workflow for a
// matter that just entered stage.
func (e *Engine) GenerateForStage(ctx context.Context, m *clio.Matter, stage clio.Stage) (Result, error) {
	templates, err := e.templates.ForStage(ctx, stage.ID)
	if err != nil {
		e.errlog.Record(ctx, apperr.CodeTemplate, err.Error(), map[string]any{"matterId": m.ID, "stageId": stage.ID})
		return Result{}, err
	}
	if len(templates) == 0 {
		return Result{Skipped: "no templates for stage"}, nil
	}

	if missing := e.missingMatterData(templates, m); len(missing) > 0 {
		return e.createMissingDataTask(ctx, m, stage, missing)
	}

	if err := e.rollbackIfReentered(ctx, m, stage); err != nil {
		e.log.Error("rollback cleanup failed, continuing with generation", "matterId", m.ID, "stage", stage.Name, "error", err)
	}

	existing, err := e.tasks.ListActiveByMatterStage(ctx, m.ID, stage.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load existing tasks: %w", err)
	}

	// A meeting that arrived before this stage change already generated
	// and owns these tasks; stage-based generation must stand down.
	for _, rec := range existing {
		if rec.CalendarEntryID != nil {
			e.log.Info("stage generation skipped, tasks owned by calendar entry",
				"matterId", m.ID, "stage", stage.Name, "calendarEntryId", *rec.CalendarEntryID)
			return Result{Skipped: "calendar-owned tasks present"}, nil
		}
	}

	ref := Reference{Kind: RefCreation}
	if len(existing) == 0 {
		return e.createAll(ctx, templates, m, stage, ref, ResolveOptions{}, nil, GeneratedByStage), nil
	}
	return e.updateOrCreate(ctx, templates, existing, m, stage, ref, nil), nil
}

// GenerateForMeeting runs the meeting-scheduled generation workflow for
// a calendar entry on a matter.
func (e *Engine) GenerateForMeeting(ctx context.Context, m *clio.Matter, entry *clio.CalendarEntry) (Result, error) {
	if entry.EventType == nil {
		return Result{}, apperr.Validation("calendar entry has no event type")
	}
	if entry.StartAt == nil {
		return Result{}, apperr.Validation("calendar entry has no start time")
	}

	templates, err := e.templates.ForMeetingType(ctx, entry.EventType.ID)
	if err != nil {
		e.errlog.Record(ctx, apperr.CodeTemplate, err.Error(), map[string]any{"matterId": m.ID, "eventTypeId": entry.EventType.ID})
		return Result{}, err
	}
	if len(templates) == 0 {
		return Result{Skipped: "no templates for event type"}, nil
	}

	stageRef, err := e.templates.StageForMeetingType(ctx, entry.EventType.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load event type stage mapping: %w", err)
	}
	if stageRef == nil {
		return Result{Skipped: "event type not mapped to a stage"}, nil
	}
	stage := clio.Stage{ID: stageRef.ID, Name: stageRef.Name}

	if missing := e.missingMatterData(templates, m); len(missing) > 0 {
		return e.createMissingDataTask(ctx, m, stage, missing)
	}

	existing, err := e.tasks.ListActiveByMatterStage(ctx, m.ID, stage.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load existing tasks: %w", err)
	}

	ref := Reference{Kind: RefMeeting, At: *entry.StartAt}
	opts := ResolveOptions{MeetingLocation: entry.Location, MeetingLocationRequired: true}

	if len(existing) == 0 {
		return e.createAll(ctx, templates, m, stage, ref, opts, &entry.ID, GeneratedByMeeting), nil
	}

	// Tasks exist from an earlier stage change: take ownership, then
	// refresh only the meeting-relative templates.
	unowned := false
	for _, rec := range existing {
		if rec.CalendarEntryID == nil {
			unowned = true
			break
		}
	}
	if unowned {
		return e.linkAndUpdate(ctx, templates, existing, m, stage, entry, ref, opts), nil
	}
	return e.updateOrCreateMeeting(ctx, templates, existing, m, stage, entry, ref, opts), nil
}

// createAll is the create scenario: no tasks exist for this key yet.
// Template-level failures accumulate; the batch never aborts early.
func (e *Engine) createAll(ctx context.Context, templates []TaskTemplate, m *clio.Matter, stage clio.Stage, ref Reference, opts ResolveOptions, calendarEntryID *int64, tag string) Result {
	var res Result
	for _, tpl := range templates {
		rec, failure := e.createFromTemplate(ctx, tpl, m, stage, ref, opts, calendarEntryID, tag)
		if failure != nil {
			res.Failures = append(res.Failures, *failure)
			continue
		}
		res.Created++
		e.log.Info("task created", "matterId", m.ID, "stage", stage.Name, "seq", tpl.Seq, "externalId", rec.ExternalID)
	}
	return res
}

// updateOrCreate is the refresh scenario: existing tasks are keyed by
// template sequence number. Completed work is never regenerated; a task
// deleted upstream falls through to re-creation.
func (e *Engine) updateOrCreate(ctx context.Context, templates []TaskTemplate, existing []TaskRecord, m *clio.Matter, stage clio.Stage, ref Reference, calendarEntryID *int64) Result {
	var res Result
	bySeq := indexBySeq(existing)
	opts := ResolveOptions{}

	for _, tpl := range templates {
		rec, ok := bySeq[tpl.Seq]
		if !ok {
			created, failure := e.createFromTemplate(ctx, tpl, m, stage, ref, opts, calendarEntryID, GeneratedByStage)
			if failure != nil {
				res.Failures = append(res.Failures, *failure)
				continue
			}
			res.Created++
			e.log.Info("task created", "matterId", m.ID, "stage", stage.Name, "seq", tpl.Seq, "externalId", created.ExternalID)
			continue
		}
		if rec.Completed() {
			continue
		}

		failure, recreated := e.refreshTask(ctx, tpl, rec, m, stage, ref, opts, calendarEntryID)
		switch {
		case failure != nil:
			res.Failures = append(res.Failures, *failure)
		case recreated:
			res.Created++
		default:
			res.Updated++
		}
	}
	return res
}

// updateOrCreateMeeting applies the update-or-create scenario with
// meeting context for calendar-owned tasks.
func (e *Engine) updateOrCreateMeeting(ctx context.Context, templates []TaskTemplate, existing []TaskRecord, m *clio.Matter, stage clio.Stage, entry *clio.CalendarEntry, ref Reference, opts ResolveOptions) Result {
	var res Result
	bySeq := indexBySeq(existing)

	for _, tpl := range templates {
		rec, ok := bySeq[tpl.Seq]
		if !ok {
			created, failure := e.createFromTemplate(ctx, tpl, m, stage, ref, opts, &entry.ID, GeneratedByMeeting)
			if failure != nil {
				res.Failures = append(res.Failures, *failure)
				continue
			}
			res.Created++
			_ = created
			continue
		}
		if rec.Completed() {
			continue
		}
		failure, recreated := e.refreshTask(ctx, tpl, rec, m, stage, ref, opts, &entry.ID)
		switch {
		case failure != nil:
			res.Failures = append(res.Failures, *failure)
		case recreated:
			res.Created++
		default:
			res.Updated++
		}
	}
	return res
}

// linkAndUpdate is the meeting-arrives-after-stage scenario: stamp the
// calendar entry onto the existing tasks, then refresh due date and
// assignee on meeting-relative templates only. Creation-anchored tasks
// keep their already-computed due dates.
func (e *Engine) linkAndUpdate(ctx context.Context, templates []TaskTemplate, existing []TaskRecord, m *clio.Matter, stage clio.Stage, entry *clio.CalendarEntry, ref Reference, opts ResolveOptions) Result {
	var res Result
	bySeq := indexBySeq(existing)

	for _, rec := range existing {
		if rec.CalendarEntryID != nil {
			continue
		}
		if err := e.tasks.StampCalendarEntry(ctx, rec.ExternalID, entry.ID); err != nil {
			e.log.Error("failed to stamp calendar entry", "externalId", rec.ExternalID, "error", err)
			continue
		}
		res.Linked++
	}

	for _, tpl := range templates {
		if !tpl.Anchor.MeetingRelative {
			continue
		}
		rec, ok := bySeq[tpl.Seq]
		if !ok {
			created, failure := e.createFromTemplate(ctx, tpl, m, stage, ref, opts, &entry.ID, GeneratedByMeeting)
			if failure != nil {
				res.Failures = append(res.Failures, *failure)
				continue
			}
			res.Created++
			_ = created
			continue
		}
		if rec.Completed() {
			continue
		}
		failure, recreated := e.refreshTask(ctx, tpl, rec, m, stage, ref, opts, &entry.ID)
		switch {
		case failure != nil:
			res.Failures = append(res.Failures, *failure)
		case recreated:
			res.Created++
		default:
			res.Updated++
		}
	}
	return res
}

// createFromTemplate resolves the assignee, computes the due date,
// creates the task externally, and records it locally. A local-record
// failure after external success is logged as a store-sync inconsistency
// for the verification pass, not retried inline.
func (e *Engine) createFromTemplate(ctx context.Context, tpl TaskTemplate, m *clio.Matter, stage clio.Stage, ref Reference, opts ResolveOptions, calendarEntryID *int64, tag string) (TaskRecord, *Failure) {
	assignee, err := e.resolver.Resolve(ctx, tpl.Role, m, opts)
	if err != nil {
		code := CodeInvalidAssigneeType
		var aerr *AssigneeError
		if errors.As(err, &aerr) {
			code = aerr.Code
		}
		e.errlog.Record(ctx, apperr.CodeAssignee, err.Error(), map[string]any{"matterId": m.ID, "seq": tpl.Seq})
		return TaskRecord{}, &Failure{Seq: tpl.Seq, Title: tpl.Title, Code: code, Err: err.Error()}
	}

	dueAt := e.calc.Compute(tpl.Anchor, ref)

	created, err := e.external.CreateTask(ctx, clio.TaskParams{
		Name:        tpl.Title,
		Description: tpl.Description,
		MatterID:    m.ID,
		AssigneeID:  assignee.ID,
		DueAt:       dueAt,
	})
	if err != nil {
		e.errlog.Record(ctx, apperr.CodeExternalAPI, err.Error(), map[string]any{"matterId": m.ID, "seq": tpl.Seq})
		return TaskRecord{}, &Failure{Seq: tpl.Seq, Title: tpl.Title, Code: apperr.CodeExternalAPI, Err: err.Error()}
	}

	seq := tpl.Seq
	stageID := stage.ID
	rec := TaskRecord{
		ExternalID:      created.ID,
		Title:           tpl.Title,
		Description:     tpl.Description,
		MatterID:        m.ID,
		AssigneeID:      assignee.ID,
		AssigneeName:    assignee.Name,
		DueAt:           dueAt,
		StageID:         &stageID,
		StageName:       stage.Name,
		Seq:             &seq,
		Status:          StatusPending,
		CalendarEntryID: calendarEntryID,
		GeneratedBy:     tag,
	}
	stored, err := e.tasks.Insert(ctx, rec)
	if err != nil {
		// The external task exists but the mirror write failed; the
		// verification pass reconciles this later.
		e.errlog.Record(ctx, apperr.CodeStoreSync, err.Error(), map[string]any{"matterId": m.ID, "seq": tpl.Seq, "externalId": created.ID})
		return TaskRecord{}, &Failure{Seq: tpl.Seq, Title: tpl.Title, Code: apperr.CodeStoreSync, Err: err.Error()}
	}
	return stored, nil
}

// refreshTask updates due date and assignee in place. When the upstream
// task was deleted, the local mirror is soft-deleted and the task is
// re-created instead of failing.
func (e *Engine) refreshTask(ctx context.Context, tpl TaskTemplate, rec TaskRecord, m *clio.Matter, stage clio.Stage, ref Reference, opts ResolveOptions, calendarEntryID *int64) (*Failure, bool) {
	assignee, err := e.resolver.Resolve(ctx, tpl.Role, m, opts)
	if err != nil {
		code := CodeInvalidAssigneeType
		var aerr *AssigneeError
		if errors.As(err, &aerr) {
			code = aerr.Code
		}
		e.errlog.Record(ctx, apperr.CodeAssignee, err.Error(), map[string]any{"matterId": m.ID, "seq": tpl.Seq})
		return &Failure{Seq: tpl.Seq, Title: tpl.Title, Code: code, Err: err.Error()}, false
	}

	dueAt := e.calc.Compute(tpl.Anchor, ref)

	_, err = e.external.UpdateTask(ctx, rec.ExternalID, clio.TaskParams{
		AssigneeID: assignee.ID,
		DueAt:      dueAt,
	})
	if errors.Is(err, clio.ErrNotFound) {
		// Deleted upstream: free the slot locally, then re-create.
		if derr := e.tasks.SoftDelete(ctx, rec.ExternalID); derr != nil {
			e.log.Error("failed to soft-delete stale mirror", "externalId", rec.ExternalID, "error", derr)
		}
		tag := GeneratedByStage
		if calendarEntryID != nil {
			tag = GeneratedByMeeting
		}
		_, failure := e.createFromTemplate(ctx, tpl, m, stage, ref, opts, calendarEntryID, tag)
		if failure != nil {
			return failure, false
		}
		return nil, true
	}
	if err != nil {
		e.errlog.Record(ctx, apperr.CodeExternalAPI, err.Error(), map[string]any{"matterId": m.ID, "seq": tpl.Seq, "externalId": rec.ExternalID})
		return &Failure{Seq: tpl.Seq, Title: tpl.Title, Code: apperr.CodeExternalAPI, Err: err.Error()}, false
	}

	if err := e.tasks.UpdateByExternalID(ctx, rec.ExternalID, dueAt, assignee.ID, assignee.Name); err != nil {
		e.errlog.Record(ctx, apperr.CodeStoreSync, err.Error(), map[string]any{"matterId": m.ID, "externalId": rec.ExternalID})
		return &Failure{Seq: tpl.Seq, Title: tpl.Title, Code: apperr.CodeStoreSync, Err: err.Error()}, false
	}
	return nil, false
}

// rollbackIfReentered deletes tasks generated during an accidental stage
// excursion: the matter left this stage and came back inside the window,
// so whatever the interim stage generated gets undone before fresh
// generation. External deletes are best-effort; local deletes are not.
func (e *Engine) rollbackIfReentered(ctx context.Context, m *clio.Matter, stage clio.Stage) error {
	lastExit, err := e.tracking.LastExitAt(ctx, m.ID, stage.Name)
	if err != nil {
		return fmt.Errorf("load stage exit time: %w", err)
	}
	if lastExit == nil || time.Since(*lastExit) > e.cfg.RollbackWindow {
		return nil
	}

	interim, err := e.tasks.ListActiveByMatterSince(ctx, m.ID, *lastExit)
	if err != nil {
		return fmt.Errorf("load interim tasks: %w", err)
	}

	e.log.Info("stage rollback detected, undoing interim tasks",
		"matterId", m.ID, "stage", stage.Name, "count", len(interim), "window", e.cfg.RollbackWindow.String())

	for _, rec := range interim {
		if err := e.external.DeleteTask(ctx, rec.ExternalID); err != nil && !errors.Is(err, clio.ErrNotFound) {
			e.log.Error("rollback: external delete failed", "externalId", rec.ExternalID, "error", err)
		}
		if err := e.tasks.SoftDelete(ctx, rec.ExternalID); err != nil {
			e.log.Error("rollback: local delete failed", "externalId", rec.ExternalID, "error", err)
		}
	}
	return nil
}

// missingMatterData returns the matter fields absent but required by the
// template set's roles.
func (e *Engine) missingMatterData(templates []TaskTemplate, m *clio.Matter) []string {
	needsLocation := false
	needsAttorney := false
	for _, tpl := range templates {
		switch tpl.Role.Kind {
		case RoleCSC:
			needsLocation = true
		case RoleAttorney, RoleParalegal, RoleFundTable:
			needsAttorney = true
		}
	}

	var missing []string
	if needsLocation && strings.TrimSpace(m.Location) == "" {
		missing = append(missing, "location")
	}
	if needsAttorney && m.ResponsibleAttorney == nil && m.OriginatingAttorney == nil {
		missing = append(missing, "attorney")
	}
	return missing
}

// createMissingDataTask skips generation and creates one high-priority
// task telling a human exactly which fields are absent. Generation
// resumes when that task is completed.
func (e *Engine) createMissingDataTask(ctx context.Context, m *clio.Matter, stage clio.Stage, missing []string) (Result, error) {
	// Any matter edit redelivers through here while the block stands;
	// an open error task for the stage means a human already has the work.
	existing, err := e.tasks.ListActiveByMatterStage(ctx, m.ID, stage.ID)
	if err != nil {
		return Result{}, fmt.Errorf("check existing error task: %w", err)
	}
	for _, rec := range existing {
		if rec.Seq == nil || *rec.Seq != ErrorTaskSeq {
			continue
		}
		if !rec.Completed() {
			e.log.Info("generation still blocked, error task already open",
				"matterId", m.ID, "stage", stage.Name, "externalId", rec.ExternalID)
			return Result{Skipped: "missing matter data: error task already open"}, nil
		}
		// A completed error task with the data still missing gets a
		// successor; retire the old row so the slot frees up.
		if err := e.tasks.SoftDelete(ctx, rec.ExternalID); err != nil {
			e.errlog.Record(ctx, apperr.CodeStoreSync, err.Error(), map[string]any{"matterId": m.ID, "externalId": rec.ExternalID})
		}
	}

	description := fmt.Sprintf(
		"Task generation for stage %q is blocked because the matter is missing: %s. Fill in the missing fields and complete this task to resume generation.",
		stage.Name, strings.Join(missing, ", "),
	)

	now := e.calc.Compute(Anchor{Relation: RelationNow}, Reference{Kind: RefCreation})
	created, err := e.external.CreateTask(ctx, clio.TaskParams{
		Name:        "Missing Data: " + strings.Join(missing, ", "),
		Description: description,
		MatterID:    m.ID,
		AssigneeID:  e.cfg.FallbackUserID,
		Priority:    "High",
		DueAt:       now,
	})
	if err != nil {
		e.errlog.Record(ctx, apperr.CodeExternalAPI, err.Error(), map[string]any{"matterId": m.ID, "stage": stage.Name})
		return Result{}, fmt.Errorf("create missing-data task: %w", err)
	}

	seq := ErrorTaskSeq
	stageID := stage.ID
	if _, err := e.tasks.Insert(ctx, TaskRecord{
		ExternalID:   created.ID,
		Title:        created.Name,
		Description:  description,
		MatterID:     m.ID,
		AssigneeID:   e.cfg.FallbackUserID,
		AssigneeName: e.cfg.FallbackUserName,
		DueAt:        now,
		StageID:      &stageID,
		StageName:    stage.Name,
		Seq:          &seq,
		Status:       StatusPending,
		GeneratedBy:  GeneratedByStage,
	}); err != nil {
		e.errlog.Record(ctx, apperr.CodeStoreSync, err.Error(), map[string]any{"matterId": m.ID, "externalId": created.ID})
	}

	e.log.Warn("generation blocked on missing matter data", "matterId", m.ID, "stage", stage.Name, "missing", missing)
	return Result{Created: 1, Skipped: "missing matter data: " + strings.Join(missing, ", ")}, nil
}

// CreateNextAttempt creates the configured follow-up task after a
// "current attempt" task completes.
func (e *Engine) CreateNextAttempt(ctx context.Context, m *clio.Matter, attempt *Attempt) (Result, error) {
	templates, err := e.templates.ForStage(ctx, attempt.StageID)
	if err != nil {
		return Result{}, err
	}
	for _, tpl := range templates {
		if tpl.Seq != attempt.NextSeq {
			continue
		}
		stage := clio.Stage{ID: attempt.StageID}
		if s := m.Stage; s != nil && s.ID == attempt.StageID {
			stage.Name = s.Name
		}
		var res Result
		rec, failure := e.createFromTemplate(ctx, tpl, m, stage, Reference{Kind: RefCreation}, ResolveOptions{}, nil, GeneratedByStage)
		if failure != nil {
			res.Failures = append(res.Failures, *failure)
			return res, nil
		}
		res.Created++
		e.log.Info("attempt follow-up created", "matterId", m.ID, "next", attempt.NextName, "externalId", rec.ExternalID)
		return res, nil
	}
	return Result{Skipped: fmt.Sprintf("no template %d in stage %d", attempt.NextSeq, attempt.StageID)}, nil
}

// RecomputeDependents recomputes or creates tasks whose anchors wait on
// the completed task's sequence number, anchoring on "now".
func (e *Engine) RecomputeDependents(ctx context.Context, m *clio.Matter, stage clio.Stage, completedSeq int) (Result, error) {
	templates, err := e.templates.ForStage(ctx, stage.ID)
	if err != nil {
		return Result{}, err
	}

	existing, err := e.tasks.ListActiveByMatterStage(ctx, m.ID, stage.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load existing tasks: %w", err)
	}
	bySeq := indexBySeq(existing)

	ref := Reference{Kind: RefTaskCompletion, At: e.calc.now().Add(e.calc.tzOffset)}
	var res Result
	for _, tpl := range templates {
		if tpl.Anchor.DependsOnTask == nil || *tpl.Anchor.DependsOnTask != completedSeq {
			continue
		}
		rec, ok := bySeq[tpl.Seq]
		if ok && rec.Completed() {
			continue
		}
		if !ok {
			created, failure := e.createFromTemplate(ctx, tpl, m, stage, ref, ResolveOptions{}, nil, GeneratedByStage)
			if failure != nil {
				res.Failures = append(res.Failures, *failure)
				continue
			}
			res.Created++
			_ = created
			continue
		}
		failure, recreated := e.refreshTask(ctx, tpl, rec, m, stage, ref, ResolveOptions{}, nil)
		switch {
		case failure != nil:
			res.Failures = append(res.Failures, *failure)
		case recreated:
			res.Created++
		default:
			res.Updated++
		}
	}
	return res, nil
}

func indexBySeq(records []TaskRecord) map[int]TaskRecord {
	bySeq := make(map[int]TaskRecord, len(records))
	for _, rec := range records {
		if rec.Seq != nil && *rec.Seq > 0 {
			bySeq[*rec.Seq] = rec
		}
	}
	return bySeq
}
