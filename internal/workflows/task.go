package workflows

import (
	"context"
	"errors"
	"fmt"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/events"
	"lawflow_backend/internal/taskgen"
)

// HandleTaskCompleted runs the task-completion workflow: mirror the
// completion locally, resume generation blocked by an error task,
// create the configured next attempt, and recompute dependent due
// dates.
func (p *Processor) HandleTaskCompleted(ctx context.Context, d Delivery, taskID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		rec, err := p.tasks.FindByExternalID(ctx, taskID)
		if err != nil {
			return "lookup_failed", taskgen.Result{}, fmt.Errorf("find task mirror: %w", err)
		}
		if rec == nil {
			// Not one of ours; ad-hoc tasks complete without follow-ups.
			return "untracked", taskgen.Result{}, nil
		}
		if rec.Completed() {
			return "already_completed", taskgen.Result{}, nil
		}

		if err := p.tasks.MarkCompleted(ctx, taskID); err != nil {
			return "mirror_update_failed", taskgen.Result{}, err
		}

		p.bus.Publish(ctx, events.TaskCompleted{
			BaseEvent: events.NewBaseEvent(),
			TaskID:    taskID,
			MatterID:  rec.MatterID,
			TaskName:  rec.Title,
		})

		m, err := p.fetchMatter(ctx, rec.MatterID)
		if err != nil {
			return "fetch_failed", taskgen.Result{}, err
		}

		// Completing a missing-data task unblocks the stage: re-run
		// generation now that a human filled the gaps in.
		if rec.Seq != nil && *rec.Seq == taskgen.ErrorTaskSeq {
			if m.Stage == nil {
				return "resume_no_stage", taskgen.Result{}, nil
			}
			res, err := p.engine.GenerateForStage(ctx, m, *m.Stage)
			if err != nil {
				return "resume_failed", res, err
			}
			res = p.verifyStage(ctx, m, *m.Stage, res)
			return "resumed_" + stageAction(res), res, nil
		}

		var total taskgen.Result

		attempt, err := p.attempts.NextAttempt(ctx, rec.Title)
		if err != nil {
			p.log.Error("attempt sequence lookup failed", "task", rec.Title, "error", err)
		} else if attempt != nil {
			ares, err := p.engine.CreateNextAttempt(ctx, m, attempt)
			if err != nil {
				p.log.Error("next attempt creation failed", "task", rec.Title, "error", err)
			} else {
				total.Created += ares.Created
				total.Failures = append(total.Failures, ares.Failures...)
			}
		}

		if rec.Seq != nil && rec.StageID != nil && *rec.Seq > 0 {
			stage := clio.Stage{ID: *rec.StageID, Name: rec.StageName}
			dres, err := p.engine.RecomputeDependents(ctx, m, stage, *rec.Seq)
			if err != nil {
				p.log.Error("dependent recompute failed", "matterId", m.ID, "seq", *rec.Seq, "error", err)
			} else {
				total.Created += dres.Created
				total.Updated += dres.Updated
				total.Failures = append(total.Failures, dres.Failures...)
			}
		}

		return "completed_" + stageAction(total), total, nil
	})
}

// HandleTaskDeleted mirrors an upstream task deletion as a local
// soft-delete, freeing the template slot.
func (p *Processor) HandleTaskDeleted(ctx context.Context, d Delivery, taskID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		rec, err := p.tasks.FindByExternalID(ctx, taskID)
		if err != nil {
			return "lookup_failed", taskgen.Result{}, err
		}
		if rec == nil || rec.Status == taskgen.StatusDeleted {
			return "untracked", taskgen.Result{}, nil
		}
		if err := p.tasks.SoftDelete(ctx, taskID); err != nil {
			return "mirror_delete_failed", taskgen.Result{}, err
		}
		return "deleted", taskgen.Result{}, nil
	})
}

// HandleMeetingScheduled runs the meeting workflow for a calendar entry.
func (p *Processor) HandleMeetingScheduled(ctx context.Context, d Delivery, entryID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		entry, err := p.client.GetCalendarEntry(ctx, entryID)
		if errors.Is(err, clio.ErrNotFound) {
			return "entry_gone", taskgen.Result{}, nil
		}
		if err != nil {
			return "fetch_failed", taskgen.Result{}, err
		}
		if entry.Matter == nil {
			return "no_matter", taskgen.Result{}, nil
		}

		m, err := p.fetchMatter(ctx, entry.Matter.ID)
		if err != nil {
			return "fetch_failed", taskgen.Result{}, err
		}

		res, err := p.engine.GenerateForMeeting(ctx, m, entry)
		if err != nil {
			return "generation_failed", res, err
		}
		res = p.verifyMeeting(ctx, m, entry, res)

		if entry.EventType != nil {
			p.bus.Publish(ctx, events.TasksGenerated{
				BaseEvent:   events.NewBaseEvent(),
				MatterID:    m.ID,
				StageID:     entry.EventType.ID,
				StageName:   entry.EventType.Name,
				Trigger:     taskgen.GeneratedByMeeting,
				Created:     res.Created,
				Updated:     res.Updated,
				Linked:      res.Linked,
				Regenerated: res.Regenerated,
				Failures:    len(res.Failures),
			})
		}

		return "meeting_" + stageAction(res), res, nil
	})
}

// HandleMeetingDeleted undoes the tasks a deleted calendar entry owned:
// best-effort external delete, unconditional local soft-delete.
func (p *Processor) HandleMeetingDeleted(ctx context.Context, d Delivery, entryID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		owned, err := p.tasks.ListActiveByCalendarEntry(ctx, entryID)
		if err != nil {
			return "lookup_failed", taskgen.Result{}, err
		}
		if len(owned) == 0 {
			return "no_owned_tasks", taskgen.Result{}, nil
		}

		deleted := 0
		for _, rec := range owned {
			if rec.Completed() {
				// Finished work survives its meeting.
				continue
			}
			if err := p.client.DeleteTask(ctx, rec.ExternalID); err != nil && !errors.Is(err, clio.ErrNotFound) {
				p.log.Error("meeting cleanup: external delete failed", "externalId", rec.ExternalID, "error", err)
			}
			if err := p.tasks.SoftDelete(ctx, rec.ExternalID); err != nil {
				p.log.Error("meeting cleanup: local delete failed", "externalId", rec.ExternalID, "error", err)
				continue
			}
			deleted++
		}

		return fmt.Sprintf("meeting_cleanup_%d", deleted), taskgen.Result{}, nil
	})
}

// verifyMeeting mirrors verifyStage for meeting-generated batches.
func (p *Processor) verifyMeeting(ctx context.Context, m *clio.Matter, entry *clio.CalendarEntry, res taskgen.Result) taskgen.Result {
	if !res.Changed() || entry.EventType == nil || entry.StartAt == nil {
		return res
	}
	templates, err := p.templates.ForMeetingType(ctx, entry.EventType.ID)
	if err != nil || len(templates) == 0 {
		return res
	}
	stageRef, err := p.templates.StageForMeetingType(ctx, entry.EventType.ID)
	if err != nil || stageRef == nil {
		return res
	}
	vres, err := p.verifier.Verify(ctx, m,
		clio.Stage{ID: stageRef.ID, Name: stageRef.Name},
		templates,
		taskgen.Reference{Kind: taskgen.RefMeeting, At: *entry.StartAt},
		taskgen.ResolveOptions{MeetingLocation: entry.Location, MeetingLocationRequired: true},
		&entry.ID,
	)
	if err != nil {
		p.log.Error("meeting verification failed", "matterId", m.ID, "entryId", entry.ID, "error", err)
		return res
	}
	res.Regenerated += vres.Regenerated
	res.Failures = append(res.Failures, vres.Failures...)
	return res
}
