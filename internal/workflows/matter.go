package workflows

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/events"
	"lawflow_backend/internal/taskgen"
)

// HandleStageChange runs the stage-change workflow: re-fetch the matter,
// roll stage tracking forward, generate tasks for the new stage, then
// verify the batch landed.
func (p *Processor) HandleStageChange(ctx context.Context, d Delivery, matterID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		m, err := p.fetchMatter(ctx, matterID)
		if err != nil {
			return "fetch_failed", taskgen.Result{}, err
		}
		if m.Stage == nil {
			return "no_stage", taskgen.Result{}, nil
		}
		stage := *m.Stage

		now := time.Now()
		if err := p.tracking.RecordExitOthers(ctx, m.ID, stage.Name, now); err != nil {
			p.log.Error("stage tracking exit update failed", "matterId", m.ID, "error", err)
		}

		res, err := p.engine.GenerateForStage(ctx, m, stage)
		if err != nil {
			return "generation_failed", res, err
		}

		if err := p.tracking.RecordEntry(ctx, m.ID, stage.Name, now); err != nil {
			p.log.Error("stage tracking entry update failed", "matterId", m.ID, "error", err)
		}

		res = p.verifyStage(ctx, m, stage, res)

		p.bus.Publish(ctx, events.TasksGenerated{
			BaseEvent:   events.NewBaseEvent(),
			MatterID:    m.ID,
			StageID:     stage.ID,
			StageName:   stage.Name,
			Trigger:     taskgen.GeneratedByStage,
			Created:     res.Created,
			Updated:     res.Updated,
			Linked:      res.Linked,
			Regenerated: res.Regenerated,
			Failures:    len(res.Failures),
		})

		return stageAction(res), res, nil
	})
}

// HandleMatterClosed runs the matter-closed workflow: confirm payments
// exist on the matter before treating the closure as final, then run
// closing-stage generation if the matter sits in a stage.
func (p *Processor) HandleMatterClosed(ctx context.Context, d Delivery, matterID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		m, err := p.fetchMatter(ctx, matterID)
		if err != nil {
			return "fetch_failed", taskgen.Result{}, err
		}

		bills, err := p.client.ListBillsByMatter(ctx, m.ID)
		if err != nil {
			return "bills_fetch_failed", taskgen.Result{}, fmt.Errorf("list bills: %w", err)
		}
		hasPayments := false
		for _, b := range bills {
			if strings.EqualFold(b.State, "paid") {
				hasPayments = true
				break
			}
		}

		p.bus.Publish(ctx, events.MatterClosed{
			BaseEvent:   events.NewBaseEvent(),
			MatterID:    m.ID,
			HasPayments: hasPayments,
		})

		if !hasPayments {
			p.log.Warn("matter closed without any paid bill", "matterId", m.ID, "bills", len(bills))
			return "closed_unpaid", taskgen.Result{}, nil
		}

		if m.Stage == nil {
			return "closed_paid", taskgen.Result{}, nil
		}

		res, err := p.engine.GenerateForStage(ctx, m, *m.Stage)
		if err != nil {
			return "generation_failed", res, err
		}
		res = p.verifyStage(ctx, m, *m.Stage, res)
		return "closed_paid_" + stageAction(res), res, nil
	})
}

// verifyStage runs the reconciliation pass when the batch changed
// anything, folding regenerated counts into the result.
func (p *Processor) verifyStage(ctx context.Context, m *clio.Matter, stage clio.Stage, res taskgen.Result) taskgen.Result {
	if !res.Changed() {
		return res
	}
	templates, err := p.templates.ForStage(ctx, stage.ID)
	if err != nil || len(templates) == 0 {
		return res
	}
	vres, err := p.verifier.Verify(ctx, m, stage, templates, taskgen.Reference{Kind: taskgen.RefCreation}, taskgen.ResolveOptions{}, nil)
	if err != nil {
		p.log.Error("verification pass failed", "matterId", m.ID, "stage", stage.Name, "error", err)
		return res
	}
	res.Regenerated += vres.Regenerated
	res.Failures = append(res.Failures, vres.Failures...)
	return res
}

func stageAction(res taskgen.Result) string {
	if res.Skipped != "" {
		return "skipped"
	}
	return "generated_" + strconv.Itoa(res.Created+res.Updated+res.Linked+res.Regenerated)
}
