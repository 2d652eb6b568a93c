package taskgen

import (
	"context"
	"testing"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/platform/logger"
)

func newVerifierFixture(t *testing.T, templates *memTemplates) (*Verifier, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, templates)
	v := NewVerifier(f.engine, f.tasks, VerifyConfig{
		SettleDelay: time.Millisecond,
		Window:      10 * time.Minute,
		Concurrency: 2,
	}, logger.New("test"))
	return v, f
}

func TestVerifyRegeneratesMissingTasks(t *testing.T) {
	v, f := newVerifierFixture(t, stageTemplates())
	m := testMatter()
	stage := clio.Stage{ID: 40, Name: "Intake"}
	ctx := context.Background()

	templates, err := f.engine.templates.ForStage(ctx, stage.ID)
	if err != nil {
		t.Fatalf("ForStage: %v", err)
	}

	// Only sequences 1 and 3 made it into the store.
	stageID := int64(40)
	for _, seq := range []int{1, 3} {
		seq := seq
		if _, err := f.tasks.Insert(ctx, TaskRecord{
			ExternalID: int64(9000 + seq), MatterID: m.ID, StageID: &stageID, Seq: &seq,
			Status: StatusPending, GeneratedBy: GeneratedByStage,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	res, err := v.Verify(ctx, m, stage, templates, Reference{Kind: RefCreation}, ResolveOptions{}, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Regenerated != 1 {
		t.Fatalf("regenerated = %d, want 1", res.Regenerated)
	}

	found := false
	for _, r := range f.tasks.active() {
		if r.Seq != nil && *r.Seq == 2 {
			found = true
			if r.GeneratedBy != GeneratedByVerification {
				t.Fatalf("generated_by = %q, want verification", r.GeneratedBy)
			}
		}
	}
	if !found {
		t.Fatal("missing sequence 2 not regenerated")
	}
}

func TestVerifyCompleteBatchIsNoop(t *testing.T) {
	v, f := newVerifierFixture(t, stageTemplates())
	m := testMatter()
	stage := clio.Stage{ID: 40, Name: "Intake"}
	ctx := context.Background()

	if _, err := f.engine.GenerateForStage(ctx, m, stage); err != nil {
		t.Fatalf("generation: %v", err)
	}
	templates, err := f.engine.templates.ForStage(ctx, stage.ID)
	if err != nil {
		t.Fatalf("ForStage: %v", err)
	}
	createdBefore := len(f.external.created)

	res, err := v.Verify(ctx, m, stage, templates, Reference{Kind: RefCreation}, ResolveOptions{}, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Regenerated != 0 || len(f.external.created) != createdBefore {
		t.Fatalf("complete batch touched: %+v", res)
	}
}

func TestVerifySkipsBlockedBatch(t *testing.T) {
	v, f := newVerifierFixture(t, stageTemplates())
	m := testMatter()
	stage := clio.Stage{ID: 40, Name: "Intake"}
	ctx := context.Background()

	// The batch ended in a missing-data error task; verification must
	// not backfill around it.
	stageID := int64(40)
	seq := ErrorTaskSeq
	if _, err := f.tasks.Insert(ctx, TaskRecord{
		ExternalID: 9100, MatterID: m.ID, StageID: &stageID, Seq: &seq,
		Status: StatusPending, GeneratedBy: GeneratedByStage,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	templates, err := f.engine.templates.ForStage(ctx, stage.ID)
	if err != nil {
		t.Fatalf("ForStage: %v", err)
	}

	res, err := v.Verify(ctx, m, stage, templates, Reference{Kind: RefCreation}, ResolveOptions{}, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Skipped == "" || len(f.external.created) != 0 {
		t.Fatalf("blocked batch was backfilled: %+v", res)
	}
}
