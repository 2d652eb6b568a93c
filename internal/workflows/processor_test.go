package workflows

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/ledger"
	"lawflow_backend/internal/queue"
	"lawflow_backend/internal/taskgen"
	platformevents "lawflow_backend/platform/events"
	"lawflow_backend/platform/logger"
)

// fakeClient covers both the orchestrator's read surface and the
// engine's task mutation surface.
type fakeClient struct {
	mu       sync.Mutex
	nextID   int64
	matters  map[int64]*clio.Matter
	tasks    map[int64]*clio.Task
	entries  map[int64]*clio.CalendarEntry
	docs     map[int64]*clio.Document
	bills    map[int64][]clio.Bill
	created  []clio.TaskParams
	deleted  []int64
	statuses map[int64]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nextID:   5000,
		matters:  make(map[int64]*clio.Matter),
		tasks:    make(map[int64]*clio.Task),
		entries:  make(map[int64]*clio.CalendarEntry),
		docs:     make(map[int64]*clio.Document),
		bills:    make(map[int64][]clio.Bill),
		statuses: make(map[int64]string),
	}
}

func (f *fakeClient) GetMatter(ctx context.Context, id int64) (*clio.Matter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.matters[id]; ok {
		return m, nil
	}
	return nil, clio.ErrNotFound
}

func (f *fakeClient) GetTask(ctx context.Context, id int64) (*clio.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, clio.ErrNotFound
}

func (f *fakeClient) GetCalendarEntry(ctx context.Context, id int64) (*clio.CalendarEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[id]; ok {
		return e, nil
	}
	return nil, clio.ErrNotFound
}

func (f *fakeClient) GetDocument(ctx context.Context, id int64) (*clio.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		return d, nil
	}
	return nil, clio.ErrNotFound
}

func (f *fakeClient) ListBillsByMatter(ctx context.Context, matterID int64) ([]clio.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bills[matterID], nil
}

func (f *fakeClient) CreateTask(ctx context.Context, p clio.TaskParams) (*clio.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, p)
	return &clio.Task{ID: f.nextID, Name: p.Name}, nil
}

func (f *fakeClient) UpdateTask(ctx context.Context, id int64, p clio.TaskParams) (*clio.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Status != "" {
		f.statuses[id] = p.Status
	}
	return &clio.Task{ID: id}, nil
}

func (f *fakeClient) DeleteTask(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

// wfTasks is an in-memory taskgen.TaskStore.
type wfTasks struct {
	mu     sync.Mutex
	nextID int64
	rows   []taskgen.TaskRecord
}

func (s *wfTasks) Insert(ctx context.Context, rec taskgen.TaskRecord) (taskgen.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.rows = append(s.rows, rec)
	return rec, nil
}

func (s *wfTasks) UpdateByExternalID(ctx context.Context, externalID int64, dueAt *time.Time, assigneeID int64, assigneeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ExternalID == externalID && s.rows[i].Status != taskgen.StatusDeleted {
			s.rows[i].DueAt = dueAt
			s.rows[i].AssigneeID = assigneeID
			s.rows[i].AssigneeName = assigneeName
		}
	}
	return nil
}

func (s *wfTasks) MarkCompleted(ctx context.Context, externalID int64) error {
	return s.setStatus(externalID, taskgen.StatusCompleted)
}

func (s *wfTasks) SoftDelete(ctx context.Context, externalID int64) error {
	return s.setStatus(externalID, taskgen.StatusDeleted)
}

func (s *wfTasks) setStatus(externalID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ExternalID == externalID && s.rows[i].Status != taskgen.StatusDeleted {
			s.rows[i].Status = status
		}
	}
	return nil
}

func (s *wfTasks) StampCalendarEntry(ctx context.Context, externalID int64, calendarEntryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ExternalID == externalID && s.rows[i].Status != taskgen.StatusDeleted {
			id := calendarEntryID
			s.rows[i].CalendarEntryID = &id
		}
	}
	return nil
}

func (s *wfTasks) ListActiveByMatterStage(ctx context.Context, matterID, stageID int64) ([]taskgen.TaskRecord, error) {
	return s.filter(func(r taskgen.TaskRecord) bool {
		return r.MatterID == matterID && r.StageID != nil && *r.StageID == stageID
	}), nil
}

func (s *wfTasks) ListActiveByMatterSince(ctx context.Context, matterID int64, since time.Time) ([]taskgen.TaskRecord, error) {
	return s.filter(func(r taskgen.TaskRecord) bool {
		return r.MatterID == matterID && r.CreatedAt.After(since)
	}), nil
}

func (s *wfTasks) ListGeneratedSince(ctx context.Context, matterID, stageID int64, since time.Time) ([]taskgen.TaskRecord, error) {
	return s.filter(func(r taskgen.TaskRecord) bool {
		return r.MatterID == matterID && r.StageID != nil && *r.StageID == stageID && r.CreatedAt.After(since)
	}), nil
}

func (s *wfTasks) ListActiveByCalendarEntry(ctx context.Context, calendarEntryID int64) ([]taskgen.TaskRecord, error) {
	return s.filter(func(r taskgen.TaskRecord) bool {
		return r.CalendarEntryID != nil && *r.CalendarEntryID == calendarEntryID
	}), nil
}

func (s *wfTasks) filter(keep func(taskgen.TaskRecord) bool) []taskgen.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []taskgen.TaskRecord
	for _, r := range s.rows {
		if r.Status != taskgen.StatusDeleted && keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *wfTasks) FindByExternalID(ctx context.Context, externalID int64) (*taskgen.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].ExternalID == externalID {
			r := s.rows[i]
			return &r, nil
		}
	}
	return nil, nil
}

type wfTemplates struct {
	byStage  map[int64][]taskgen.TaskTemplate
	byEvent  map[int64][]taskgen.TaskTemplate
	stageFor map[int64]taskgen.StageRef
}

func (s *wfTemplates) ForStage(ctx context.Context, stageID int64) ([]taskgen.TaskTemplate, error) {
	return taskgen.ParseTemplates(append([]taskgen.TaskTemplate(nil), s.byStage[stageID]...))
}

func (s *wfTemplates) ForMeetingType(ctx context.Context, eventTypeID int64) ([]taskgen.TaskTemplate, error) {
	return taskgen.ParseTemplates(append([]taskgen.TaskTemplate(nil), s.byEvent[eventTypeID]...))
}

func (s *wfTemplates) StageForMeetingType(ctx context.Context, eventTypeID int64) (*taskgen.StageRef, error) {
	if ref, ok := s.stageFor[eventTypeID]; ok {
		return &ref, nil
	}
	return nil, nil
}

type wfTracking struct {
	mu    sync.Mutex
	exits map[string]time.Time
}

func newWfTracking() *wfTracking { return &wfTracking{exits: make(map[string]time.Time)} }

func (s *wfTracking) RecordEntry(ctx context.Context, matterID int64, stageName string, at time.Time) error {
	return nil
}

func (s *wfTracking) RecordExit(ctx context.Context, matterID int64, stageName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits[fmt.Sprintf("%d/%s", matterID, stageName)] = at
	return nil
}

func (s *wfTracking) RecordExitOthers(ctx context.Context, matterID int64, currentStage string, at time.Time) error {
	return nil
}

func (s *wfTracking) LastExitAt(ctx context.Context, matterID int64, stageName string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.exits[fmt.Sprintf("%d/%s", matterID, stageName)]; ok {
		return &at, nil
	}
	return nil, nil
}

type wfAttempts struct {
	byName map[string]taskgen.Attempt
}

func (s *wfAttempts) NextAttempt(ctx context.Context, taskName string) (*taskgen.Attempt, error) {
	if a, ok := s.byName[taskName]; ok {
		return &a, nil
	}
	return nil, nil
}

type wfRefData struct{}

func (wfRefData) LocationKeywords(ctx context.Context) ([]taskgen.LocationKeyword, error) {
	return []taskgen.LocationKeyword{{Word: "Dallas", UserID: 101, UserName: "Dallas CSC"}}, nil
}

func (wfRefData) ParalegalForAttorney(ctx context.Context, attorneyID int64) (*taskgen.Assignee, error) {
	return &taskgen.Assignee{ID: 201, Name: "P. Ortiz"}, nil
}

func (wfRefData) FundTableForAttorney(ctx context.Context, attorneyID int64) (*taskgen.Assignee, error) {
	return &taskgen.Assignee{ID: 301, Name: "Fund Desk"}, nil
}

type fixture struct {
	processor *Processor
	client    *fakeClient
	tasks     *wfTasks
	store     *ledger.MemoryStore
}

func newFixture(t *testing.T, templates *wfTemplates) *fixture {
	t.Helper()
	log := logger.New("test")
	client := newFakeClient()
	tasks := &wfTasks{}
	tracking := newWfTracking()
	attempts := &wfAttempts{byName: map[string]taskgen.Attempt{}}

	calc := taskgen.NewCalculator(-6*time.Hour, log)
	resolver := taskgen.NewResolver(wfRefData{}, 777, "Virtual Assistant")
	engine := taskgen.NewEngine(client, tasks, templates, tracking, resolver, calc, taskgen.NopErrorLog{}, taskgen.Config{
		RollbackWindow:   3 * time.Minute,
		FallbackUserID:   555,
		FallbackUserName: "Operations",
	}, log)
	verifier := taskgen.NewVerifier(engine, tasks, taskgen.VerifyConfig{
		SettleDelay: time.Millisecond,
		Window:      10 * time.Minute,
	}, log)

	store := ledger.NewMemoryStore()
	processor := NewProcessor(
		ledger.New(store, log),
		queue.NewEntityQueue(log),
		client,
		engine,
		verifier,
		tasks,
		templates,
		tracking,
		attempts,
		platformevents.NewInMemoryBus(log),
		log,
	)
	return &fixture{processor: processor, client: client, tasks: tasks, store: store}
}

func stageFixtureTemplates() *wfTemplates {
	return &wfTemplates{
		byStage: map[int64][]taskgen.TaskTemplate{
			40: {
				{ID: 1, Seq: 1, Title: "Call client", RoleExpr: "CSC", RelationExpr: "now"},
				{ID: 2, Seq: 2, Title: "Prepare documents", RoleExpr: "PARALEGAL", OffsetValue: 2, OffsetUnit: "days", RelationExpr: "after creation"},
			},
		},
	}
}

func seedMatter(f *fixture) *clio.Matter {
	m := &clio.Matter{
		ID:                  900,
		Location:            "Dallas Office",
		Status:              "open",
		Stage:               &clio.Stage{ID: 40, Name: "Intake"},
		ResponsibleAttorney: &clio.Attorney{ID: 11, Name: "R. Vasquez"},
	}
	f.client.matters[m.ID] = m
	return m
}

func stageDelivery(n int) Delivery {
	return Delivery{
		EventType:  "matter.updated",
		ResourceID: "900",
		Timestamp:  "2026-03-03T10:00:0" + strconv.Itoa(n) + "Z",
		EntityKey:  "900",
	}
}

func TestStageChangeWorkflowGeneratesAndFinalizes(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	seedMatter(f)
	ctx := context.Background()

	out, err := f.processor.HandleStageChange(ctx, stageDelivery(0), 900)
	if err != nil {
		t.Fatalf("HandleStageChange: %v", err)
	}
	if out.Result.Created != 2 {
		t.Fatalf("created = %d, want 2", out.Result.Created)
	}
	if out.Cached || out.Pending {
		t.Fatalf("first processing flagged cached/pending: %+v", out)
	}

	rec, err := f.store.Get(ctx, stageDelivery(0).Key())
	if err != nil || rec == nil {
		t.Fatalf("ledger record missing: %v", err)
	}
	if rec.Outcome != ledger.OutcomeSuccess {
		t.Fatalf("ledger outcome = %q", rec.Outcome)
	}
}

func TestDuplicateDeliveryReturnsCachedOutcome(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	seedMatter(f)
	ctx := context.Background()
	d := stageDelivery(0)

	if _, err := f.processor.HandleStageChange(ctx, d, 900); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	createdAfterFirst := len(f.client.created)

	out, err := f.processor.HandleStageChange(ctx, d, 900)
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if !out.Cached {
		t.Fatalf("duplicate not marked cached: %+v", out)
	}
	if len(f.client.created) != createdAfterFirst {
		t.Fatal("duplicate delivery repeated side effects")
	}
}

func TestInProgressReservationReportsPending(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	seedMatter(f)
	ctx := context.Background()
	d := stageDelivery(1)

	// Simulate another worker holding the reservation.
	if _, err := f.store.Insert(ctx, ledger.Record{
		Key: d.Key(), EventType: d.EventType, ResourceID: d.ResourceID,
		Outcome: ledger.OutcomeInProgress,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := f.processor.HandleStageChange(ctx, d, 900)
	if err != nil {
		t.Fatalf("HandleStageChange: %v", err)
	}
	if !out.Pending {
		t.Fatalf("expected pending, got %+v", out)
	}
	if len(f.client.created) != 0 {
		t.Fatal("pending delivery must not process")
	}
}

func TestWorkflowFailureFinalizesLedgerAsFailed(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	// No matter seeded: the fetch fails with a validation error.
	ctx := context.Background()
	d := stageDelivery(2)

	if _, err := f.processor.HandleStageChange(ctx, d, 900); err == nil {
		t.Fatal("expected error for missing matter")
	}

	rec, err := f.store.Get(ctx, d.Key())
	if err != nil || rec == nil {
		t.Fatalf("ledger record missing: %v", err)
	}
	if rec.Outcome != ledger.OutcomeFailure {
		t.Fatalf("ledger outcome = %q, want failure", rec.Outcome)
	}
}

func TestMatterClosedChecksPayments(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	m := seedMatter(f)
	ctx := context.Background()

	d := Delivery{EventType: "matter.closed", ResourceID: "900", Timestamp: "2026-03-03T11:00:00Z", EntityKey: "900"}
	out, err := f.processor.HandleMatterClosed(ctx, d, m.ID)
	if err != nil {
		t.Fatalf("HandleMatterClosed: %v", err)
	}
	if out.Action != "closed_unpaid" {
		t.Fatalf("action = %q, want closed_unpaid", out.Action)
	}

	f.client.bills[m.ID] = []clio.Bill{{ID: 1, State: "paid", Total: 2500}}
	d.Timestamp = "2026-03-03T11:05:00Z"
	out, err = f.processor.HandleMatterClosed(ctx, d, m.ID)
	if err != nil {
		t.Fatalf("HandleMatterClosed paid: %v", err)
	}
	if out.Result.Created != 2 {
		t.Fatalf("paid closure created %d tasks, want closing-stage set of 2", out.Result.Created)
	}
}

func TestTaskCompletedResumesBlockedGeneration(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	m := seedMatter(f)
	ctx := context.Background()

	// A missing-data error task sits on the matter.
	stageID := int64(40)
	seq := taskgen.ErrorTaskSeq
	if _, err := f.tasks.Insert(ctx, taskgen.TaskRecord{
		ExternalID: 4400, Title: "Missing Data: location", MatterID: m.ID,
		StageID: &stageID, StageName: "Intake", Seq: &seq, Status: taskgen.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := Delivery{EventType: "task.completed", ResourceID: "4400", Timestamp: "2026-03-03T12:00:00Z", EntityKey: "900"}
	out, err := f.processor.HandleTaskCompleted(ctx, d, 4400)
	if err != nil {
		t.Fatalf("HandleTaskCompleted: %v", err)
	}
	if out.Result.Created != 2 {
		t.Fatalf("resume created %d tasks, want 2", out.Result.Created)
	}

	rec, err := f.tasks.FindByExternalID(ctx, 4400)
	if err != nil || rec == nil {
		t.Fatalf("error task lookup: %v", err)
	}
	if !rec.Completed() {
		t.Fatal("error task not marked completed locally")
	}
}

func TestTaskCompletedCreatesNextAttempt(t *testing.T) {
	tpls := &wfTemplates{
		byStage: map[int64][]taskgen.TaskTemplate{
			60: {
				{ID: 21, Seq: 1, Title: "Attempt 1 Call", RoleExpr: "VA", RelationExpr: "now"},
				{ID: 22, Seq: 2, Title: "Attempt 2 Call", RoleExpr: "VA", OffsetValue: 1, OffsetUnit: "days", RelationExpr: "after creation"},
			},
		},
	}
	f := newFixture(t, tpls)
	m := seedMatter(f)
	m.Stage = &clio.Stage{ID: 60, Name: "Outreach"}

	processorAttempts := &wfAttempts{byName: map[string]taskgen.Attempt{
		"Attempt 1 Call": {CurrentName: "Attempt 1 Call", NextName: "Attempt 2 Call", StageID: 60, NextSeq: 2},
	}}
	f.processor.attempts = processorAttempts

	ctx := context.Background()
	stageID := int64(60)
	seq := 1
	if _, err := f.tasks.Insert(ctx, taskgen.TaskRecord{
		ExternalID: 4500, Title: "Attempt 1 Call", MatterID: m.ID,
		StageID: &stageID, StageName: "Outreach", Seq: &seq, Status: taskgen.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := Delivery{EventType: "task.completed", ResourceID: "4500", Timestamp: "2026-03-03T13:00:00Z", EntityKey: "900"}
	out, err := f.processor.HandleTaskCompleted(ctx, d, 4500)
	if err != nil {
		t.Fatalf("HandleTaskCompleted: %v", err)
	}
	if out.Result.Created != 1 {
		t.Fatalf("created = %d, want the follow-up attempt", out.Result.Created)
	}
	if f.client.created[0].Name != "Attempt 2 Call" {
		t.Fatalf("created %q", f.client.created[0].Name)
	}
}

func TestTaskDeletedSoftDeletesMirror(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	ctx := context.Background()
	stageID := int64(40)
	seq := 1
	if _, err := f.tasks.Insert(ctx, taskgen.TaskRecord{
		ExternalID: 4600, MatterID: 900, StageID: &stageID, Seq: &seq, Status: taskgen.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := Delivery{EventType: "task.deleted", ResourceID: "4600", Timestamp: "2026-03-03T14:00:00Z", EntityKey: "900"}
	out, err := f.processor.HandleTaskDeleted(ctx, d, 4600)
	if err != nil {
		t.Fatalf("HandleTaskDeleted: %v", err)
	}
	if out.Action != "deleted" {
		t.Fatalf("action = %q", out.Action)
	}
	rec, _ := f.tasks.FindByExternalID(ctx, 4600)
	if rec.Status != taskgen.StatusDeleted {
		t.Fatalf("status = %q, want deleted", rec.Status)
	}
}

func TestMeetingDeletedCleansOwnedTasks(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	ctx := context.Background()
	stageID := int64(40)
	calID := int64(8800)
	for i, status := range []string{taskgen.StatusPending, taskgen.StatusCompleted} {
		seq := i + 1
		if _, err := f.tasks.Insert(ctx, taskgen.TaskRecord{
			ExternalID: int64(4700 + i), MatterID: 900, StageID: &stageID, Seq: &seq,
			Status: status, CalendarEntryID: &calID,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	d := Delivery{EventType: "calendar.deleted", ResourceID: "8800", Timestamp: "2026-03-03T15:00:00Z", EntityKey: "900"}
	out, err := f.processor.HandleMeetingDeleted(ctx, d, 8800)
	if err != nil {
		t.Fatalf("HandleMeetingDeleted: %v", err)
	}
	if out.Action != "meeting_cleanup_1" {
		t.Fatalf("action = %q, want one pending task cleaned", out.Action)
	}

	pending, _ := f.tasks.FindByExternalID(ctx, 4700)
	if pending.Status != taskgen.StatusDeleted {
		t.Fatal("pending meeting task not soft-deleted")
	}
	completed, _ := f.tasks.FindByExternalID(ctx, 4701)
	if completed.Status != taskgen.StatusCompleted {
		t.Fatal("completed task must survive meeting deletion")
	}
}

func TestDocumentCompletesMatchingTask(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	m := seedMatter(f)
	ctx := context.Background()

	stageID := int64(40)
	seq := 1
	if _, err := f.tasks.Insert(ctx, taskgen.TaskRecord{
		ExternalID: 4800, Title: "Retainer Agreement", MatterID: m.ID,
		StageID: &stageID, Seq: &seq, Status: taskgen.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.client.docs[300] = &clio.Document{ID: 300, Name: "Retainer Agreement.pdf", Matter: m}

	d := Delivery{EventType: "document.created", ResourceID: "300", Timestamp: "2026-03-03T16:00:00Z", EntityKey: "900"}
	out, err := f.processor.HandleDocumentCreated(ctx, d, 300)
	if err != nil {
		t.Fatalf("HandleDocumentCreated: %v", err)
	}
	if out.Action != "completed_by_document" || out.Result.Updated != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	rec, _ := f.tasks.FindByExternalID(ctx, 4800)
	if !rec.Completed() {
		t.Fatal("matching task not completed")
	}
	if f.client.statuses[4800] != "complete" {
		t.Fatal("external task status not updated")
	}
}

func TestConcurrentDuplicatesProcessOnce(t *testing.T) {
	f := newFixture(t, stageFixtureTemplates())
	seedMatter(f)
	d := stageDelivery(3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	processed, pending := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.processor.HandleStageChange(context.Background(), d, 900)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("HandleStageChange: %v", err)
				return
			}
			switch {
			case out.Pending:
				pending++
			default:
				processed++
			}
		}()
	}
	wg.Wait()

	if len(f.client.created) != 2 {
		t.Fatalf("side effects ran %d times, want one batch of 2", len(f.client.created))
	}
	if processed < 1 {
		t.Fatalf("no caller observed a processed outcome (processed=%d pending=%d)", processed, pending)
	}
}
