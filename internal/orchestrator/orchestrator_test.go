package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"infosentry/internal/config"
	"infosentry/internal/models"
	"infosentry/internal/pipeline"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
)

var orchNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGoals struct {
	goal *models.Goal
	err  error
}

func (f *fakeGoals) GetByID(ctx context.Context, goalID string) (*models.Goal, error) {
	return f.goal, f.err
}

type fakeItems struct {
	item   *models.Item
	err    error
	scored []store.ScoredItem
}

func (f *fakeItems) GetByID(ctx context.Context, itemID string) (*models.Item, error) {
	return f.item, f.err
}

func (f *fakeItems) ListRecentAboveScore(ctx context.Context, goalID string, since time.Time, minScore float64, limit int) ([]store.ScoredItem, error) {
	return f.scored, nil
}

type fakeMatches struct {
	matches map[string]*models.MatchRecord
}

func (f *fakeMatches) GetByGoalItem(ctx context.Context, goalID, itemID string) (*models.MatchRecord, error) {
	if rec, ok := f.matches[itemID]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("match %s/%s: %w", goalID, itemID, store.ErrNotFound)
}

type fakeProbe struct {
	decided map[string]bool
	kinds   []models.DecisionKind
}

func (f *fakeProbe) HasDecisionForItem(ctx context.Context, goalID, itemID string, kinds ...models.DecisionKind) (bool, error) {
	f.kinds = kinds
	return f.decided[itemID], nil
}

type fakeRuns struct {
	created   []*models.RunRecord
	finished  []*models.RunRecord
	ledger    []*models.ActionLedgerEntry
	toolCalls []*models.ToolCallRecord
	stored    *models.RunRecord
}

func (f *fakeRuns) Create(ctx context.Context, run *models.RunRecord) error {
	snapshot := *run
	f.created = append(f.created, &snapshot)
	return nil
}

func (f *fakeRuns) Finish(ctx context.Context, run *models.RunRecord) error {
	snapshot := *run
	f.finished = append(f.finished, &snapshot)
	return nil
}

func (f *fakeRuns) GetByID(ctx context.Context, runID string) (*models.RunRecord, error) {
	if f.stored == nil {
		return nil, store.ErrNotFound
	}
	return f.stored, nil
}

func (f *fakeRuns) AppendToolCall(ctx context.Context, call *models.ToolCallRecord) error {
	f.toolCalls = append(f.toolCalls, call)
	return nil
}

func (f *fakeRuns) AppendLedger(ctx context.Context, entry *models.ActionLedgerEntry) error {
	f.ledger = append(f.ledger, entry)
	return nil
}

type fakePipeline struct {
	apply    func(s *pipeline.State)
	err      error
	fullRuns int
	emitRuns int
}

func (f *fakePipeline) Run(ctx context.Context, s *pipeline.State) error {
	f.fullRuns++
	if f.apply != nil {
		f.apply(s)
	}
	return f.err
}

func (f *fakePipeline) RunEmitOnly(ctx context.Context, s *pipeline.State) error {
	f.emitRuns++
	if f.apply != nil {
		f.apply(s)
	}
	return f.err
}

type fakeSnapshotter struct{}

func (f *fakeSnapshotter) Snapshot(ctx context.Context) (*models.BudgetSnapshot, error) {
	return &models.BudgetSnapshot{Date: "2025-06-01"}, nil
}

type orchHarness struct {
	orch     *Orchestrator
	goals    *fakeGoals
	items    *fakeItems
	matches  *fakeMatches
	probe    *fakeProbe
	runs     *fakeRuns
	pipeline *fakePipeline
}

func newOrchHarness() *orchHarness {
	h := &orchHarness{
		goals:    &fakeGoals{goal: &models.Goal{ID: "goal-1", Name: "AI releases"}},
		items:    &fakeItems{item: &models.Item{ID: "item-1", SourceID: "src-a"}},
		matches:  &fakeMatches{matches: map[string]*models.MatchRecord{}},
		probe:    &fakeProbe{decided: map[string]bool{}},
		runs:     &fakeRuns{},
		pipeline: &fakePipeline{},
	}
	cfg := config.Config{
		Thresholds:     config.Thresholds{Immediate: 0.93, Boundary: 0.88, Batch: 0.75},
		BatchLookback:  24 * time.Hour,
		BatchMaxItems:  10,
		DigestMaxItems: 20,
	}
	h.orch = New(h.goals, h.items, h.matches, h.probe, h.runs, h.pipeline, &fakeSnapshotter{}, cfg, nil, logging.NewLogger())
	h.orch.SetClock(func() time.Time { return orchNow })
	return h
}

func testMatchRecord(score float64) *models.MatchRecord {
	return &models.MatchRecord{
		GoalID:   "goal-1",
		ItemID:   "item-1",
		Score:    score,
		Features: models.Features{Semantic: 0.9},
		Reasons:  models.Reasons{Summary: "strong semantic match"},
	}
}

func TestRunImmediateSuccess(t *testing.T) {
	h := newOrchHarness()
	h.pipeline.apply = func(s *pipeline.State) {
		s.Bucket = pipeline.BucketImmediate
		s.Budget = &models.BudgetSnapshot{Date: "2025-06-01"}
		s.Actions = []models.ActionProposal{{
			GoalID:    "goal-1",
			ItemID:    "item-1",
			Decision:  models.DecisionImmediate,
			DedupeKey: "abc",
			Created:   true,
		}}
	}

	run, err := h.orch.RunImmediate(context.Background(), testMatchRecord(0.95))
	if err != nil {
		t.Fatal(err)
	}
	if len(h.runs.created) != 1 || h.runs.created[0].Status != models.RunRunning {
		t.Fatalf("created = %+v", h.runs.created)
	}
	if h.runs.created[0].Input.Score != 0.95 {
		t.Fatalf("input score = %v", h.runs.created[0].Input.Score)
	}
	if run.Status != models.RunSuccess {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Output == nil || run.Output.Bucket != models.DecisionImmediate {
		t.Fatalf("output = %+v", run.Output)
	}
	if len(h.runs.finished) != 1 || h.runs.finished[0].Status != models.RunSuccess {
		t.Fatalf("finished = %+v", h.runs.finished)
	}
	if len(h.runs.ledger) != 1 || !h.runs.ledger[0].Applied {
		t.Fatalf("ledger = %+v", h.runs.ledger)
	}
	if h.pipeline.fullRuns != 1 {
		t.Fatalf("pipeline runs = %d", h.pipeline.fullRuns)
	}
}

func TestRunImmediateFallbackStatus(t *testing.T) {
	h := newOrchHarness()
	h.pipeline.apply = func(s *pipeline.State) {
		s.Bucket = pipeline.BucketBatch
		s.FallbackNote = "disabled_for_day"
		s.LLMUsed = true
		s.LLMModel = "gpt-4o-mini"
	}

	run, err := h.orch.RunImmediate(context.Background(), testMatchRecord(0.90))
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunFallback {
		t.Fatalf("status = %s", run.Status)
	}
	if len(h.runs.toolCalls) != 1 || h.runs.toolCalls[0].Tool != "boundary_classifier" {
		t.Fatalf("tool calls = %+v", h.runs.toolCalls)
	}
}

func TestRunImmediateGoalNotFound(t *testing.T) {
	h := newOrchHarness()
	h.goals.err = fmt.Errorf("goal goal-1: %w", store.ErrNotFound)

	run, err := h.orch.RunImmediate(context.Background(), testMatchRecord(0.95))
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != models.RunError || run.ErrorMessage == "" {
		t.Fatalf("run = %s %q", run.Status, run.ErrorMessage)
	}
	if h.pipeline.fullRuns != 0 {
		t.Fatal("pipeline must not run without context")
	}
}

func TestRunImmediateTimeoutStatus(t *testing.T) {
	h := newOrchHarness()
	h.pipeline.err = fmt.Errorf("judge call: %w", context.DeadlineExceeded)

	run, err := h.orch.RunImmediate(context.Background(), testMatchRecord(0.90))
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != models.RunTimeout {
		t.Fatalf("status = %s", run.Status)
	}
}

func TestRunBatchWindowSkipsDecidedAndUnmatched(t *testing.T) {
	h := newOrchHarness()
	h.items.scored = []store.ScoredItem{
		{Item: models.Item{ID: "item-1", SourceID: "src-a"}, Score: 0.85},
		{Item: models.Item{ID: "item-2", SourceID: "src-a"}, Score: 0.82},
		{Item: models.Item{ID: "item-3", SourceID: "src-a"}, Score: 0.80},
	}
	h.probe.decided["item-2"] = true
	h.matches.matches["item-1"] = testMatchRecord(0.85)
	// item-3 has no match record and is skipped.
	h.pipeline.apply = func(s *pipeline.State) {
		s.Actions = append(s.Actions, models.ActionProposal{
			GoalID:   s.Goal.ID,
			ItemID:   s.Item.ID,
			Decision: models.DecisionBatch,
			Created:  true,
		})
	}

	run, err := h.orch.RunBatchWindow(context.Background(), "goal-1", orchNow)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunSuccess {
		t.Fatalf("status = %s", run.Status)
	}
	if h.pipeline.emitRuns != 1 {
		t.Fatalf("emit runs = %d, want 1", h.pipeline.emitRuns)
	}
	if len(run.Actions) != 1 || run.Actions[0].ItemID != "item-1" {
		t.Fatalf("actions = %+v", run.Actions)
	}
	if len(h.probe.kinds) != 2 {
		t.Fatalf("probe kinds = %v", h.probe.kinds)
	}
}

func TestRunDigestProbesAllDecisionKinds(t *testing.T) {
	h := newOrchHarness()
	h.items.scored = []store.ScoredItem{
		{Item: models.Item{ID: "item-1", SourceID: "src-a"}, Score: 0.6},
	}
	h.matches.matches["item-1"] = testMatchRecord(0.6)

	run, err := h.orch.RunDigest(context.Background(), "goal-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Trigger != models.TriggerDigestTick {
		t.Fatalf("trigger = %s", run.Trigger)
	}
	if len(h.probe.kinds) != 3 {
		t.Fatalf("probe kinds = %v", h.probe.kinds)
	}
}

func TestReplayCleanDiff(t *testing.T) {
	h := newOrchHarness()
	original := []models.ActionProposal{{
		GoalID:    "goal-1",
		ItemID:    "item-1",
		Decision:  models.DecisionImmediate,
		DedupeKey: "abc",
		Created:   true,
	}}
	h.runs.stored = &models.RunRecord{
		ID:      "run-1",
		GoalID:  "goal-1",
		ItemID:  "item-1",
		Trigger: models.TriggerMatchComputed,
		Status:  models.RunSuccess,
		Input:   models.RunInput{GoalID: "goal-1", ItemID: "item-1", Score: 0.95},
		Output:  &models.RunOutput{Bucket: models.DecisionImmediate},
		Actions: original,
		BudgetSnapshot: &models.BudgetSnapshot{
			Date: "2025-06-01",
		},
	}
	h.pipeline.apply = func(s *pipeline.State) {
		if !s.DryRun {
			t.Fatal("replay must run dry")
		}
		if s.Budget == nil || s.Budget.Date != "2025-06-01" {
			t.Fatalf("budget not pinned: %+v", s.Budget)
		}
		s.Actions = []models.ActionProposal{{
			GoalID:   "goal-1",
			ItemID:   "item-1",
			Decision: models.DecisionImmediate,
		}}
	}

	result, err := h.orch.Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Clean() {
		t.Fatalf("diff = %+v", result)
	}
}

func TestReplayReportsKindMismatch(t *testing.T) {
	h := newOrchHarness()
	h.runs.stored = &models.RunRecord{
		ID:      "run-1",
		GoalID:  "goal-1",
		ItemID:  "item-1",
		Input:   models.RunInput{Score: 0.90},
		Actions: []models.ActionProposal{{Decision: models.DecisionImmediate}},
	}
	h.pipeline.apply = func(s *pipeline.State) {
		s.Actions = []models.ActionProposal{{Decision: models.DecisionBatch}}
	}

	result, err := h.orch.Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Clean() || len(result.KindMismatches) != 1 {
		t.Fatalf("diff = %+v", result)
	}
	mismatch := result.KindMismatches[0]
	if mismatch.Original != models.DecisionImmediate || mismatch.Replayed != models.DecisionBatch {
		t.Fatalf("mismatch = %+v", mismatch)
	}
}

func TestReplayCountMismatch(t *testing.T) {
	h := newOrchHarness()
	h.runs.stored = &models.RunRecord{
		ID:      "run-1",
		GoalID:  "goal-1",
		ItemID:  "item-1",
		Actions: []models.ActionProposal{{Decision: models.DecisionImmediate}},
	}
	// Replay emits nothing, e.g. the goal gained a blocked source since.
	result, err := h.orch.Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.CountMismatch {
		t.Fatalf("diff = %+v", result)
	}
}

func TestReplayRequiresItemContext(t *testing.T) {
	h := newOrchHarness()
	h.runs.stored = &models.RunRecord{ID: "run-1", GoalID: "goal-1", Trigger: models.TriggerBatchWindowTick}

	if _, err := h.orch.Replay(context.Background(), "run-1"); err == nil {
		t.Fatal("expected error for run without item context")
	}
}

func TestReplayUnknownRun(t *testing.T) {
	h := newOrchHarness()
	if _, err := h.orch.Replay(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
