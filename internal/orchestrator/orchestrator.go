// Package orchestrator drives the decision pipeline per trigger and
// keeps the auditable run trail: one RunRecord per invocation, plus
// append-only tool-call and action-ledger rows.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"infosentry/internal/config"
	"infosentry/internal/models"
	"infosentry/internal/pipeline"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
	"infosentry/pkg/monitoring"
)

// Items below the batch threshold still reach the daily digest down to
// this floor.
const digestMinScore = 0.5

type goalReader interface {
	GetByID(ctx context.Context, goalID string) (*models.Goal, error)
}

type itemReader interface {
	GetByID(ctx context.Context, itemID string) (*models.Item, error)
	ListRecentAboveScore(ctx context.Context, goalID string, since time.Time, minScore float64, limit int) ([]store.ScoredItem, error)
}

type matchReader interface {
	GetByGoalItem(ctx context.Context, goalID, itemID string) (*models.MatchRecord, error)
}

type decisionProbe interface {
	HasDecisionForItem(ctx context.Context, goalID, itemID string, kinds ...models.DecisionKind) (bool, error)
}

type runStore interface {
	Create(ctx context.Context, run *models.RunRecord) error
	Finish(ctx context.Context, run *models.RunRecord) error
	GetByID(ctx context.Context, runID string) (*models.RunRecord, error)
	AppendToolCall(ctx context.Context, call *models.ToolCallRecord) error
	AppendLedger(ctx context.Context, entry *models.ActionLedgerEntry) error
}

type decisionPipeline interface {
	Run(ctx context.Context, s *pipeline.State) error
	RunEmitOnly(ctx context.Context, s *pipeline.State) error
}

type budgetSnapshotter interface {
	Snapshot(ctx context.Context) (*models.BudgetSnapshot, error)
}

// Orchestrator is the trigger entry point for the decision core.
type Orchestrator struct {
	goals     goalReader
	items     itemReader
	matches   matchReader
	decisions decisionProbe
	runs      runStore
	pipeline  decisionPipeline
	governor  budgetSnapshotter
	cfg       config.Config
	metrics   *monitoring.DecisionMetrics
	logger    logging.Logger
	now       func() time.Time
}

func New(goals goalReader, items itemReader, matches matchReader, decisions decisionProbe, runs runStore, pipe decisionPipeline, governor budgetSnapshotter, cfg config.Config, metrics *monitoring.DecisionMetrics, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		goals:     goals,
		items:     items,
		matches:   matches,
		decisions: decisions,
		runs:      runs,
		pipeline:  pipe,
		governor:  governor,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the orchestrator clock. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// RunImmediate runs the full pipeline for one freshly computed match.
func (o *Orchestrator) RunImmediate(ctx context.Context, match *models.MatchRecord) (*models.RunRecord, error) {
	run := o.newRun(models.TriggerMatchComputed, match.GoalID, match.ItemID, models.RunInput{
		GoalID:   match.GoalID,
		ItemID:   match.ItemID,
		Score:    match.Score,
		Features: match.Features,
		Reasons:  match.Reasons,
	})
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	goal, err := o.goals.GetByID(ctx, match.GoalID)
	if err != nil {
		return run, o.finishError(ctx, run, err)
	}
	item, err := o.items.GetByID(ctx, match.ItemID)
	if err != nil {
		return run, o.finishError(ctx, run, err)
	}

	state := &pipeline.State{
		Trigger: models.TriggerMatchComputed,
		Goal:    goal,
		Item:    item,
		Match:   match,
		Now:     o.now().UTC(),
	}
	if err := o.pipeline.Run(ctx, state); err != nil {
		return run, o.finishError(ctx, run, err)
	}
	return run, o.finishSuccess(ctx, run, state)
}

// RunBatchWindow emits BATCH decisions for the goal's best recent
// matches that have no decision yet.
func (o *Orchestrator) RunBatchWindow(ctx context.Context, goalID string, windowTime time.Time) (*models.RunRecord, error) {
	run := o.newRun(models.TriggerBatchWindowTick, goalID, "", models.RunInput{
		GoalID: goalID,
		Window: &windowTime,
	})
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	return run, o.runReduced(ctx, run, goalID, reducedParams{
		bucket:    pipeline.BucketBatch,
		minScore:  o.cfg.Thresholds.Batch,
		limit:     o.cfg.BatchMaxItems,
		skipKinds: []models.DecisionKind{models.DecisionImmediate, models.DecisionBatch},
	})
}

// RunDigest emits DIGEST decisions for matches that never rose to an
// immediate or batch push.
func (o *Orchestrator) RunDigest(ctx context.Context, goalID string) (*models.RunRecord, error) {
	run := o.newRun(models.TriggerDigestTick, goalID, "", models.RunInput{GoalID: goalID})
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	return run, o.runReduced(ctx, run, goalID, reducedParams{
		bucket:    pipeline.BucketDigest,
		minScore:  digestMinScore,
		limit:     o.cfg.DigestMaxItems,
		skipKinds: []models.DecisionKind{models.DecisionImmediate, models.DecisionBatch, models.DecisionDigest},
	})
}

type reducedParams struct {
	bucket    pipeline.Bucket
	minScore  float64
	limit     int
	skipKinds []models.DecisionKind
}

func (o *Orchestrator) runReduced(ctx context.Context, run *models.RunRecord, goalID string, params reducedParams) error {
	goal, err := o.goals.GetByID(ctx, goalID)
	if err != nil {
		return o.finishError(ctx, run, err)
	}

	since := o.now().UTC().Add(-o.cfg.BatchLookback)
	scored, err := o.items.ListRecentAboveScore(ctx, goalID, since, params.minScore, params.limit)
	if err != nil {
		return o.finishError(ctx, run, err)
	}

	snap, err := o.governor.Snapshot(ctx)
	if err != nil {
		return o.finishError(ctx, run, err)
	}

	combined := &pipeline.State{
		Trigger: run.Trigger,
		Goal:    goal,
		Budget:  snap,
		Bucket:  params.bucket,
		Now:     o.now().UTC(),
	}
	for _, candidate := range scored {
		item := candidate.Item
		decided, err := o.decisions.HasDecisionForItem(ctx, goalID, item.ID, params.skipKinds...)
		if err != nil {
			return o.finishError(ctx, run, err)
		}
		if decided {
			continue
		}
		match, err := o.matches.GetByGoalItem(ctx, goalID, item.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return o.finishError(ctx, run, err)
		}

		state := &pipeline.State{
			Trigger: run.Trigger,
			Goal:    goal,
			Item:    &item,
			Match:   match,
			Budget:  snap,
			Bucket:  params.bucket,
			Now:     combined.Now,
		}
		if err := o.pipeline.RunEmitOnly(ctx, state); err != nil {
			return o.finishError(ctx, run, err)
		}
		combined.Actions = append(combined.Actions, state.Actions...)
	}
	return o.finishSuccess(ctx, run, combined)
}

// ReplayResult is the diff between a run's original actions and the
// actions a dry re-execution produces.
type ReplayResult struct {
	RunID           string                  `json:"run_id"`
	OriginalActions []models.ActionProposal `json:"original_actions"`
	ReplayedActions []models.ActionProposal `json:"replayed_actions"`
	CountMismatch   bool                    `json:"count_mismatch"`
	KindMismatches  []KindMismatch          `json:"kind_mismatches,omitempty"`
}

// KindMismatch is one per-index decision-kind divergence.
type KindMismatch struct {
	Index    int                 `json:"index"`
	Original models.DecisionKind `json:"original"`
	Replayed models.DecisionKind `json:"replayed"`
}

// Clean reports whether the replay reproduced the original actions.
func (r *ReplayResult) Clean() bool {
	return !r.CountMismatch && len(r.KindMismatches) == 0
}

// Replay re-executes a match-triggered run in dry-run mode, with the
// original budget snapshot and judge verdict pinned, and diffs the
// produced actions against the persisted ones.
func (o *Orchestrator) Replay(ctx context.Context, runID string) (*ReplayResult, error) {
	original, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if original.ItemID == "" {
		return nil, fmt.Errorf("run %s has no item context; only match-triggered runs replay", runID)
	}

	goal, err := o.goals.GetByID(ctx, original.GoalID)
	if err != nil {
		return nil, err
	}
	item, err := o.items.GetByID(ctx, original.ItemID)
	if err != nil {
		return nil, err
	}

	match := &models.MatchRecord{
		GoalID:   original.GoalID,
		ItemID:   original.ItemID,
		Score:    original.Input.Score,
		Features: original.Input.Features,
		Reasons:  original.Input.Reasons,
	}
	state := &pipeline.State{
		Trigger: models.TriggerReplay,
		Goal:    goal,
		Item:    item,
		Match:   match,
		Budget:  original.BudgetSnapshot,
		Now:     o.now().UTC(),
		DryRun:  true,
	}
	if original.Output != nil {
		state.PinnedVerdict = original.Output.JudgeVerdict
		state.PinnedFallback = original.Output.FallbackNote
	}
	if err := o.pipeline.Run(ctx, state); err != nil {
		return nil, fmt.Errorf("replay run %s: %w", runID, err)
	}

	return diffActions(runID, original.Actions, state.Actions), nil
}

func diffActions(runID string, original, replayed []models.ActionProposal) *ReplayResult {
	result := &ReplayResult{
		RunID:           runID,
		OriginalActions: original,
		ReplayedActions: replayed,
		CountMismatch:   len(original) != len(replayed),
	}
	n := len(original)
	if len(replayed) < n {
		n = len(replayed)
	}
	for i := 0; i < n; i++ {
		if original[i].Decision != replayed[i].Decision {
			result.KindMismatches = append(result.KindMismatches, KindMismatch{
				Index:    i,
				Original: original[i].Decision,
				Replayed: replayed[i].Decision,
			})
		}
	}
	return result
}

func (o *Orchestrator) newRun(trigger models.Trigger, goalID, itemID string, input models.RunInput) *models.RunRecord {
	return &models.RunRecord{
		ID:        uuid.New().String(),
		GoalID:    goalID,
		ItemID:    itemID,
		Trigger:   trigger,
		Status:    models.RunRunning,
		Input:     input,
		StartedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) finishSuccess(ctx context.Context, run *models.RunRecord, state *pipeline.State) error {
	run.Status = models.RunSuccess
	if state.FallbackNote != "" {
		run.Status = models.RunFallback
	}
	run.Output = state.Output()
	run.Actions = state.Actions
	run.BudgetSnapshot = state.Budget
	run.LLMUsed = state.LLMUsed
	run.LLMModel = state.LLMModel
	o.seal(ctx, run)

	for _, action := range state.Actions {
		entry := &models.ActionLedgerEntry{
			RunID:      run.ID,
			GoalID:     action.GoalID,
			ItemID:     action.ItemID,
			Action:     string(action.Decision),
			DedupeKey:  action.DedupeKey,
			Applied:    action.Created,
			RecordedAt: o.now().UTC(),
		}
		if err := o.runs.AppendLedger(ctx, entry); err != nil {
			o.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to append ledger entry")
		}
	}
	if state.LLMUsed {
		o.appendJudgeCall(ctx, run, state)
	}
	return nil
}

func (o *Orchestrator) finishError(ctx context.Context, run *models.RunRecord, cause error) error {
	run.Status = models.RunError
	if errors.Is(cause, context.DeadlineExceeded) {
		run.Status = models.RunTimeout
	}
	run.ErrorMessage = cause.Error()
	o.seal(ctx, run)
	o.logger.WithError(cause).WithFields(logging.Fields{
		"run_id":  run.ID,
		"trigger": run.Trigger,
	}).Error("Run failed")
	return cause
}

// seal applies the single terminal update and records run metrics.
func (o *Orchestrator) seal(ctx context.Context, run *models.RunRecord) {
	finished := o.now().UTC()
	run.FinishedAt = &finished
	run.LatencyMS = finished.Sub(run.StartedAt).Milliseconds()

	if err := o.runs.Finish(ctx, run); err != nil {
		o.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to finish run record")
	}
	if o.metrics != nil {
		o.metrics.Runs.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
		o.metrics.PipelineDuration.WithLabelValues(string(run.Trigger)).Observe(float64(run.LatencyMS) / 1000)
	}
}

func (o *Orchestrator) appendJudgeCall(ctx context.Context, run *models.RunRecord, state *pipeline.State) {
	input, _ := json.Marshal(map[string]interface{}{
		"goal_id": state.Goal.ID,
		"item_id": state.Item.ID,
		"score":   state.Match.Score,
	})
	var output string
	if state.Verdict != nil {
		if raw, err := json.Marshal(state.Verdict); err == nil {
			output = string(raw)
		}
	}
	call := &models.ToolCallRecord{
		RunID:    run.ID,
		Seq:      1,
		Tool:     "boundary_classifier",
		Input:    string(input),
		Output:   output,
		Error:    state.FallbackNote,
		CalledAt: o.now().UTC(),
	}
	if err := o.runs.AppendToolCall(ctx, call); err != nil {
		o.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to append tool call")
	}
}
