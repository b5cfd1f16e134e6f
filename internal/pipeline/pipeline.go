// Package pipeline is the ordered decision pipeline: gate, bucket,
// boundary tie-break, coalesce, emit. Stages are plain functions over
// one shared state; a stage that resolves the outcome leaves a guard
// flag the later stages check, so no stage ever signals control flow
// through errors.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"infosentry/internal/coalesce"
	"infosentry/internal/config"
	"infosentry/internal/judge"
	"infosentry/internal/models"
	"infosentry/internal/relevance"
	"infosentry/pkg/logging"
	"infosentry/pkg/monitoring"
)

// Bucket is the pipeline-internal disposition. BOUNDARY exists only
// between the Bucket and BoundaryJudge stages; it never leaves the
// pipeline.
type Bucket string

const (
	BucketImmediate Bucket = "IMMEDIATE"
	BucketBoundary  Bucket = "BOUNDARY"
	BucketBatch     Bucket = "BATCH"
	BucketDigest    Bucket = "DIGEST"
	BucketIgnore    Bucket = "IGNORE"
)

// Kind converts a resolved bucket to the persisted decision kind.
// Must not be called while the bucket is still BOUNDARY.
func (b Bucket) Kind() models.DecisionKind {
	return models.DecisionKind(b)
}

// CoalesceState values recorded on the run output.
const (
	CoalesceBuffered = "buffered"
	CoalesceSkipped  = "coalesce-skipped"
)

// State is the mutable draft a run threads through the stages.
type State struct {
	Trigger models.Trigger
	Goal    *models.Goal
	Item    *models.Item
	Match   *models.MatchRecord
	Budget  *models.BudgetSnapshot
	Now     time.Time

	// DryRun skips buffer writes and decision inserts; actions are
	// still proposed. Used by replay.
	DryRun bool

	// Replay pins: when set, the boundary judge reuses the original
	// verdict or fallback instead of calling the classifier again.
	PinnedVerdict  *models.Verdict
	PinnedFallback string

	Blocked       bool
	BlockReason   string
	Bucket        Bucket
	Verdict       *models.Verdict
	FallbackNote  string
	CoalesceState string
	LLMUsed       bool
	LLMModel      string
	Actions       []models.ActionProposal
}

// resolved reports whether later bucketing stages should be skipped.
func (s *State) resolved() bool {
	return s.Blocked || s.Bucket == BucketIgnore
}

type quotaGovernor interface {
	CheckQuota(ctx context.Context, kind models.BudgetKind) (bool, string, error)
	RecordUsage(ctx context.Context, kind models.BudgetKind, tokens int64) error
	Snapshot(ctx context.Context) (*models.BudgetSnapshot, error)
}

type boundaryClassifier interface {
	Judge(ctx context.Context, goal *models.Goal, item *models.Item, rec *models.MatchRecord) (*judge.Result, error)
}

type coalesceBuffer interface {
	Add(ctx context.Context, entry coalesce.Entry, now time.Time) (bool, error)
}

type decisionWriter interface {
	CreateIfAbsent(ctx context.Context, dec *models.PushDecision) (bool, error)
}

type stage func(ctx context.Context, s *State) error

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	thresholds config.Thresholds
	governor   quotaGovernor
	classifier boundaryClassifier
	buffer     coalesceBuffer
	decisions  decisionWriter
	metrics    *monitoring.DecisionMetrics
	logger     logging.Logger

	full     []stage
	emitOnly []stage
}

func New(thresholds config.Thresholds, governor quotaGovernor, classifier boundaryClassifier, buffer coalesceBuffer, decisions decisionWriter, metrics *monitoring.DecisionMetrics, logger logging.Logger) *Pipeline {
	p := &Pipeline{
		thresholds: thresholds,
		governor:   governor,
		classifier: classifier,
		buffer:     buffer,
		decisions:  decisions,
		metrics:    metrics,
		logger:     logger,
	}
	p.full = []stage{p.loadContext, p.ruleGate, p.bucket, p.boundaryJudge, p.coalesce, p.emitActions}
	p.emitOnly = []stage{p.loadContext, p.emitActions}
	return p
}

// Run executes the full stage sequence for one (goal, item) match.
func (p *Pipeline) Run(ctx context.Context, s *State) error {
	return p.run(ctx, s, p.full)
}

// RunEmitOnly executes the reduced dedupe-and-emit sequence used by
// batch and digest triggers, with the bucket decided by the caller.
func (p *Pipeline) RunEmitOnly(ctx context.Context, s *State) error {
	return p.run(ctx, s, p.emitOnly)
}

func (p *Pipeline) run(ctx context.Context, s *State, stages []stage) error {
	for _, st := range stages {
		if err := st(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// loadContext validates the hydrated context and pins the budget
// snapshot. A replayed run arrives with the snapshot already set.
func (p *Pipeline) loadContext(ctx context.Context, s *State) error {
	if s.Goal == nil {
		return fmt.Errorf("pipeline state missing goal")
	}
	if s.Item == nil || s.Match == nil {
		if s.Bucket == "" {
			return fmt.Errorf("pipeline state missing item or match context")
		}
	}
	if s.Budget == nil {
		snap, err := p.governor.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("load budget snapshot: %w", err)
		}
		s.Budget = snap
	}
	return nil
}

// ruleGate re-validates the blocking rules against the loaded goal.
func (p *Pipeline) ruleGate(ctx context.Context, s *State) error {
	reason, detail, blocked := relevance.CheckBlocked(s.Item, s.Goal)
	if !blocked && s.Match.Reasons.Blocked {
		reason, detail, blocked = s.Match.Reasons.BlockReason, s.Match.Reasons.Summary, true
	}
	if blocked {
		s.Blocked = true
		s.BlockReason = reason
		p.logger.WithFields(logging.Fields{
			"goal_id": s.Goal.ID,
			"item_id": s.Item.ID,
			"reason":  reason,
		}).Debug(detail)
	}
	return nil
}

// bucket maps the score to a disposition through the fixed thresholds.
func (p *Pipeline) bucket(ctx context.Context, s *State) error {
	if s.Blocked {
		return nil
	}
	score := s.Match.Score
	switch {
	case score >= p.thresholds.Immediate:
		s.Bucket = BucketImmediate
	case score >= p.thresholds.Boundary:
		s.Bucket = BucketBoundary
	case score >= p.thresholds.Batch:
		s.Bucket = BucketBatch
	default:
		s.Bucket = BucketIgnore
	}
	return nil
}

// boundaryJudge resolves an ambiguous bucket. It always lands on a
// concrete bucket: quota denial and classifier failure both fall
// closed to BATCH.
func (p *Pipeline) boundaryJudge(ctx context.Context, s *State) error {
	if s.resolved() || s.Bucket != BucketBoundary {
		return nil
	}

	if s.PinnedVerdict != nil {
		s.Verdict = s.PinnedVerdict
		if s.PinnedVerdict.Label == models.LabelPushNow {
			s.Bucket = BucketImmediate
		} else {
			s.Bucket = BucketBatch
		}
		return nil
	}
	if s.PinnedFallback != "" {
		s.Bucket = BucketBatch
		s.FallbackNote = s.PinnedFallback
		return nil
	}

	allowed, reason, err := p.governor.CheckQuota(ctx, models.BudgetJudge)
	if err != nil {
		p.fallback(s, fmt.Sprintf("budget check failed: %v", err))
		return nil
	}
	if !allowed {
		p.fallback(s, reason)
		return nil
	}

	result, err := p.classifier.Judge(ctx, s.Goal, s.Item, s.Match)
	if result != nil && result.Tokens > 0 {
		s.LLMUsed = true
		s.LLMModel = result.Model
		if rerr := p.governor.RecordUsage(ctx, models.BudgetJudge, result.Tokens); rerr != nil {
			p.logger.WithError(rerr).Warn("Failed to record judge usage")
		}
	}
	if err != nil {
		p.fallback(s, fmt.Sprintf("classifier failed: %v", err))
		return nil
	}

	s.Verdict = result.Verdict
	if result.Verdict.Label == models.LabelPushNow {
		s.Bucket = BucketImmediate
	} else {
		s.Bucket = BucketBatch
	}
	return nil
}

func (p *Pipeline) fallback(s *State, note string) {
	s.Bucket = BucketBatch
	s.FallbackNote = note
	if p.metrics != nil {
		p.metrics.Fallbacks.WithLabelValues(fallbackLabel(note)).Inc()
	}
	p.logger.WithFields(logging.Fields{
		"goal_id": s.Goal.ID,
		"item_id": s.Item.ID,
		"note":    note,
	}).Warn("Boundary judge fell back to batch")
}

// fallbackLabel keeps the metric cardinality bounded.
func fallbackLabel(note string) string {
	switch {
	case note == "":
		return "unknown"
	case note == "disabled_by_config" || note == "disabled_for_day" ||
		note == "call_cap_reached" || note == "daily_cost_cap_reached":
		return note
	default:
		return "classifier_error"
	}
}

// coalesce buffers an immediate push so near-simultaneous alerts for
// the same goal fold into one notification. A full bucket does not
// reject the candidate; it just skips buffering.
func (p *Pipeline) coalesce(ctx context.Context, s *State) error {
	if s.resolved() || s.Bucket != BucketImmediate {
		return nil
	}
	if s.DryRun {
		s.CoalesceState = CoalesceBuffered
		return nil
	}
	added, err := p.buffer.Add(ctx, coalesce.Entry{
		GoalID:    s.Goal.ID,
		ItemID:    s.Item.ID,
		DedupeKey: DedupeKey(s.Goal.ID, s.Item.ID, s.Bucket.Kind()),
		Score:     s.Match.Score,
		AddedAt:   s.Now,
	}, s.Now)
	if err != nil {
		return fmt.Errorf("coalesce buffer: %w", err)
	}
	if added {
		s.CoalesceState = CoalesceBuffered
	} else {
		s.CoalesceState = CoalesceSkipped
	}
	return nil
}

// emitActions idempotently creates the push decision. An existing row
// with the same dedupe key is success, not conflict; the proposal is
// appended either way.
func (p *Pipeline) emitActions(ctx context.Context, s *State) error {
	if s.resolved() {
		return nil
	}
	kind := s.Bucket.Kind()
	dedupeKey := DedupeKey(s.Goal.ID, s.Item.ID, kind)

	created := false
	if !s.DryRun {
		decision := &models.PushDecision{
			ID:        uuid.New().String(),
			GoalID:    s.Goal.ID,
			ItemID:    s.itemID(),
			Decision:  kind,
			Status:    models.PushPending,
			Channel:   "email",
			Reason:    p.decisionReason(s),
			DedupeKey: dedupeKey,
			DecidedAt: s.Now,
		}
		var err error
		created, err = p.decisions.CreateIfAbsent(ctx, decision)
		if err != nil {
			return fmt.Errorf("persist push decision: %w", err)
		}
		if created && p.metrics != nil {
			p.metrics.Decisions.WithLabelValues(string(kind)).Inc()
		}
	}

	s.Actions = append(s.Actions, models.ActionProposal{
		GoalID:    s.Goal.ID,
		ItemID:    s.itemID(),
		Decision:  kind,
		DedupeKey: dedupeKey,
		Created:   created,
		Coalesced: s.CoalesceState == CoalesceSkipped,
	})
	return nil
}

func (s *State) itemID() string {
	if s.Item == nil {
		return ""
	}
	return s.Item.ID
}

// decisionReason merges the match explanation with the judge verdict.
func (p *Pipeline) decisionReason(s *State) models.Reasons {
	if s.Match == nil {
		return models.Reasons{}
	}
	reasons := s.Match.Reasons
	if s.Verdict != nil {
		reasons.Evidence = append(reasons.Evidence, s.Verdict.Evidence...)
		if s.Verdict.Reason != "" {
			reasons.Summary = reasons.Summary + "; " + s.Verdict.Reason
		}
	}
	return reasons
}

// DedupeKey fingerprints one (goal, item, decision) so concurrent
// emissions converge on one row.
func DedupeKey(goalID, itemID string, kind models.DecisionKind) string {
	sum := sha256.Sum256([]byte(goalID + ":" + itemID + ":" + string(kind)))
	return hex.EncodeToString(sum[:])[:32]
}

// Output snapshots the resolved state for the run record.
func (s *State) Output() *models.RunOutput {
	out := &models.RunOutput{
		Blocked:       s.Blocked,
		BlockReason:   s.BlockReason,
		JudgeVerdict:  s.Verdict,
		FallbackNote:  s.FallbackNote,
		CoalesceState: s.CoalesceState,
	}
	if s.Blocked {
		out.Bucket = models.DecisionIgnore
	} else if s.Bucket != "" {
		out.Bucket = s.Bucket.Kind()
	}
	return out
}
