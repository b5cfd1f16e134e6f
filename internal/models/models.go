// Package models holds the domain types shared across the decision core.
package models

import (
	"time"
)

// PriorityMode controls how strictly a goal's must-terms gate matching.
type PriorityMode string

const (
	PriorityStrict PriorityMode = "STRICT"
	PrioritySoft   PriorityMode = "SOFT"
)

// GoalStatus is the goal lifecycle state.
type GoalStatus string

const (
	GoalActive   GoalStatus = "active"
	GoalPaused   GoalStatus = "paused"
	GoalArchived GoalStatus = "archived"
)

// Goal is a user's tracked interest. Owned by the goal-management
// collaborator; read-only here.
type Goal struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	PriorityMode   PriorityMode `json:"priority_mode"`
	Status         GoalStatus   `json:"status"`
	MustTerms      []string     `json:"must_terms"`
	NegativeTerms  []string     `json:"negative_terms"`
	BlockedSources []string     `json:"blocked_sources"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Item is one ingested piece of content. Read-only here.
type Item struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Snippet     string     `json:"snippet"`
	Summary     string     `json:"summary"`
	Embedding   []float32  `json:"embedding,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	IngestedAt  time.Time  `json:"ingested_at"`
}

// MatchText returns the concatenated text fields used for term matching.
func (i *Item) MatchText() string {
	return i.Title + "\n" + i.Snippet + "\n" + i.Summary
}

// FreshnessTime prefers the published timestamp, falling back to ingestion.
func (i *Item) FreshnessTime() time.Time {
	if i.PublishedAt != nil && !i.PublishedAt.IsZero() {
		return *i.PublishedAt
	}
	return i.IngestedAt
}

// FeedbackVerdict is a user's reaction to a pushed item.
type FeedbackVerdict string

const (
	FeedbackLike    FeedbackVerdict = "like"
	FeedbackDislike FeedbackVerdict = "dislike"
)

// Feedback is one like/dislike entry scoped to a goal.
type Feedback struct {
	GoalID    string          `json:"goal_id"`
	ItemID    string          `json:"item_id"`
	SourceID  string          `json:"source_id"`
	Verdict   FeedbackVerdict `json:"verdict"`
	CreatedAt time.Time       `json:"created_at"`
}

// EvidenceType classifies a scoring explanation entry.
type EvidenceType string

const (
	EvidenceTermHit        EvidenceType = "TERM_HIT"
	EvidenceSemanticMatch  EvidenceType = "SEMANTIC_MATCH"
	EvidenceFreshContent   EvidenceType = "FRESH_CONTENT"
	EvidenceFeedbackSignal EvidenceType = "FEEDBACK_SIGNAL"
	EvidenceSourceDisliked EvidenceType = "SOURCE_DISLIKED"
)

// Evidence is one typed explanation entry.
type Evidence struct {
	Type  EvidenceType `json:"type"`
	Value string       `json:"value"`
}

// Features are the normalized scoring signals for one (goal, item) pair.
type Features struct {
	Semantic        float64  `json:"semantic"`
	Keyword         float64  `json:"keyword"`
	Recency         float64  `json:"recency"`
	SourceTrust     float64  `json:"source_trust"`
	FeedbackBoost   float64  `json:"feedback_boost"`
	TermHits        []string `json:"term_hits,omitempty"`
	NegativeHits    []string `json:"negative_hits,omitempty"`
	SourceLikeRatio float64  `json:"source_like_ratio"`
	FeedbackCount   int      `json:"feedback_count"`
}

// Reasons is the human-readable explanation attached to a match.
type Reasons struct {
	Summary     string     `json:"summary"`
	Evidence    []Evidence `json:"evidence,omitempty"`
	Blocked     bool       `json:"blocked,omitempty"`
	BlockReason string     `json:"block_reason,omitempty"`
}

// MatchRecord is the persisted Relevance Engine output for one
// (goal, item) pair. Unique per pair; upserted on recompute.
type MatchRecord struct {
	ID         int64     `json:"id"`
	GoalID     string    `json:"goal_id"`
	ItemID     string    `json:"item_id"`
	Score      float64   `json:"score"`
	Features   Features  `json:"features"`
	Reasons    Reasons   `json:"reasons"`
	ComputedAt time.Time `json:"computed_at"`
}

// DecisionKind is the push disposition for a match.
type DecisionKind string

const (
	DecisionImmediate DecisionKind = "IMMEDIATE"
	DecisionBatch     DecisionKind = "BATCH"
	DecisionDigest    DecisionKind = "DIGEST"
	DecisionIgnore    DecisionKind = "IGNORE"
)

// PushStatus is the delivery status of a decision. Transitions are
// monotone: PENDING -> {SENT|FAILED|SKIPPED} -> READ.
type PushStatus string

const (
	PushPending PushStatus = "PENDING"
	PushSent    PushStatus = "SENT"
	PushFailed  PushStatus = "FAILED"
	PushSkipped PushStatus = "SKIPPED"
	PushRead    PushStatus = "READ"
)

// statusRank orders push statuses for monotone transition checks.
func statusRank(s PushStatus) int {
	switch s {
	case PushPending:
		return 0
	case PushSent, PushFailed, PushSkipped:
		return 1
	case PushRead:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a push status may move from to next
// without going backward.
func CanTransition(from, to PushStatus) bool {
	fr, tr := statusRank(from), statusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}

// PushDecision is the persisted pipeline outcome.
type PushDecision struct {
	ID        string       `json:"id"`
	GoalID    string       `json:"goal_id"`
	ItemID    string       `json:"item_id"`
	Decision  DecisionKind `json:"decision"`
	Status    PushStatus   `json:"status"`
	Channel   string       `json:"channel"`
	Reason    Reasons      `json:"reason"`
	DedupeKey string       `json:"dedupe_key"`
	DecidedAt time.Time    `json:"decided_at"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
}

// BudgetKind selects one of the two AI-assisted operations under budget.
type BudgetKind string

const (
	BudgetEmbedding BudgetKind = "embedding"
	BudgetJudge     BudgetKind = "judge"
)

// BudgetSnapshot is a point-in-time view of one UTC day's budget state.
type BudgetSnapshot struct {
	Date              string  `json:"date"`
	EmbeddingTokens   int64   `json:"embedding_tokens"`
	JudgeTokens       int64   `json:"judge_tokens"`
	EstimatedCostUSD  float64 `json:"estimated_cost_usd"`
	EmbeddingDisabled bool    `json:"embedding_disabled"`
	JudgeDisabled     bool    `json:"judge_disabled"`
}

// Trigger identifies what started a pipeline run.
type Trigger string

const (
	TriggerMatchComputed   Trigger = "match_computed"
	TriggerBatchWindowTick Trigger = "batch_window_tick"
	TriggerDigestTick      Trigger = "digest_tick"
	TriggerReplay          Trigger = "replay"
)

// RunStatus is the terminal (or in-flight) state of a run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunSuccess  RunStatus = "SUCCESS"
	RunTimeout  RunStatus = "TIMEOUT"
	RunError    RunStatus = "ERROR"
	RunFallback RunStatus = "FALLBACK"
)

// ActionProposal is one action emitted by a pipeline run.
type ActionProposal struct {
	GoalID    string       `json:"goal_id"`
	ItemID    string       `json:"item_id"`
	Decision  DecisionKind `json:"decision"`
	DedupeKey string       `json:"dedupe_key"`
	Created   bool         `json:"created"`
	Coalesced bool         `json:"coalesced"`
}

// RunInput is the snapshot of everything a run needs to be replayed.
type RunInput struct {
	GoalID   string          `json:"goal_id"`
	ItemID   string          `json:"item_id,omitempty"`
	Score    float64         `json:"score"`
	Features Features        `json:"features"`
	Reasons  Reasons         `json:"reasons"`
	Budget   *BudgetSnapshot `json:"budget,omitempty"`
	Window   *time.Time      `json:"window,omitempty"`
}

// RunOutput is the snapshot of what a run resolved to.
type RunOutput struct {
	Bucket        DecisionKind `json:"bucket"`
	Blocked       bool         `json:"blocked,omitempty"`
	BlockReason   string       `json:"block_reason,omitempty"`
	JudgeVerdict  *Verdict     `json:"judge_verdict,omitempty"`
	FallbackNote  string       `json:"fallback_note,omitempty"`
	CoalesceState string       `json:"coalesce_state,omitempty"`
}

// RunRecord is one auditable pipeline invocation.
type RunRecord struct {
	ID             string           `json:"id"`
	GoalID         string           `json:"goal_id"`
	ItemID         string           `json:"item_id,omitempty"`
	Trigger        Trigger          `json:"trigger"`
	Status         RunStatus        `json:"status"`
	Input          RunInput         `json:"input"`
	Output         *RunOutput       `json:"output,omitempty"`
	Actions        []ActionProposal `json:"actions,omitempty"`
	BudgetSnapshot *BudgetSnapshot  `json:"budget_snapshot,omitempty"`
	LLMUsed        bool             `json:"llm_used"`
	LLMModel       string           `json:"llm_model,omitempty"`
	LatencyMS      int64            `json:"latency_ms"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// ToolCallRecord is an append-only audit row for one external call made
// during a run.
type ToolCallRecord struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Tool      string    `json:"tool"`
	Input     string    `json:"input"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CalledAt  time.Time `json:"called_at"`
}

// ActionLedgerEntry is an append-only audit row for one emitted action.
type ActionLedgerEntry struct {
	RunID      string    `json:"run_id"`
	GoalID     string    `json:"goal_id"`
	ItemID     string    `json:"item_id"`
	Action     string    `json:"action"`
	DedupeKey  string    `json:"dedupe_key"`
	Applied    bool      `json:"applied"`
	RecordedAt time.Time `json:"recorded_at"`
}

// VerdictLabel is the boundary classifier's binary output.
type VerdictLabel string

const (
	LabelPushNow VerdictLabel = "push-now"
	LabelLater   VerdictLabel = "later"
)

// Verdict is the structured boundary classifier output.
type Verdict struct {
	Label      VerdictLabel `json:"label"`
	Confidence float64      `json:"confidence"`
	Uncertain  bool         `json:"uncertain"`
	Reason     string       `json:"reason"`
	Evidence   []Evidence   `json:"evidence,omitempty"`
}
