package relevance

import (
	"fmt"
	"math"
	"strings"
	"time"

	"infosentry/internal/models"
)

// Fixed signal weights. The weighted sum plus the feedback boost is
// clamped to [0,1].
const (
	weightSemantic    = 0.40
	weightKeyword     = 0.30
	weightRecency     = 0.20
	weightSourceTrust = 0.10

	defaultSourceTrust = 0.8

	// Keyword partial credit: one hit scores 0.65, each further hit
	// adds 0.35 up to 1.0.
	keywordBase = 0.65
	keywordStep = 0.35

	// Feedback boost is linear in the like ratio, bounded to ±0.2.
	feedbackSlope = 0.4
	feedbackBound = 0.2

	// Recency windows.
	freshWindow  = 6 * time.Hour
	mediumWindow = 48 * time.Hour
	longWindow   = 7 * 24 * time.Hour
)

// Block reasons recorded on short-circuit.
const (
	BlockSourceBlocked  = "source_blocked"
	BlockNegativeTerm   = "negative_term"
	BlockStrictMustTerm = "strict_no_must_term"
)

// ScoreResult is the full Relevance Engine output for one (goal, item)
// pair.
type ScoreResult struct {
	Score    float64
	Features models.Features
	Reasons  models.Reasons
	Blocked  bool
}

// FeedbackHistory is the aggregated like/dislike history for the item's
// source within the goal.
type FeedbackHistory struct {
	Likes    int
	Dislikes int
}

func (h FeedbackHistory) total() int { return h.Likes + h.Dislikes }

func (h FeedbackHistory) likeRatio() float64 {
	if h.total() == 0 {
		return 0.5
	}
	return float64(h.Likes) / float64(h.total())
}

// Score computes the relevance of item to goal. Blocking rules are
// evaluated first, in precedence order: blocked source, then negative
// term, then STRICT mode with no must-term hit. A blocked pair scores 0.
func Score(item *models.Item, goal *models.Goal, history FeedbackHistory, semantic float64, now time.Time) ScoreResult {
	text := item.MatchText()

	features := models.Features{
		Semantic:        semantic,
		SourceTrust:     defaultSourceTrust,
		SourceLikeRatio: history.likeRatio(),
		FeedbackCount:   history.total(),
	}

	for _, blocked := range goal.BlockedSources {
		if blocked == item.SourceID {
			return blockedResult(features, BlockSourceBlocked,
				fmt.Sprintf("source %s is blocked for this goal", item.SourceID))
		}
	}

	if negHits := matchTerms(text, goal.NegativeTerms); len(negHits) > 0 {
		features.NegativeHits = negHits
		return blockedResult(features, BlockNegativeTerm,
			fmt.Sprintf("negative term %q matched", negHits[0]))
	}

	hits := matchTerms(text, goal.MustTerms)
	features.TermHits = hits
	if goal.PriorityMode == models.PriorityStrict && len(goal.MustTerms) > 0 && len(hits) == 0 {
		return blockedResult(features, BlockStrictMustTerm,
			"strict goal matched none of its must-terms")
	}

	features.Keyword = keywordScore(len(hits))
	features.Recency = recencyScore(item.FreshnessTime(), now)
	features.FeedbackBoost = feedbackBoost(history)

	score := weightSemantic*features.Semantic +
		weightKeyword*features.Keyword +
		weightRecency*features.Recency +
		weightSourceTrust*features.SourceTrust +
		features.FeedbackBoost
	score = clamp01(score)

	return ScoreResult{
		Score:    score,
		Features: features,
		Reasons:  buildReasons(features, hits),
	}
}

// CheckBlocked applies the blocking rules in precedence order without
// computing a score. Used by the pipeline gate to re-validate against
// freshly loaded goal context.
func CheckBlocked(item *models.Item, goal *models.Goal) (reason, detail string, blocked bool) {
	for _, src := range goal.BlockedSources {
		if src == item.SourceID {
			return BlockSourceBlocked, fmt.Sprintf("source %s is blocked for this goal", item.SourceID), true
		}
	}
	text := item.MatchText()
	if negHits := matchTerms(text, goal.NegativeTerms); len(negHits) > 0 {
		return BlockNegativeTerm, fmt.Sprintf("negative term %q matched", negHits[0]), true
	}
	if goal.PriorityMode == models.PriorityStrict && len(goal.MustTerms) > 0 {
		if hits := matchTerms(text, goal.MustTerms); len(hits) == 0 {
			return BlockStrictMustTerm, "strict goal matched none of its must-terms", true
		}
	}
	return "", "", false
}

// RemapCosine maps cosine similarity from [-1,1] to [0,1].
func RemapCosine(cos float64) float64 {
	return clamp01((cos + 1) / 2)
}

// CosineSimilarity computes the cosine of two vectors, 0 when either is
// empty or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func keywordScore(hits int) float64 {
	if hits == 0 {
		return 0
	}
	return math.Min(1.0, keywordBase+keywordStep*float64(hits-1))
}

func recencyScore(published, now time.Time) float64 {
	age := now.Sub(published)
	switch {
	case age <= freshWindow:
		return 1.0
	case age <= mediumWindow:
		// Linear from 1.0 at the fresh edge to 0.5 at the medium edge.
		span := float64(mediumWindow - freshWindow)
		return 1.0 - 0.5*float64(age-freshWindow)/span
	case age <= longWindow:
		// Linear from 0.5 down to zero by the long edge.
		span := float64(longWindow - mediumWindow)
		return 0.5 * (1.0 - float64(age-mediumWindow)/span)
	default:
		return 0
	}
}

func feedbackBoost(history FeedbackHistory) float64 {
	if history.total() == 0 {
		return 0
	}
	boost := (history.likeRatio() - 0.5) * feedbackSlope
	if boost > feedbackBound {
		return feedbackBound
	}
	if boost < -feedbackBound {
		return -feedbackBound
	}
	return boost
}

func blockedResult(features models.Features, reason, detail string) ScoreResult {
	return ScoreResult{
		Score:    0,
		Features: features,
		Blocked:  true,
		Reasons: models.Reasons{
			Summary:     detail,
			Blocked:     true,
			BlockReason: reason,
		},
	}
}

func buildReasons(f models.Features, hits []string) models.Reasons {
	var (
		parts    []string
		evidence []models.Evidence
	)

	for _, hit := range hits {
		evidence = append(evidence, models.Evidence{Type: models.EvidenceTermHit, Value: hit})
	}
	if len(hits) > 0 {
		parts = append(parts, fmt.Sprintf("matched terms: %s", strings.Join(hits, ", ")))
	}
	if f.Semantic >= 0.8 {
		evidence = append(evidence, models.Evidence{
			Type:  models.EvidenceSemanticMatch,
			Value: fmt.Sprintf("semantic similarity %.2f", f.Semantic),
		})
		parts = append(parts, "strong semantic match")
	}
	if f.Recency >= 1.0 {
		evidence = append(evidence, models.Evidence{Type: models.EvidenceFreshContent, Value: "published within the last few hours"})
		parts = append(parts, "fresh content")
	}
	if f.FeedbackBoost >= 0.05 {
		evidence = append(evidence, models.Evidence{
			Type:  models.EvidenceFeedbackSignal,
			Value: fmt.Sprintf("source liked %.0f%% of the time", f.SourceLikeRatio*100),
		})
		parts = append(parts, "well-liked source")
	}
	if f.FeedbackBoost <= -0.05 {
		evidence = append(evidence, models.Evidence{
			Type:  models.EvidenceSourceDisliked,
			Value: fmt.Sprintf("source disliked %.0f%% of the time", (1-f.SourceLikeRatio)*100),
		})
		parts = append(parts, "frequently disliked source")
	}

	summary := "weak relevance signals"
	if len(parts) > 0 {
		summary = strings.Join(parts, "; ")
	}
	return models.Reasons{Summary: summary, Evidence: evidence}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
