package relevance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"infosentry/internal/models"
	"infosentry/pkg/logging"
)

const fanOutConcurrency = 4

type goalSource interface {
	GetActive(ctx context.Context) ([]*models.Goal, error)
}

type matchSink interface {
	Upsert(ctx context.Context, rec *models.MatchRecord) error
}

type feedbackSource interface {
	ListByGoal(ctx context.Context, goalID string) ([]models.Feedback, error)
}

type embeddingSource interface {
	Get(ctx context.Context, goal *models.Goal) ([]float32, bool)
}

// Engine computes and persists match records.
type Engine struct {
	goals      goalSource
	matches    matchSink
	feedback   feedbackSource
	embeddings embeddingSource
	logger     logging.Logger
	now        func() time.Time
}

func NewEngine(goals goalSource, matches matchSink, feedback feedbackSource, embeddings embeddingSource, logger logging.Logger) *Engine {
	return &Engine{
		goals:      goals,
		matches:    matches,
		feedback:   feedback,
		embeddings: embeddings,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ComputeMatch scores item against goal and upserts the match record.
func (e *Engine) ComputeMatch(ctx context.Context, item *models.Item, goal *models.Goal) (*models.MatchRecord, error) {
	history, err := e.sourceHistory(ctx, goal.ID, item.SourceID)
	if err != nil {
		return nil, err
	}

	semantic := e.semanticScore(ctx, item, goal)
	result := Score(item, goal, history, semantic, e.now().UTC())

	rec := &models.MatchRecord{
		GoalID:     goal.ID,
		ItemID:     item.ID,
		Score:      result.Score,
		Features:   result.Features,
		Reasons:    result.Reasons,
		ComputedAt: e.now().UTC(),
	}
	if err := e.matches.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MatchItemToGoals scores item against every active goal.
func (e *Engine) MatchItemToGoals(ctx context.Context, item *models.Item) ([]*models.MatchRecord, error) {
	goals, err := e.goals.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active goals: %w", err)
	}

	var (
		mu      sync.Mutex
		records []*models.MatchRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)
	for _, goal := range goals {
		goal := goal
		g.Go(func() error {
			rec, err := e.ComputeMatch(gctx, item, goal)
			if err != nil {
				return fmt.Errorf("match item %s to goal %s: %w", item.ID, goal.ID, err)
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// semanticScore computes the semantic subscore. Items without an
// embedding score 0; an unavailable goal embedding yields the neutral
// 0.5 so the other signals still decide.
func (e *Engine) semanticScore(ctx context.Context, item *models.Item, goal *models.Goal) float64 {
	if len(item.Embedding) == 0 {
		return 0
	}
	goalVec, ok := e.embeddings.Get(ctx, goal)
	if !ok {
		e.logger.WithFields(logging.Fields{
			"goal_id": goal.ID,
			"item_id": item.ID,
		}).Debug("Goal embedding unavailable, using neutral semantic score")
		return 0.5
	}
	return RemapCosine(CosineSimilarity(item.Embedding, goalVec))
}

// sourceHistory aggregates the goal's feedback entries for one source.
func (e *Engine) sourceHistory(ctx context.Context, goalID, sourceID string) (FeedbackHistory, error) {
	entries, err := e.feedback.ListByGoal(ctx, goalID)
	if err != nil {
		return FeedbackHistory{}, fmt.Errorf("load feedback for goal %s: %w", goalID, err)
	}
	var history FeedbackHistory
	for _, fb := range entries {
		if fb.SourceID != sourceID {
			continue
		}
		switch fb.Verdict {
		case models.FeedbackLike:
			history.Likes++
		case models.FeedbackDislike:
			history.Dislikes++
		}
	}
	return history, nil
}
