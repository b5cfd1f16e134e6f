package relevance

import (
	"context"
	"sync"
	"testing"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/logging"
)

type fakeGoals struct {
	goals []*models.Goal
}

func (f *fakeGoals) GetActive(ctx context.Context) ([]*models.Goal, error) {
	return f.goals, nil
}

type fakeMatches struct {
	mu   sync.Mutex
	recs []*models.MatchRecord
}

func (f *fakeMatches) Upsert(ctx context.Context, rec *models.MatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

type fakeFeedback struct {
	entries []models.Feedback
}

func (f *fakeFeedback) ListByGoal(ctx context.Context, goalID string) ([]models.Feedback, error) {
	return f.entries, nil
}

type fakeEmbeddings struct {
	vec []float32
	ok  bool
}

func (f *fakeEmbeddings) Get(ctx context.Context, goal *models.Goal) ([]float32, bool) {
	return f.vec, f.ok
}

func newTestEngine(goals *fakeGoals, matches *fakeMatches, feedback *fakeFeedback, emb *fakeEmbeddings) *Engine {
	e := NewEngine(goals, matches, feedback, emb, logging.NewLogger())
	e.SetClock(func() time.Time { return scoreNow })
	return e
}

func TestComputeMatchPersistsRecord(t *testing.T) {
	matches := &fakeMatches{}
	emb := &fakeEmbeddings{vec: []float32{1, 0, 0}, ok: true}
	engine := newTestEngine(&fakeGoals{}, matches, &fakeFeedback{}, emb)

	goal := softGoal("GPT")
	item := freshItem("GPT-5 launch announced", "src-a")
	item.Embedding = []float32{1, 0, 0}

	rec, err := engine.ComputeMatch(context.Background(), item, goal)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches.recs) != 1 {
		t.Fatalf("upserts = %d, want 1", len(matches.recs))
	}
	// identical vectors: cosine 1.0 remaps to semantic 1.0
	approx(t, rec.Features.Semantic, 1.0)
	if rec.GoalID != goal.ID || rec.ItemID != item.ID {
		t.Fatalf("record keys = %s/%s", rec.GoalID, rec.ItemID)
	}
	if !rec.ComputedAt.Equal(scoreNow) {
		t.Fatalf("computed at = %v", rec.ComputedAt)
	}
}

func TestComputeMatchNeutralSemanticWhenGoalEmbeddingUnavailable(t *testing.T) {
	matches := &fakeMatches{}
	engine := newTestEngine(&fakeGoals{}, matches, &fakeFeedback{}, &fakeEmbeddings{ok: false})

	item := freshItem("GPT-5 launch announced", "src-a")
	item.Embedding = []float32{1, 0, 0}

	rec, err := engine.ComputeMatch(context.Background(), item, softGoal("GPT"))
	if err != nil {
		t.Fatal(err)
	}
	approx(t, rec.Features.Semantic, 0.5)
}

func TestComputeMatchZeroSemanticWithoutItemEmbedding(t *testing.T) {
	engine := newTestEngine(&fakeGoals{}, &fakeMatches{}, &fakeFeedback{}, &fakeEmbeddings{vec: []float32{1}, ok: true})

	rec, err := engine.ComputeMatch(context.Background(), freshItem("GPT-5 launch announced", "src-a"), softGoal("GPT"))
	if err != nil {
		t.Fatal(err)
	}
	approx(t, rec.Features.Semantic, 0)
}

func TestComputeMatchCountsOnlyMatchingSourceFeedback(t *testing.T) {
	feedback := &fakeFeedback{entries: []models.Feedback{
		{GoalID: "goal-1", SourceID: "src-a", Verdict: models.FeedbackLike},
		{GoalID: "goal-1", SourceID: "src-a", Verdict: models.FeedbackLike},
		{GoalID: "goal-1", SourceID: "src-a", Verdict: models.FeedbackLike},
		{GoalID: "goal-1", SourceID: "src-a", Verdict: models.FeedbackDislike},
		{GoalID: "goal-1", SourceID: "other", Verdict: models.FeedbackDislike},
	}}
	engine := newTestEngine(&fakeGoals{}, &fakeMatches{}, feedback, &fakeEmbeddings{ok: false})

	rec, err := engine.ComputeMatch(context.Background(), freshItem("GPT-5 launch announced", "src-a"), softGoal("GPT"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Features.FeedbackCount != 4 {
		t.Fatalf("feedback count = %d, want 4", rec.Features.FeedbackCount)
	}
	approx(t, rec.Features.SourceLikeRatio, 0.75)
	approx(t, rec.Features.FeedbackBoost, 0.1)
}

func TestMatchItemToGoalsFansOut(t *testing.T) {
	goals := &fakeGoals{goals: []*models.Goal{
		softGoal("GPT"),
		{ID: "goal-2", Name: "Databases", PriorityMode: models.PrioritySoft},
		{ID: "goal-3", Name: "Security", PriorityMode: models.PriorityStrict, MustTerms: []string{"CVE"}},
	}}
	matches := &fakeMatches{}
	engine := newTestEngine(goals, matches, &fakeFeedback{}, &fakeEmbeddings{ok: false})

	recs, err := engine.MatchItemToGoals(context.Background(), freshItem("GPT-5 launch announced", "src-a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || len(matches.recs) != 3 {
		t.Fatalf("records = %d, upserts = %d, want 3", len(recs), len(matches.recs))
	}

	byGoal := map[string]*models.MatchRecord{}
	for _, rec := range recs {
		byGoal[rec.GoalID] = rec
	}
	if rec := byGoal["goal-3"]; !rec.Reasons.Blocked {
		t.Fatal("strict goal without must-term hit should be blocked")
	}
}
