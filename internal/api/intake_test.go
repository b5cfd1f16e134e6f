package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"infosentry/internal/config"
	"infosentry/internal/models"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
)

type fakeItemGetter struct {
	item *models.Item
}

func (f *fakeItemGetter) GetByID(ctx context.Context, itemID string) (*models.Item, error) {
	if f.item == nil || f.item.ID != itemID {
		return nil, fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
	}
	return f.item, nil
}

type fakeMatcher struct {
	records []*models.MatchRecord
	err     error
}

func (f *fakeMatcher) MatchItemToGoals(ctx context.Context, item *models.Item) ([]*models.MatchRecord, error) {
	return f.records, f.err
}

type fakeImmediateRunner struct {
	ran []string
}

func (f *fakeImmediateRunner) RunImmediate(ctx context.Context, match *models.MatchRecord) (*models.RunRecord, error) {
	f.ran = append(f.ran, match.GoalID)
	return &models.RunRecord{ID: "run-" + match.GoalID}, nil
}

func setupIntakeRouter(items *fakeItemGetter, engine *fakeMatcher, runner *fakeImmediateRunner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	thresholds := config.Thresholds{Immediate: 0.93, Boundary: 0.88, Batch: 0.75}
	NewIntakeHandlers(items, engine, runner, thresholds, logging.NewLogger()).Register(router)
	return router
}

func TestMatchItemRunsPipelinePerQualifyingMatch(t *testing.T) {
	items := &fakeItemGetter{item: &models.Item{ID: "item-1"}}
	engine := &fakeMatcher{records: []*models.MatchRecord{
		{GoalID: "goal-hot", ItemID: "item-1", Score: 0.94},
		{GoalID: "goal-cold", ItemID: "item-1", Score: 0.40},
		{GoalID: "goal-blocked", ItemID: "item-1", Score: 0.91,
			Reasons: models.Reasons{Blocked: true, BlockReason: "source_blocked"}},
	}}
	runner := &fakeImmediateRunner{}
	router := setupIntakeRouter(items, engine, runner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/items/item-1/match", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp matchItemResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Matches != 3 {
		t.Fatalf("matches = %d", resp.Matches)
	}
	if len(runner.ran) != 1 || runner.ran[0] != "goal-hot" {
		t.Fatalf("ran = %v", runner.ran)
	}
	if len(resp.Runs) != 1 || resp.Runs[0] != "run-goal-hot" {
		t.Fatalf("runs = %v", resp.Runs)
	}
}

func TestMatchItemBatchFloorInclusive(t *testing.T) {
	items := &fakeItemGetter{item: &models.Item{ID: "item-1"}}
	engine := &fakeMatcher{records: []*models.MatchRecord{
		{GoalID: "goal-edge", ItemID: "item-1", Score: 0.75},
	}}
	runner := &fakeImmediateRunner{}
	router := setupIntakeRouter(items, engine, runner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/items/item-1/match", nil))
	if w.Code != http.StatusOK || len(runner.ran) != 1 {
		t.Fatalf("status = %d, ran = %v", w.Code, runner.ran)
	}
}

func TestMatchItemUnknownItem(t *testing.T) {
	router := setupIntakeRouter(&fakeItemGetter{}, &fakeMatcher{}, &fakeImmediateRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/items/missing/match", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestMatchItemEngineError(t *testing.T) {
	items := &fakeItemGetter{item: &models.Item{ID: "item-1"}}
	engine := &fakeMatcher{err: fmt.Errorf("goal store unavailable")}
	router := setupIntakeRouter(items, engine, &fakeImmediateRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/items/item-1/match", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}
