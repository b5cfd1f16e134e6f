package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"infosentry/internal/models"
	"infosentry/internal/orchestrator"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
)

type fakeBudgetAdmin struct {
	snapshot *models.BudgetSnapshot
	resets   int
	disabled []models.BudgetKind
	enabled  []models.BudgetKind
}

func (f *fakeBudgetAdmin) Snapshot(ctx context.Context) (*models.BudgetSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeBudgetAdmin) Reset(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeBudgetAdmin) ForceDisable(ctx context.Context, kind models.BudgetKind) error {
	f.disabled = append(f.disabled, kind)
	return nil
}

func (f *fakeBudgetAdmin) Enable(ctx context.Context, kind models.BudgetKind) error {
	f.enabled = append(f.enabled, kind)
	return nil
}

type fakeRunReader struct {
	run *models.RunRecord
}

func (f *fakeRunReader) GetByID(ctx context.Context, runID string) (*models.RunRecord, error) {
	if f.run == nil || f.run.ID != runID {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return f.run, nil
}

type fakeReplayer struct {
	result *orchestrator.ReplayResult
	err    error
}

func (f *fakeReplayer) Replay(ctx context.Context, runID string) (*orchestrator.ReplayResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func setupRouter(budget *fakeBudgetAdmin, runs *fakeRunReader, replay *fakeReplayer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandlers(budget, runs, replay, logging.NewLogger()).Register(router)
	return router
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestGetBudget(t *testing.T) {
	budget := &fakeBudgetAdmin{snapshot: &models.BudgetSnapshot{
		Date:            "2025-06-01",
		EmbeddingTokens: 1500,
		JudgeDisabled:   true,
	}}
	router := setupRouter(budget, &fakeRunReader{}, &fakeReplayer{})

	w := doRequest(router, http.MethodGet, "/admin/budget")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap models.BudgetSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Date != "2025-06-01" || snap.EmbeddingTokens != 1500 || !snap.JudgeDisabled {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestResetBudget(t *testing.T) {
	budget := &fakeBudgetAdmin{}
	router := setupRouter(budget, &fakeRunReader{}, &fakeReplayer{})

	w := doRequest(router, http.MethodPost, "/admin/budget/reset")
	if w.Code != http.StatusOK || budget.resets != 1 {
		t.Fatalf("status = %d, resets = %d", w.Code, budget.resets)
	}
}

func TestDisableEnableBudgetKind(t *testing.T) {
	budget := &fakeBudgetAdmin{}
	router := setupRouter(budget, &fakeRunReader{}, &fakeReplayer{})

	w := doRequest(router, http.MethodPost, "/admin/budget/judge/disable")
	if w.Code != http.StatusOK {
		t.Fatalf("disable status = %d", w.Code)
	}
	if len(budget.disabled) != 1 || budget.disabled[0] != models.BudgetJudge {
		t.Fatalf("disabled = %v", budget.disabled)
	}

	w = doRequest(router, http.MethodPost, "/admin/budget/embedding/enable")
	if w.Code != http.StatusOK {
		t.Fatalf("enable status = %d", w.Code)
	}
	if len(budget.enabled) != 1 || budget.enabled[0] != models.BudgetEmbedding {
		t.Fatalf("enabled = %v", budget.enabled)
	}
}

func TestInvalidBudgetKindRejected(t *testing.T) {
	budget := &fakeBudgetAdmin{}
	router := setupRouter(budget, &fakeRunReader{}, &fakeReplayer{})

	w := doRequest(router, http.MethodPost, "/admin/budget/bogus/disable")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if len(budget.disabled) != 0 {
		t.Fatal("invalid kind must not reach the governor")
	}
}

func TestGetRun(t *testing.T) {
	runs := &fakeRunReader{run: &models.RunRecord{
		ID:      "run-1",
		GoalID:  "goal-1",
		Status:  models.RunSuccess,
		Trigger: models.TriggerMatchComputed,
	}}
	router := setupRouter(&fakeBudgetAdmin{}, runs, &fakeReplayer{})

	w := doRequest(router, http.MethodGet, "/admin/runs/run-1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = doRequest(router, http.MethodGet, "/admin/runs/missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d", w.Code)
	}
}

func TestReplayRun(t *testing.T) {
	replay := &fakeReplayer{result: &orchestrator.ReplayResult{
		RunID: "run-1",
		OriginalActions: []models.ActionProposal{
			{Decision: models.DecisionImmediate},
		},
		ReplayedActions: []models.ActionProposal{
			{Decision: models.DecisionImmediate},
		},
	}}
	router := setupRouter(&fakeBudgetAdmin{}, &fakeRunReader{}, replay)

	w := doRequest(router, http.MethodPost, "/admin/runs/run-1/replay")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		RunID string `json:"run_id"`
		Clean bool   `json:"clean"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RunID != "run-1" || !body.Clean {
		t.Fatalf("body = %+v", body)
	}
}

func TestReplayMissingRun(t *testing.T) {
	replay := &fakeReplayer{err: fmt.Errorf("run missing: %w", store.ErrNotFound)}
	router := setupRouter(&fakeBudgetAdmin{}, &fakeRunReader{}, replay)

	w := doRequest(router, http.MethodPost, "/admin/runs/missing/replay")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
