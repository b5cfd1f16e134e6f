package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"infosentry/internal/models"
	"infosentry/pkg/logging"
)

func newRunStore(t *testing.T) (*RunStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &RunStore{db: db, logger: logging.NewLogger()}, mock
}

func TestRunCreateAndFinish(t *testing.T) {
	store, mock := newRunStore(t)

	now := time.Now().UTC()
	run := &models.RunRecord{
		ID:        "r1",
		GoalID:    "g1",
		ItemID:    "i1",
		Trigger:   models.TriggerMatchComputed,
		Status:    models.RunRunning,
		Input:     models.RunInput{GoalID: "g1", ItemID: "i1", Score: 0.9},
		StartedAt: now,
	}

	mock.ExpectExec(`INSERT INTO agent_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("Create: %v", err)
	}

	finished := now.Add(120 * time.Millisecond)
	run.Status = models.RunSuccess
	run.Output = &models.RunOutput{Bucket: models.DecisionBatch}
	run.LatencyMS = 120
	run.FinishedAt = &finished

	mock.ExpectExec(`UPDATE agent_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Finish(context.Background(), run); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunFinish_AlreadyTerminal(t *testing.T) {
	store, mock := newRunStore(t)

	finished := time.Now().UTC()
	run := &models.RunRecord{ID: "r1", Status: models.RunSuccess, FinishedAt: &finished}

	mock.ExpectExec(`UPDATE agent_runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Finish(context.Background(), run)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunGetByID(t *testing.T) {
	store, mock := newRunStore(t)

	started := time.Now().UTC()
	finished := started.Add(time.Second)
	rows := sqlmock.NewRows([]string{
		"id", "goal_id", "item_id", "trigger", "status",
		"input_snapshot", "output_snapshot", "actions", "budget_snapshot",
		"llm_used", "llm_model", "latency_ms", "error_message", "started_at", "finished_at",
	}).AddRow("r1", "g1", "i1", "match_computed", "SUCCESS",
		[]byte(`{"goal_id":"g1","item_id":"i1","score":0.95}`),
		[]byte(`{"bucket":"IMMEDIATE"}`),
		[]byte(`[{"goal_id":"g1","item_id":"i1","decision":"IMMEDIATE","dedupe_key":"k","created":true}]`),
		[]byte(`{"date":"2026-08-30"}`),
		true, "gpt-4o-mini", 840, "", started, finished)

	mock.ExpectQuery(`SELECT id, COALESCE\(goal_id::text, ''\)`).
		WithArgs("r1").
		WillReturnRows(rows)

	run, err := store.GetByID(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.Input.Score != 0.95 {
		t.Errorf("Input.Score = %v", run.Input.Score)
	}
	if run.Output == nil || run.Output.Bucket != models.DecisionImmediate {
		t.Errorf("Output = %+v", run.Output)
	}
	if len(run.Actions) != 1 || !run.Actions[0].Created {
		t.Errorf("Actions = %+v", run.Actions)
	}
	if run.BudgetSnapshot == nil || run.BudgetSnapshot.Date != "2026-08-30" {
		t.Errorf("BudgetSnapshot = %+v", run.BudgetSnapshot)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
