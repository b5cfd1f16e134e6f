package store

import (
	"context"
	"database/sql"
	"fmt"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// RunStore persists agent runs and their append-only audit rows.
type RunStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

// Create writes a RUNNING run record with its input snapshot.
func (s *RunStore) Create(ctx context.Context, run *models.RunRecord) error {
	input, err := marshalJSON(run.Input)
	if err != nil {
		return fmt.Errorf("encode run input: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, goal_id, item_id, trigger, status, input_snapshot, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, nullable(run.GoalID), nullable(run.ItemID), run.Trigger, run.Status, input, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish applies the single terminal update to a run.
func (s *RunStore) Finish(ctx context.Context, run *models.RunRecord) error {
	output, err := marshalJSON(run.Output)
	if err != nil {
		return fmt.Errorf("encode run output: %w", err)
	}
	actions, err := marshalJSON(run.Actions)
	if err != nil {
		return fmt.Errorf("encode run actions: %w", err)
	}
	budget, err := marshalJSON(run.BudgetSnapshot)
	if err != nil {
		return fmt.Errorf("encode budget snapshot: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $1, output_snapshot = $2, actions = $3, budget_snapshot = $4,
		    llm_used = $5, llm_model = $6, latency_ms = $7, error_message = $8, finished_at = $9
		WHERE id = $10 AND status = 'RUNNING'`,
		run.Status, output, actions, budget, run.LLMUsed, run.LLMModel,
		run.LatencyMS, run.ErrorMessage, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s not in RUNNING state: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetByID loads one run with its snapshots and actions.
func (s *RunStore) GetByID(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(goal_id::text, ''), COALESCE(item_id::text, ''), trigger, status,
		       input_snapshot, output_snapshot, actions, budget_snapshot,
		       llm_used, llm_model, latency_ms, error_message, started_at, finished_at
		FROM agent_runs WHERE id = $1`, runID)

	var (
		run        models.RunRecord
		input      []byte
		output     []byte
		actions    []byte
		budget     []byte
		finishedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.GoalID, &run.ItemID, &run.Trigger, &run.Status,
		&input, &output, &actions, &budget,
		&run.LLMUsed, &run.LLMModel, &run.LatencyMS, &run.ErrorMessage,
		&run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if err := unmarshalJSON(input, &run.Input); err != nil {
		return nil, fmt.Errorf("decode run input: %w", err)
	}
	if len(output) > 0 && string(output) != "null" {
		run.Output = &models.RunOutput{}
		if err := unmarshalJSON(output, run.Output); err != nil {
			return nil, fmt.Errorf("decode run output: %w", err)
		}
	}
	if err := unmarshalJSON(actions, &run.Actions); err != nil {
		return nil, fmt.Errorf("decode run actions: %w", err)
	}
	if len(budget) > 0 && string(budget) != "null" {
		run.BudgetSnapshot = &models.BudgetSnapshot{}
		if err := unmarshalJSON(budget, run.BudgetSnapshot); err != nil {
			return nil, fmt.Errorf("decode budget snapshot: %w", err)
		}
	}
	return &run, nil
}

// AppendToolCall writes one immutable tool-call audit row.
func (s *RunStore) AppendToolCall(ctx context.Context, call *models.ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tool_calls (run_id, seq, tool, input, output, error, latency_ms, called_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		call.RunID, call.Seq, call.Tool, call.Input, call.Output, call.Error,
		call.LatencyMS, call.CalledAt)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// AppendLedger writes one immutable action-ledger audit row.
func (s *RunStore) AppendLedger(ctx context.Context, entry *models.ActionLedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_action_ledger (run_id, goal_id, item_id, action, dedupe_key, applied, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.RunID, entry.GoalID, entry.ItemID, entry.Action, entry.DedupeKey,
		entry.Applied, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
