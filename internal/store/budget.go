package store

import (
	"context"
	"fmt"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// BudgetStore mirrors the KV-held daily budget counters into Postgres
// for audit. The KV store remains the source of truth within a day.
type BudgetStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

// UpsertDaily writes the audit mirror for one UTC day.
func (s *BudgetStore) UpsertDaily(ctx context.Context, snap *models.BudgetSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_daily (day, embedding_tokens, judge_tokens, estimated_cost, embedding_disabled, judge_disabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (day)
		DO UPDATE SET embedding_tokens = EXCLUDED.embedding_tokens,
		              judge_tokens = EXCLUDED.judge_tokens,
		              estimated_cost = EXCLUDED.estimated_cost,
		              embedding_disabled = EXCLUDED.embedding_disabled,
		              judge_disabled = EXCLUDED.judge_disabled,
		              updated_at = EXCLUDED.updated_at`,
		snap.Date, snap.EmbeddingTokens, snap.JudgeTokens, snap.EstimatedCostUSD,
		snap.EmbeddingDisabled, snap.JudgeDisabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert budget daily: %w", err)
	}
	return nil
}
