package store

import (
	"context"
	"database/sql"
	"fmt"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// MatchStore persists Relevance Engine output. One row per
// (goal, item) pair, upserted on recompute.
type MatchStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

// Upsert writes or refreshes the match record for (goal, item).
func (s *MatchStore) Upsert(ctx context.Context, rec *models.MatchRecord) error {
	features, err := marshalJSON(rec.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	reasons, err := marshalJSON(rec.Reasons)
	if err != nil {
		return fmt.Errorf("encode reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO match_records (goal_id, item_id, score, features, reasons, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (goal_id, item_id)
		DO UPDATE SET score = EXCLUDED.score, features = EXCLUDED.features,
		              reasons = EXCLUDED.reasons, computed_at = EXCLUDED.computed_at`,
		rec.GoalID, rec.ItemID, rec.Score, features, reasons, rec.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert match record: %w", err)
	}
	return nil
}

// GetByGoalItem loads the match record for one (goal, item) pair.
func (s *MatchStore) GetByGoalItem(ctx context.Context, goalID, itemID string) (*models.MatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal_id, item_id, score, features, reasons, computed_at
		FROM match_records WHERE goal_id = $1 AND item_id = $2`, goalID, itemID)

	var (
		rec      models.MatchRecord
		features []byte
		reasons  []byte
	)
	err := row.Scan(&rec.ID, &rec.GoalID, &rec.ItemID, &rec.Score, &features, &reasons, &rec.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("match %s/%s: %w", goalID, itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match record: %w", err)
	}
	if err := unmarshalJSON(features, &rec.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if err := unmarshalJSON(reasons, &rec.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	return &rec, nil
}
