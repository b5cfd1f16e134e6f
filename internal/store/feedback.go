package store

import (
	"context"
	"fmt"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// FeedbackStore reads like/dislike history for a goal.
type FeedbackStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

// ListByGoal returns the goal's feedback entries with the source of each
// item, newest first.
func (s *FeedbackStore) ListByGoal(ctx context.Context, goalID string) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.goal_id, f.item_id, i.source_id, f.verdict, f.created_at
		FROM item_feedback f
		JOIN items i ON i.id = f.item_id
		WHERE f.goal_id = $1
		ORDER BY f.created_at DESC`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var fb models.Feedback
		if err := rows.Scan(&fb.GoalID, &fb.ItemID, &fb.SourceID, &fb.Verdict, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
