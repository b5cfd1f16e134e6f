package store

import (
	"context"
	"database/sql"
	"fmt"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// GoalStore reads goal definitions. Goals are owned by the
// goal-management collaborator; this core never writes them.
type GoalStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

const goalColumns = `id, user_id, name, description, priority_mode, status, created_at, updated_at`

// GetByID loads one goal with its terms and blocked sources.
func (s *GoalStore) GetByID(ctx context.Context, goalID string) (*models.Goal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE id = $1`, goalID)

	goal, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("goal %s: %w", goalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}

	if err := s.loadTerms(ctx, goal); err != nil {
		return nil, err
	}
	if err := s.loadBlockedSources(ctx, goal); err != nil {
		return nil, err
	}
	return goal, nil
}

// GetActive loads all active goals with terms and blocked sources.
func (s *GoalStore) GetActive(ctx context.Context) ([]*models.Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active goals: %w", err)
	}
	defer rows.Close()

	var goals []*models.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}

	for _, goal := range goals {
		if err := s.loadTerms(ctx, goal); err != nil {
			return nil, err
		}
		if err := s.loadBlockedSources(ctx, goal); err != nil {
			return nil, err
		}
	}
	return goals, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGoal(row rowScanner) (*models.Goal, error) {
	var goal models.Goal
	err := row.Scan(&goal.ID, &goal.UserID, &goal.Name, &goal.Description,
		&goal.PriorityMode, &goal.Status, &goal.CreatedAt, &goal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &goal, nil
}

func (s *GoalStore) loadTerms(ctx context.Context, goal *models.Goal) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT term, negative FROM goal_terms WHERE goal_id = $1 ORDER BY id`, goal.ID)
	if err != nil {
		return fmt.Errorf("load goal terms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			term     string
			negative bool
		)
		if err := rows.Scan(&term, &negative); err != nil {
			return fmt.Errorf("scan goal term: %w", err)
		}
		if negative {
			goal.NegativeTerms = append(goal.NegativeTerms, term)
		} else {
			goal.MustTerms = append(goal.MustTerms, term)
		}
	}
	return rows.Err()
}

func (s *GoalStore) loadBlockedSources(ctx context.Context, goal *models.Goal) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM blocked_sources WHERE goal_id = $1`, goal.ID)
	if err != nil {
		return fmt.Errorf("load blocked sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID string
		if err := rows.Scan(&sourceID); err != nil {
			return fmt.Errorf("scan blocked source: %w", err)
		}
		goal.BlockedSources = append(goal.BlockedSources, sourceID)
	}
	return rows.Err()
}
