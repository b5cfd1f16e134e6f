package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// DecisionStore persists push decisions. Creation is idempotent on the
// dedupe key; status updates are monotone.
type DecisionStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

// CreateIfAbsent inserts the decision unless a row with the same dedupe
// key already exists. Returns true when a new row was written. An
// existing row is success, not a conflict.
func (s *DecisionStore) CreateIfAbsent(ctx context.Context, dec *models.PushDecision) (bool, error) {
	reason, err := marshalJSON(dec.Reason)
	if err != nil {
		return false, fmt.Errorf("encode reason: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO push_decisions (id, goal_id, item_id, decision, status, channel, reason, dedupe_key, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		dec.ID, dec.GoalID, dec.ItemID, dec.Decision, dec.Status, dec.Channel,
		reason, dec.DedupeKey, dec.DecidedAt)
	if err != nil {
		return false, fmt.Errorf("insert push decision: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert push decision: rows affected: %w", err)
	}
	return affected == 1, nil
}

// ExistsByDedupeKey probes for an existing decision row.
func (s *DecisionStore) ExistsByDedupeKey(ctx context.Context, dedupeKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM push_decisions WHERE dedupe_key = $1)`, dedupeKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe dedupe key: %w", err)
	}
	return exists, nil
}

// HasDecisionForItem reports whether any of the given decision kinds
// already exist for (goal, item).
func (s *DecisionStore) HasDecisionForItem(ctx context.Context, goalID, itemID string, kinds ...models.DecisionKind) (bool, error) {
	if len(kinds) == 0 {
		return false, nil
	}
	args := []interface{}{goalID, itemID}
	placeholders := ""
	for i, kind := range kinds {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+3)
		args = append(args, kind)
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM push_decisions WHERE goal_id = $1 AND item_id = $2 AND decision IN (`+placeholders+`))`,
		args...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe decision for item: %w", err)
	}
	return exists, nil
}

// GetByDedupeKey loads a decision by its dedupe key.
func (s *DecisionStore) GetByDedupeKey(ctx context.Context, dedupeKey string) (*models.PushDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal_id, item_id, decision, status, channel, reason, dedupe_key, decided_at, sent_at
		FROM push_decisions WHERE dedupe_key = $1`, dedupeKey)
	return scanDecision(row)
}

// ListPending returns PENDING decisions of one kind for a goal, oldest
// first.
func (s *DecisionStore) ListPending(ctx context.Context, goalID string, kind models.DecisionKind, limit int) ([]*models.PushDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_id, item_id, decision, status, channel, reason, dedupe_key, decided_at, sent_at
		FROM push_decisions
		WHERE goal_id = $1 AND decision = $2 AND status = 'PENDING'
		ORDER BY decided_at
		LIMIT $3`, goalID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	defer rows.Close()

	var out []*models.PushDecision
	for rows.Next() {
		dec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, rows.Err()
}

// UpdateStatus advances a decision's delivery status. Backward
// transitions are rejected both here and by the guarded UPDATE.
func (s *DecisionStore) UpdateStatus(ctx context.Context, id string, from, to models.PushStatus, sentAt *time.Time) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("push status cannot move %s -> %s", from, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE push_decisions SET status = $1, sent_at = COALESCE($2, sent_at)
		WHERE id = $3 AND status = $4`, to, sentAt, id, from)
	if err != nil {
		return fmt.Errorf("update push status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update push status: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("push decision %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDecision(row rowScanner) (*models.PushDecision, error) {
	var (
		dec    models.PushDecision
		reason []byte
		sentAt sql.NullTime
	)
	err := row.Scan(&dec.ID, &dec.GoalID, &dec.ItemID, &dec.Decision, &dec.Status,
		&dec.Channel, &reason, &dec.DedupeKey, &dec.DecidedAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("push decision: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan push decision: %w", err)
	}
	if sentAt.Valid {
		dec.SentAt = &sentAt.Time
	}
	if err := unmarshalJSON(reason, &dec.Reason); err != nil {
		return nil, fmt.Errorf("decode decision reason: %w", err)
	}
	return &dec, nil
}
