package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// ItemStore reads ingested content items. Read-only to this core.
type ItemStore struct {
	db     database.PostgresConn
	logger logging.Logger
}

const itemColumns = `id, source_id, title, url, snippet, summary, embedding, published_at, ingested_at`

// GetByID loads one item.
func (s *ItemStore) GetByID(ctx context.Context, itemID string) (*models.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ScoredItem pairs an item with its persisted match score for a goal.
type ScoredItem struct {
	Item  models.Item
	Score float64
}

// ListRecentAboveScore returns items matched to the goal at or above
// minScore since the given time, best-scored first.
func (s *ItemStore) ListRecentAboveScore(ctx context.Context, goalID string, since time.Time, minScore float64, limit int) ([]ScoredItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.source_id, i.title, i.url, i.snippet, i.summary, i.embedding, i.published_at, i.ingested_at, m.score
		FROM match_records m
		JOIN items i ON i.id = m.item_id
		WHERE m.goal_id = $1 AND m.computed_at >= $2 AND m.score >= $3
		ORDER BY m.score DESC
		LIMIT $4`, goalID, since, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent above score: %w", err)
	}
	defer rows.Close()

	var out []ScoredItem
	for rows.Next() {
		var (
			item      models.Item
			embedding []byte
			published sql.NullTime
			score     float64
		)
		err := rows.Scan(&item.ID, &item.SourceID, &item.Title, &item.URL,
			&item.Snippet, &item.Summary, &embedding, &published, &item.IngestedAt, &score)
		if err != nil {
			return nil, fmt.Errorf("scan scored item: %w", err)
		}
		if published.Valid {
			item.PublishedAt = &published.Time
		}
		if len(embedding) > 0 {
			if err := json.Unmarshal(embedding, &item.Embedding); err != nil {
				return nil, fmt.Errorf("decode item embedding: %w", err)
			}
		}
		out = append(out, ScoredItem{Item: item, Score: score})
	}
	return out, rows.Err()
}

func scanItem(row rowScanner) (*models.Item, error) {
	var (
		item      models.Item
		embedding []byte
		published sql.NullTime
	)
	err := row.Scan(&item.ID, &item.SourceID, &item.Title, &item.URL,
		&item.Snippet, &item.Summary, &embedding, &published, &item.IngestedAt)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		item.PublishedAt = &published.Time
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &item.Embedding); err != nil {
			return nil, fmt.Errorf("decode item embedding: %w", err)
		}
	}
	return &item, nil
}
