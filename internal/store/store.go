// Package store implements the relational persistence layer on Postgres.
package store

import (
	"encoding/json"
	"errors"

	"infosentry/pkg/database"
	"infosentry/pkg/logging"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Stores bundles every store over one shared connection.
type Stores struct {
	Goals     *GoalStore
	Items     *ItemStore
	Matches   *MatchStore
	Decisions *DecisionStore
	Runs      *RunStore
	Feedback  *FeedbackStore
	Budget    *BudgetStore
}

// New builds the store bundle.
func New(db database.PostgresConn, logger logging.Logger) *Stores {
	return &Stores{
		Goals:     &GoalStore{db: db, logger: logger},
		Items:     &ItemStore{db: db, logger: logger},
		Matches:   &MatchStore{db: db, logger: logger},
		Decisions: &DecisionStore{db: db, logger: logger},
		Runs:      &RunStore{db: db, logger: logger},
		Feedback:  &FeedbackStore{db: db, logger: logger},
		Budget:    &BudgetStore{db: db, logger: logger},
	}
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
