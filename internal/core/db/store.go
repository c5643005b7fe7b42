package db

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/solatis/routekeeper/internal/types"
)

// ruleRow is one row of the rules table. Conditions and actions are stored
// as JSON documents so a rule round-trips without a join.
type ruleRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	Phase      string `db:"phase"`
	Position   int    `db:"position"`
	Conditions string `db:"conditions"`
	Actions    string `db:"actions"`
}

// RuleStore reads and replaces the stored rule set.
type RuleStore struct {
	db      *sqlx.DB
	queries *Queries
}

// NewRuleStore binds the named rule queries to db. The schema must already
// be migrated.
func NewRuleStore(db *sqlx.DB) (*RuleStore, error) {
	q, err := LoadQueries()
	if err != nil {
		return nil, err
	}
	return &RuleStore{db: db, queries: q}, nil
}

// Load returns the stored rules in evaluation order.
func (s *RuleStore) Load(ctx context.Context) ([]types.RuleSpec, error) {
	var rows []ruleRow
	if err := s.queries.Select(ctx, s.db, "list-rules", &rows); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	specs := make([]types.RuleSpec, 0, len(rows))
	for _, row := range rows {
		spec, err := row.spec()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", row.ID, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Count returns the number of stored rules.
func (s *RuleStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.queries.Get(ctx, s.db, "count-rules", &n); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}

// Replace atomically swaps the stored rule set for specs, preserving their
// order. Rules without an ID are assigned one; the returned slice carries
// the IDs as stored.
func (s *RuleStore) Replace(ctx context.Context, specs []types.RuleSpec) ([]types.RuleSpec, error) {
	stored := make([]types.RuleSpec, len(specs))
	copy(stored, specs)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.queries.Exec(ctx, tx, "delete-all-rules"); err != nil {
		return nil, fmt.Errorf("failed to clear rules: %w", err)
	}

	for i := range stored {
		if stored[i].ID == "" {
			stored[i].ID = types.NewRuleID()
		}
		row, err := newRuleRow(i, stored[i])
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, stored[i].Label(), err)
		}
		if _, err := s.queries.Exec(ctx, tx, "insert-rule",
			row.ID, row.Name, row.Phase, row.Position, row.Conditions, row.Actions); err != nil {
			return nil, fmt.Errorf("rule %d (%s): failed to insert: %w", i, stored[i].Label(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rules: %w", err)
	}
	return stored, nil
}

func newRuleRow(position int, spec types.RuleSpec) (ruleRow, error) {
	conds, err := json.Marshal(orEmpty(spec.Conditions))
	if err != nil {
		return ruleRow{}, fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions, err := json.Marshal(orEmpty(spec.Actions))
	if err != nil {
		return ruleRow{}, fmt.Errorf("failed to encode actions: %w", err)
	}
	return ruleRow{
		ID:         string(spec.ID),
		Name:       spec.Name,
		Phase:      spec.Phase,
		Position:   position,
		Conditions: string(conds),
		Actions:    string(actions),
	}, nil
}

func (r ruleRow) spec() (types.RuleSpec, error) {
	spec := types.RuleSpec{
		ID:    types.RuleID(r.ID),
		Name:  r.Name,
		Phase: r.Phase,
	}
	if err := json.Unmarshal([]byte(r.Conditions), &spec.Conditions); err != nil {
		return types.RuleSpec{}, fmt.Errorf("invalid conditions column: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Actions), &spec.Actions); err != nil {
		return types.RuleSpec{}, fmt.Errorf("invalid actions column: %w", err)
	}
	if len(spec.Conditions) == 0 {
		spec.Conditions = nil
	}
	if len(spec.Actions) == 0 {
		spec.Actions = nil
	}
	return spec, nil
}

// orEmpty keeps NOT NULL JSON columns as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
