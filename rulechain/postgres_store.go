package rulechain

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRuleStore implements CatalogStore backed by PostgreSQL.
//
// Reads go through the store's own *sql.DB pool, never through a
// request's transaction, so resolution cannot block on (or be blocked
// by) the primary write's locks.
type PostgresRuleStore struct {
	db *sql.DB
}

var _ CatalogStore = (*PostgresRuleStore)(nil)

// NewPostgresRuleStore creates a PostgreSQL-backed rule store.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// flagColumn maps an operation onto its catalog column. The switch is
// the whole point: operation names never reach SQL text directly.
func flagColumn(op Operation) (string, error) {
	switch op {
	case OpInsert:
		return "on_insert", nil
	case OpUpdate:
		return "on_update", nil
	case OpQuery:
		return "on_query", nil
	case OpDelete:
		return "on_delete", nil
	}
	return "", fmt.Errorf("unknown operation %q", op)
}

const ruleColumns = `id, table_name, rule_name, condition, script,
		on_insert, on_update, on_query, on_delete,
		priority, run_after, active, created_at, updated_at`

// ListActive returns active rules for (tableName, op) in execution
// order. The ORDER BY clause is the documented total order, not an
// accident of storage.
func (s *PostgresRuleStore) ListActive(ctx context.Context, tableName string, op Operation) ([]*Rule, error) {
	col, err := flagColumn(op)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM script_rules
		WHERE table_name = $1 AND active = true AND `+col+` = true
		ORDER BY priority ASC, created_at ASC, rule_name ASC
	`, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// Add inserts a new rule into the catalog.
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.TableName, rule.RuleName, nullString(rule.Condition), rule.Script,
		rule.Flags.OnInsert, rule.Flags.OnUpdate, rule.Flags.OnQuery, rule.Flags.OnDelete,
		rule.Priority, pq.Array(rule.RunAfter), rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID.
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM script_rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule for a table, or the whole catalog when
// tableName is empty, in execution order.
func (s *PostgresRuleStore) List(ctx context.Context, tableName string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM script_rules
		WHERE $1 = '' OR table_name = $1
		ORDER BY priority ASC, created_at ASC, rule_name ASC
	`, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// Update modifies an existing rule.
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE script_rules
		SET table_name = $2, rule_name = $3, condition = $4, script = $5,
			on_insert = $6, on_update = $7, on_query = $8, on_delete = $9,
			priority = $10, run_after = $11, active = $12, updated_at = $13
		WHERE id = $1
	`, rule.ID, rule.TableName, rule.RuleName, nullString(rule.Condition), rule.Script,
		rule.Flags.OnInsert, rule.Flags.OnUpdate, rule.Flags.OnQuery, rule.Flags.OnDelete,
		rule.Priority, pq.Array(rule.RunAfter), rule.Active, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}
	return nil
}

// Delete removes a rule from the catalog.
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM script_rules WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*Rule, error) {
	var (
		rule      Rule
		condition sql.NullString
		runAfter  pq.StringArray
	)
	err := row.Scan(
		&rule.ID, &rule.TableName, &rule.RuleName, &condition, &rule.Script,
		&rule.Flags.OnInsert, &rule.Flags.OnUpdate, &rule.Flags.OnQuery, &rule.Flags.OnDelete,
		&rule.Priority, &runAfter, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if condition.Valid {
		rule.Condition = condition.String
	}
	rule.RunAfter = []string(runAfter)
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]*Rule, error) {
	var rulesList []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
