package rulechain

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Operation is the logical category of a data mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpQuery  Operation = "query"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the four recognized operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpQuery, OpDelete:
		return true
	}
	return false
}

// OperationFlags marks which operations a rule applies to.
// A rule may apply to several operations at once; a rule with
// every flag unset is inert and never resolved.
type OperationFlags struct {
	OnInsert bool `json:"onInsert"`
	OnUpdate bool `json:"onUpdate"`
	OnQuery  bool `json:"onQuery"`
	OnDelete bool `json:"onDelete"`
}

// Has reports whether the flag for op is set.
func (f OperationFlags) Has(op Operation) bool {
	switch op {
	case OpInsert:
		return f.OnInsert
	case OpUpdate:
		return f.OnUpdate
	case OpQuery:
		return f.OnQuery
	case OpDelete:
		return f.OnDelete
	}
	return false
}

// Any reports whether at least one flag is set.
func (f OperationFlags) Any() bool {
	return f.OnInsert || f.OnUpdate || f.OnQuery || f.OnDelete
}

// Rule is a persisted, conditionally-triggered unit of business logic
// bound to a resource table and one or more mutation operations.
//
// Condition is an optional CEL predicate over the bindings `current` and
// `input`; a false result skips the rule body without error. Script is a
// JSON-encoded step list interpreted by the executor (see script.go),
// never raw program text evaluated at runtime.
//
// Execution order across the rules of one (table, operation) pair is the
// total order (Priority ASC, CreatedAt ASC, RuleName ASC). RunAfter edges
// do not schedule anything at runtime; they are declared dependencies
// checked against that order when the catalog is validated.
type Rule struct {
	ID        string
	TableName string
	RuleName  string
	Condition string
	Script    string
	Flags     OperationFlags
	Priority  int
	RunAfter  []string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is one row's worth of data, keyed by column name.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Tx is the parameterized-query surface a rule body may touch. It is
// scoped strictly to the single enclosing transaction; rule steps have
// no way to acquire an independent connection. *sql.Tx satisfies it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ Tx = (*sql.Tx)(nil)

// ExecutionContext is the bundle handed to each rule body: the record as
// of the primary write (possibly replaced by earlier rules in the chain),
// the immutable caller payload, and the transaction handle. One context
// exists per mutation and is discarded when the request ends.
type ExecutionContext struct {
	Current Record
	Input   Record
	Tx      Tx
}

func (op Operation) String() string { return string(op) }

// ParseOperation converts s into an Operation, rejecting anything
// outside the four recognized values.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q (must be one of: insert, update, query, delete)", s)
	}
	return op, nil
}
