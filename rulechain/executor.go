package rulechain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// DefaultRuleTimeout is the per-rule wall-clock budget used when no
// explicit timeout is configured.
const DefaultRuleTimeout = 5 * time.Second

// Executor runs one compiled rule against an execution context. Every
// read or write a rule performs goes through the context's Tx handle,
// so rule side effects live and die with the enclosing transaction.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an executor. A zero timeout selects
// DefaultRuleTimeout; a nil registry means "call" steps always fail.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if timeout <= 0 {
		timeout = DefaultRuleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, timeout: timeout, logger: logger}
}

// Execute evaluates the rule's condition and, if it holds, runs the
// rule's steps in order. The returned record is what the next rule in
// the chain (and ultimately the caller) sees; a skipped rule returns
// the current record untouched.
//
// The whole invocation, condition included, runs under the wall-clock
// budget. Exceeding it, or a cancellation of the caller's context, is
// reported as a TimeoutError; the coordinator rolls back either way.
func (e *Executor) Execute(ctx context.Context, cr *CompiledRule, ec *ExecutionContext) (rec Record, err error) {
	rule := cr.Rule

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// A buggy handler must not take the process down; it aborts this
	// chain like any other failure, with the rule named in the log.
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("rule panicked",
				"table", rule.TableName,
				"rule", rule.RuleName,
				"panic", fmt.Sprint(p))
			rec = nil
			err = &ExecutionError{
				Table:    rule.TableName,
				Rule:     rule.RuleName,
				Internal: true,
				Err:      fmt.Errorf("rule panicked: %v", p),
			}
		}
	}()

	if cr.condition != nil {
		matched, condErr := e.evalBool(cr.condition, ec)
		if condErr != nil {
			if timeoutErr := e.asTimeout(rule, condErr, runCtx); timeoutErr != nil {
				return nil, timeoutErr
			}
			return nil, &ExecutionError{
				Table:    rule.TableName,
				Rule:     rule.RuleName,
				Internal: true,
				Err:      fmt.Errorf("condition evaluation failed: %w", condErr),
			}
		}
		if !matched {
			e.logger.Debug("rule skipped, condition false",
				"table", rule.TableName, "rule", rule.RuleName)
			return ec.Current, nil
		}
	}

	vars := make(map[string]Record)
	for i, st := range cr.steps {
		if runCtx.Err() != nil {
			return nil, e.timeoutError(rule)
		}
		if err := e.runStep(runCtx, cr, st, ec, vars); err != nil {
			if timeoutErr := e.asTimeout(rule, err, runCtx); timeoutErr != nil {
				return nil, timeoutErr
			}
			var ee *ExecutionError
			if errors.As(err, &ee) {
				return nil, err
			}
			return nil, &ExecutionError{
				Table:    rule.TableName,
				Rule:     rule.RuleName,
				Internal: true,
				Err:      fmt.Errorf("step %d (%s): %w", i, st.Op, err),
			}
		}
	}

	return ec.Current, nil
}

// asTimeout maps context expiry onto the timeout taxonomy. A caller
// cancelling the request is treated identically to a rule running over
// budget: roll back, surface generically.
func (e *Executor) asTimeout(rule *Rule, err error, runCtx context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || runCtx.Err() != nil {
		return e.timeoutError(rule)
	}
	return nil
}

func (e *Executor) timeoutError(rule *Rule) error {
	e.logger.Warn("rule exceeded execution budget",
		"table", rule.TableName, "rule", rule.RuleName, "budget", e.timeout)
	return &TimeoutError{Table: rule.TableName, Rule: rule.RuleName, Budget: e.timeout}
}

func (e *Executor) evalBool(prog cel.Program, ec *ExecutionContext) (bool, error) {
	out, _, err := prog.Eval(map[string]any{
		"current": map[string]any(ec.Current),
		"input":   map[string]any(ec.Input),
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression is not boolean (got %T)", out.Value())
	}
	return matched, nil
}

func (e *Executor) runStep(ctx context.Context, cr *CompiledRule, st compiledStep, ec *ExecutionContext, vars map[string]Record) error {
	rule := cr.Rule

	switch st.Op {
	case StepSetField:
		v, err := resolveArg(*st.Value, ec, vars)
		if err != nil {
			return err
		}
		next := ec.Current.Clone()
		if next == nil {
			next = make(Record, 1)
		}
		next[st.Field] = v
		ec.Current = next
		return nil

	case StepIncrement:
		where, whereArgs, err := buildWhere(st.Where, ec, vars, 2)
		if err != nil {
			return err
		}
		amount, err := resolveArg(*st.Amount, ec, vars)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET %s = %s + $1 WHERE %s",
			st.Table, st.Column, st.Column, where)
		args := append([]any{amount}, whereArgs...)
		_, err = ec.Tx.ExecContext(ctx, query, args...)
		return err

	case StepUpdate:
		setCols := sortedKeys(st.Set)
		assignments := make([]string, len(setCols))
		args := make([]any, 0, len(setCols)+len(st.Where))
		for i, col := range setCols {
			v, err := resolveArg(st.Set[col], ec, vars)
			if err != nil {
				return err
			}
			assignments[i] = fmt.Sprintf("%s = $%d", col, i+1)
			args = append(args, v)
		}
		where, whereArgs, err := buildWhere(st.Where, ec, vars, len(setCols)+1)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			st.Table, strings.Join(assignments, ", "), where)
		_, err = ec.Tx.ExecContext(ctx, query, append(args, whereArgs...)...)
		return err

	case StepInsertRow:
		cols := sortedKeys(st.Values)
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			v, err := resolveArg(st.Values[col], ec, vars)
			if err != nil {
				return err
			}
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = v
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			st.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		_, err := ec.Tx.ExecContext(ctx, query, args...)
		return err

	case StepSelectRow:
		where, whereArgs, err := buildWhere(st.Where, ec, vars, 1)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
			strings.Join(st.Columns, ", "), st.Table, where)
		row := ec.Tx.QueryRowContext(ctx, query, whereArgs...)

		dest := make([]any, len(st.Columns))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := row.Scan(dest...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select_row into %q matched no rows in %s", st.Into, st.Table)
			}
			return err
		}
		loaded := make(Record, len(st.Columns))
		for i, col := range st.Columns {
			loaded[col] = normalizeValue(*(dest[i].(*any)))
		}
		vars[st.Into] = loaded
		return nil

	case StepReject:
		if st.when != nil {
			matched, err := e.evalBool(st.when, ec)
			if err != nil {
				return fmt.Errorf("reject predicate: %w", err)
			}
			if !matched {
				return nil
			}
		}
		return &ExecutionError{
			Table:   rule.TableName,
			Rule:    rule.RuleName,
			Message: st.Message,
		}

	case StepCall:
		h, ok := e.registry.Get(st.Handler)
		if !ok {
			return fmt.Errorf("handler %q is not registered", st.Handler)
		}
		updated, err := h(ctx, ec)
		if err != nil {
			var ee *ExecutionError
			if errors.As(err, &ee) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			// Handlers are first-party code; their errors are deliberate
			// rejections and the message is meant for the caller.
			return &ExecutionError{
				Table:   rule.TableName,
				Rule:    rule.RuleName,
				Message: err.Error(),
				Err:     err,
			}
		}
		if updated != nil {
			ec.Current = updated
		}
		return nil
	}

	return fmt.Errorf("unknown op %q", st.Op)
}

// buildWhere renders a conjunction over the where map with placeholders
// starting at firstIndex. Columns are emitted in sorted order so the
// generated SQL is stable.
func buildWhere(where map[string]Arg, ec *ExecutionContext, vars map[string]Record, firstIndex int) (string, []any, error) {
	cols := sortedKeys(where)
	clauses := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		v, err := resolveArg(where[col], ec, vars)
		if err != nil {
			return "", nil, err
		}
		clauses[i] = fmt.Sprintf("%s = $%d", col, firstIndex+i)
		args[i] = v
	}
	return strings.Join(clauses, " AND "), args, nil
}

func sortedKeys(m map[string]Arg) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// resolveArg produces the concrete value for an Arg: the literal, or a
// lookup through current/input/vars. Unknown fields are errors; a rule
// referencing a field that is not there is broken, not nil.
func resolveArg(a Arg, ec *ExecutionContext, vars map[string]Record) (any, error) {
	if a.From == "" {
		return normalizeValue(a.Value), nil
	}

	parts := strings.Split(a.From, ".")
	var source Record
	var field string
	switch parts[0] {
	case "current":
		source, field = ec.Current, parts[1]
	case "input":
		source, field = ec.Input, parts[1]
	case "vars":
		loaded, ok := vars[parts[1]]
		if !ok {
			return nil, fmt.Errorf("reference %q: var %q not loaded", a.From, parts[1])
		}
		source, field = loaded, parts[2]
	default:
		return nil, fmt.Errorf("reference %q must start with current, input, or vars", a.From)
	}

	v, ok := source[field]
	if !ok {
		return nil, fmt.Errorf("reference %q: field %q not present", a.From, field)
	}
	return normalizeValue(v), nil
}

// normalizeValue smooths over representation differences between JSON
// decoding and database drivers: whole-number floats become int64 and
// byte slices become strings.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x)
		}
		return x
	case []byte:
		return string(x)
	}
	return v
}
