package rulechain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// conditionCostLimit bounds CEL evaluation cost so a pathological
// condition cannot burn a request's budget on its own.
const conditionCostLimit = 1_000_000

// newScriptEnv builds the CEL environment rule predicates compile
// against. Exactly two variables are visible: the current record and
// the original input. There is nothing else to reach.
func newScriptEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("current", cel.DynType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompiledRule is a catalog rule with its condition and step predicates
// compiled and its script parsed, ready for execution.
type CompiledRule struct {
	Rule *Rule

	condition cel.Program
	steps     []compiledStep
}

// compiledStep pairs a parsed step with its compiled "when" predicate,
// present only on conditional reject steps.
type compiledStep struct {
	Step
	when cel.Program
}

// Resolver returns the ordered, compiled rule chain for a
// (table, operation) pair. Compilation artifacts are cached per rule
// and invalidated when the rule's UpdatedAt changes, so steady-state
// resolution costs one catalog read and no recompilation.
type Resolver struct {
	store RuleStore
	env   *cel.Env

	mu       sync.RWMutex
	compiled map[string]*cacheEntry
}

type cacheEntry struct {
	updatedAt time.Time
	rule      *CompiledRule
}

// NewResolver creates a resolver over the given catalog store.
func NewResolver(store RuleStore) (*Resolver, error) {
	env, err := newScriptEnv()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:    store,
		env:      env,
		compiled: make(map[string]*cacheEntry),
	}, nil
}

// Resolve returns the active rules for (tableName, op), compiled, in
// the documented total order (priority, created_at, rule_name). The
// same catalog always yields the same order: later rules may depend on
// side effects of earlier ones, so reordering is a correctness bug.
//
// An empty result is not an error; it means the primary write proceeds
// unmodified.
func (r *Resolver) Resolve(ctx context.Context, tableName string, op Operation) ([]*CompiledRule, error) {
	if tableName == "" {
		return nil, &ResolutionError{Table: tableName, Operation: op, Err: fmt.Errorf("table name cannot be empty")}
	}
	if !op.Valid() {
		return nil, &ResolutionError{Table: tableName, Operation: op, Err: fmt.Errorf("unknown operation %q", op)}
	}

	rules, err := r.store.ListActive(ctx, tableName, op)
	if err != nil {
		return nil, &ResolutionError{Table: tableName, Operation: op, Err: err}
	}

	// The store already orders results; sort again so the contract does
	// not hinge on any particular store implementation.
	sortRules(rules)

	chain := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := r.compile(rule)
		if err != nil {
			return nil, &ResolutionError{Table: tableName, Operation: op, Err: err}
		}
		chain = append(chain, cr)
	}
	return chain, nil
}

// compile returns the cached artifacts for rule, rebuilding them when
// the rule has changed since they were cached.
func (r *Resolver) compile(rule *Rule) (*CompiledRule, error) {
	r.mu.RLock()
	entry, ok := r.compiled[rule.ID]
	r.mu.RUnlock()
	if ok && entry.updatedAt.Equal(rule.UpdatedAt) {
		return entry.rule, nil
	}

	cr := &CompiledRule{Rule: rule}

	if rule.Condition != "" {
		prog, err := r.compileExpr(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s: condition: %w", rule.RuleName, err)
		}
		cr.condition = prog
	}

	steps, err := ParseScript(rule.Script)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.RuleName, err)
	}
	cr.steps = make([]compiledStep, len(steps))
	for i, st := range steps {
		cr.steps[i] = compiledStep{Step: st}
		if st.Op == StepReject && st.When != "" {
			prog, err := r.compileExpr(st.When)
			if err != nil {
				return nil, fmt.Errorf("rule %s: step %d when: %w", rule.RuleName, i, err)
			}
			cr.steps[i].when = prog
		}
	}

	r.mu.Lock()
	r.compiled[rule.ID] = &cacheEntry{updatedAt: rule.UpdatedAt, rule: cr}
	r.mu.Unlock()

	return cr, nil
}

func (r *Resolver) compileExpr(expr string) (cel.Program, error) {
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := r.env.Program(ast, cel.CostLimit(conditionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}
