package rulechain

import (
	"context"
	"testing"
)

// compileChain registers the rules and resolves them in execution order.
func compileChain(t *testing.T, rules ...*Rule) []*CompiledRule {
	t.Helper()

	store := NewInMemoryRuleStore()
	for _, r := range rules {
		if err := store.Add(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	resolver, err := NewResolver(store)
	if err != nil {
		t.Fatal(err)
	}
	chain, err := resolver.Resolve(context.Background(), rules[0].TableName, OpInsert)
	if err != nil {
		t.Fatal(err)
	}
	return chain
}

func TestChainThreadsRecordBetweenRules(t *testing.T) {
	first := testRule("first", 0)
	first.Script = `[{"op":"set_field","field":"stage","value":"one"}]`

	// The second rule's condition reads what the first one wrote.
	second := testRule("second", 1)
	second.Condition = `current.stage == "one"`
	second.Script = `[{"op":"set_field","field":"stage","value":"two"}]`

	runner := NewChainRunner(NewExecutor(nil, 0, nil), nil)
	ec := &ExecutionContext{Current: Record{"id": 1}, Input: Record{}}

	final, result, err := runner.Run(context.Background(), compileChain(t, first, second), ec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final["stage"] != "two" {
		t.Errorf("stage = %v, want %q", final["stage"], "two")
	}
	if result.State != ChainCommitted {
		t.Errorf("State = %v, want committed", result.State)
	}
	if result.Attempted != 2 || result.Committed != 2 {
		t.Errorf("Attempted/Committed = %d/%d, want 2/2", result.Attempted, result.Committed)
	}
}

func TestChainRunsInPriorityOrder(t *testing.T) {
	// Both rules write the same field; with a deterministic order the
	// higher-priority value always loses to the later rule.
	low := testRule("runsSecond", 10)
	low.Script = `[{"op":"set_field","field":"winner","value":"second"}]`
	high := testRule("runsFirst", 1)
	high.Script = `[{"op":"set_field","field":"winner","value":"first"}]`

	runner := NewChainRunner(NewExecutor(nil, 0, nil), nil)

	for i := 0; i < 5; i++ {
		ec := &ExecutionContext{Current: Record{}, Input: Record{}}
		final, _, err := runner.Run(context.Background(), compileChain(t, low, high), ec)
		if err != nil {
			t.Fatal(err)
		}
		if final["winner"] != "second" {
			t.Fatalf("run %d: winner = %v, want %q", i, final["winner"], "second")
		}
	}
}

func TestChainAbortsOnFirstFailure(t *testing.T) {
	first := testRule("passes", 0)
	first.Script = `[{"op":"set_field","field":"a","value":1}]`

	second := testRule("fails", 1)
	second.Script = `[{"op":"reject","message":"blocked"}]`

	third := testRule("neverRuns", 2)
	third.Script = `[{"op":"set_field","field":"c","value":3}]`

	runner := NewChainRunner(NewExecutor(nil, 0, nil), nil)
	ec := &ExecutionContext{Current: Record{}, Input: Record{}}

	final, result, err := runner.Run(context.Background(), compileChain(t, first, second, third), ec)
	if err == nil {
		t.Fatal("expected chain failure")
	}
	if final != nil {
		t.Errorf("final record = %v, want nil on abort", final)
	}
	if result.State != ChainAborted {
		t.Errorf("State = %v, want aborted", result.State)
	}
	if result.Attempted != 2 {
		t.Errorf("Attempted = %d, want 2 (third rule never reached)", result.Attempted)
	}
	if result.Committed != 1 {
		t.Errorf("Committed = %d, want 1", result.Committed)
	}
	if result.FailedRule != "fails" {
		t.Errorf("FailedRule = %q", result.FailedRule)
	}
}

func TestChainSkippedRuleStillCounts(t *testing.T) {
	skipped := testRule("skipped", 0)
	skipped.Condition = `input.kind == "never"`
	skipped.Script = `[{"op":"set_field","field":"x","value":1}]`

	runner := NewChainRunner(NewExecutor(nil, 0, nil), nil)
	ec := &ExecutionContext{Current: Record{"id": 1}, Input: Record{"kind": "other"}}

	final, result, err := runner.Run(context.Background(), compileChain(t, skipped), ec)
	if err != nil {
		t.Fatal(err)
	}
	if result.Attempted != 1 || result.Committed != 1 {
		t.Errorf("Attempted/Committed = %d/%d, want 1/1", result.Attempted, result.Committed)
	}
	if _, ok := final["x"]; ok {
		t.Error("skipped rule wrote to the record")
	}
}

func TestChainEmptyCommitsImmediately(t *testing.T) {
	runner := NewChainRunner(NewExecutor(nil, 0, nil), nil)
	ec := &ExecutionContext{Current: Record{"id": 1}, Input: Record{}}

	final, result, err := runner.Run(context.Background(), nil, ec)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != ChainCommitted {
		t.Errorf("State = %v", result.State)
	}
	if final["id"] != 1 {
		t.Errorf("final = %v", final)
	}
}
