package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/playforge/rulechain/rulechain"
)

func TestJSONLSinkAppendsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink() error = %v", err)
	}

	ctx := context.Background()
	sink.ChainCompleted(ctx, rulechain.ChainEvent{
		Table:          "competitors",
		Operation:      rulechain.OpInsert,
		RulesAttempted: 2,
		RulesCommitted: 2,
		Outcome:        rulechain.OutcomeCommitted,
		Duration:       12 * time.Millisecond,
		At:             time.Now(),
	})
	sink.ChainCompleted(ctx, rulechain.ChainEvent{
		Table:       "goal_instances",
		Operation:   rulechain.OpUpdate,
		Outcome:     rulechain.OutcomeAborted,
		FailedRule:  "closeExpired",
		FailureKind: rulechain.FailureTimeout,
		At:          time.Now(),
	})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []rulechain.ChainEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev rulechain.ChainEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", len(lines)+1, err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Table != "competitors" || lines[0].Outcome != rulechain.OutcomeCommitted {
		t.Errorf("first event = %+v", lines[0])
	}
	if lines[1].FailedRule != "closeExpired" || lines[1].FailureKind != rulechain.FailureTimeout {
		t.Errorf("second event = %+v", lines[1])
	}
}

func TestJSONLSinkCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	// Events after Close must not panic.
	sink.ChainCompleted(context.Background(), rulechain.ChainEvent{Table: "x"})
}
