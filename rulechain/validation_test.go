package rulechain

import (
	"strings"
	"testing"
	"time"
)

func testRule(name string, priority int, runAfter ...string) *Rule {
	return &Rule{
		ID:        "id-" + name,
		TableName: "competitors",
		RuleName:  name,
		Script:    `[{"op":"set_field","field":"x","value":1}]`,
		Flags:     OperationFlags{OnInsert: true},
		Priority:  priority,
		RunAfter:  runAfter,
		Active:    true,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(r *Rule) {},
		},
		{
			name:   "valid with condition",
			mutate: func(r *Rule) { r.Condition = `input.amount > 0 && current.state == "open"` },
		},
		{
			name:   "no flags is inert but accepted",
			mutate: func(r *Rule) { r.Flags = OperationFlags{} },
		},
		{
			name:    "bad table name",
			mutate:  func(r *Rule) { r.TableName = "competitors; --" },
			wantErr: "invalid table name",
		},
		{
			name:    "bad rule name",
			mutate:  func(r *Rule) { r.RuleName = "award points" },
			wantErr: "invalid rule name",
		},
		{
			name:    "condition does not compile",
			mutate:  func(r *Rule) { r.Condition = `input.amount >` },
			wantErr: "condition does not compile",
		},
		{
			name:    "bad script",
			mutate:  func(r *Rule) { r.Script = `[{"op":"bogus"}]` },
			wantErr: "invalid script",
		},
		{
			name: "reject step when does not compile",
			mutate: func(r *Rule) {
				r.Script = `[{"op":"reject","when":"input.amount <","message":"nope"}]`
			},
			wantErr: "when does not compile",
		},
		{
			name:    "self dependency",
			mutate:  func(r *Rule) { r.RunAfter = []string{"a"} },
			wantErr: "cannot run after itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := testRule("a", 0)
			tt.mutate(rule)
			err := ValidateRule(rule)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRule() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateRule() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCatalog(t *testing.T) {
	tests := []struct {
		name    string
		rules   []*Rule
		wantErr string
	}{
		{
			name:  "empty catalog",
			rules: nil,
		},
		{
			name:  "independent rules",
			rules: []*Rule{testRule("a", 0), testRule("b", 1)},
		},
		{
			name:  "dependency consistent with order",
			rules: []*Rule{testRule("a", 0), testRule("b", 1, "a")},
		},
		{
			name: "duplicate names",
			rules: []*Rule{
				testRule("a", 0),
				func() *Rule { r := testRule("a", 1); r.ID = "id-a2"; return r }(),
			},
			wantErr: "duplicate rule name",
		},
		{
			name:    "unknown dependency",
			rules:   []*Rule{testRule("a", 0, "ghost")},
			wantErr: `unknown rule "ghost"`,
		},
		{
			name:    "two rule cycle",
			rules:   []*Rule{testRule("a", 0, "b"), testRule("b", 1, "a")},
			wantErr: "cycle",
		},
		{
			name: "three rule cycle",
			rules: []*Rule{
				testRule("a", 0, "c"),
				testRule("b", 1, "a"),
				testRule("c", 2, "b"),
			},
			wantErr: "cycle",
		},
		{
			name:    "dependency sorts after dependent",
			rules:   []*Rule{testRule("a", 1), testRule("b", 0, "a")},
			wantErr: "sorts before",
		},
		{
			name: "equal priority decided by name",
			// a sorts before b at equal priority and creation time, so
			// b depending on a is consistent.
			rules: []*Rule{testRule("b", 0, "a"), testRule("a", 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCatalog(tt.rules)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateCatalog() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateCatalog() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
