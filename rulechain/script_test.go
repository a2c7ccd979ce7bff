package rulechain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseScript(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{
			name:   "set_field with literal",
			script: `[{"op":"set_field","field":"balance","value":100}]`,
		},
		{
			name:   "set_field with reference",
			script: `[{"op":"set_field","field":"balance","value":{"from":"input.amount"}}]`,
		},
		{
			name: "increment with var reference",
			script: `[{"op":"increment","table":"competitors","column":"total_earnings",
				"amount":{"from":"vars.achievement.points"},
				"where":{"id":{"from":"current.competitor_id"}}}]`,
		},
		{
			name: "select_row",
			script: `[{"op":"select_row","table":"achievements","columns":["points"],
				"where":{"id":{"from":"current.achievement_id"}},"into":"achievement"}]`,
		},
		{
			name:   "reject with when",
			script: `[{"op":"reject","when":"input.amount < 0","message":"amount cannot be negative"}]`,
		},
		{
			name:   "call",
			script: `[{"op":"call","handler":"closeOpenGoals"}]`,
		},
		{
			name:    "empty script",
			script:  ``,
			wantErr: "script cannot be empty",
		},
		{
			name:    "empty step list",
			script:  `[]`,
			wantErr: "at least one step",
		},
		{
			name:    "not a step list",
			script:  `{"op":"set_field"}`,
			wantErr: "not a valid step list",
		},
		{
			name:    "raw code is not a script",
			script:  `current.balance = current.balance + 1`,
			wantErr: "not a valid step list",
		},
		{
			name:    "unknown op",
			script:  `[{"op":"eval","field":"x"}]`,
			wantErr: `unknown op "eval"`,
		},
		{
			name:    "missing op",
			script:  `[{"field":"x","value":1}]`,
			wantErr: "missing op",
		},
		{
			name:    "set_field without value",
			script:  `[{"op":"set_field","field":"x"}]`,
			wantErr: "value is required",
		},
		{
			name:    "injection in table name",
			script:  `[{"op":"insert_row","table":"t; DROP TABLE t","values":{"x":1}}]`,
			wantErr: "identifier",
		},
		{
			name:    "injection in where column",
			script:  `[{"op":"update","table":"t","set":{"x":1},"where":{"id = 1 OR 1":1}}]`,
			wantErr: "identifier",
		},
		{
			name:    "increment without where",
			script:  `[{"op":"increment","table":"t","column":"c","amount":1}]`,
			wantErr: "where is required",
		},
		{
			name:    "reject without message",
			script:  `[{"op":"reject","when":"true"}]`,
			wantErr: "message is required",
		},
		{
			name:    "reject with malformed when",
			script:  `[{"op":"reject","when":"input.amount <","message":"nope"}]`,
			wantErr: "when does not compile",
		},
		{
			name:    "reject with when over unknown variable",
			script:  `[{"op":"reject","when":"record.amount < 0","message":"nope"}]`,
			wantErr: "when does not compile",
		},
		{
			name:    "bad reference root",
			script:  `[{"op":"set_field","field":"x","value":{"from":"env.secret"}}]`,
			wantErr: "must start with current, input, or vars",
		},
		{
			name:    "current reference with too many segments",
			script:  `[{"op":"set_field","field":"x","value":{"from":"current.a.b"}}]`,
			wantErr: "must be current.<field>",
		},
		{
			name:    "vars reference with too few segments",
			script:  `[{"op":"set_field","field":"x","value":{"from":"vars.achievement"}}]`,
			wantErr: "must be vars.<name>.<field>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript(tt.script)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseScript() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("ParseScript() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestArgUnmarshal(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantFrom  string
		wantValue any
		wantErr   bool
	}{
		{name: "bare number", input: `42`, wantValue: float64(42)},
		{name: "bare string", input: `"hello"`, wantValue: "hello"},
		{name: "bare bool", input: `true`, wantValue: true},
		{name: "explicit value", input: `{"value":7}`, wantValue: float64(7)},
		{name: "reference", input: `{"from":"input.amount"}`, wantFrom: "input.amount"},
		{name: "both forms", input: `{"from":"input.x","value":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Arg
			err := json.Unmarshal([]byte(tt.input), &a)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal error = %v", err)
			}
			if a.From != tt.wantFrom {
				t.Errorf("From = %q, want %q", a.From, tt.wantFrom)
			}
			if a.Value != tt.wantValue {
				t.Errorf("Value = %v, want %v", a.Value, tt.wantValue)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"a", "table_name", "_private", "Col2"}
	for _, name := range valid {
		if err := ValidateIdentifier(name); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "2col", "a-b", "a b", "a;b", "a.b", `a"b`, strings.Repeat("x", 101)}
	for _, name := range invalid {
		if err := ValidateIdentifier(name); err == nil {
			t.Errorf("ValidateIdentifier(%q) = nil, want error", name)
		}
	}
}
