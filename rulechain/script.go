package rulechain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Step operation tags. A rule script is a JSON array of steps; each step
// is one closed-vocabulary instruction interpreted by the executor.
// There is no way to express arbitrary code.
const (
	StepSetField  = "set_field"  // replace one field of the current record
	StepIncrement = "increment"  // column = column + amount on matching rows
	StepUpdate    = "update"     // set columns on matching rows
	StepInsertRow = "insert_row" // insert one row
	StepSelectRow = "select_row" // read one row into a named var
	StepReject    = "reject"     // abort the mutation with a caller-facing message
	StepCall      = "call"       // invoke a handler registered at startup
)

// Arg is a value used by a step: either a literal, or a reference into
// the execution context ("current.field", "input.field", "vars.name.field").
type Arg struct {
	From  string
	Value any
}

// UnmarshalJSON accepts either the explicit form {"from": "current.x"} /
// {"value": 42} or a bare JSON literal, which is treated as a value.
func (a *Arg) UnmarshalJSON(data []byte) error {
	var obj struct {
		From  *string         `json:"from"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.From != nil && obj.Value != nil {
			return fmt.Errorf("arg cannot have both \"from\" and \"value\"")
		}
		if obj.From != nil {
			a.From = *obj.From
			return nil
		}
		if obj.Value != nil {
			return json.Unmarshal(obj.Value, &a.Value)
		}
	}
	return json.Unmarshal(data, &a.Value)
}

// MarshalJSON emits the explicit form.
func (a Arg) MarshalJSON() ([]byte, error) {
	if a.From != "" {
		return json.Marshal(map[string]string{"from": a.From})
	}
	return json.Marshal(map[string]any{"value": a.Value})
}

// Step is one tagged instruction. Which fields apply depends on Op:
//
//	set_field:  Field, Value
//	increment:  Table, Column, Amount, Where
//	update:     Table, Set, Where
//	insert_row: Table, Values
//	select_row: Table, Columns, Where, Into
//	reject:     Message, optional When (CEL over current/input)
//	call:       Handler
type Step struct {
	Op      string         `json:"op"`
	Field   string         `json:"field,omitempty"`
	Value   *Arg           `json:"value,omitempty"`
	Table   string         `json:"table,omitempty"`
	Column  string         `json:"column,omitempty"`
	Amount  *Arg           `json:"amount,omitempty"`
	Where   map[string]Arg `json:"where,omitempty"`
	Set     map[string]Arg `json:"set,omitempty"`
	Values  map[string]Arg `json:"values,omitempty"`
	Columns []string       `json:"columns,omitempty"`
	Into    string         `json:"into,omitempty"`
	When    string         `json:"when,omitempty"`
	Message string         `json:"message,omitempty"`
	Handler string         `json:"handler,omitempty"`
}

// ParseScript decodes and validates a rule script. Every table and column
// name is checked against the identifier grammar here, at registration or
// compile time, so the executor can interpolate them into SQL safely.
func ParseScript(script string) ([]Step, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("script cannot be empty")
	}

	var steps []Step
	if err := json.Unmarshal([]byte(script), &steps); err != nil {
		return nil, fmt.Errorf("script is not a valid step list: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("script must contain at least one step")
	}

	for i, st := range steps {
		if err := validateStep(st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return steps, nil
}

func validateStep(st Step) error {
	switch st.Op {
	case StepSetField:
		if err := ValidateIdentifier(st.Field); err != nil {
			return fmt.Errorf("field: %w", err)
		}
		if st.Value == nil {
			return fmt.Errorf("value is required")
		}
		return validateArg(*st.Value)

	case StepIncrement:
		if err := ValidateIdentifier(st.Table); err != nil {
			return fmt.Errorf("table: %w", err)
		}
		if err := ValidateIdentifier(st.Column); err != nil {
			return fmt.Errorf("column: %w", err)
		}
		if st.Amount == nil {
			return fmt.Errorf("amount is required")
		}
		if err := validateArg(*st.Amount); err != nil {
			return err
		}
		return validateArgMap("where", st.Where, true)

	case StepUpdate:
		if err := ValidateIdentifier(st.Table); err != nil {
			return fmt.Errorf("table: %w", err)
		}
		if err := validateArgMap("set", st.Set, true); err != nil {
			return err
		}
		return validateArgMap("where", st.Where, true)

	case StepInsertRow:
		if err := ValidateIdentifier(st.Table); err != nil {
			return fmt.Errorf("table: %w", err)
		}
		return validateArgMap("values", st.Values, true)

	case StepSelectRow:
		if err := ValidateIdentifier(st.Table); err != nil {
			return fmt.Errorf("table: %w", err)
		}
		if len(st.Columns) == 0 {
			return fmt.Errorf("columns are required")
		}
		for _, c := range st.Columns {
			if err := ValidateIdentifier(c); err != nil {
				return fmt.Errorf("column %q: %w", c, err)
			}
		}
		if err := ValidateIdentifier(st.Into); err != nil {
			return fmt.Errorf("into: %w", err)
		}
		return validateArgMap("where", st.Where, true)

	case StepReject:
		if strings.TrimSpace(st.Message) == "" {
			return fmt.Errorf("message is required")
		}
		if st.When != "" {
			env, err := newScriptEnv()
			if err != nil {
				return err
			}
			if _, issues := env.Compile(st.When); issues != nil && issues.Err() != nil {
				return fmt.Errorf("when does not compile: %w", issues.Err())
			}
		}
		return nil

	case StepCall:
		if strings.TrimSpace(st.Handler) == "" {
			return fmt.Errorf("handler name is required")
		}
		return nil

	case "":
		return fmt.Errorf("missing op")

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func validateArgMap(what string, args map[string]Arg, required bool) error {
	if len(args) == 0 {
		if required {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
	for col, a := range args {
		if err := ValidateIdentifier(col); err != nil {
			return fmt.Errorf("%s column %q: %w", what, col, err)
		}
		if err := validateArg(a); err != nil {
			return fmt.Errorf("%s[%s]: %w", what, col, err)
		}
	}
	return nil
}

// validateArg checks a reference path. References have two segments
// ("current.field", "input.field") or three for vars ("vars.name.field").
func validateArg(a Arg) error {
	if a.From == "" {
		return nil
	}
	parts := strings.Split(a.From, ".")
	switch parts[0] {
	case "current", "input":
		if len(parts) != 2 {
			return fmt.Errorf("reference %q must be %s.<field>", a.From, parts[0])
		}
		return ValidateIdentifier(parts[1])
	case "vars":
		if len(parts) != 3 {
			return fmt.Errorf("reference %q must be vars.<name>.<field>", a.From)
		}
		if err := ValidateIdentifier(parts[1]); err != nil {
			return err
		}
		return ValidateIdentifier(parts[2])
	default:
		return fmt.Errorf("reference %q must start with current, input, or vars", a.From)
	}
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateIdentifier enforces the grammar for table, column, and var
// names. Names are interpolated into SQL text, so nothing outside this
// grammar is ever accepted.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must match ^[a-zA-Z_][a-zA-Z0-9_]*$", name)
	}
	return nil
}
