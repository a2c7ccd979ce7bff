package rulechain

import (
	"errors"
	"fmt"
	"time"
)

// ResolutionError means the rule catalog could not be queried. It is
// raised before any rule runs; the coordinator rolls back the primary
// write and surfaces it immediately.
type ResolutionError struct {
	Table     string
	Operation Operation
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving rules for %s/%s: %v", e.Table, e.Operation, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ExecutionError means a rule body rejected the mutation or failed while
// running. When Internal is false the Message is caller-meaningful (a
// deliberate business-rule rejection) and may be shown verbatim. When
// Internal is true the rule was malformed or panicked; callers should
// surface a generic failure and keep the detail in logs.
type ExecutionError struct {
	Table    string
	Rule     string
	Message  string
	Internal bool
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rule %s on %s failed: %v", e.Rule, e.Table, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError means a rule exceeded its wall-clock execution budget.
// The chain is rolled back exactly as on any other failure. Callers
// surface it as a generic internal failure.
type TimeoutError struct {
	Table  string
	Rule   string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rule %s on %s exceeded execution budget of %s", e.Rule, e.Table, e.Budget)
}

// IsResolution reports whether err is (or wraps) a ResolutionError.
func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsExecution reports whether err is (or wraps) an ExecutionError.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Rejection extracts the caller-meaningful message from a deliberate
// business-rule rejection. Internal failures and other errors yield
// ("", false).
func Rejection(err error) (string, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) && !ee.Internal {
		return ee.Message, true
	}
	return "", false
}
