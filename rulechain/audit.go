package rulechain

import (
	"context"
	"log/slog"
	"time"
)

// Chain outcomes as reported to the audit sink.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

// Failure kinds attached to aborted chains.
const (
	FailureResolution = "resolution"
	FailureExecution  = "execution"
	FailureTimeout    = "timeout"
	FailureInternal   = "internal"
)

// ChainEvent is the structured record emitted once per completed or
// aborted chain. The engine performs no durable audit writes itself;
// sinks own persistence.
type ChainEvent struct {
	Table          string        `json:"table"`
	Operation      Operation     `json:"operation"`
	RulesAttempted int           `json:"rulesAttempted"`
	RulesCommitted int           `json:"rulesCommitted"`
	Outcome        string        `json:"outcome"`
	FailedRule     string        `json:"failedRule,omitempty"`
	FailureKind    string        `json:"failureKind,omitempty"`
	Duration       time.Duration `json:"duration"`
	At             time.Time     `json:"at"`
}

// Auditor receives one event per chain. Implementations must not
// block request handling on slow downstreams.
type Auditor interface {
	ChainCompleted(ctx context.Context, event ChainEvent)
}

// LogAuditor writes chain events through a structured logger.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor creates an auditor over the given logger.
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditor{logger: logger}
}

func (a *LogAuditor) ChainCompleted(ctx context.Context, event ChainEvent) {
	attrs := []any{
		"table", event.Table,
		"operation", event.Operation,
		"rulesAttempted", event.RulesAttempted,
		"rulesCommitted", event.RulesCommitted,
		"outcome", event.Outcome,
		"duration", event.Duration,
	}
	if event.Outcome == OutcomeCommitted {
		a.logger.Info("rule chain committed", attrs...)
		return
	}
	if event.FailedRule != "" {
		attrs = append(attrs, "failedRule", event.FailedRule, "failureKind", event.FailureKind)
	}
	a.logger.Warn("rule chain aborted", attrs...)
}

// MultiAuditor fans one event out to several sinks.
type MultiAuditor []Auditor

func (m MultiAuditor) ChainCompleted(ctx context.Context, event ChainEvent) {
	for _, a := range m {
		a.ChainCompleted(ctx, event)
	}
}

// NopAuditor discards events.
type NopAuditor struct{}

func (NopAuditor) ChainCompleted(context.Context, ChainEvent) {}
