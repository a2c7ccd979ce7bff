package rulechain

import (
	"context"
	"log/slog"
)

// ChainState tracks a chain execution through its lifecycle.
type ChainState int

const (
	ChainPending ChainState = iota
	ChainRunning
	ChainCommitted
	ChainAborted
)

func (s ChainState) String() string {
	switch s {
	case ChainPending:
		return "pending"
	case ChainRunning:
		return "running"
	case ChainCommitted:
		return "committed"
	case ChainAborted:
		return "aborted"
	}
	return "unknown"
}

// ChainResult summarizes one chain execution for the audit sink.
// Attempted counts rules the runner reached (skips included);
// Committed counts rules that finished without error.
type ChainResult struct {
	State      ChainState
	Attempted  int
	Committed  int
	FailedRule string
}

// ChainRunner drives an ordered rule list through the executor,
// threading the possibly-updated record from each rule into the next.
//
// Execution is strictly sequential, never concurrent. Every rule
// shares the one transaction handle, which is unsafe for concurrent
// use, and later rules may depend on state written by earlier ones.
type ChainRunner struct {
	executor *Executor
	logger   *slog.Logger
}

// NewChainRunner creates a runner over the given executor.
func NewChainRunner(executor *Executor, logger *slog.Logger) *ChainRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainRunner{executor: executor, logger: logger}
}

// Run executes the chain and returns the final record. The first
// failure aborts the chain: the returned result carries ChainAborted
// and the error tells the coordinator to roll back, discarding the
// primary write and every effect of rules that already succeeded in
// this attempt.
func (r *ChainRunner) Run(ctx context.Context, chain []*CompiledRule, ec *ExecutionContext) (Record, ChainResult, error) {
	result := ChainResult{State: ChainPending}

	for _, cr := range chain {
		result.State = ChainRunning
		result.Attempted++

		updated, err := r.executor.Execute(ctx, cr, ec)
		if err != nil {
			result.State = ChainAborted
			result.FailedRule = cr.Rule.RuleName
			r.logger.Warn("rule chain aborted",
				"table", cr.Rule.TableName,
				"rule", cr.Rule.RuleName,
				"completed", result.Committed,
				"error", err)
			return nil, result, err
		}

		ec.Current = updated
		result.Committed++
	}

	result.State = ChainCommitted
	return ec.Current, result, nil
}
