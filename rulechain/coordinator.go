package rulechain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PrimaryWrite applies the caller's own persistence step inside the
// coordinator's transaction and returns the written record.
type PrimaryWrite func(ctx context.Context, tx Tx) (Record, error)

// Coordinator wraps a primary write and its rule chain in one atomic
// unit. It commits only when the write and every resolved rule
// succeed; any failure anywhere rolls the whole transaction back
// before the error is surfaced.
type Coordinator struct {
	db       *sql.DB
	resolver *Resolver
	runner   *ChainRunner
	auditor  Auditor
	logger   *slog.Logger
}

// NewCoordinator wires the coordinator. A nil auditor discards events.
func NewCoordinator(db *sql.DB, resolver *Resolver, runner *ChainRunner, auditor Auditor, logger *slog.Logger) *Coordinator {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		db:       db,
		resolver: resolver,
		runner:   runner,
		auditor:  auditor,
		logger:   logger,
	}
}

// Run opens a transaction, applies the primary write, resolves the
// applicable rules, and drives them through the chain runner inside
// the same transaction. The returned record is the final, possibly
// rule-mutated record the caller should present.
//
// Standard read-committed isolation applies; the coordinator takes no
// locks beyond what the write and individual rule bodies request.
func (c *Coordinator) Run(ctx context.Context, tableName string, op Operation, input Record, write PrimaryWrite) (Record, error) {
	start := time.Now()

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	final, result, err := c.runInTx(ctx, tx, tableName, op, input, write)

	event := ChainEvent{
		Table:          tableName,
		Operation:      op,
		RulesAttempted: result.Attempted,
		RulesCommitted: result.Committed,
		FailedRule:     result.FailedRule,
		Duration:       time.Since(start),
		At:             start.UTC(),
	}

	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.logger.Error("rollback failed", "table", tableName, "operation", op, "error", rbErr)
		}
		event.Outcome = OutcomeAborted
		event.FailureKind = failureKind(err)
		c.auditor.ChainCompleted(ctx, event)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		event.Outcome = OutcomeAborted
		event.FailureKind = FailureInternal
		c.auditor.ChainCompleted(ctx, event)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	event.Outcome = OutcomeCommitted
	c.auditor.ChainCompleted(ctx, event)
	return final, nil
}

// runInTx performs the write and the chain; the caller owns
// commit/rollback based on the returned error.
func (c *Coordinator) runInTx(ctx context.Context, tx *sql.Tx, tableName string, op Operation, input Record, write PrimaryWrite) (Record, ChainResult, error) {
	written, err := write(ctx, tx)
	if err != nil {
		return nil, ChainResult{State: ChainAborted}, fmt.Errorf("primary write on %s failed: %w", tableName, err)
	}

	// Resolution is a pure read on the catalog's own connection; it
	// happens after the write so rules see a fully-formed record.
	chain, err := c.resolver.Resolve(ctx, tableName, op)
	if err != nil {
		return nil, ChainResult{State: ChainAborted}, err
	}
	if len(chain) == 0 {
		return written, ChainResult{State: ChainCommitted}, nil
	}

	ec := &ExecutionContext{Current: written, Input: input, Tx: tx}
	final, result, err := c.runner.Run(ctx, chain, ec)
	if err != nil {
		return nil, result, err
	}
	return final, result, nil
}

func failureKind(err error) string {
	switch {
	case IsTimeout(err):
		return FailureTimeout
	case IsResolution(err):
		return FailureResolution
	case IsExecution(err):
		if _, deliberate := Rejection(err); deliberate {
			return FailureExecution
		}
		return FailureInternal
	}
	return FailureInternal
}
