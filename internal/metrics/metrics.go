// Package metrics exposes chain execution outcomes as Prometheus series.
package metrics

import (
	"context"

	"github.com/playforge/rulechain/rulechain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements rulechain.Auditor and records every completed
// chain into Prometheus metrics.
type Recorder struct {
	chains   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder registers the metric families on the given registerer.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		chains: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulechain_chains_total",
			Help: "Completed rule chains by table, operation and outcome.",
		}, []string{"table", "operation", "outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulechain_rule_failures_total",
			Help: "Rules that aborted a chain, by table, rule and failure kind.",
		}, []string{"table", "rule", "kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulechain_chain_duration_seconds",
			Help:    "Wall time of a primary write plus its rule chain.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"table", "operation"}),
	}
}

var _ rulechain.Auditor = (*Recorder)(nil)

// ChainCompleted records one chain outcome.
func (r *Recorder) ChainCompleted(_ context.Context, ev rulechain.ChainEvent) {
	op := ev.Operation.String()
	r.chains.WithLabelValues(ev.Table, op, ev.Outcome).Inc()
	r.duration.WithLabelValues(ev.Table, op).Observe(ev.Duration.Seconds())
	if ev.Outcome == rulechain.OutcomeAborted && ev.FailedRule != "" {
		r.failures.WithLabelValues(ev.Table, ev.FailedRule, ev.FailureKind).Inc()
	}
}
