// Package metrics exposes the execution engine's monotonic counters as
// Prometheus collectors: New builds a fresh registry and registers every
// collector on it once, `/metrics` served by the standard promhttp handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the engine's Prometheus collector namespace. A single
// instance is built in cmd/executor/main.go; the execution pipeline is the
// only component constructor that receives it, and main itself increments
// HotSyncFailures. The other collectors are registered but not updated.
type Registry struct {
	reg *prometheus.Registry

	ExecutionAttempts       prometheus.Counter
	ExecutionSuccesses      prometheus.Counter
	ExecutionFailures       prometheus.Counter
	QueueRejects            prometheus.Counter
	LockConflicts           prometheus.Counter
	StaleLockRecoveries     prometheus.Counter
	ExecutionTimeouts       prometheus.Counter
	CircuitBreakerBlocks    prometheus.Counter
	ExecutionLatencyMs      prometheus.Histogram

	ProviderReconnections prometheus.Counter
	ProviderHealthyChains prometheus.Gauge

	ForkOperationsTotal prometheus.Counter
	ForkOperationErrors prometheus.Counter
	ForkSnapshotsTotal  prometheus.Counter

	HotSyncLatencyMs   prometheus.Histogram
	HotSyncFailures    prometheus.Counter

	SimulationCacheHits   prometheus.Counter
	SimulationCacheMisses prometheus.Counter
	SimulationFallbacks   prometheus.Counter
	SimulationCoalesced   prometheus.Counter

	QuoterFallbackUsed prometheus.Counter
}

// New builds and registers the full metric set against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		ExecutionAttempts:    f.NewCounter(prometheus.CounterOpts{Name: "arbexec_execution_attempts_total"}),
		ExecutionSuccesses:   f.NewCounter(prometheus.CounterOpts{Name: "arbexec_execution_successes_total"}),
		ExecutionFailures:    f.NewCounter(prometheus.CounterOpts{Name: "arbexec_execution_failures_total"}),
		QueueRejects:         f.NewCounter(prometheus.CounterOpts{Name: "arbexec_queue_rejects_total"}),
		LockConflicts:        f.NewCounter(prometheus.CounterOpts{Name: "arbexec_lock_conflicts_total"}),
		StaleLockRecoveries:  f.NewCounter(prometheus.CounterOpts{Name: "arbexec_stale_lock_recoveries_total"}),
		ExecutionTimeouts:    f.NewCounter(prometheus.CounterOpts{Name: "arbexec_execution_timeouts_total"}),
		CircuitBreakerBlocks: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_circuit_breaker_blocks_total"}),
		ExecutionLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbexec_execution_latency_ms",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}),

		ProviderReconnections: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_provider_reconnections_total"}),
		ProviderHealthyChains: f.NewGauge(prometheus.GaugeOpts{Name: "arbexec_provider_healthy_chains"}),

		ForkOperationsTotal: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_fork_operations_total"}),
		ForkOperationErrors: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_fork_operation_errors_total"}),
		ForkSnapshotsTotal:  f.NewCounter(prometheus.CounterOpts{Name: "arbexec_fork_snapshots_total"}),

		HotSyncLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbexec_hot_sync_latency_ms",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		HotSyncFailures: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_hot_sync_failures_total"}),

		SimulationCacheHits:   f.NewCounter(prometheus.CounterOpts{Name: "arbexec_simulation_cache_hits_total"}),
		SimulationCacheMisses: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_simulation_cache_misses_total"}),
		SimulationFallbacks:   f.NewCounter(prometheus.CounterOpts{Name: "arbexec_simulation_fallback_used_total"}),
		SimulationCoalesced:   f.NewCounter(prometheus.CounterOpts{Name: "arbexec_simulation_coalesced_total"}),

		QuoterFallbackUsed: f.NewCounter(prometheus.CounterOpts{Name: "arbexec_quoter_fallback_used_total"}),
	}
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
