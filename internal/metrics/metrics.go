// Package metrics is the engine's Prometheus metrics publisher: per-tier
// utilization gauges, consolidation/decay/maintenance counters and
// histograms, registered against a dedicated prometheus.Registry so
// multiple engine instances in a test process never collide on the
// default global registry. Grounded on the pack's direct
// prometheus/client_golang usage for in-process counter/gauge/histogram
// registration (the teacher itself carries no metrics package).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexmem/engine/pkg/types"
)

// Metrics is the engine's metrics publisher, satisfying
// internal/watchdog.Publisher and exposing counters consumed by
// internal/consolidation, internal/maintenance, and internal/manager.
type Metrics struct {
	registry *prometheus.Registry

	tierUtilization *prometheus.GaugeVec

	itemsPromoted   *prometheus.CounterVec
	itemsForgotten  *prometheus.CounterVec
	itemsRejected   prometheus.Counter

	decayPassDuration       *prometheus.HistogramVec
	consolidationDuration   *prometheus.HistogramVec
	maintenanceCycleOverrun *prometheus.CounterVec

	promotionInconsistent prometheus.Counter
}

// New constructs a Metrics publisher and registers all collectors under
// namespace (e.g. "cortexmem").
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		tierUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_utilization_ratio",
			Help:      "Fraction of tier capacity currently in use.",
		}, []string{"tier"}),
		itemsPromoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_promoted_total",
			Help:      "Count of items successfully promoted between tiers.",
		}, []string{"from", "to"}),
		itemsForgotten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_forgotten_total",
			Help:      "Count of items marked Forgotten, by tier and cause.",
		}, []string{"tier", "cause"}),
		itemsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_rejected_total",
			Help:      "Count of writes rejected by the sanitizer.",
		}),
		decayPassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decay_pass_duration_seconds",
			Help:      "Wall-clock duration of one decay pass, by tier.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		consolidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_batch_duration_seconds",
			Help:      "Wall-clock duration of one consolidation batch, by source tier.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source_tier"}),
		maintenanceCycleOverrun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_cycle_overrun_total",
			Help:      "Count of maintenance cycles that exceeded their execution budget or returned an error.",
		}, []string{"task"}),
		promotionInconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_inconsistent_total",
			Help:      "Count of promotions whose compensating rollback also failed.",
		}),
	}

	registry.MustRegister(
		m.tierUtilization,
		m.itemsPromoted,
		m.itemsForgotten,
		m.itemsRejected,
		m.decayPassDuration,
		m.consolidationDuration,
		m.maintenanceCycleOverrun,
		m.promotionInconsistent,
	)
	return m
}

// Registry exposes the underlying prometheus.Registry for an HTTP exporter
// to serve — wiring an actual exporter transport is out of scope per
// spec.md's Non-goals; this method exists so a caller in a larger
// deployment can mount one without reaching into package internals.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetTierUtilization implements watchdog.Publisher.
func (m *Metrics) SetTierUtilization(tier types.Tier, used, capacity int) {
	ratio := 0.0
	if capacity > 0 {
		ratio = float64(used) / float64(capacity)
	}
	m.tierUtilization.WithLabelValues(string(tier)).Set(ratio)
}

// RecordPromotion increments the promotion counter for a from->to tier
// move.
func (m *Metrics) RecordPromotion(from, to types.Tier) {
	m.itemsPromoted.WithLabelValues(string(from), string(to)).Inc()
}

// RecordForgotten increments the forgetting counter for tier, tagged with
// cause ("ttl_expired", "decay_threshold", "explicit_delete").
func (m *Metrics) RecordForgotten(tier types.Tier, cause string) {
	m.itemsForgotten.WithLabelValues(string(tier), cause).Inc()
}

// RecordRejected increments the sanitizer-rejection counter.
func (m *Metrics) RecordRejected() {
	m.itemsRejected.Inc()
}

// ObserveDecayPass records the duration of one decay pass over tier.
func (m *Metrics) ObserveDecayPass(tier types.Tier, seconds float64) {
	m.decayPassDuration.WithLabelValues(string(tier)).Observe(seconds)
}

// ObserveConsolidationBatch records the duration of one consolidation
// batch promoting out of sourceTier.
func (m *Metrics) ObserveConsolidationBatch(sourceTier types.Tier, seconds float64) {
	m.consolidationDuration.WithLabelValues(string(sourceTier)).Observe(seconds)
}

// RecordMaintenanceOverrun increments the overrun counter for task
// ("decay", "consolidate", "quality_sweep"); the orchestrator calls it for
// a cycle that exceeded its budget or returned an error.
func (m *Metrics) RecordMaintenanceOverrun(task string) {
	m.maintenanceCycleOverrun.WithLabelValues(task).Inc()
}

// RecordPromotionInconsistent increments the fatal-rollback-failure
// counter (spec.md §4.5 step 6).
func (m *Metrics) RecordPromotionInconsistent() {
	m.promotionInconsistent.Inc()
}
