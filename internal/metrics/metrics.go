// Package metrics exposes Prometheus collectors for the staking engine,
// grounded on r3e-network/service_layer's infrastructure/metrics package:
// a struct of collectors built once with NewWithRegistry so tests can use
// an isolated registry instead of the global default.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the staking engine publishes.
type Metrics struct {
	CurrentRewards        prometheus.Gauge
	PendingOperationsOpen prometheus.Gauge
	UniqueStakers         prometheus.Gauge

	OperationsTotal   *prometheus.CounterVec
	OperationsFailed  *prometheus.CounterVec
	EmissionTicksTotal prometheus.Counter
	EmissionPerTick    prometheus.Histogram
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics { return NewWithRegistry(prometheus.DefaultRegisterer) }

// NewWithRegistry creates a Metrics instance registered against registerer,
// letting tests supply a fresh prometheus.NewRegistry() to avoid collisions.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CurrentRewards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "staking_current_rewards",
			Help: "Cumulative reward tokens minted so far.",
		}),
		PendingOperationsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "staking_pending_operations_open",
			Help: "Number of pending stake/unstake operations currently open.",
		}),
		UniqueStakers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "staking_unique_stakers",
			Help: "Number of distinct stakers with at least one open position.",
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_operations_total",
			Help: "Total stake/unstake operations completed, by kind.",
		}, []string{"kind"}),
		OperationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staking_operations_failed_total",
			Help: "Total stake/unstake operations that failed, by kind.",
		}, []string{"kind"}),
		EmissionTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "staking_emission_ticks_total",
			Help: "Total emission ticks that produced a distribution.",
		}),
		EmissionPerTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "staking_emission_per_tick",
			Help:    "Emitted reward amount per tick, in base units (converted to float64 for observability only).",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	registerer.MustRegister(
		m.CurrentRewards,
		m.PendingOperationsOpen,
		m.UniqueStakers,
		m.OperationsTotal,
		m.OperationsFailed,
		m.EmissionTicksTotal,
		m.EmissionPerTick,
	)
	return m
}
