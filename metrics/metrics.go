// Package metrics provides Prometheus metrics for the farm.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels carry no device ids; fleets run to hundreds of devices.

var (
	// PoolAdmitTotal counts connections admitted by the pool, by tier.
	PoolAdmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_pool_admit_total",
		Help: "Total number of connections admitted, by quality tier.",
	}, []string{"tier"})

	// PoolRejectTotal counts admission rejections, by gate.
	PoolRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_pool_reject_total",
		Help: "Total number of rejected connection requests, by gate (connections, memory).",
	}, []string{"reason"})

	// PoolReclaimTotal counts idle connections closed, by cause.
	PoolReclaimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_pool_reclaim_total",
		Help: "Total number of idle connections closed, by cause (idle_timeout, admission).",
	}, []string{"cause"})

	// TransportOpenTotal counts transport open outcomes.
	TransportOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_transport_open_total",
		Help: "Total number of transport open attempts, by result (ok, error, cancelled).",
	}, []string{"result"})

	// PoolConnections tracks pool connections by phase.
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "farm_pool_connections",
		Help: "Current number of pool connections, by phase (active, idle).",
	}, []string{"phase"})

	// PoolMemoryBytes tracks the pool's memory estimate.
	PoolMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_pool_memory_estimate_bytes",
		Help: "Estimated memory held by open connections.",
	})

	// FanoutFramesTotal counts frames published into the fanout.
	FanoutFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_fanout_frames_total",
		Help: "Total number of frames published to the fanout.",
	})

	// FanoutDropsTotal counts frames dropped from full observer queues.
	FanoutDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_fanout_dropped_frames_total",
		Help: "Total number of frames dropped because an observer queue was full.",
	})

	// Tiles tracks farm tiles by display state.
	Tiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "farm_tiles",
		Help: "Current number of tiles, by display state.",
	}, []string{"state"})

	// InvariantViolationTotal counts broken internal contracts.
	InvariantViolationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_invariant_violation_total",
		Help: "Total number of invariant violations, by rule.",
	}, []string{"rule"})
)

// RecordAdmit increments the admission counter.
func RecordAdmit(tier string) {
	PoolAdmitTotal.WithLabelValues(tier).Inc()
}

// RecordReject increments the rejection counter.
func RecordReject(reason string) {
	PoolRejectTotal.WithLabelValues(reason).Inc()
}

// RecordReclaim increments the reclamation counter.
func RecordReclaim(cause string) {
	PoolReclaimTotal.WithLabelValues(cause).Inc()
}

// RecordOpen increments the transport open counter.
func RecordOpen(result string) {
	TransportOpenTotal.WithLabelValues(result).Inc()
}

// SetPool publishes the pool gauges.
func SetPool(active, idle int, memory uint64) {
	PoolConnections.WithLabelValues("active").Set(float64(active))
	PoolConnections.WithLabelValues("idle").Set(float64(idle))
	PoolMemoryBytes.Set(float64(memory))
}

// SetTiles publishes the per-state tile gauge.
func SetTiles(counts map[string]int) {
	for state, n := range counts {
		Tiles.WithLabelValues(state).Set(float64(n))
	}
}

// RecordInvariantViolation increments the invariant violation counter.
func RecordInvariantViolation(rule string) {
	InvariantViolationTotal.WithLabelValues(rule).Inc()
}
