package lease

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	resultAcquired  = "acquired"
	resultContended = "contended"
	resultDegraded  = "degraded"
	resultReleased  = "released"
	resultExtended  = "extended"
	resultMismatch  = "mismatch"
	resultNoop      = "noop"
	resultError     = "error"
	resultCancelled = "cancelled"
)

var (
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_lease_acquire_total",
			Help: "Lease acquisition attempts by outcome",
		},
		[]string{"result"},
	)

	releaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_lease_release_total",
			Help: "Lease releases by outcome",
		},
		[]string{"result"},
	)

	extendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_lease_extend_total",
			Help: "Lease extensions by outcome",
		},
		[]string{"result"},
	)

	degradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordination_lease_degraded_total",
			Help: "Leases handed out without store coordination",
		},
	)

	heldGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordination_lease_scoped_inflight",
			Help: "Units of work currently running under WithLease",
		},
	)
)
