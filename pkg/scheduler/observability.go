package scheduler

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	runStatusSucceeded = "succeeded"
	runStatusFailed    = "failed"
	runStatusSkipped   = "skipped"
	runStatusDegraded  = "degraded"
)

var (
	schedulerRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_scheduler_run_total",
			Help: "Scheduled task slots by outcome",
		},
		[]string{"task", "status"},
	)

	schedulerRunInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordination_scheduler_run_inflight",
			Help: "Scheduled task runs currently executing on this instance",
		},
		[]string{"task"},
	)
)

func recordSchedulerRun(taskName, status string) {
	schedulerRunTotal.WithLabelValues(
		normalizeSchedulerLabel(taskName),
		normalizeSchedulerLabel(status),
	).Inc()
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
