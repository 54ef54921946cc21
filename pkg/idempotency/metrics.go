package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultAccepted = "accepted"
	resultReplay   = "replay"
	resultFailOpen = "fail_open"
)

var checkTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordination_idempotency_check_total",
		Help: "Idempotency checks by outcome",
	},
	[]string{"result"},
)
