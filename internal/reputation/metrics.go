package reputation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateViolations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_reputation_state_violations_total",
	Help: "Rejected reputation transitions (pinned or confirmed states).",
})
