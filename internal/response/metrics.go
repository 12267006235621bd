package response

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	responseActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_response_actions_total",
		Help: "Blocking-mode response decisions by action.",
	}, []string{"action"})
	responseBlockingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_response_blocking_timeouts_total",
		Help: "Blocking analyses that exceeded their budget and released unchanged.",
	})
	operationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_operations_completed_total",
		Help: "Operations whose summary reached the global sink.",
	})
)
