package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationSinkDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_operation_sink_drops_total",
		Help: "Entries evicted from operation sinks due to capacity.",
	})
	globalSinkDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_global_sink_drops_total",
		Help: "Entries or keys shed from the global sink due to capacity.",
	})
)
