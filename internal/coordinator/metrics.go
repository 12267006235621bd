package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	coordinatorUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_coordinator_updates_total",
		Help: "Operation summaries folded into signature atoms.",
	})
	coordinatorDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_coordinator_drops_total",
		Help: "Pending updates shed because a signature exceeded its queue bound.",
	})
	coordinatorAberrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_coordinator_aberrations_total",
		Help: "Aberration threshold crossings raised.",
	})
	coordinatorRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_coordinator_rebuilds_total",
		Help: "Atoms reconstructed from surviving global sink entries.",
	})
	coordinatorEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_coordinator_evictions_total",
		Help: "Signature atoms evicted by LRU pressure or TTL.",
	})
)
