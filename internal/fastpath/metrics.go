package fastpath

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fastpathMatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_fastpath_matches_total",
	Help: "Fast-path lookups, by match kind.",
}, []string{"kind"})
