package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fastPathHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_fastpath_bypasses_total",
		Help: "Requests served on a trusted fastpath profile without detection.",
	})
	throttledRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_throttled_requests_total",
		Help: "Requests rejected by the per-signature leaky bucket.",
	})
	fingerprintsLearned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_fingerprints_learned_total",
		Help: "Client-side fingerprints accepted from the probe callback.",
	})
)
