package middleware

import (
	"github.com/kevinms/leakybucket-go"
)

// Throttle enforces the Throttle verdict action with a per-signature
// leaky bucket: sustained rate plus a burst allowance, not a hard gate.
type Throttle struct {
	collector *leakybucket.Collector
}

// NewThrottle allows ratePerSecond sustained requests with the given
// burst capacity per signature.
func NewThrottle(ratePerSecond float64, burst int64) *Throttle {
	if ratePerSecond <= 0 {
		ratePerSecond = 2
	}
	if burst <= 0 {
		burst = 10
	}
	return &Throttle{collector: leakybucket.NewCollector(ratePerSecond, burst, true)}
}

// Allow reports whether the signature still fits in its bucket.
func (t *Throttle) Allow(signature string) bool {
	return t.collector.Add(signature, 1) > 0
}
