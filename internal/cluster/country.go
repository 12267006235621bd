package cluster

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultDecayTau is the country EMA decay constant.
	DefaultDecayTau = 168 * time.Hour
	// DefaultMinSampleSize is how many observations a country needs
	// before its score is trusted.
	DefaultMinSampleSize = 10
)

type countryEntry struct {
	rate    float64
	samples int
	last    time.Time
}

// CountryTracker keeps a per-country exponentially decayed bot rate.
// It implements detect.CountryScorer; Score reads 0 until a country has
// accumulated enough samples to mean anything.
type CountryTracker struct {
	mu         sync.RWMutex
	entries    map[string]*countryEntry
	tau        time.Duration
	minSamples int
}

// NewCountryTracker creates a tracker with the given decay constant and
// minimum sample size; zero values select the defaults.
func NewCountryTracker(tau time.Duration, minSamples int) *CountryTracker {
	if tau <= 0 {
		tau = DefaultDecayTau
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSampleSize
	}
	return &CountryTracker{
		entries:    make(map[string]*countryEntry),
		tau:        tau,
		minSamples: minSamples,
	}
}

// Observe folds one verdict into the country's rate. Older state decays
// by exp(-dt/tau) before the new observation is blended in.
func (t *CountryTracker) Observe(country string, botProbability float64) {
	if country == "" {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[country]
	if !ok {
		t.entries[country] = &countryEntry{rate: botProbability, samples: 1, last: now}
		return
	}

	w := math.Exp(-now.Sub(e.last).Seconds() / t.tau.Seconds())
	e.rate = w*e.rate + (1-w)*botProbability
	e.samples++
	e.last = now
}

// Score returns the country's decayed bot rate, or 0 below the sample
// floor.
func (t *CountryTracker) Score(country string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[country]
	if !ok || e.samples < t.minSamples {
		return 0
	}
	return e.rate
}

// Stats exposes per-country sample counts for operators.
func (t *CountryTracker) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int, len(t.entries))
	for c, e := range t.entries {
		counts[c] = e.samples
	}
	return map[string]interface{}{
		"countries": len(t.entries),
		"samples":   counts,
	}
}
