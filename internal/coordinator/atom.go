// Package coordinator tracks per-signature behavior across requests:
// sliding windows of operation summaries, derived timing and path
// metrics, and aberration detection.
package coordinator

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
)

// atomFlag is the atom lifecycle state. Aberrant is one-way within a
// window; Evicted is terminal for the instance.
type atomFlag int

const (
	flagActive atomFlag = iota
	flagAberrant
	flagEvicted
)

// Aberration is one crossing of the aberration threshold.
type Aberration struct {
	Signature string
	Score     float64
	Reason    string
	At        time.Time
}

// atom is one signature's sliding window. All mutation happens inside
// its mutex; the cached snapshot is recomputed after every append so
// reads always agree with the window contents.
type atom struct {
	mu        sync.Mutex
	signature string
	createdAt time.Time
	entries   []core.OperationSummary // ordered by timestamp, oldest first
	snapshot  detect.BehaviorSnapshot
	flag      atomFlag
}

func newAtom(signature string) *atom {
	now := time.Now()
	return &atom{
		signature: signature,
		createdAt: now,
		snapshot:  detect.BehaviorSnapshot{Signature: signature, WindowStart: now},
	}
}

// record appends one summary, trims the window, and recomputes the
// cached metrics. It returns an aberration event the first time the
// score crosses the threshold in this window.
func (a *atom) record(s core.OperationSummary, cfg Config) (Aberration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Replays of the same request must not skew the window.
	for i := range a.entries {
		if a.entries[i].RequestID == s.RequestID {
			return Aberration{}, false
		}
	}

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	a.entries = append(a.entries, s)
	// Out-of-order arrivals are rare; restore the timestamp invariant.
	if n := len(a.entries); n > 1 && a.entries[n-2].Timestamp.After(s.Timestamp) {
		sort.SliceStable(a.entries, func(i, j int) bool {
			return a.entries[i].Timestamp.Before(a.entries[j].Timestamp)
		})
	}

	cutoff := time.Now().Add(-cfg.Window)
	trimmed := a.entries[:0]
	for _, e := range a.entries {
		if e.Timestamp.After(cutoff) {
			trimmed = append(trimmed, e)
		}
	}
	a.entries = trimmed
	if over := len(a.entries) - cfg.MaxRequests; over > 0 {
		a.entries = a.entries[over:]
	}

	wasAberrant := a.flag == flagAberrant
	a.recomputeLocked(cfg)

	if a.snapshot.Aberrant && !wasAberrant {
		a.flag = flagAberrant
		return Aberration{
			Signature: a.signature,
			Score:     a.snapshot.AberrationScore,
			Reason:    aberrationReason(a.snapshot),
			At:        time.Now(),
		}, true
	}
	return Aberration{}, false
}

// recomputeLocked rebuilds the cached snapshot from the window.
func (a *atom) recomputeLocked(cfg Config) {
	n := len(a.entries)
	snap := detect.BehaviorSnapshot{
		Signature: a.signature,
		Requests:  n,
		LastSeen:  time.Now(),
	}
	if n == 0 {
		a.snapshot = snap
		return
	}

	snap.WindowStart = a.entries[0].Timestamp
	snap.Country = a.entries[n-1].Country
	snap.ASN = a.entries[n-1].ASN
	snap.Datacenter = a.entries[n-1].Datacenter

	paths := make(map[string]int, n)
	var botSum float64
	for _, e := range a.entries {
		paths[e.Path]++
		botSum += e.BotProbability
		if e.TransportClass == "websocket" {
			snap.UpgradeCount++
		}
	}
	snap.AvgBotProbability = botSum / float64(n)
	snap.PathDiversity = float64(len(paths)) / float64(n)
	snap.PathEntropy = shannonEntropy(paths, n)

	if n >= 2 {
		intervals := make([]float64, 0, n-1)
		for i := 1; i < n; i++ {
			intervals = append(intervals, a.entries[i].Timestamp.Sub(a.entries[i-1].Timestamp).Seconds())
		}
		snap.Intervals = intervals
		mean, sd := meanStddev(intervals)
		snap.MeanIntervalSeconds = mean
		if mean > 0 {
			snap.TimingCV = sd / mean
		}
		if span := a.entries[n-1].Timestamp.Sub(a.entries[0].Timestamp).Seconds(); span > 0 {
			snap.RequestRate = float64(n) / span
		}
	}

	snap.AberrationScore = aberrationScore(snap)
	snap.Aberrant = snap.AberrationScore >= cfg.AberrationThreshold && n >= cfg.MinRequestsForAberration
	a.snapshot = snap
}

// view copies the cached snapshot without touching the window.
func (a *atom) view() detect.BehaviorSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.snapshot
	snap.Intervals = append([]float64{}, a.snapshot.Intervals...)
	return snap
}

func (a *atom) evict() {
	a.mu.Lock()
	a.flag = flagEvicted
	a.mu.Unlock()
}

// aberrationScore folds the window metrics into [0,1]. Each clause is a
// distinct automation tell; a lone tell never crosses the threshold.
func aberrationScore(s detect.BehaviorSnapshot) float64 {
	score := 0.0
	if s.AvgBotProbability > 0.6 {
		score += 0.3 * s.AvgBotProbability
	}
	if s.PathEntropy > 3.0 {
		score += 0.25
	}
	if s.Requests >= 2 && s.TimingCV < 0.15 {
		score += 0.25
	}
	if s.Requests >= 2 && s.MeanIntervalSeconds < 2.0 {
		score += 0.20
	}
	return math.Min(score, 1.0)
}

func aberrationReason(s detect.BehaviorSnapshot) string {
	switch {
	case s.PathEntropy > 3.0 && s.TimingCV < 0.15:
		return "metronomic path sweep"
	case s.TimingCV < 0.15:
		return "metronomic timing"
	case s.PathEntropy > 3.0:
		return "high path entropy"
	case s.MeanIntervalSeconds < 2.0:
		return "sustained high rate"
	default:
		return "elevated bot probability"
	}
}

func shannonEntropy(freq map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range freq {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.Mean(xs, nil), stat.PopStdDev(xs, nil)
}
