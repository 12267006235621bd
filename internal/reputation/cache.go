// Package reputation accumulates per-pattern standing across requests.
// Patterns are content hashes (UA hash, collapsed CIDR hash), never raw
// client identifiers. The cache feeds the wave-0 fast path and the wave-1
// bias detector.
package reputation

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
)

const (
	// SupportHalfLife controls the exponential decay of accumulated
	// support: evidence a week old counts half.
	SupportHalfLife = 168 * time.Hour

	// scoreAlpha is the EMA smoothing factor for the bot score.
	scoreAlpha = 0.3

	probableSupport  = 3.0
	confirmedSupport = 10.0
	// confirmedStability is how long a Probably* state must hold before
	// it may harden into Confirmed*.
	confirmedStability = 24 * time.Hour

	probablyBadScore  = 0.7
	probablyGoodScore = 0.3
	suspectScore      = 0.6
)

// Record is one pattern's accumulated standing.
type Record struct {
	PatternID    string               `json:"pattern_id"`
	State        core.ReputationState `json:"state"`
	BotScore     float64              `json:"bot_score"`
	Support      float64              `json:"support"`
	Observations int64                `json:"observations"`
	FirstSeen    time.Time            `json:"first_seen"`
	LastSeen     time.Time            `json:"last_seen"`
	// StateSince is when the current state was entered; Confirmed*
	// requires a day of stability in the matching Probably* state.
	StateSince time.Time `json:"state_since"`
	// Pinned marks admin-set states that observations never move.
	Pinned bool `json:"pinned"`
}

// AuditEntry records a rejected or notable state change.
type AuditEntry struct {
	PatternID string               `json:"pattern_id"`
	From      core.ReputationState `json:"from"`
	To        core.ReputationState `json:"to"`
	Kind      string               `json:"kind"` // "transition", "manual", "violation"
	Reason    string               `json:"reason,omitempty"`
	At        time.Time            `json:"at"`
}

const maxAuditEntries = 1024

// Cache is the in-memory reputation table. All methods are safe for
// concurrent use. It implements detect.ReputationReader.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*Record
	audit   []AuditEntry
	store   Store
	logger  *log.Logger

	transitions int64
	violations  int64
}

// NewCache creates a cache backed by the given store. A nil store means
// memory only.
func NewCache(store Store) *Cache {
	if store == nil {
		store = NoopStore{}
	}
	return &Cache{
		records: make(map[string]*Record),
		store:   store,
		logger:  log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
}

// Warm loads persisted records into the cache, replacing same-id entries.
func (c *Cache) Warm(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range records {
		r := records[i]
		c.records[r.PatternID] = &r
	}
	c.logger.Printf("warmed %d reputation records", len(records))
}

// Lookup implements detect.ReputationReader. Support is returned decayed
// to now.
func (c *Cache) Lookup(patternID string) (detect.ReputationView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[patternID]
	if !ok {
		return detect.ReputationView{}, false
	}
	return detect.ReputationView{
		State:    r.State,
		BotScore: r.BotScore,
		Support:  decayedSupport(r, time.Now()),
	}, true
}

// Observe folds one verdict into the pattern's standing. Weight is the
// verdict's detection confidence; low-confidence verdicts accumulate
// support slowly.
func (c *Cache) Observe(patternID string, botProbability, confidence float64) {
	if patternID == "" {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[patternID]
	if !ok {
		r = &Record{
			PatternID:  patternID,
			State:      core.RepNeutral,
			BotScore:   botProbability,
			FirstSeen:  now,
			StateSince: now,
		}
		c.records[patternID] = r
	} else {
		r.BotScore = scoreAlpha*botProbability + (1-scoreAlpha)*r.BotScore
	}

	r.Support = decayedSupport(r, now) + confidence
	r.Observations++
	r.LastSeen = now

	c.advanceLocked(r, now)
}

// SetManual pins a pattern to an admin-chosen state. Only the two manual
// states may be pinned; Unpin releases them.
func (c *Cache) SetManual(patternID string, state core.ReputationState, reason string) bool {
	if !state.Manual() {
		return false
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[patternID]
	if !ok {
		r = &Record{PatternID: patternID, FirstSeen: now}
		c.records[patternID] = r
	}
	c.auditLocked(r.PatternID, r.State, state, "manual", reason, now)
	r.State = state
	r.StateSince = now
	r.Pinned = true
	r.LastSeen = now
	return true
}

// Unpin releases a manual pin; the next observation re-derives the state.
func (c *Cache) Unpin(patternID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.records[patternID]; ok && r.Pinned {
		c.auditLocked(r.PatternID, r.State, core.RepNeutral, "manual", "unpinned", time.Now())
		r.Pinned = false
		r.State = core.RepNeutral
		r.StateSince = time.Now()
	}
}

// advanceLocked runs the state machine for r. Manual pins are sticky:
// observation-driven demotion attempts are rejected and audited.
func (c *Cache) advanceLocked(r *Record, now time.Time) {
	target := deriveState(r)
	if target == r.State {
		return
	}

	if r.Pinned {
		c.violations++
		c.auditLocked(r.PatternID, r.State, target, "violation", "observation against pinned state", now)
		return
	}

	// Confirmed states only soften via support decay below the probable
	// threshold, never by a single contrary observation.
	if (r.State == core.RepConfirmedBad || r.State == core.RepConfirmedGood) &&
		decayedSupport(r, now) >= probableSupport {
		c.violations++
		c.auditLocked(r.PatternID, r.State, target, "violation", "demotion of confirmed state with live support", now)
		return
	}

	c.transitions++
	c.auditLocked(r.PatternID, r.State, target, "transition", "", now)
	r.State = target
	r.StateSince = now
}

// deriveState maps (score, support, stability) onto the observation-driven
// states. Manual states are never derived.
func deriveState(r *Record) core.ReputationState {
	support := decayedSupport(r, time.Now())

	if support < probableSupport {
		if r.BotScore >= suspectScore {
			return core.RepSuspect
		}
		return core.RepNeutral
	}

	switch {
	case r.BotScore >= probablyBadScore:
		if support >= confirmedSupport && probablyHeld(r, core.RepProbablyBad, core.RepConfirmedBad) {
			return core.RepConfirmedBad
		}
		return core.RepProbablyBad
	case r.BotScore <= probablyGoodScore:
		if support >= confirmedSupport && probablyHeld(r, core.RepProbablyGood, core.RepConfirmedGood) {
			return core.RepConfirmedGood
		}
		return core.RepProbablyGood
	case r.BotScore >= suspectScore:
		return core.RepSuspect
	default:
		return core.RepNeutral
	}
}

// probablyHeld reports whether the record has sat in the probable (or
// already confirmed) state long enough to harden.
func probablyHeld(r *Record, probable, confirmed core.ReputationState) bool {
	if r.State == confirmed {
		return true
	}
	return r.State == probable && time.Since(r.StateSince) >= confirmedStability
}

func decayedSupport(r *Record, now time.Time) float64 {
	if r.Support <= 0 {
		return 0
	}
	age := now.Sub(r.LastSeen)
	if age <= 0 {
		return r.Support
	}
	return r.Support * math.Exp2(-age.Hours()/SupportHalfLife.Hours())
}

func (c *Cache) auditLocked(pid string, from, to core.ReputationState, kind, reason string, at time.Time) {
	if kind == "violation" {
		c.logger.Printf("ReputationStateViolation pattern=%s from=%s to=%s: %s", pid, from, to, reason)
		stateViolations.Inc()
	}
	c.audit = append(c.audit, AuditEntry{
		PatternID: pid, From: from, To: to, Kind: kind, Reason: reason, At: at,
	})
	if len(c.audit) > maxAuditEntries {
		c.audit = c.audit[len(c.audit)-maxAuditEntries:]
	}
}

// AuditLog returns a snapshot of the recent audit entries, oldest first.
func (c *Cache) AuditLog() []AuditEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]AuditEntry{}, c.audit...)
}

// Snapshot copies all records, for persistence flushes.
func (c *Cache) Snapshot() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	return out
}

// Stats exposes counters for operators.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byState := make(map[string]int)
	for _, r := range c.records {
		byState[r.State.String()]++
	}
	return map[string]interface{}{
		"patterns":    len(c.records),
		"by_state":    byState,
		"transitions": c.transitions,
		"violations":  c.violations,
	}
}
