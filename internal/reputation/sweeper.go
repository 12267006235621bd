package reputation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/core"
)

// Sweeper periodically re-derives states as support decays and flushes
// the cache to its store. Without it, a pattern that stops appearing
// would keep its last state forever.
type Sweeper struct {
	cache  *Cache
	config SweepConfig
	stopCh chan struct{}
	once   sync.Once
	logger *log.Logger
}

// SweepConfig holds the sweeper's knobs.
type SweepConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// EvictBelow drops unpinned records whose decayed support fell
	// under this value.
	EvictBelow float64

	// FlushTimeout bounds each persistence write.
	FlushTimeout time.Duration
}

// DefaultSweepConfig returns the production defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:     15 * time.Minute,
		EvictBelow:   0.01,
		FlushTimeout: 5 * time.Second,
	}
}

// NewSweeper creates and starts the background sweeper.
func NewSweeper(cache *Cache, cfg SweepConfig) *Sweeper {
	s := &Sweeper{
		cache:  cache,
		config: cfg,
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[REP-SWEEP] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Stop halts the sweeper after a final flush.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Printf("started (interval=%s, evict_below=%.3f)", s.config.Interval, s.config.EvictBelow)
	for {
		select {
		case <-ticker.C:
			s.sweep()
			s.flush()
		case <-s.stopCh:
			s.flush()
			s.logger.Println("stopped")
			return
		}
	}
}

// sweep re-derives every unpinned record's state against decayed support
// and evicts records that faded out entirely.
func (s *Sweeper) sweep() {
	now := time.Now()

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	evicted, softened := 0, 0
	for pid, r := range s.cache.records {
		if r.Pinned {
			continue
		}
		support := decayedSupport(r, now)
		if support < s.config.EvictBelow {
			delete(s.cache.records, pid)
			evicted++
			continue
		}

		// Decay can soften a confirmed state back to probable; that path
		// bypasses the demotion guard because it is the guard's one
		// sanctioned exit.
		if support < confirmedSupport {
			switch r.State {
			case core.RepConfirmedBad:
				s.cache.auditLocked(pid, r.State, core.RepProbablyBad, "transition", "support decayed", now)
				r.State = core.RepProbablyBad
				r.StateSince = now
				softened++
			case core.RepConfirmedGood:
				s.cache.auditLocked(pid, r.State, core.RepProbablyGood, "transition", "support decayed", now)
				r.State = core.RepProbablyGood
				r.StateSince = now
				softened++
			}
		}
	}

	if evicted > 0 || softened > 0 {
		s.logger.Printf("sweep: evicted=%d softened=%d remaining=%d", evicted, softened, len(s.cache.records))
	}
}

func (s *Sweeper) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
	defer cancel()

	if err := s.cache.store.SaveAll(ctx, s.cache.Snapshot()); err != nil {
		s.logger.Printf("flush failed: %v", err)
	}
}
