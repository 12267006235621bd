package coordinator

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/signal"
)

// AberrationKey is raised on the global sink when a signature crosses
// the aberration threshold. The payload carries signature, score and
// reason.
const AberrationKey = signal.Key("signature.behavior.aberration")

// DropKey is raised when a producer sheds its oldest pending update.
const DropKey = signal.Key("coordinator.queue.drop")

// Config bounds the coordinator's windows, storage and scheduling.
type Config struct {
	Window                   time.Duration `yaml:"window"`
	MaxRequests              int           `yaml:"max_requests"`
	MinRequestsForAberration int           `yaml:"min_requests_for_aberration"`
	AberrationThreshold      float64       `yaml:"aberration_threshold"`
	SlidingTTL               time.Duration `yaml:"sliding_ttl"`
	MaxSignatures            int           `yaml:"max_signatures"`
	Workers                  int           `yaml:"workers"`
	MaxPendingPerKey         int           `yaml:"max_pending_per_key"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:                   15 * time.Minute,
		MaxRequests:              100,
		MinRequestsForAberration: 5,
		AberrationThreshold:      0.7,
		SlidingTTL:               30 * time.Minute,
		MaxSignatures:            1000,
		Workers:                  2 * runtime.NumCPU(),
		MaxPendingPerKey:         32,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.MinRequestsForAberration <= 0 {
		c.MinRequestsForAberration = d.MinRequestsForAberration
	}
	if c.AberrationThreshold <= 0 {
		c.AberrationThreshold = d.AberrationThreshold
	}
	if c.SlidingTTL <= 0 {
		c.SlidingTTL = d.SlidingTTL
	}
	if c.MaxSignatures <= 0 {
		c.MaxSignatures = d.MaxSignatures
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxPendingPerKey <= 0 {
		c.MaxPendingPerKey = d.MaxPendingPerKey
	}
	return c
}

// Coordinator owns every signature atom. Updates arrive through a keyed
// queue so each signature is mutated by one goroutine at a time; reads
// go straight to the atom's cached snapshot.
//
// Atom storage is an LRU with a sliding TTL (re-added on every update)
// and an absolute lifetime of twice that: a signature that chats forever
// still gets its window rebuilt from the global sink eventually.
type Coordinator struct {
	cfg    Config
	global *signal.GlobalSink
	logger *log.Logger

	mu    sync.Mutex
	atoms *expirable.LRU[string, *atom]

	queue  *keyedQueue
	events chan Aberration

	wg       sync.WaitGroup
	stopOnce sync.Once

	updates     atomic.Int64
	drops       atomic.Int64
	rebuilds    atomic.Int64
	aberrations atomic.Int64
}

// New starts a coordinator with its worker pool running.
func New(global *signal.GlobalSink, cfg Config) *Coordinator {
	cfg = cfg.normalized()
	c := &Coordinator{
		cfg:    cfg,
		global: global,
		logger: log.New(log.Writer(), "[COORDINATOR] ", log.LstdFlags),
		queue:  newKeyedQueue(cfg.MaxPendingPerKey),
		events: make(chan Aberration, 64),
	}
	c.atoms = expirable.NewLRU[string, *atom](cfg.MaxSignatures, func(_ string, a *atom) {
		a.evict()
		coordinatorEvictions.Inc()
	}, cfg.SlidingTTL)

	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.run()
	}
	return c
}

// RecordAsync enqueues a summary without blocking the caller. Over the
// per-key bound the oldest pending update for that signature is shed and
// a drop signal raised.
func (c *Coordinator) RecordAsync(s core.OperationSummary) {
	if s.Signature == "" {
		return
	}
	if c.queue.enqueue(s.Signature, s) {
		c.drops.Add(1)
		coordinatorDrops.Inc()
		c.global.RaiseFrom("coordinator", DropKey, s.Signature, 0)
	}
}

// Record applies a summary synchronously, bypassing the queue. Callers
// that need read-your-write semantics (and tests) use this.
func (c *Coordinator) Record(s core.OperationSummary) {
	if s.Signature == "" {
		return
	}
	c.process(s.Signature, s)
}

// Query implements detect.BehaviorReader. A signature whose atom was
// evicted is rebuilt from the surviving global-sink entries.
func (c *Coordinator) Query(sig string) (detect.BehaviorSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.atoms.Get(sig); ok {
		return a.view(), true
	}
	a := c.rebuildLocked(sig)
	if a == nil {
		return detect.BehaviorSnapshot{}, false
	}
	c.atoms.Add(sig, a)
	return a.view(), true
}

// Snapshots copies every live atom's cached metrics. The cluster engine
// consumes this; it never sees the underlying windows.
func (c *Coordinator) Snapshots() []detect.BehaviorSnapshot {
	c.mu.Lock()
	keys := c.atoms.Keys()
	atoms := make([]*atom, 0, len(keys))
	for _, k := range keys {
		if a, ok := c.atoms.Peek(k); ok {
			atoms = append(atoms, a)
		}
	}
	c.mu.Unlock()

	out := make([]detect.BehaviorSnapshot, 0, len(atoms))
	for _, a := range atoms {
		out = append(out, a.view())
	}
	return out
}

// AberrationSignals streams threshold crossings to in-process consumers.
// Delivery is best-effort; the authoritative record is the global sink.
func (c *Coordinator) AberrationSignals() <-chan Aberration {
	return c.events
}

// Stop drains nothing: pending queue entries are discarded, workers
// exit, the event stream closes.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.queue.close()
		c.wg.Wait()
		close(c.events)
	})
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		key, s, ok := c.queue.next()
		if !ok {
			return
		}
		c.process(key, s)
		c.queue.done(key)
	}
}

func (c *Coordinator) process(key string, s core.OperationSummary) {
	a := c.atomFor(key)
	ev, crossed := a.record(s, c.cfg)
	c.updates.Add(1)
	coordinatorUpdates.Inc()

	if crossed {
		c.aberrations.Add(1)
		coordinatorAberrations.Inc()
		c.logger.Printf("aberration: sig=%s score=%.2f reason=%q", ev.Signature, ev.Score, ev.Reason)
		c.global.RaiseFrom("coordinator", AberrationKey, map[string]interface{}{
			"signature": ev.Signature,
			"score":     ev.Score,
			"reason":    ev.Reason,
		}, ev.Score)
		select {
		case c.events <- ev:
		default:
		}
	}
}

// atomFor returns the live atom for a signature, creating or rebuilding
// one as needed. Every touch slides the TTL; an atom past its absolute
// lifetime is replaced so the window re-derives from the sink.
func (c *Coordinator) atomFor(sig string) *atom {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.atoms.Get(sig); ok {
		if time.Since(a.createdAt) <= 2*c.cfg.SlidingTTL {
			c.atoms.Add(sig, a) // slide the TTL
			return a
		}
		a.evict()
		c.atoms.Remove(sig)
	}

	a := c.rebuildLocked(sig)
	if a == nil {
		a = newAtom(sig)
	}
	c.atoms.Add(sig, a)
	return a
}

// rebuildLocked reconstructs an atom from operation.complete entries
// still held by the global sink. Returns nil when nothing survives.
func (c *Coordinator) rebuildLocked(sig string) *atom {
	entries := c.global.Sense(signal.Pattern("operation.complete." + sig))
	if len(entries) == 0 {
		return nil
	}

	a := newAtom(sig)
	n := 0
	// Sense returns newest first; replay oldest first. Aberration events
	// are not re-raised during replay.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Payload.Kind != signal.KindObject {
			continue
		}
		s := core.SummaryFromAttrs(e.Payload.Obj)
		if s.Signature != sig {
			continue
		}
		a.record(s, c.cfg)
		n++
	}
	if n == 0 {
		return nil
	}
	c.rebuilds.Add(1)
	coordinatorRebuilds.Inc()
	c.logger.Printf("rebuilt atom: sig=%s entries=%d", sig, n)
	return a
}

// Stats exposes counters for operators.
func (c *Coordinator) Stats() map[string]interface{} {
	c.mu.Lock()
	tracked := c.atoms.Len()
	c.mu.Unlock()

	return map[string]interface{}{
		"signatures":  tracked,
		"pending":     c.queue.depth(),
		"updates":     c.updates.Load(),
		"drops":       c.drops.Load(),
		"rebuilds":    c.rebuilds.Load(),
		"aberrations": c.aberrations.Load(),
	}
}
