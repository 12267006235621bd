package signal

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultGlobalCapacity bounds the total entries held process-wide.
	DefaultGlobalCapacity = 100000
	// DefaultGlobalTTL is how long a key survives without being touched.
	DefaultGlobalTTL = 24 * time.Hour

	// maxKeys bounds the number of distinct keys the LRU tracks.
	maxKeys = 16384
	// perKeyCap bounds the entries retained under a single key.
	perKeyCap = 256
	// subscriberBuffer is the channel depth handed to subscribers.
	subscriberBuffer = 256
)

// keyBucket holds one key's entries. The slice is guarded by the sink
// mutex; count mirrors its length atomically so the LRU's TTL reaper,
// which runs outside that mutex, can settle the totals on eviction.
type keyBucket struct {
	entries []Entry // oldest first
	count   atomic.Int64
}

type subscriber struct {
	pattern Pattern
	ch      chan Entry
}

// GlobalSink is the process-scoped sink. Entries survive the requests
// that raised them: the signature coordinator rebuilds evicted atoms from
// here, and the cluster engine consumes aberration signals from here.
//
// Keys are evicted by LRU access order and by TTL; eviction never fails a
// Raise.
type GlobalSink struct {
	mu       sync.Mutex
	buckets  *expirable.LRU[Key, *keyBucket]
	total    atomic.Int64
	capacity int
	dropped  int64
	raised   int64

	subMu sync.RWMutex
	subs  []*subscriber

	logger *log.Logger
}

// NewGlobalSink creates a global sink with default capacity and TTL.
func NewGlobalSink() *GlobalSink {
	return NewGlobalSinkWith(DefaultGlobalCapacity, DefaultGlobalTTL)
}

// NewGlobalSinkWith creates a global sink with explicit bounds.
func NewGlobalSinkWith(capacity int, ttl time.Duration) *GlobalSink {
	if capacity <= 0 {
		capacity = DefaultGlobalCapacity
	}
	if ttl <= 0 {
		ttl = DefaultGlobalTTL
	}

	g := &GlobalSink{
		capacity: capacity,
		logger:   log.New(log.Writer(), "[GLOBAL-SINK] ", log.LstdFlags),
	}
	g.buckets = expirable.NewLRU[Key, *keyBucket](maxKeys, func(_ Key, b *keyBucket) {
		// The TTL reaper invokes this from its own goroutine without the
		// sink mutex; only the atomics are safe to touch here.
		g.total.Add(-b.count.Swap(0))
	}, ttl)
	return g
}

// Raise appends an anonymous signal.
func (g *GlobalSink) Raise(key Key, payload interface{}) {
	g.RaiseFrom("", key, payload, 0)
}

// RaiseFrom appends a signal attributed to a detector or component.
func (g *GlobalSink) RaiseFrom(source string, key Key, payload interface{}, confidence float64) {
	entry := Entry{
		Key:        key,
		Payload:    Coerce(payload),
		Timestamp:  time.Now(),
		DetectorID: source,
		Confidence: confidence,
	}

	g.mu.Lock()
	bucket, ok := g.buckets.Get(key)
	if !ok {
		// Get also misses on a key that expired but has not been reaped
		// yet; Remove settles that bucket's count through the eviction
		// callback before the fresh bucket goes in.
		g.buckets.Remove(key)
		bucket = &keyBucket{}
		g.buckets.Add(key, bucket)
	}
	if len(bucket.entries) >= perKeyCap {
		copy(bucket.entries, bucket.entries[1:])
		bucket.entries = bucket.entries[:len(bucket.entries)-1]
		bucket.count.Add(-1)
		g.total.Add(-1)
		g.dropped++
		globalSinkDrops.Inc()
	}
	bucket.entries = append(bucket.entries, entry)
	bucket.count.Add(1)
	g.total.Add(1)
	g.raised++

	// The reaper may have expired the key between the lookup above and
	// now, settling its count to zero. Re-add the bucket and reconcile so
	// the entries it still holds stay reachable and accounted.
	if !g.buckets.Contains(key) {
		g.total.Add(int64(len(bucket.entries)) - bucket.count.Swap(int64(len(bucket.entries))))
		g.buckets.Add(key, bucket)
	}

	// Over capacity: shed least-recently-accessed keys wholesale.
	for g.total.Load() > int64(g.capacity) {
		if _, _, ok := g.buckets.RemoveOldest(); !ok {
			break
		}
		g.dropped++
		globalSinkDrops.Inc()
	}
	g.mu.Unlock()

	g.notify(entry)
}

// Sense returns entries matching the pattern across all live keys,
// newest first.
func (g *GlobalSink) Sense(pattern Pattern) []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Entry
	for _, k := range g.buckets.Keys() {
		if !pattern.Match(k) {
			continue
		}
		if bucket, ok := g.buckets.Peek(k); ok {
			out = append(out, bucket.entries...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// SenseLatest returns the newest matching entry, if any.
func (g *GlobalSink) SenseLatest(pattern Pattern) (Entry, bool) {
	matches := g.Sense(pattern)
	if len(matches) == 0 {
		return Entry{}, false
	}
	return matches[0], true
}

// Subscribe registers a live feed of entries matching the pattern.
// Delivery is best-effort: a full subscriber channel drops the entry
// rather than blocking the raiser.
func (g *GlobalSink) Subscribe(pattern Pattern) <-chan Entry {
	sub := &subscriber{pattern: pattern, ch: make(chan Entry, subscriberBuffer)}

	g.subMu.Lock()
	g.subs = append(g.subs, sub)
	g.subMu.Unlock()

	return sub.ch
}

// Unsubscribe removes a feed and closes its channel.
func (g *GlobalSink) Unsubscribe(ch <-chan Entry) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	for i, sub := range g.subs {
		if sub.ch == ch {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (g *GlobalSink) notify(entry Entry) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()

	for _, sub := range g.subs {
		if !sub.pattern.Match(entry.Key) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Subscriber is behind; drop rather than block the raiser.
		}
	}
}

// Stats exposes counters for operators.
func (g *GlobalSink) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]interface{}{
		"keys":     g.buckets.Len(),
		"entries":  g.total.Load(),
		"capacity": g.capacity,
		"raised":   g.raised,
		"dropped":  g.dropped,
	}
}
