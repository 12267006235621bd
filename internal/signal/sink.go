package signal

import (
	"sync"
	"time"
)

// DefaultOperationCapacity bounds a per-request sink. Operation sinks
// rarely evict; the bound is protection against a runaway detector.
const DefaultOperationCapacity = 1000

// Sink is the write/read contract shared by the operation and global
// sinks. Raise never fails; over-capacity raises evict the oldest entry
// and bump a drop counter instead.
type Sink interface {
	Raise(key Key, payload interface{})
	RaiseFrom(detectorID string, key Key, payload interface{}, confidence float64)
	Sense(pattern Pattern) []Entry
	SenseLatest(pattern Pattern) (Entry, bool)
	Stats() map[string]interface{}
}

// OperationSink is the request-scoped blackboard. It lives from request
// arrival until the response completes and is owned by the orchestrator.
//
// Concurrent Raise calls from parallel detectors are safe but unordered
// with respect to each other; Sense orders by wall-clock timestamp,
// newest first.
type OperationSink struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	dropped  int64
	raised   int64
}

// NewOperationSink creates a sink with the default capacity.
func NewOperationSink() *OperationSink {
	return NewOperationSinkWithCapacity(DefaultOperationCapacity)
}

// NewOperationSinkWithCapacity creates a sink with an explicit bound.
func NewOperationSinkWithCapacity(capacity int) *OperationSink {
	if capacity <= 0 {
		capacity = DefaultOperationCapacity
	}
	return &OperationSink{
		entries:  make([]Entry, 0, 64),
		capacity: capacity,
	}
}

// Raise appends an anonymous signal.
func (s *OperationSink) Raise(key Key, payload interface{}) {
	s.RaiseFrom("", key, payload, 0)
}

// RaiseFrom appends a signal attributed to a detector.
func (s *OperationSink) RaiseFrom(detectorID string, key Key, payload interface{}, confidence float64) {
	entry := Entry{
		Key:        key,
		Payload:    Coerce(payload),
		Timestamp:  time.Now(),
		DetectorID: detectorID,
		Confidence: confidence,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.raised++
	if len(s.entries) >= s.capacity {
		// Evict the oldest entry rather than failing the raise.
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
		s.dropped++
		operationSinkDrops.Inc()
	}
	s.entries = append(s.entries, entry)
}

// Sense returns all entries matching the pattern, newest first. The
// returned slice is an immutable snapshot captured at call time.
func (s *OperationSink) Sense(pattern Pattern) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if pattern.Match(s.entries[i].Key) {
			out = append(out, s.entries[i])
		}
	}
	return out
}

// SenseLatest returns the newest matching entry, if any.
func (s *OperationSink) SenseLatest(pattern Pattern) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if pattern.Match(s.entries[i].Key) {
			return s.entries[i], true
		}
	}
	return Entry{}, false
}

// Keys returns the distinct keys currently held, in first-raised order.
func (s *OperationSink) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[Key]bool, len(s.entries))
	var out []string
	for _, e := range s.entries {
		if !seen[e.Key] {
			seen[e.Key] = true
			out = append(out, string(e.Key))
		}
	}
	return out
}

// Len returns the number of live entries.
func (s *OperationSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats exposes counters for operators.
func (s *OperationSink) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"entries":  len(s.entries),
		"capacity": s.capacity,
		"raised":   s.raised,
		"dropped":  s.dropped,
	}
}
