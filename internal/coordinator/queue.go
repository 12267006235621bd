package coordinator

import (
	"sync"

	"github.com/ocx/sentinel/internal/core"
)

// keyedQueue is the coordinator's scheduling core: per-key strict FIFO,
// at most one in-flight task per key, round-robin over keys so a noisy
// signature cannot starve the rest. Producers never block; a key over
// its pending bound sheds its oldest entry.
type keyedQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   map[string][]core.OperationSummary
	ring      []string // keys with runnable work, round-robin order
	inRing    map[string]bool
	active    map[string]bool
	maxPerKey int
	closed    bool
}

func newKeyedQueue(maxPerKey int) *keyedQueue {
	q := &keyedQueue{
		pending:   make(map[string][]core.OperationSummary),
		inRing:    make(map[string]bool),
		active:    make(map[string]bool),
		maxPerKey: maxPerKey,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue adds work for a key. It reports whether the key's oldest
// pending entry had to be dropped to stay within bounds.
func (q *keyedQueue) enqueue(key string, s core.OperationSummary) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	dropped := false
	if len(q.pending[key]) >= q.maxPerKey {
		q.pending[key] = q.pending[key][1:]
		dropped = true
	}
	q.pending[key] = append(q.pending[key], s)

	if !q.inRing[key] && !q.active[key] {
		q.ring = append(q.ring, key)
		q.inRing[key] = true
	}
	q.cond.Signal()
	return dropped
}

// next blocks until a key is runnable and claims it. The caller must
// pair every successful next with done(key). Returns false after close.
func (q *keyedQueue) next() (string, core.OperationSummary, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return "", core.OperationSummary{}, false
		}
		if len(q.ring) > 0 {
			key := q.ring[0]
			q.ring = q.ring[1:]
			delete(q.inRing, key)

			s := q.pending[key][0]
			q.pending[key] = q.pending[key][1:]
			if len(q.pending[key]) == 0 {
				delete(q.pending, key)
			}
			q.active[key] = true
			return key, s, true
		}
		q.cond.Wait()
	}
}

// done releases a key; if more work arrived meanwhile the key rejoins
// the tail of the ring.
func (q *keyedQueue) done(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, key)
	if len(q.pending[key]) > 0 && !q.inRing[key] {
		q.ring = append(q.ring, key)
		q.inRing[key] = true
		q.cond.Signal()
	}
}

func (q *keyedQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *keyedQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, p := range q.pending {
		n += len(p)
	}
	return n
}
