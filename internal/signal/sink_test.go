package signal

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern Pattern
		key     Key
		want    bool
	}{
		{"transport.is_streaming", "transport.is_streaming", true},
		{"transport.is_streaming", "transport.http_version", false},
		{"transport.*", "transport.is_streaming", true},
		{"transport.*", "transport.ws.upgrade", false}, // * is exactly one segment
		{"transport.**", "transport.ws.upgrade", true},
		{"transport.**", "transport", true}, // ** matches zero segments
		{"**", "anything.at.all", true},
		{"*.complete", "operation.complete", true},
		{"operation.complete.*", "operation.complete.a1b2c3d4e5f60718", true},
		{"operation.complete.**", "operation.complete", true},
		{"ua.*.tool", "ua.security.tool", true},
		{"ua.*.tool", "ua.tool", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.pattern, tt.key), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pattern.Match(tt.key))
		})
	}
}

func TestCoerce_UnknownShapeBecomesNil(t *testing.T) {
	p := Coerce(struct{ X int }{X: 1})
	assert.Equal(t, KindNil, p.Kind)

	assert.Equal(t, KindBool, Coerce(true).Kind)
	assert.Equal(t, KindFloat, Coerce(0.7).Kind)
	assert.Equal(t, int64(12), Coerce(12).I)
	assert.Equal(t, "x", Coerce("x").Str())
}

func TestOperationSink_RaiseThenSense(t *testing.T) {
	sink := NewOperationSink()

	sink.Raise("http.path", "/login")
	sink.Raise("http.method", "GET")
	sink.RaiseFrom("ua_scanner", "ua.scraper", true, 0.9)

	// A raised signal must appear in subsequent Sense queries.
	got := sink.Sense("ua.*")
	require.Len(t, got, 1)
	assert.Equal(t, Key("ua.scraper"), got[0].Key)
	assert.Equal(t, "ua_scanner", got[0].DetectorID)
	assert.True(t, got[0].Payload.Bool())

	latest, ok := sink.SenseLatest("http.*")
	require.True(t, ok)
	assert.Equal(t, Key("http.method"), latest.Key)
}

func TestOperationSink_SenseNewestFirst(t *testing.T) {
	sink := NewOperationSink()
	for i := 0; i < 5; i++ {
		sink.Raise("seq.tick", i)
		time.Sleep(time.Millisecond)
	}

	got := sink.Sense("seq.*")
	require.Len(t, got, 5)
	assert.Equal(t, int64(4), got[0].Payload.I)
	assert.Equal(t, int64(0), got[4].Payload.I)
}

func TestOperationSink_CapacityEvictsOldest(t *testing.T) {
	sink := NewOperationSinkWithCapacity(3)
	for i := 0; i < 5; i++ {
		sink.Raise("n", i)
	}

	assert.Equal(t, 3, sink.Len())
	got := sink.Sense("n")
	require.Len(t, got, 3)
	assert.Equal(t, int64(4), got[0].Payload.I)
	assert.Equal(t, int64(2), got[2].Payload.I)

	stats := sink.Stats()
	assert.Equal(t, int64(2), stats["dropped"])
	assert.Equal(t, int64(5), stats["raised"])
}

func TestOperationSink_ConcurrentRaiseSense(t *testing.T) {
	sink := NewOperationSink()

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sink.RaiseFrom(fmt.Sprintf("det%d", d), "load.sig", i, 0)
				sink.Sense("load.*")
			}
		}(d)
	}
	wg.Wait()

	assert.Equal(t, 400, sink.Len())
}

func TestGlobalSink_TTLAndSubscribe(t *testing.T) {
	g := NewGlobalSinkWith(1000, time.Hour)

	feed := g.Subscribe("signature.behavior.*")
	defer g.Unsubscribe(feed)

	g.Raise("operation.complete.aaaa", map[string]interface{}{"path": "/x"})
	g.RaiseFrom("coordinator", "signature.behavior.aberration", map[string]interface{}{
		"signature": "aaaa", "score": 0.75,
	}, 0.75)

	select {
	case e := <-feed:
		assert.Equal(t, Key("signature.behavior.aberration"), e.Key)
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive aberration signal")
	}

	// Pattern query only sees matching keys.
	got := g.Sense("operation.complete.**")
	require.Len(t, got, 1)
	assert.Equal(t, "/x", got[0].Payload.Obj["path"])
}

func TestGlobalSink_CapacityShedsOldKeys(t *testing.T) {
	g := NewGlobalSinkWith(10, time.Hour)
	for i := 0; i < 20; i++ {
		g.Raise(Key(fmt.Sprintf("k.%d", i)), i)
	}

	stats := g.Stats()
	assert.LessOrEqual(t, stats["entries"].(int64), int64(10))
	assert.Positive(t, stats["dropped"].(int64))

	// Newest keys survive.
	_, ok := g.SenseLatest("k.19")
	assert.True(t, ok)
}

func TestGlobalSink_ReaperAccountingUnderLoad(t *testing.T) {
	g := NewGlobalSinkWith(1000, 50*time.Millisecond)

	// Raise, query and read stats concurrently while the TTL reaper
	// evicts behind our back.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				g.RaiseFrom("load", Key(fmt.Sprintf("load.key.%d", (w+i)%8)), i, 0.5)
				g.Sense("load.key.*")
				g.Stats()
			}
		}(w)
	}
	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()

	// Once everything expires, every entry must have been returned to
	// the accounting.
	require.Eventually(t, func() bool {
		s := g.Stats()
		return s["keys"].(int) == 0 && s["entries"].(int64) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
