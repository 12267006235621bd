package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/signal"
)

type stubSource struct {
	snaps []detect.BehaviorSnapshot
}

func (s *stubSource) Snapshots() []detect.BehaviorSnapshot { return s.snaps }

// metronomic intervals: alternating 2.3s and 2.5s, enough samples for
// the spectral lane.
func metronomicIntervals(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 2.3
		} else {
			out[i] = 2.5
		}
	}
	return out
}

func botSnapshot(sig string) detect.BehaviorSnapshot {
	return detect.BehaviorSnapshot{
		Signature:         sig,
		Requests:          13,
		TimingCV:          0.03,
		RequestRate:       1.0,
		PathDiversity:     0.2,
		PathEntropy:       1.0,
		AvgBotProbability: 0.9,
		Intervals:         metronomicIntervals(12),
		Country:           "NL",
		ASN:               14061,
		Datacenter:        true,
	}
}

func clusterFixture() *stubSource {
	return &stubSource{snaps: []detect.BehaviorSnapshot{
		botSnapshot("bot-a"),
		botSnapshot("bot-b"),
		botSnapshot("bot-c"),
		{
			// A bot with nothing in common with the fleet.
			Signature:         "loner",
			Requests:          4,
			TimingCV:          1.5,
			RequestRate:       0.01,
			PathDiversity:     1.0,
			PathEntropy:       5.6,
			AvgBotProbability: 0.55,
			Intervals:         []float64{30, 400, 2},
			Country:           "US",
			ASN:               7018,
		},
		{
			// Human traffic never enters the pipeline.
			Signature:         "human",
			Requests:          20,
			AvgBotProbability: 0.1,
		},
	}}
}

func TestSpectralFeatures(t *testing.T) {
	t.Run("too few samples read neutral", func(t *testing.T) {
		got := spectralFeatures([]float64{2.4, 2.4, 2.4})
		assert.Equal(t, [4]float64{0.5, 0.5, 0.5, 0.5}, got)
	})

	t.Run("metronomic alternation is a pure tone", func(t *testing.T) {
		got := spectralFeatures(metronomicIntervals(12))
		assert.Less(t, got[0], 0.3, "spectral entropy")
		assert.Greater(t, got[1], 0.9, "harmonic ratio")
		assert.Greater(t, got[2], 0.7, "peak sharpness")
		assert.InDelta(t, 1.0, got[3], 0.001, "dominant frequency at Nyquist")
	})
}

func TestTemporalCorrelation(t *testing.T) {
	series := metronomicIntervals(16)

	corr, ok := temporalCorrelation(series, series)
	require.True(t, ok)
	assert.InDelta(t, 1.0, corr, 0.01)

	_, ok = temporalCorrelation(series, []float64{1, 2})
	assert.False(t, ok)
}

func TestEngine_BuildsClusters(t *testing.T) {
	g := signal.NewGlobalSink()
	e := NewEngine(clusterFixture(), g, nil, DefaultConfig())

	e.Rebuild()

	info, ok := e.ClusterOf("bot-a")
	require.True(t, ok)
	assert.Equal(t, 3, info.Size)
	assert.Equal(t, "BotProduct", info.Type)
	assert.InDelta(t, 0.9, info.AvgBotProbability, 0.001)
	assert.GreaterOrEqual(t, info.AvgSimilarity, 0.8)
	assert.NotEmpty(t, info.Label)

	// All three fleet members resolve to the same cluster.
	infoB, ok := e.ClusterOf("bot-b")
	require.True(t, ok)
	assert.Equal(t, info.ID, infoB.ID)

	_, ok = e.ClusterOf("loner")
	assert.False(t, ok, "dissimilar signature must stay unclustered")
	_, ok = e.ClusterOf("human")
	assert.False(t, ok, "sub-threshold signatures are filtered before clustering")

	// The same members always hash to the same cluster id.
	e.Rebuild()
	again, ok := e.ClusterOf("bot-a")
	require.True(t, ok)
	assert.Equal(t, info.ID, again.ID)

	raised := g.Sense(signal.Pattern(string(RebuiltKey)))
	require.NotEmpty(t, raised)
}

func TestEngine_LabelPropagationFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = "label_propagation"
	e := NewEngine(clusterFixture(), signal.NewGlobalSink(), nil, cfg)

	e.Rebuild()

	info, ok := e.ClusterOf("bot-c")
	require.True(t, ok)
	assert.Equal(t, 3, info.Size)
}

func TestEngine_DetectionBurstTriggersRebuild(t *testing.T) {
	g := signal.NewGlobalSink()
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // timer path out of the picture
	cfg.MinBotDetectionsToTrigger = 5

	e := NewEngine(clusterFixture(), g, nil, cfg)
	e.Start()
	defer e.Stop()

	for i := 0; i < 5; i++ {
		g.RaiseFrom("response", signal.Key("operation.complete.bot-a"), map[string]interface{}{
			"bot_probability": 0.9,
		}, 0)
	}

	require.Eventually(t, func() bool {
		_, ok := e.ClusterOf("bot-a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCountryTracker(t *testing.T) {
	tr := NewCountryTracker(time.Hour, 3)

	tr.Observe("CN", 1.0)
	tr.Observe("CN", 1.0)
	assert.Zero(t, tr.Score("CN"), "below the sample floor")

	tr.Observe("CN", 1.0)
	assert.InDelta(t, 1.0, tr.Score("CN"), 0.001)

	// One decay constant of silence, then a clean observation: the old
	// rate keeps weight e^-1.
	tr.mu.Lock()
	tr.entries["CN"].last = time.Now().Add(-time.Hour)
	tr.mu.Unlock()
	tr.Observe("CN", 0.0)
	assert.InDelta(t, 0.368, tr.Score("CN"), 0.01)

	assert.Zero(t, tr.Score("ZZ"))
}
