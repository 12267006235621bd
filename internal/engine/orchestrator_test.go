package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/policy"
	"github.com/ocx/sentinel/internal/signal"
)

// stubDetector is a scriptable detector for orchestrator tests.
type stubDetector struct {
	detect.Meta
	ran  *atomic.Bool
	fn   func(st *detect.State) []detect.Contribution
	fail error
	boom bool
}

func (d *stubDetector) Contribute(_ context.Context, st *detect.State) ([]detect.Contribution, error) {
	if d.ran != nil {
		d.ran.Store(true)
	}
	if d.boom {
		panic("stub exploded")
	}
	if d.fail != nil {
		return nil, d.fail
	}
	if d.fn == nil {
		return nil, nil
	}
	return d.fn(st), nil
}

func newTestOrchestrator(t *testing.T, pol *policy.Policy, dets ...detect.Detector) *Orchestrator {
	t.Helper()
	reg := detect.NewRegistry()
	for _, d := range dets {
		reg.Register(d)
	}
	pols := policy.NewRegistry()
	pols.Add(pol)
	require.NoError(t, pols.SetDefault(pol.Name))
	return NewOrchestrator(reg, pols, Deps{})
}

func testRequest() *core.Request {
	return &core.Request{
		ID:        "req-1",
		Method:    "GET",
		Path:      "/products",
		Host:      "example.com",
		ClientIP:  "203.0.113.9",
		UserAgent: "test-agent",
		Headers:   map[string][]string{"Host": {"example.com"}},
		Signature: "a1b2c3d4e5f60718",
		Received:  time.Now(),
	}
}

func TestDetect_NoEvidence(t *testing.T) {
	pol := &policy.Policy{Name: "test", FastPath: []string{"quiet"}}
	o := newTestOrchestrator(t, pol, &stubDetector{Meta: detect.Meta{ID: "quiet"}})

	v, sink := o.Detect(context.Background(), testRequest())
	require.NotNil(t, sink)

	assert.Equal(t, 0.5, v.BotProbability)
	assert.Equal(t, 0.0, v.Confidence)
	assert.Equal(t, core.ActionAllow, v.Action)
	assert.Equal(t, "test", v.Policy)
	assert.GreaterOrEqual(t, v.ProcessingMs, 0.0)

	// Request facts are seeded before wave 0.
	_, ok := sink.SenseLatest("http.path")
	assert.True(t, ok)
	_, ok = sink.SenseLatest("http.signature")
	assert.True(t, ok)
}

func TestDetect_VerifiedBadEndsPipeline(t *testing.T) {
	var laterRan atomic.Bool
	pol := &policy.Policy{Name: "test", FastPath: []string{"tripwire"}, SlowPath: []string{"later"}}

	o := newTestOrchestrator(t, pol,
		&stubDetector{
			Meta: detect.Meta{ID: "tripwire", Cat: detect.CategoryHeuristic},
			fn: func(*detect.State) []detect.Contribution {
				return []detect.Contribution{{
					Detector: "tripwire", Category: detect.CategoryHeuristic,
					ConfidenceDelta: 1.0, Weight: 5.0,
					BotType: core.BotTypeMaliciousBot, BotName: "tool",
					TriggerEarlyExit: true, VerifiedBad: true,
				}}
			},
		},
		&stubDetector{Meta: detect.Meta{ID: "later", WaveNum: 1}, ran: &laterRan},
	)

	v, _ := o.Detect(context.Background(), testRequest())

	assert.GreaterOrEqual(t, v.BotProbability, 0.95)
	assert.GreaterOrEqual(t, v.Confidence, 0.95)
	assert.Equal(t, core.ActionBlock, v.Action)
	assert.Equal(t, core.BotTypeMaliciousBot, v.BotType)
	assert.False(t, laterRan.Load(), "slow path must not run after a verified exit")
}

func TestDetect_TriggerGating(t *testing.T) {
	makeGated := func(ran *atomic.Bool) *stubDetector {
		return &stubDetector{
			Meta: detect.Meta{ID: "gated", WaveNum: 1, TriggerPats: []signal.Pattern{"foo.*"}},
			ran:  ran,
		}
	}

	t.Run("skipped without trigger signal", func(t *testing.T) {
		var ran atomic.Bool
		pol := &policy.Policy{Name: "test", FastPath: []string{"quiet"}, SlowPath: []string{"gated"}}
		o := newTestOrchestrator(t, pol,
			&stubDetector{Meta: detect.Meta{ID: "quiet"}},
			makeGated(&ran),
		)

		o.Detect(context.Background(), testRequest())
		assert.False(t, ran.Load())
	})

	t.Run("runs once trigger is present", func(t *testing.T) {
		var ran atomic.Bool
		pol := &policy.Policy{Name: "test", FastPath: []string{"raiser"}, SlowPath: []string{"gated"}}
		o := newTestOrchestrator(t, pol,
			&stubDetector{
				Meta: detect.Meta{ID: "raiser"},
				fn: func(st *detect.State) []detect.Contribution {
					st.Raise("raiser", "foo.bar", true, 0.5)
					return nil
				},
			},
			makeGated(&ran),
		)

		o.Detect(context.Background(), testRequest())
		assert.True(t, ran.Load())
	})
}

func TestDetect_DetectorFailuresIsolated(t *testing.T) {
	pol := &policy.Policy{Name: "test", FastPath: []string{"boomer", "broken", "steady"}}
	o := newTestOrchestrator(t, pol,
		&stubDetector{Meta: detect.Meta{ID: "boomer"}, boom: true},
		&stubDetector{Meta: detect.Meta{ID: "broken"}, fail: errors.New("lookup failed")},
		&stubDetector{
			Meta: detect.Meta{ID: "steady", Cat: detect.CategoryUA},
			fn: func(*detect.State) []detect.Contribution {
				return []detect.Contribution{{
					Detector: "steady", Category: detect.CategoryUA,
					ConfidenceDelta: 0.8, Weight: 2.0, BotType: core.BotTypeScraper,
				}}
			},
		},
	)

	v, sink := o.Detect(context.Background(), testRequest())

	// The surviving detector's evidence still lands.
	assert.Greater(t, v.BotProbability, 0.5)

	_, ok := sink.SenseLatest("detection.detector_error.boomer")
	assert.True(t, ok)
	_, ok = sink.SenseLatest("detection.detector_error.broken")
	assert.True(t, ok)
}

func TestDetect_TransitionFiresAfterWave(t *testing.T) {
	tr, err := policy.CompileTransition("signal(threat.confirmed)", "block")
	require.NoError(t, err)

	pol := &policy.Policy{
		Name:        "test",
		FastPath:    []string{"witness"},
		Transitions: []policy.Transition{tr},
	}
	o := newTestOrchestrator(t, pol, &stubDetector{
		Meta: detect.Meta{ID: "witness", Cat: detect.CategoryHeuristic},
		fn: func(st *detect.State) []detect.Contribution {
			st.Raise("witness", "threat.confirmed", true, 0.9)
			return []detect.Contribution{{
				Detector: "witness", Category: detect.CategoryHeuristic,
				ConfidenceDelta: 0.2, Weight: 1.0,
			}}
		},
	})

	v, _ := o.Detect(context.Background(), testRequest())

	// The transition overrides the band-derived action.
	assert.Equal(t, core.ActionBlock, v.Action)
}

func TestDetect_GotoPolicySwitch(t *testing.T) {
	tr, err := policy.CompileTransition("risk >= 0.55", "goto:fallback")
	require.NoError(t, err)

	reg := detect.NewRegistry()
	reg.Register(&stubDetector{
		Meta: detect.Meta{ID: "nudge", Cat: detect.CategoryHeuristic},
		fn: func(*detect.State) []detect.Contribution {
			return []detect.Contribution{{
				Detector: "nudge", Category: detect.CategoryHeuristic,
				ConfidenceDelta: 0.4, Weight: 1.0,
			}}
		},
	})

	pols := policy.NewRegistry()
	pols.Add(&policy.Policy{Name: "primary", FastPath: []string{"nudge"}, Transitions: []policy.Transition{tr}})
	pols.Add(&policy.Policy{Name: "fallback", FastPath: []string{"nudge"}})
	require.NoError(t, pols.SetDefault("primary"))

	o := NewOrchestrator(reg, pols, Deps{})
	v, _ := o.Detect(context.Background(), testRequest())

	assert.Equal(t, "fallback", v.Policy)
}

func TestDetect_HostCancellation(t *testing.T) {
	pol := &policy.Policy{Name: "test", FastPath: []string{"quiet"}}
	o := newTestOrchestrator(t, pol, &stubDetector{Meta: detect.Meta{ID: "quiet"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, _ := o.Detect(ctx, testRequest())

	assert.Equal(t, core.ActionLogOnly, v.Action)
	assert.Equal(t, 0.5, v.BotProbability)
	assert.Equal(t, 0.0, v.Confidence)
}

func TestDetect_AiWaveGate(t *testing.T) {
	aiStub := func(ran *atomic.Bool) *stubDetector {
		return &stubDetector{
			Meta: detect.Meta{ID: "oracle", WaveNum: 2},
			ran:  ran,
			fn: func(*detect.State) []detect.Contribution {
				return []detect.Contribution{{
					Detector: "oracle", Category: detect.CategoryHeuristic,
					ConfidenceDelta: 0.9, Weight: 3.0,
				}}
			},
		}
	}

	t.Run("runs in the uncertain middle", func(t *testing.T) {
		var ran atomic.Bool
		pol := &policy.Policy{Name: "test", FastPath: []string{"mid"}, AiPath: []string{"oracle"}}
		o := newTestOrchestrator(t, pol,
			&stubDetector{
				Meta: detect.Meta{ID: "mid", Cat: detect.CategoryHeuristic},
				fn: func(*detect.State) []detect.Contribution {
					return []detect.Contribution{{
						Detector: "mid", Category: detect.CategoryHeuristic,
						ConfidenceDelta: 0.3, Weight: 1.0,
					}}
				},
			},
			aiStub(&ran),
		)

		v, _ := o.Detect(context.Background(), testRequest())
		assert.True(t, ran.Load())
		assert.Greater(t, v.BotProbability, 0.65)
	})

	t.Run("skipped when clearly human", func(t *testing.T) {
		var ran atomic.Bool
		pol := &policy.Policy{Name: "test", FastPath: []string{"low"}, AiPath: []string{"oracle"}}
		o := newTestOrchestrator(t, pol,
			&stubDetector{
				Meta: detect.Meta{ID: "low", Cat: detect.CategoryHeuristic},
				fn: func(*detect.State) []detect.Contribution {
					return []detect.Contribution{{
						Detector: "low", Category: detect.CategoryHeuristic,
						ConfidenceDelta: -0.5, Weight: 2.0,
					}}
				},
			},
			aiStub(&ran),
		)

		o.Detect(context.Background(), testRequest())
		assert.False(t, ran.Load())
	})
}

func builtinOrchestrator(t *testing.T, intel detect.IPIntel) *Orchestrator {
	t.Helper()
	reg := detect.NewRegistry()
	for _, d := range detect.BuiltinDetectors() {
		reg.Register(d)
	}
	pols := policy.NewRegistry()
	require.NoError(t, pols.SetMappings([]policy.PathMapping{
		{Pattern: "/api/**", Policy: "strict"},
	}))
	return NewOrchestrator(reg, pols, Deps{Intel: intel})
}

func TestDetect_ScraperBlockedUnderStrictPolicy(t *testing.T) {
	o := builtinOrchestrator(t, nil)

	req := testRequest()
	req.Path = "/api/users"
	req.UserAgent = "python-requests/2.28.1"
	req.Headers = map[string][]string{
		"Host":       {"example.com"},
		"User-Agent": {"python-requests/2.28.1"},
	}

	v, _ := o.Detect(context.Background(), req)

	assert.Equal(t, "strict", v.Policy)
	assert.GreaterOrEqual(t, v.BotProbability, 0.7)
	assert.Equal(t, core.ActionBlock, v.Action)
	assert.Equal(t, core.BotTypeScraper, v.BotType)
}

func TestDetect_EmptyRequestNearZeroConfidence(t *testing.T) {
	o := builtinOrchestrator(t, nil)

	// No UA, no headers: everything the wave-0 detectors score is the
	// absence of browser traits.
	req := testRequest()
	req.UserAgent = ""
	req.Headers = map[string][]string{}

	v, sink := o.Detect(context.Background(), req)
	require.NotNil(t, sink)

	assert.LessOrEqual(t, v.Confidence, 0.1)
	assert.NotEqual(t, core.ActionBlock, v.Action)

	_, ok := sink.SenseLatest("ua.missing")
	assert.True(t, ok)
}

func TestDetect_SecurityToolEarlyExit(t *testing.T) {
	o := builtinOrchestrator(t, nil)

	req := testRequest()
	req.UserAgent = "Mozilla/5.0 (compatible; Nmap Scripting Engine; https://nmap.org/book/nse.html)"

	v, _ := o.Detect(context.Background(), req)

	assert.GreaterOrEqual(t, v.BotProbability, 0.95)
	assert.Equal(t, core.BotTypeMaliciousBot, v.BotType)
	assert.Equal(t, core.ActionBlock, v.Action)
	assert.Equal(t, "nmap", v.BotName)
}

func TestDetect_VerifiedCrawlerAllowed(t *testing.T) {
	intel := detect.NewStaticIntel(detect.StaticIntelData{
		CrawlerCIDRs: map[string][]string{"googlebot": {"66.249.64.0/19"}},
	})
	o := builtinOrchestrator(t, intel)

	req := testRequest()
	req.ClientIP = "66.249.66.1"
	req.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

	v, sink := o.Detect(context.Background(), req)

	assert.LessOrEqual(t, v.BotProbability, 0.05)
	assert.Equal(t, core.ActionAllow, v.Action)
	_, ok := sink.SenseLatest("ua.verified_crawler")
	assert.True(t, ok)
}
