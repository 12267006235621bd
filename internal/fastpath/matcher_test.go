package fastpath

import (
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
)

func fpRequest(ip, ua string) *core.Request {
	return &core.Request{
		ID:        "req-1",
		Method:    "GET",
		Path:      "/products",
		ClientIP:  ip,
		UserAgent: ua,
		Received:  time.Now(),
	}
}

func humanVerdict() *core.Verdict {
	return &core.Verdict{
		BotProbability: 0.1,
		Confidence:     0.96,
		BotType:        core.BotTypeHuman,
		Action:         core.ActionAllow,
	}
}

func TestDeriver_Deterministic(t *testing.T) {
	d := NewDeriver("salt-a")

	sig := d.Primary("1.2.3.4", "agent")
	assert.Equal(t, sig, d.Primary("1.2.3.4", "agent"))
	assert.Len(t, sig, 16)

	// Different inputs and different salts both change the signature.
	assert.NotEqual(t, sig, d.Primary("1.2.3.5", "agent"))
	assert.NotEqual(t, sig, d.Primary("1.2.3.4", "other"))
	assert.NotEqual(t, sig, NewDeriver("salt-b").Primary("1.2.3.4", "agent"))

	// Field boundaries matter: ("ab","c") must differ from ("a","bc").
	assert.NotEqual(t, d.sign("x", "ab", "c"), d.sign("x", "a", "bc"))
}

func TestDeriver_FactorAvailability(t *testing.T) {
	d := NewDeriver("salt")

	base := d.Factors(fpRequest("1.2.3.4", "agent"), nil)
	kinds := make([]FactorKind, 0, len(base))
	for _, f := range base {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []FactorKind{FactorPrimary, FactorIP, FactorUA, FactorSubnet}, kinds)

	fp := &detect.Fingerprint{
		CanvasHash: "c1", WebglHash: "w1", AudioHash: "a1",
		Plugins: []string{"pdf"}, Fonts: []string{"arial"},
	}
	full := d.Factors(fpRequest("1.2.3.4", "agent"), fp)
	assert.Len(t, full, 6)

	// Plugin ordering must not change the factor signature.
	fp2 := &detect.Fingerprint{
		CanvasHash: "c1", WebglHash: "w1", AudioHash: "a1",
		Plugins: []string{"pdf"}, Fonts: []string{"arial"},
	}
	again := d.Factors(fpRequest("1.2.3.4", "agent"), fp2)
	assert.Equal(t, full[5].Signature, again[5].Signature)
}

func TestMatcher_DecisionLadder(t *testing.T) {
	t.Run("unknown client misses", func(t *testing.T) {
		m := NewMatcher("salt")
		got := m.Lookup(fpRequest("1.2.3.4", "agent"), nil)
		assert.Equal(t, MatchNone, got.Kind)
	})

	t.Run("primary match is exact", func(t *testing.T) {
		m := NewMatcher("salt")
		m.Learn(fpRequest("1.2.3.4", "agent"), nil, humanVerdict())

		got := m.Lookup(fpRequest("1.2.3.4", "agent"), nil)
		require.Equal(t, MatchExact, got.Kind)
		assert.Equal(t, 1.0, got.Confidence)
		assert.True(t, got.Profile.Human())
		assert.GreaterOrEqual(t, got.Profile.Confidence, 0.95)
	})

	t.Run("ip plus ua recombine to exact", func(t *testing.T) {
		m := NewMatcher("salt")

		// The stored profile lives under a stale primary (for example a
		// pre-rotation one); ip and ua indexes still point at it.
		stored := "feedfacefeedface"
		m.profiles.Set(stored, &Profile{
			Signature: stored, BotProbability: 0.1, Confidence: 0.97,
		}, gocache.DefaultExpiration)
		m.index.Set("ip:"+m.deriver.sign("ip", "1.2.3.4"), stored, gocache.DefaultExpiration)
		m.index.Set("ua:"+m.deriver.sign("ua", "agent"), stored, gocache.DefaultExpiration)

		got := m.Lookup(fpRequest("1.2.3.4", "agent"), nil)
		require.Equal(t, MatchExact, got.Kind)
		assert.Equal(t, 1.0, got.Confidence)
	})

	t.Run("ua and clientside make a partial match", func(t *testing.T) {
		m := NewMatcher("salt")
		fp := &detect.Fingerprint{CanvasHash: "c1", WebglHash: "w1", AudioHash: "a1"}
		m.Learn(fpRequest("1.2.3.4", "agent"), fp, humanVerdict())

		// Client moved networks: ip and subnet change, ua and
		// fingerprint survive. Weight 50+80 = 130.
		got := m.Lookup(fpRequest("9.9.9.9", "agent"), fp)
		require.Equal(t, MatchPartial, got.Kind)
		assert.Equal(t, 0.99, got.Confidence)
		assert.ElementsMatch(t, []FactorKind{FactorUA, FactorClientSide}, got.Factors)
	})

	t.Run("subnet alone is no match", func(t *testing.T) {
		m := NewMatcher("salt")
		m.Learn(fpRequest("1.2.3.4", "agent"), nil, humanVerdict())

		// Same /24, new host, new ua: only the subnet factor agrees.
		got := m.Lookup(fpRequest("1.2.3.99", "other-agent"), nil)
		assert.Equal(t, MatchNone, got.Kind)
	})
}

func TestMatcher_LearnMergesVerdicts(t *testing.T) {
	m := NewMatcher("salt")
	req := fpRequest("1.2.3.4", "agent")

	m.Learn(req, nil, humanVerdict())
	m.Learn(req, nil, &core.Verdict{BotProbability: 0.9, Confidence: 0.8, BotType: core.BotTypeScraper})

	got := m.Lookup(req, nil)
	require.Equal(t, MatchExact, got.Kind)

	// 0.4*0.9 + 0.6*0.1: recent evidence dominates but does not erase.
	assert.InDelta(t, 0.42, got.Profile.BotProbability, 0.001)
	assert.Equal(t, core.BotTypeScraper, got.Profile.BotType)
	assert.Equal(t, int64(2), got.Profile.Hits)
	// Confidence keeps its high-water mark.
	assert.InDelta(t, 0.96, got.Profile.Confidence, 0.001)
}

func TestMatcher_ConcurrentLearn(t *testing.T) {
	m := NewMatcher("salt")
	req := fpRequest("1.2.3.4", "agent")

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				m.Learn(req, nil, humanVerdict())
				m.Lookup(req, nil)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	got := m.Lookup(req, nil)
	require.Equal(t, MatchExact, got.Kind)
	assert.Equal(t, int64(400), got.Profile.Hits)
}
