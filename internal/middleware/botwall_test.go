package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/coordinator"
	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/engine"
	"github.com/ocx/sentinel/internal/fastpath"
	"github.com/ocx/sentinel/internal/policy"
	"github.com/ocx/sentinel/internal/response"
	"github.com/ocx/sentinel/internal/signal"
)

const (
	browserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	scraperAgent = "python-requests/2.28.1"
)

type wallFixture struct {
	wall    *BotWall
	coord   *coordinator.Coordinator
	matcher *fastpath.Matcher
}

func newTestWall(t *testing.T) *wallFixture {
	t.Helper()

	g := signal.NewGlobalSink()
	coord := coordinator.New(g, coordinator.DefaultConfig())
	t.Cleanup(coord.Stop)

	reg := detect.NewRegistry()
	for _, d := range detect.BuiltinDetectors() {
		reg.Register(d)
	}

	pols := policy.NewRegistry()
	require.NoError(t, pols.SetMappings([]policy.PathMapping{
		{Pattern: "/api/**", Policy: "strict"},
	}))

	store := NewFingerprintStore()
	matcher := fastpath.NewMatcher("test-salt")
	eng := engine.NewOrchestrator(reg, pols, engine.Deps{Behavior: coord, Fingerprints: store})
	responses := response.NewCoordinator(g, response.Deps{Behavior: coord, Learner: matcher}, response.DefaultConfig())

	wall, err := New(eng, matcher, responses, store, Options{
		TrustedProxies: []string{"10.0.0.0/8"},
		EmitHeaders:    true,
	})
	require.NoError(t, err)

	return &wallFixture{wall: wall, coord: coord, matcher: matcher}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
}

func browserRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = "203.0.113.9:4711"
	r.Header.Set("User-Agent", browserAgent)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip, deflate, br")
	r.Header.Set("Cookie", "session=abc123")
	return r
}

func TestBotWall_BrowserServedWithHeaders(t *testing.T) {
	fx := newTestWall(t)
	h := fx.wall.Wrap(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, browserRequest("/products"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "false", rec.Header().Get("X-Bot-Detected"))
	assert.NotEmpty(t, rec.Header().Get("X-Bot-Detection-Probability"))
	assert.NotEmpty(t, rec.Header().Get("X-Bot-Confidence"))
	assert.NotEmpty(t, rec.Header().Get("X-Bot-Detection-RiskBand"))
	assert.NotEmpty(t, rec.Header().Get("X-Bot-Detection-ProcessingMs"))
}

func TestBotWall_ScraperBlockedOnStrictPath(t *testing.T) {
	fx := newTestWall(t)
	handled := false
	h := fx.wall.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handled = true
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.RemoteAddr = "198.51.100.7:31337"
	r.Header.Set("User-Agent", scraperAgent)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, handled, "blocked requests must not reach the handler")
	assert.Equal(t, "true", rec.Header().Get("X-Bot-Detected"))
	assert.Equal(t, core.BotTypeScraper.String(), rec.Header().Get("X-Bot-Type"))
	assert.Contains(t, rec.Body.String(), "forbidden")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestBotWall_SecurityToolBlockedEverywhere(t *testing.T) {
	fx := newTestWall(t)
	h := fx.wall.Wrap(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/products", nil)
	r.RemoteAddr = "198.51.100.7:31337"
	r.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Nmap Scripting Engine; https://nmap.org/book/nse.html)")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Bot-Detected"))
}

func TestBotWall_HoneypotPathBlocked(t *testing.T) {
	fx := newTestWall(t)
	h := fx.wall.Wrap(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/.git/config", nil)
	r.RemoteAddr = "198.51.100.7:31337"
	r.Header.Set("User-Agent", scraperAgent)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Bot-Detected"))
}

func TestBotWall_FastPathBypassesDetection(t *testing.T) {
	fx := newTestWall(t)
	h := fx.wall.Wrap(okHandler())

	// A trusted human profile for this ip+ua pair: a scraper-shaped UA
	// on a strict path would otherwise be denied outright.
	fx.matcher.Learn(
		&core.Request{ClientIP: "198.51.100.7", UserAgent: scraperAgent},
		nil,
		&core.Verdict{BotProbability: 0.05, Confidence: 0.97, BotType: core.BotTypeHuman},
	)

	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.RemoteAddr = "198.51.100.7:31337"
	r.Header.Set("User-Agent", scraperAgent)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "false", rec.Header().Get("X-Bot-Detected"))
	assert.Equal(t, "0.050", rec.Header().Get("X-Bot-Detection-Probability"))
}

func TestBotWall_HandshakeStormSurfacesInReasons(t *testing.T) {
	fx := newTestWall(t)
	h := fx.wall.Wrap(okHandler())

	sig := fx.matcher.Deriver().Primary("198.51.100.7", browserAgent)
	for i := 0; i < 12; i++ {
		fx.coord.Record(core.OperationSummary{
			Signature:      sig,
			RequestID:      "ws-" + string(rune('a'+i)),
			Path:           "/stream",
			Method:         http.MethodGet,
			StatusCode:     101,
			BotProbability: 0.4,
			Confidence:     0.5,
			TransportClass: "websocket",
			Timestamp:      time.Now().Add(-time.Duration(12-i) * time.Second),
		})
	}

	r := browserRequest("/stream")
	r.RemoteAddr = "198.51.100.7:31337"
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Contains(t, rec.Header().Get("X-Bot-Detection-Reasons"), "handshake storm")
}

func TestThrottle_BurstThenReject(t *testing.T) {
	th := NewThrottle(1, 2)

	assert.True(t, th.Allow("sig-1"))
	assert.True(t, th.Allow("sig-1"))
	assert.False(t, th.Allow("sig-1"))

	// Other signatures have their own bucket.
	assert.True(t, th.Allow("sig-2"))
}

func TestClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	mk := func(remote string, headers map[string]string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	t.Run("untrusted peer cannot forward", func(t *testing.T) {
		r := mk("198.51.100.7:99", map[string]string{"X-Forwarded-For": "1.2.3.4"})
		assert.Equal(t, "198.51.100.7", clientIP(r, trusted))
	})

	t.Run("xff walked past trusted hops", func(t *testing.T) {
		r := mk("10.0.0.2:99", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.5"})
		assert.Equal(t, "203.0.113.9", clientIP(r, trusted))
	})

	t.Run("x-real-ip fallback", func(t *testing.T) {
		r := mk("10.0.0.2:99", map[string]string{"X-Real-IP": "203.0.113.50"})
		assert.Equal(t, "203.0.113.50", clientIP(r, trusted))
	})

	t.Run("trusted peer with no forwarding headers", func(t *testing.T) {
		r := mk("10.0.0.2:99", nil)
		assert.Equal(t, "10.0.0.2", clientIP(r, trusted))
	})
}

func TestParseTrustedProxies_BareIPAndBadEntry(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.1", "2001:db8::1", " "})
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.1/32", nets[0].String())

	_, err = ParseTrustedProxies([]string{"not-a-network"})
	assert.Error(t, err)
}

func TestFingerprintStore_Handler(t *testing.T) {
	store := NewFingerprintStore()
	h := store.Handler()

	const sig = "a1b2c3d4e5f60718"
	body := `{"canvas_hash":"c1","webgl_hash":"w1","audio_hash":"a1","plugins":["pdf"],"fonts":["Arial"]}`

	t.Run("accepts a well-formed report", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, FingerprintEndpoint, strings.NewReader(body))
		r.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		fp, ok := store.Fingerprint(sig)
		require.True(t, ok)
		assert.Equal(t, "c1", fp.CanvasHash)
		assert.Equal(t, []string{"Arial"}, fp.Fonts)
	})

	t.Run("rejects a malformed signature", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, FingerprintEndpoint, strings.NewReader(body))
		r.Header.Set(SignatureHeader, "short")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects non-POST", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, FingerprintEndpoint, nil)
		r.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
