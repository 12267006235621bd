package response

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

func respRequest() *core.Request {
	return &core.Request{
		ID:        "req-1",
		Method:    "GET",
		Path:      "/products",
		ClientIP:  "198.51.100.7",
		UserAgent: "python-requests/2.31",
		Signature: "a1b2c3d4e5f60718",
		Received:  time.Now(),
	}
}

func botVerdict() *core.Verdict {
	return &core.Verdict{
		RequestID:      "req-1",
		Signature:      "a1b2c3d4e5f60718",
		BotProbability: 0.92,
		Confidence:     0.8,
		Country:        "NL",
		ProcessingMs:   1.2,
	}
}

type recordingBehavior struct {
	ch chan core.OperationSummary
}

func (r *recordingBehavior) RecordAsync(s core.OperationSummary) { r.ch <- s }

type recordingSummaries struct {
	ch chan core.OperationSummary
}

func (r *recordingSummaries) Append(s core.OperationSummary) { r.ch <- s }

func TestWriter_PassThroughTeesPrefix(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newWriter(rec, false, 16)

	n, err := w.Write([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	assert.Equal(t, 32, rec.Body.Len(), "client gets everything")
	assert.Len(t, w.Prefix(), 16, "capture is bounded")
	assert.Equal(t, int64(32), w.BytesWritten())
	assert.False(t, w.Rewritable())
}

func TestWriter_BufferedRewrite(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newWriter(rec, true, 1024)

	w.WriteHeader(200)
	w.Write([]byte("secret payload"))
	assert.Zero(t, rec.Body.Len(), "nothing reaches the client while held")
	require.True(t, w.Rewritable())

	require.NoError(t, w.Rewrite(403, "application/json", []byte(`{"error":"forbidden"}`)))
	assert.Equal(t, 403, rec.Code)
	assert.Equal(t, `{"error":"forbidden"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")

	assert.Error(t, w.Rewrite(500, "text/plain", []byte("again")), "a response is rewritten at most once")
}

func TestWriter_OverflowStreamsThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newWriter(rec, true, 8)

	w.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "0123456789abcdef", rec.Body.String())
	assert.False(t, w.Rewritable())
	assert.NoError(t, w.Release())
}

func TestMaskPII(t *testing.T) {
	body := []byte(`{"email":"jane@example.com","card":"4111 1111 1111 1111","note":"plain"}`)
	masked, counts := maskPII(body)

	assert.Equal(t, 1, counts["emails"])
	assert.Equal(t, 1, counts["cards"])
	assert.NotContains(t, string(masked), "jane@example.com")
	assert.NotContains(t, string(masked), "4111")
	assert.Contains(t, string(masked), "plain")
}

func TestCoordinator_HoneypotBlockingDeep(t *testing.T) {
	g := signal.NewGlobalSink()
	c := NewCoordinator(g, Deps{}, DefaultConfig())

	// Wave 0 flagged the path and flipped the response side.
	sink := signal.NewOperationSink()
	sink.RaiseFrom("honeypot_path", "honeypot.path", "/.git/config", 0.95)
	sink.RaiseFrom("honeypot_path", "response.analysis.mode", "blocking", 0)
	sink.RaiseFrom("honeypot_path", "response.analysis.thoroughness", "deep", 0)

	rctx := c.ContextFrom(sink)
	assert.Equal(t, core.AnalysisBlocking, rctx.Mode)
	assert.Equal(t, core.ThoroughnessDeep, rctx.Thoroughness)

	rec := httptest.NewRecorder()
	w := c.Wrap(rec, rctx)
	w.WriteHeader(404)
	w.Write([]byte("real not-found page"))

	c.Finish(w, respRequest(), botVerdict(), sink, rctx, nil)

	assert.Equal(t, 200, rec.Code, "trap looks like a success")
	assert.Contains(t, rec.Body.String(), "config.bak")
	assert.NotContains(t, rec.Body.String(), "real not-found page")

	_, served := sink.SenseLatest("response.honeypot.served")
	assert.True(t, served)

	done := g.Sense(signal.Pattern("operation.complete.a1b2c3d4e5f60718"))
	require.Len(t, done, 1)
	sum := core.SummaryFromAttrs(done[0].Payload.Obj)
	assert.Equal(t, "a1b2c3d4e5f60718", sum.Signature)
	assert.InDelta(t, 0.92, sum.BotProbability, 0.001)
}

func TestCoordinator_MasksPIIForBots(t *testing.T) {
	g := signal.NewGlobalSink()
	c := NewCoordinator(g, Deps{}, DefaultConfig())
	sink := signal.NewOperationSink()
	rctx := core.ResponseAnalysisContext{Mode: core.AnalysisBlocking, Thoroughness: core.ThoroughnessDeep}

	rec := httptest.NewRecorder()
	w := c.Wrap(rec, rctx)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"email":"jane@example.com"}`))

	c.Finish(w, respRequest(), botVerdict(), sink, rctx, nil)

	assert.Contains(t, rec.Body.String(), "[redacted]")
	assert.NotContains(t, rec.Body.String(), "jane@example.com")

	e, ok := sink.SenseLatest("response.pii_masking.emails")
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Payload.I)
}

func TestCoordinator_AsyncFinalizes(t *testing.T) {
	g := signal.NewGlobalSink()
	behavior := &recordingBehavior{ch: make(chan core.OperationSummary, 1)}
	summaries := &recordingSummaries{ch: make(chan core.OperationSummary, 1)}
	c := NewCoordinator(g, Deps{Behavior: behavior, Summaries: summaries}, DefaultConfig())
	sink := signal.NewOperationSink()

	rec := httptest.NewRecorder()
	rctx := core.ResponseAnalysisContext{} // async, standard
	w := c.Wrap(rec, rctx)
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<html>page</html>"))

	c.Finish(w, respRequest(), botVerdict(), sink, rctx, nil)
	assert.Equal(t, "<html>page</html>", rec.Body.String(), "async never delays the client")

	select {
	case sum := <-behavior.ch:
		assert.Equal(t, "a1b2c3d4e5f60718", sum.Signature)
		assert.Equal(t, "html", sum.ContentClass)
		assert.Equal(t, "http", sum.TransportClass)
	case <-time.After(2 * time.Second):
		t.Fatal("summary never reached the behavior recorder")
	}

	select {
	case sum := <-summaries.ch:
		assert.Equal(t, "req-1", sum.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("summary never reached the persistence sink")
	}

	require.Eventually(t, func() bool {
		return len(g.Sense(signal.Pattern("operation.complete.a1b2c3d4e5f60718"))) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
