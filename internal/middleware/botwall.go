// Package middleware is the HTTP shell around the detection engine:
// request snapshotting, fastpath short-circuit, verdict headers, action
// enforcement and the client-fingerprint callback endpoint.
package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/engine"
	"github.com/ocx/sentinel/internal/fastpath"
	"github.com/ocx/sentinel/internal/response"
	"github.com/ocx/sentinel/internal/signal"
)

// fastPathMinConfidence gates the wave bypass: only a profile this sure
// of its human skips detection entirely.
const fastPathMinConfidence = 0.95

// Options configures the shell.
type Options struct {
	// TrustedProxies are the peers whose forwarded headers are honored.
	TrustedProxies []string
	// ThrottleRate and ThrottleBurst size the per-signature leaky bucket
	// behind the Throttle action.
	ThrottleRate  float64
	ThrottleBurst int64
	// EmitHeaders controls the X-Bot-* response headers.
	EmitHeaders bool
}

// BotWall is the middleware. Wrap protects a handler; Fingerprints
// exposes the probe callback store.
type BotWall struct {
	engine       *engine.Orchestrator
	matcher      *fastpath.Matcher
	responses    *response.Coordinator
	fingerprints *FingerprintStore
	throttle     *Throttle
	trusted      []*net.IPNet
	emitHeaders  bool
	logger       *log.Logger
}

// New builds the shell. The trusted proxy list must parse; a bad entry
// is a startup error, not a runtime surprise.
func New(eng *engine.Orchestrator, matcher *fastpath.Matcher, responses *response.Coordinator, fingerprints *FingerprintStore, opts Options) (*BotWall, error) {
	trusted, err := ParseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &BotWall{
		engine:       eng,
		matcher:      matcher,
		responses:    responses,
		fingerprints: fingerprints,
		throttle:     NewThrottle(opts.ThrottleRate, opts.ThrottleBurst),
		trusted:      trusted,
		emitHeaders:  opts.EmitHeaders,
		logger:       log.New(log.Writer(), "[BOTWALL] ", log.LstdFlags),
	}, nil
}

// Fingerprints returns the store backing the probe callback endpoint.
func (b *BotWall) Fingerprints() *FingerprintStore { return b.fingerprints }

// Wrap protects next with the full detection pipeline.
func (b *BotWall) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := b.snapshot(r)

		var fp *detect.Fingerprint
		if got, ok := b.fingerprints.Fingerprint(req.Signature); ok {
			fp = &got
		}

		// Known human: skip every wave.
		if m := b.matcher.Lookup(req, fp); m.Kind == fastpath.MatchExact &&
			m.Profile.Human() && m.Profile.Confidence >= fastPathMinConfidence {
			b.serveFastPath(w, r, next, req, m, fp)
			return
		}

		verdict, sink := b.engine.Detect(r.Context(), req)
		b.writeHeaders(w, verdict)

		switch verdict.Action {
		case core.ActionBlock:
			b.deny(w, req, verdict, sink, fp, http.StatusForbidden, `{"error":"forbidden"}`)
		case core.ActionChallenge:
			w.Header().Set("Retry-After", "30")
			b.deny(w, req, verdict, sink, fp, http.StatusTooManyRequests, `{"error":"challenge required","retry_after_seconds":30}`)
		case core.ActionThrottle:
			if !b.throttle.Allow(req.Signature) {
				throttledRequests.Inc()
				w.Header().Set("Retry-After", "10")
				b.deny(w, req, verdict, sink, fp, http.StatusTooManyRequests, `{"error":"rate limited","retry_after_seconds":10}`)
				return
			}
			b.serve(w, r, next, req, verdict, sink, fp)
		default:
			b.serve(w, r, next, req, verdict, sink, fp)
		}
	})
}

// snapshot freezes the inbound request for the detectors.
func (b *BotWall) snapshot(r *http.Request) *core.Request {
	ip := clientIP(r, b.trusted)
	ua := r.UserAgent()
	return &core.Request{
		ID:        uuid.NewString(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Host:      r.Host,
		ClientIP:  ip,
		UserAgent: ua,
		Headers:   r.Header.Clone(),
		Signature: b.matcher.Deriver().Primary(ip, ua),
		Received:  time.Now(),
	}
}

// serve runs the protected handler with response analysis around it.
func (b *BotWall) serve(w http.ResponseWriter, r *http.Request, next http.Handler, req *core.Request, verdict *core.Verdict, sink *signal.OperationSink, fp *detect.Fingerprint) {
	rctx := b.responses.ContextFrom(sink)
	cw := b.responses.Wrap(w, rctx)
	next.ServeHTTP(cw, r)
	b.responses.Finish(cw, req, verdict, sink, rctx, fp)
}

// serveFastPath trusts the stored profile and bypasses detection. The
// operation is still summarized so the cross-request state stays warm.
func (b *BotWall) serveFastPath(w http.ResponseWriter, r *http.Request, next http.Handler, req *core.Request, m fastpath.Match, fp *detect.Fingerprint) {
	fastPathHits.Inc()
	verdict := &core.Verdict{
		RequestID:      req.ID,
		Signature:      req.Signature,
		BotProbability: m.Profile.BotProbability,
		Confidence:     m.Profile.Confidence,
		RiskBand:       core.BandFor(m.Profile.BotProbability),
		Action:         core.ActionAllow,
		BotType:        m.Profile.BotType,
		Policy:         "fastpath",
		FastPath:       true,
		DecidedAt:      time.Now(),
	}
	b.writeHeaders(w, verdict)

	sink := signal.NewOperationSink()
	sink.Raise("http.signature", req.Signature)
	sink.Raise("fastpath.exact", true)
	b.serve(w, r, next, req, verdict, sink, fp)
}

// deny answers for the handler. The operation still completes through
// the response coordinator so blocked traffic feeds learning too.
func (b *BotWall) deny(w http.ResponseWriter, req *core.Request, verdict *core.Verdict, sink *signal.OperationSink, fp *detect.Fingerprint, status int, body string) {
	rctx := core.ResponseAnalysisContext{} // enforcement responses are never rewritten
	cw := b.responses.Wrap(w, rctx)
	cw.Header().Set("Content-Type", "application/json")
	cw.WriteHeader(status)
	cw.Write([]byte(body))
	b.responses.Finish(cw, req, verdict, sink, rctx, fp)
}

// writeHeaders emits the forwarded verdict headers.
func (b *BotWall) writeHeaders(w http.ResponseWriter, v *core.Verdict) {
	if !b.emitHeaders {
		return
	}
	h := w.Header()
	h.Set("X-Bot-Detected", boolString(v.IsBot()))
	h.Set("X-Bot-Detection-Probability", formatFloat(v.BotProbability))
	h.Set("X-Bot-Confidence", formatFloat(v.Confidence))
	h.Set("X-Bot-Type", v.BotType.String())
	h.Set("X-Bot-Name", v.BotName)
	h.Set("X-Bot-Detection-Country", v.Country)
	h.Set("X-Bot-Detection-RiskBand", v.RiskBand.String())
	if reasons, err := json.Marshal(v.Reasons); err == nil {
		h.Set("X-Bot-Detection-Reasons", string(reasons))
	}
	h.Set("X-Bot-Detection-ProcessingMs", formatFloat(v.ProcessingMs))
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
