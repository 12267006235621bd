package response

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/signal"
)

// Config bounds the response side.
type Config struct {
	MaxBufferBytes      int           `yaml:"max_buffer_bytes"`
	MaxBlockingDuration time.Duration `yaml:"max_blocking_duration"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferBytes:      64 << 10,
		MaxBlockingDuration: 20 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = d.MaxBufferBytes
	}
	if c.MaxBlockingDuration <= 0 {
		c.MaxBlockingDuration = d.MaxBlockingDuration
	}
	return c
}

// BehaviorRecorder receives completed operations; the signature
// coordinator implements it.
type BehaviorRecorder interface {
	RecordAsync(core.OperationSummary)
}

// VerdictLearner folds verdicts back into the fastpath profiles.
type VerdictLearner interface {
	Learn(req *core.Request, fp *detect.Fingerprint, v *core.Verdict)
}

// ReputationObserver accumulates pattern support from verdicts.
type ReputationObserver interface {
	Observe(patternID string, botProbability, confidence float64)
}

// CountryObserver feeds the per-country bot-rate tracker.
type CountryObserver interface {
	Observe(country string, botProbability float64)
}

// SummarySink persists completed summaries outside the process.
type SummarySink interface {
	Append(core.OperationSummary)
}

// Deps are the feedback consumers of a completed operation. Any of them
// may be nil.
type Deps struct {
	Behavior   BehaviorRecorder
	Learner    VerdictLearner
	Reputation ReputationObserver
	Countries  CountryObserver
	Summaries  SummarySink
}

// Coordinator owns the response half of an operation: it decides how the
// response is captured, analyses it within its mode's budget, applies
// masking or honeypot replacement, then composes the OperationSummary
// and retires the operation sink.
type Coordinator struct {
	cfg    Config
	global *signal.GlobalSink
	deps   Deps
	logger *log.Logger
}

func NewCoordinator(global *signal.GlobalSink, deps Deps, cfg Config) *Coordinator {
	return &Coordinator{
		cfg:    cfg.normalized(),
		global: global,
		deps:   deps,
		logger: log.New(log.Writer(), "[RESPONSE] ", log.LstdFlags),
	}
}

// ContextFrom reads the analysis context the wave-0 detectors decided.
// Absent signals mean the cheap default: async and standard.
func (c *Coordinator) ContextFrom(sink signal.Sink) core.ResponseAnalysisContext {
	rctx := core.ResponseAnalysisContext{}
	if e, ok := sink.SenseLatest("response.analysis.mode"); ok && e.Payload.Str() == "blocking" {
		rctx.Mode = core.AnalysisBlocking
	}
	if e, ok := sink.SenseLatest("response.analysis.thoroughness"); ok && e.Payload.Str() == "deep" {
		rctx.Thoroughness = core.ThoroughnessDeep
	}
	return rctx
}

// Wrap returns the writer the protected handler writes into.
func (c *Coordinator) Wrap(w http.ResponseWriter, rctx core.ResponseAnalysisContext) *Writer {
	return newWriter(w, rctx.Mode == core.AnalysisBlocking, c.cfg.MaxBufferBytes)
}

// decision is what one analysis pass wants done with the response.
type decision struct {
	action core.Action
	body   []byte
	status int
	ctype  string
}

// Finish runs after the handler returns. Blocking mode analyses and
// possibly rewrites before any byte reaches the client; async mode
// releases immediately and analyses in the background. Either way the
// operation ends with a summary on the global sink.
func (c *Coordinator) Finish(w *Writer, req *core.Request, v *core.Verdict, sink *signal.OperationSink, rctx core.ResponseAnalysisContext, fp *detect.Fingerprint) {
	if w.Hijacked() {
		// The connection left HTTP; nothing to analyse, but the
		// operation still counts.
		c.finalize(w, req, v, sink, fp, "websocket")
		return
	}

	if rctx.Mode == core.AnalysisBlocking && w.Rewritable() {
		c.finishBlocking(w, req, v, sink, rctx)
		c.finalize(w, req, v, sink, fp, "http")
		return
	}

	// Async: the client is already being served; analysis and summary
	// composition happen off the request path, before the sink retires.
	go func() {
		c.analyze(w, req, v, sink, rctx)
		c.finalize(w, req, v, sink, fp, "http")
	}()
}

func (c *Coordinator) finishBlocking(w *Writer, req *core.Request, v *core.Verdict, sink *signal.OperationSink, rctx core.ResponseAnalysisContext) {
	done := make(chan decision, 1)
	go func() {
		done <- c.analyze(w, req, v, sink, rctx)
	}()

	var d decision
	select {
	case d = <-done:
	case <-time.After(c.cfg.MaxBlockingDuration):
		sink.RaiseFrom("response", "response.analysis.timeout", true, 0)
		responseBlockingTimeouts.Inc()
		w.Release()
		return
	}

	switch d.action {
	case core.ActionHoneypot:
		responseActions.WithLabelValues("honeypot").Inc()
		c.logger.Printf("honeypot served: sig=%s path=%s", v.Signature, req.Path)
		w.Header().Set("X-Bot-Response-Action", core.ActionHoneypot.String())
		w.Rewrite(http.StatusOK, "text/html; charset=utf-8", d.body)
	case core.ActionMask:
		responseActions.WithLabelValues("mask").Inc()
		w.Header().Set("X-Bot-Response-Action", core.ActionMask.String())
		w.Rewrite(d.status, d.ctype, d.body)
	case core.ActionBlock:
		responseActions.WithLabelValues("block").Inc()
		w.Rewrite(http.StatusForbidden, "application/json", []byte(`{"error":"forbidden"}`))
	default:
		responseActions.WithLabelValues("allow").Inc()
		w.Release()
	}
}

// analyze scores the response and raises response.* signals. The
// returned decision only matters in blocking mode.
func (c *Coordinator) analyze(w *Writer, req *core.Request, v *core.Verdict, sink *signal.OperationSink, rctx core.ResponseAnalysisContext) decision {
	status := w.Status()
	prefix := w.Prefix()
	ctype := w.Header().Get("Content-Type")

	sink.RaiseFrom("response", "response.status", status, 0)
	sink.RaiseFrom("response", "response.pattern", contentClass(ctype), 0)

	// A honeypot hit replaces the response wholesale; nothing else
	// matters for this operation.
	if _, hit := sink.SenseLatest("honeypot.path"); hit {
		sink.RaiseFrom("response", "response.score", 1.0, 1.0)
		if rctx.Mode == core.AnalysisBlocking && w.Rewritable() {
			sink.RaiseFrom("response", "response.honeypot.served", req.Path, 0)
			return decision{action: core.ActionHoneypot, body: honeypotBody(req.Path)}
		}
		return decision{action: core.ActionAllow}
	}

	score := responseScore(status, ctype, len(prefix))
	sink.RaiseFrom("response", "response.score", score, 0)

	// PII only gets masked when the requester looks automated and the
	// body is still wholly rewritable.
	if v.IsBot() && rctx.Thoroughness == core.ThoroughnessDeep && w.Rewritable() {
		masked, counts := maskPII(prefix)
		if len(counts) > 0 {
			for kind, n := range counts {
				sink.RaiseFrom("response", signal.Key("response.pii_masking."+kind), n, 0)
			}
			return decision{action: core.ActionMask, body: masked, status: status, ctype: ctype}
		}
	}

	return decision{action: core.ActionAllow}
}

// finalize composes the OperationSummary, raises it process-wide and
// feeds every feedback consumer. The operation sink is dead afterwards.
func (c *Coordinator) finalize(w *Writer, req *core.Request, v *core.Verdict, sink *signal.OperationSink, fp *detect.Fingerprint, transport string) {
	summary := core.OperationSummary{
		Signature:      v.Signature,
		RequestID:      req.ID,
		Path:           req.Path,
		Method:         req.Method,
		StatusCode:     w.Status(),
		BotProbability: v.BotProbability,
		Confidence:     v.Confidence,
		ProcessingMs:   v.ProcessingMs,
		EmittedSignals: sink.Keys(),
		ContentClass:   contentClass(w.Header().Get("Content-Type")),
		TransportClass: transport,
		Country:        v.Country,
		Timestamp:      time.Now(),
	}

	c.global.RaiseFrom("response", signal.Key("operation.complete."+summary.Signature), summary.Attrs(), v.Confidence)
	operationsCompleted.Inc()

	if c.deps.Behavior != nil {
		c.deps.Behavior.RecordAsync(summary)
	}
	if c.deps.Learner != nil {
		c.deps.Learner.Learn(req, fp, v)
	}
	if c.deps.Reputation != nil {
		for _, pid := range []string{detect.UAPatternID(req.UserAgent), detect.CIDRPatternID(req.ClientIP)} {
			if pid != "" {
				c.deps.Reputation.Observe(pid, v.BotProbability, v.Confidence)
			}
		}
	}
	if c.deps.Countries != nil && v.Country != "" {
		c.deps.Countries.Observe(v.Country, v.BotProbability)
	}
	if c.deps.Summaries != nil {
		c.deps.Summaries.Append(summary)
	}
}

func contentClass(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "html"):
		return "html"
	case strings.HasPrefix(ct, "text/"):
		return "text"
	case ct == "":
		return "unknown"
	default:
		return "binary"
	}
}

// responseScore is a rough exfiltration-attractiveness estimate used as
// a behavioral input, not a verdict.
func responseScore(status int, contentType string, size int) float64 {
	score := 0.0
	if status >= 200 && status < 300 {
		score += 0.2
	}
	if contentClass(contentType) == "json" {
		score += 0.3
	}
	if size > 16<<10 {
		score += 0.2
	}
	return score
}

// honeypotBody is what a trapped client receives: plausible markup with
// trap links so a scraper keeps pulling on a thread that goes nowhere.
func honeypotBody(path string) []byte {
	return []byte(`<!DOCTYPE html>
<html>
<head><title>Index of ` + path + `</title></head>
<body>
<h1>Index of ` + path + `</h1>
<ul>
<li><a href="/.hidden/config.bak">config.bak</a></li>
<li><a href="/.hidden/users.csv">users.csv</a></li>
<li><a href="/.hidden/backup-2024.tar.gz">backup-2024.tar.gz</a></li>
</ul>
</body>
</html>`)
}
