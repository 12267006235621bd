package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/policy"
	"github.com/ocx/sentinel/internal/signal"
)

// maxPolicySwitches bounds goto: transition chains within one request.
const maxPolicySwitches = 3

// Deps are the process-scoped read-only services handed to detectors.
type Deps struct {
	Behavior     detect.BehaviorReader
	Clusters     detect.ClusterReader
	Reputation   detect.ReputationReader
	Country      detect.CountryScorer
	Intel        detect.IPIntel
	Fingerprints detect.FingerprintReader
	Oracle       detect.Oracle
}

// Orchestrator owns the per-request detection pipeline: it creates the
// operation sink, runs detector waves under the resolved policy, folds
// contributions and produces the verdict.
type Orchestrator struct {
	detectors *detect.Registry
	policies  atomic.Pointer[policy.Registry]
	agg       *Aggregator
	deps      Deps
	logger    *log.Logger
}

// NewOrchestrator wires the orchestrator. Nil readers in deps are
// replaced by inert defaults so the engine runs with partial wiring.
func NewOrchestrator(detectors *detect.Registry, policies *policy.Registry, deps Deps) *Orchestrator {
	if deps.Oracle == nil {
		deps.Oracle = detect.NopOracle{}
	}
	o := &Orchestrator{
		detectors: detectors,
		agg:       NewAggregator(),
		deps:      deps,
		logger:    log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
	o.policies.Store(policies)
	return o
}

// SwapPolicies replaces the policy registry wholesale. In-flight
// requests keep the registry they resolved against.
func (o *Orchestrator) SwapPolicies(policies *policy.Registry) {
	o.policies.Store(policies)
}

// Detect runs the full pipeline for one request. The returned sink stays
// alive until the response side finishes with it; the caller owns its
// teardown.
func (o *Orchestrator) Detect(ctx context.Context, req *core.Request) (*core.Verdict, *signal.OperationSink) {
	start := time.Now()
	sink := signal.NewOperationSink()
	seedSink(sink, req)

	policies := o.policies.Load()
	pol := policies.ResolveForPath(req.Path)
	ctx, cancel := context.WithTimeout(ctx, pol.TimeoutBudget)
	defer cancel()

	st := &detect.State{
		Request:      req,
		Sink:         sink,
		Behavior:     o.deps.Behavior,
		Clusters:     o.deps.Clusters,
		Reputation:   o.deps.Reputation,
		Country:      o.deps.Country,
		Intel:        o.deps.Intel,
		Fingerprints: o.deps.Fingerprints,
		Oracle:       o.deps.Oracle,
	}

	var (
		contribs []detect.Contribution
		agg      Aggregate
		switches int
		forceAi  bool
	)

	waves := o.waveOrder(pol)
	for i := 0; i < len(waves); i++ {
		w := waves[i]
		if w.ai && !forceAi && !aiWaveDue(agg, pol) {
			continue
		}

		contribs = append(contribs, o.runWave(ctx, w, st, pol)...)
		agg = o.agg.Fold(contribs, pol)
		wavesRun.WithLabelValues(pol.Name).Inc()

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return o.canceledVerdict(req, pol, start), sink
			}
			sink.Raise("detection.timeout", true)
			v := o.verdictFrom(req, pol, agg, sink, start)
			v.TimedOut = true
			o.finish(v)
			return v, sink
		}

		// Verified contributions end the pipeline on the spot.
		if hasVerifiedExit(contribs) {
			earlyExits.WithLabelValues("verified").Inc()
			v := o.verdictFrom(req, pol, agg, sink, start)
			o.finish(v)
			return v, sink
		}

		switch outcome := o.evalTransitions(pol, agg, sink); outcome.Outcome {
		case policy.OutcomeNone:
		case policy.OutcomeEscalateSlowPath:
			// Slow waves already run by default; nothing to force.
		case policy.OutcomeEscalateAi:
			forceAi = true
		case policy.OutcomeGoToPolicy:
			if switches >= maxPolicySwitches {
				o.logger.Printf("policy switch limit reached at %q, ignoring goto:%s", pol.Name, outcome.Policy)
				break
			}
			next, ok := policies.Get(outcome.Policy)
			if !ok {
				o.logger.Printf("transition names unknown policy %q, ignoring", outcome.Policy)
				break
			}
			switches++
			pol = next
			if nw := o.waveOrder(pol); i+1 < len(nw) {
				waves = append(waves[:i+1], nw[i+1:]...)
			} else {
				waves = waves[:i+1]
			}
		default:
			earlyExits.WithLabelValues("transition").Inc()
			v := o.verdictFrom(req, pol, agg, sink, start)
			v.Action = actionForOutcome(outcome.Outcome)
			o.finish(v)
			return v, sink
		}

		if agg.Confidence >= pol.MinConfidence {
			if agg.BotProbability >= pol.EarlyExitThreshold {
				earlyExits.WithLabelValues("threshold").Inc()
				v := o.verdictFrom(req, pol, agg, sink, start)
				o.finish(v)
				return v, sink
			}
			if agg.BotProbability >= pol.ImmediateBlockThreshold {
				earlyExits.WithLabelValues("immediate_block").Inc()
				v := o.verdictFrom(req, pol, agg, sink, start)
				v.Action = core.ActionBlock
				o.finish(v)
				return v, sink
			}
		}
	}

	v := o.verdictFrom(req, pol, agg, sink, start)
	o.finish(v)
	return v, sink
}

// wave is one scheduling unit: the detectors sharing a wave number.
type wave struct {
	num       int
	ai        bool
	detectors []detect.Detector
}

// waveOrder groups the policy's detectors into ordered waves. Wave 0 is
// the fast path; slow-path detectors sort into their declared waves; the
// AI path is always the final, conditionally run wave.
func (o *Orchestrator) waveOrder(pol *policy.Policy) []wave {
	byNum := map[int][]detect.Detector{}
	for _, d := range o.detectors.DetectorsFor(pol.FastPath) {
		byNum[0] = append(byNum[0], d)
	}
	for _, d := range o.detectors.DetectorsFor(pol.SlowPath) {
		n := d.Wave()
		if n < 1 {
			n = 1
		}
		byNum[n] = append(byNum[n], d)
	}

	nums := make([]int, 0, len(byNum))
	for n := range byNum {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	waves := make([]wave, 0, len(nums)+1)
	for _, n := range nums {
		waves = append(waves, wave{num: n, detectors: byNum[n]})
	}
	if ai := o.detectors.DetectorsFor(pol.AiPath); len(ai) > 0 {
		waves = append(waves, wave{num: len(nums), ai: true, detectors: ai})
	}
	return waves
}

// runWave executes one wave's detectors in parallel under the wave
// budget. Detector errors and panics degrade to an error signal; they
// never fail the request.
func (o *Orchestrator) runWave(ctx context.Context, w wave, st *detect.State, pol *policy.Policy) []detect.Contribution {
	waveCtx, cancel := context.WithTimeout(ctx, pol.WaveBudget)
	defer cancel()

	limit := pol.Parallelism
	if n := runtime.NumCPU(); n < limit {
		limit = n
	}
	if limit < 1 {
		limit = 1
	}

	var (
		mu  sync.Mutex
		out []detect.Contribution
	)
	var g errgroup.Group
	g.SetLimit(limit)

	for _, d := range w.detectors {
		d := d
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.detectorFailed(st.Sink, d.Name(), fmt.Errorf("panic: %v", r))
				}
			}()

			if w.num >= 1 && !triggered(d, st.Sink) {
				return nil
			}

			dctx, dcancel := context.WithTimeout(waveCtx, d.Timeout())
			defer dcancel()

			contribs, err := d.Contribute(dctx, st)
			if err != nil {
				o.detectorFailed(st.Sink, d.Name(), err)
				return nil
			}
			mu.Lock()
			out = append(out, contribs...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// triggered reports whether every trigger pattern of the detector has at
// least one matching signal on the sink.
func triggered(d detect.Detector, sink signal.Sink) bool {
	for _, pat := range d.Triggers() {
		if _, ok := sink.SenseLatest(pat); !ok {
			return false
		}
	}
	return true
}

func (o *Orchestrator) detectorFailed(sink signal.Sink, name string, err error) {
	o.logger.Printf("detector %s failed: %v", name, err)
	sink.Raise(signal.Key("detection.detector_error."+name), true)
	detectorErrors.WithLabelValues(name).Inc()
}

// hasVerifiedExit reports whether any contribution both requested an
// early exit and carries verification.
func hasVerifiedExit(contribs []detect.Contribution) bool {
	for i := range contribs {
		c := &contribs[i]
		if c.TriggerEarlyExit && (c.VerifiedBad || c.VerifiedGood) {
			return true
		}
	}
	return false
}

// aiWaveDue is the escalation gate: risk is worth a second opinion but
// neither high enough to block outright nor confidently settled.
func aiWaveDue(agg Aggregate, pol *policy.Policy) bool {
	return agg.BotProbability >= pol.AiEscalationThreshold &&
		agg.BotProbability < pol.ImmediateBlockThreshold &&
		agg.Confidence < pol.MinConfidence
}

func (o *Orchestrator) evalTransitions(pol *policy.Policy, agg Aggregate, sink *signal.OperationSink) policy.Transition {
	ec := policy.EvalContext{
		Risk:       agg.BotProbability,
		Confidence: agg.Confidence,
		HasSignal: func(p signal.Pattern) bool {
			_, ok := sink.SenseLatest(p)
			return ok
		},
		Reputation: reputationFromSink(sink),
	}
	for _, t := range pol.Transitions {
		if t.When(&ec) {
			return t
		}
	}
	return policy.Transition{Outcome: policy.OutcomeNone}
}

func reputationFromSink(sink *signal.OperationSink) core.ReputationState {
	e, ok := sink.SenseLatest("reputation.state")
	if !ok {
		return core.RepNeutral
	}
	state, _ := core.ParseReputationState(e.Payload.Str())
	return state
}

func actionForOutcome(out policy.Outcome) core.Action {
	switch out {
	case policy.OutcomeAllow:
		return core.ActionAllow
	case policy.OutcomeLogOnly:
		return core.ActionLogOnly
	case policy.OutcomeThrottle:
		return core.ActionThrottle
	case policy.OutcomeChallenge:
		return core.ActionChallenge
	case policy.OutcomeBlock:
		return core.ActionBlock
	default:
		return core.ActionAllow
	}
}

func (o *Orchestrator) verdictFrom(req *core.Request, pol *policy.Policy, agg Aggregate, sink *signal.OperationSink, start time.Time) *core.Verdict {
	country := ""
	if e, ok := sink.SenseLatest("ip.country"); ok {
		country = e.Payload.Str()
	}
	return &core.Verdict{
		RequestID:      req.ID,
		Signature:      req.Signature,
		BotProbability: agg.BotProbability,
		Confidence:     agg.Confidence,
		RiskBand:       agg.RiskBand,
		Action:         agg.Action,
		BotType:        agg.BotType,
		BotName:        agg.BotName,
		Country:        country,
		Reasons:        agg.Reasons,
		Policy:         pol.Name,
		ProcessingMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		DecidedAt:      time.Now(),
	}
}

// canceledVerdict is the degraded result when the caller abandoned the
// request mid-pipeline: neutral probability, zero confidence, log only.
func (o *Orchestrator) canceledVerdict(req *core.Request, pol *policy.Policy, start time.Time) *core.Verdict {
	v := &core.Verdict{
		RequestID:      req.ID,
		Signature:      req.Signature,
		BotProbability: 0.5,
		Confidence:     0,
		RiskBand:       core.BandFor(0.5),
		Action:         core.ActionLogOnly,
		BotType:        core.BotTypeHuman,
		Policy:         pol.Name,
		ProcessingMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		DecidedAt:      time.Now(),
	}
	o.finish(v)
	return v
}

func (o *Orchestrator) finish(v *core.Verdict) {
	verdicts.WithLabelValues(v.Action.String(), v.RiskBand.String()).Inc()
	detectionDuration.Observe(v.ProcessingMs / 1000.0)
}

// seedSink raises the request facts every wave-0 detector reads.
func seedSink(sink *signal.OperationSink, req *core.Request) {
	sink.Raise("http.path", req.Path)
	sink.Raise("http.method", req.Method)
	sink.Raise("http.host", req.Host)
	sink.Raise("http.ua_present", req.UserAgent != "")
	sink.Raise("http.header_count", len(req.Headers))
	if req.Signature != "" {
		sink.Raise("http.signature", req.Signature)
	}
}
