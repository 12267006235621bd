// Package policy holds the named detection recipes: which detectors run
// on which path, their weights and thresholds, and the transition rules
// evaluated between waves.
package policy

import (
	"time"

	"github.com/ocx/sentinel/internal/core"
)

// Defaults applied when a policy field is left zero.
const (
	DefaultWaveBudget      = 5 * time.Millisecond
	DefaultTimeoutBudget   = 50 * time.Millisecond
	DefaultBaseline        = 3.0
	DefaultMinConfidence   = 0.6
	DefaultParallelism     = 8
	DefaultEarlyExit       = 0.95
	DefaultImmediateBlock  = 0.85
	DefaultAiEscalation    = 0.55
)

// Policy is a named detection recipe. Policies are immutable after load;
// hot reload swaps whole registries.
type Policy struct {
	Name string

	// Detector name lists per phase. FastPath is wave 0; SlowPath covers
	// waves >= 1; AiPath is the optional last wave.
	FastPath []string
	SlowPath []string
	AiPath   []string

	// Weights multiply a detector's own contribution weight.
	Weights map[string]float64

	EarlyExitThreshold      float64
	ImmediateBlockThreshold float64
	AiEscalationThreshold   float64
	MinConfidence           float64

	// Baseline is the weight sum treated as full coverage when scoring
	// detection confidence.
	Baseline float64

	Parallelism   int
	WaveBudget    time.Duration
	TimeoutBudget time.Duration

	Transitions []Transition

	// ActionOverrides replace the default band->action mapping last.
	ActionOverrides map[core.RiskBand]core.Action
}

// Detectors returns all detector names the policy may run.
func (p *Policy) Detectors() []string {
	out := make([]string, 0, len(p.FastPath)+len(p.SlowPath)+len(p.AiPath))
	out = append(out, p.FastPath...)
	out = append(out, p.SlowPath...)
	out = append(out, p.AiPath...)
	return out
}

// WeightFor returns the policy multiplier for a detector, default 1.
func (p *Policy) WeightFor(detector string) float64 {
	if w, ok := p.Weights[detector]; ok {
		return w
	}
	return 1.0
}

// withDefaults fills zero fields in place and returns the policy.
func (p *Policy) withDefaults() *Policy {
	if p.EarlyExitThreshold == 0 {
		p.EarlyExitThreshold = DefaultEarlyExit
	}
	if p.ImmediateBlockThreshold == 0 {
		p.ImmediateBlockThreshold = DefaultImmediateBlock
	}
	if p.AiEscalationThreshold == 0 {
		p.AiEscalationThreshold = DefaultAiEscalation
	}
	if p.MinConfidence == 0 {
		p.MinConfidence = DefaultMinConfidence
	}
	if p.Baseline == 0 {
		p.Baseline = DefaultBaseline
	}
	if p.Parallelism == 0 {
		p.Parallelism = DefaultParallelism
	}
	if p.WaveBudget == 0 {
		p.WaveBudget = DefaultWaveBudget
	}
	if p.TimeoutBudget == 0 {
		p.TimeoutBudget = DefaultTimeoutBudget
	}
	return p
}

var defaultFastPath = []string{
	"reputation_fastpath", "ua_scanner", "honeypot_path",
	"header_heuristics", "ip_intel", "transport",
}

var defaultSlowPath = []string{
	"crawler_verify", "behavior", "stream_storm", "cluster_membership",
	"reputation_bias", "client_fingerprint", "country_risk",
}

// Builtins returns the four built-in policies. Transition strings are
// compiled here; a compile failure is a programming error and panics at
// init time rather than at request time.
func Builtins() []*Policy {
	mustT := func(cond, action string) Transition {
		t, err := CompileTransition(cond, action)
		if err != nil {
			panic(err)
		}
		return t
	}

	defaultPolicy := (&Policy{
		Name:     "default",
		FastPath: append([]string{}, defaultFastPath...),
		SlowPath: append([]string{}, defaultSlowPath...),
		AiPath:   []string{"ai_escalation"},
		Transitions: []Transition{
			mustT("risk >= 0.95 && confidence >= 0.6", "block"),
			mustT("risk < 0.1 && confidence >= 0.5", "allow"),
		},
	}).withDefaults()

	strict := (&Policy{
		Name:                    "strict",
		FastPath:                append([]string{}, defaultFastPath...),
		SlowPath:                append([]string{}, defaultSlowPath...),
		AiPath:                  []string{"ai_escalation"},
		ImmediateBlockThreshold: 0.7,
		MinConfidence:           0.5,
		Transitions: []Transition{
			mustT("signal(ua.security_tool)", "block"),
			mustT("signal(honeypot.path)", "block"),
			mustT("risk >= 0.7 && confidence >= 0.5", "block"),
		},
		ActionOverrides: map[core.RiskBand]core.Action{
			core.RiskMedium: core.ActionBlock,
		},
	}).withDefaults()

	relaxed := (&Policy{
		Name:                    "relaxed",
		FastPath:                append([]string{}, defaultFastPath...),
		SlowPath:                append([]string{}, defaultSlowPath...),
		ImmediateBlockThreshold: 0.95,
		MinConfidence:           0.8,
		Transitions: []Transition{
			mustT("risk < 0.5", "log_only"),
		},
		ActionOverrides: map[core.RiskBand]core.Action{
			core.RiskMedium:   core.ActionLogOnly,
			core.RiskElevated: core.ActionAllow,
		},
	}).withDefaults()

	allowVerified := (&Policy{
		Name:     "allowVerifiedBots",
		FastPath: append([]string{}, defaultFastPath...),
		SlowPath: append([]string{}, defaultSlowPath...),
		Transitions: []Transition{
			mustT("signal(ua.verified_crawler)", "allow"),
			mustT("reputation == ConfirmedGood", "log_only"),
			mustT("risk >= 0.9 && confidence >= 0.6", "block"),
		},
	}).withDefaults()

	return []*Policy{defaultPolicy, strict, relaxed, allowVerified}
}
