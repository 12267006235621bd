package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

func TestCompileTransition_Conditions(t *testing.T) {
	hasSignal := func(set ...string) func(signal.Pattern) bool {
		return func(p signal.Pattern) bool {
			for _, s := range set {
				if p.Match(signal.Key(s)) {
					return true
				}
			}
			return false
		}
	}

	tests := []struct {
		name string
		cond string
		ctx  EvalContext
		want bool
	}{
		{"risk above", "risk >= 0.8", EvalContext{Risk: 0.85}, true},
		{"risk below threshold", "risk >= 0.8", EvalContext{Risk: 0.79}, false},
		{"and both", "risk >= 0.7 && confidence >= 0.5", EvalContext{Risk: 0.7, Confidence: 0.5}, true},
		{"and one fails", "risk >= 0.7 && confidence >= 0.5", EvalContext{Risk: 0.9, Confidence: 0.4}, false},
		{"or rescues", "risk >= 0.9 || confidence >= 0.1", EvalContext{Risk: 0.1, Confidence: 0.2}, true},
		{"signal present", "signal(ua.security_tool)", EvalContext{HasSignal: hasSignal("ua.security_tool")}, true},
		{"signal absent", "signal(ua.security_tool)", EvalContext{HasSignal: hasSignal("ua.scraper")}, false},
		{"reputation eq", "reputation == ConfirmedBad", EvalContext{Reputation: core.RepConfirmedBad}, true},
		{"reputation neq", "reputation != Neutral", EvalContext{Reputation: core.RepSuspect}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := CompileTransition(tt.cond, "block")
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.When(&tt.ctx))
		})
	}
}

func TestCompileTransition_Errors(t *testing.T) {
	bad := []struct{ cond, action string }{
		{"", "block"},
		{"risk >> 0.5", "block"},
		{"temperature > 0.5", "block"},
		{"reputation == NotAState", "block"},
		{"risk > abc", "block"},
		{"risk > 0.5", "detonate"},
		{"risk > 0.5", "goto:"},
	}
	for _, tt := range bad {
		_, err := CompileTransition(tt.cond, tt.action)
		assert.Error(t, err, "cond=%q action=%q", tt.cond, tt.action)
	}

	tr, err := CompileTransition("risk > 0.5", "goto:strict")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGoToPolicy, tr.Outcome)
	assert.Equal(t, "strict", tr.Policy)
}

func TestRegistry_ResolveMostSpecificWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.SetMappings([]PathMapping{
		{Pattern: "/api/**", Policy: "default"},
		{Pattern: "/api/admin/**", Policy: "strict"},
		{Pattern: "/static/**", Policy: "relaxed"},
		{Pattern: "/feeds/*", Policy: "allowVerifiedBots"},
	}))

	assert.Equal(t, "strict", r.ResolveForPath("/api/admin/users").Name)
	assert.Equal(t, "default", r.ResolveForPath("/api/orders").Name)
	assert.Equal(t, "relaxed", r.ResolveForPath("/static/css/app.css").Name)
	assert.Equal(t, "allowVerifiedBots", r.ResolveForPath("/feeds/rss").Name)
	// One-segment glob does not span two segments.
	assert.Equal(t, "default", r.ResolveForPath("/feeds/a/b").Name)
	// No mapping: default policy.
	assert.Equal(t, "default", r.ResolveForPath("/totally/elsewhere").Name)

	// Purity: resolving twice gives the same policy.
	assert.Same(t, r.ResolveForPath("/api/admin/x"), r.ResolveForPath("/api/admin/x"))
}

func TestRegistry_ConfigErrors(t *testing.T) {
	r := NewRegistry()

	err := r.SetMappings([]PathMapping{{Pattern: "/x/**", Policy: "nope"}})
	assert.Error(t, err)

	assert.Error(t, r.SetDefault("nope"))
	assert.NoError(t, r.SetDefault("strict"))
	assert.Equal(t, "strict", r.ResolveForPath("/anything").Name)
}

func TestRegistry_ValidateRequiredDetector(t *testing.T) {
	r := NewRegistry()
	registered := func(name string) bool { return name == "ua_scanner" }

	// Optional unknowns are tolerated.
	assert.NoError(t, r.Validate(registered, nil))

	// Required unknowns refuse startup.
	assert.Error(t, r.Validate(registered, map[string]bool{"behavior": true}))
}

func TestBuiltins_Defaults(t *testing.T) {
	for _, p := range Builtins() {
		assert.NotZero(t, p.WaveBudget, p.Name)
		assert.NotZero(t, p.TimeoutBudget, p.Name)
		assert.NotZero(t, p.Baseline, p.Name)
		assert.NotEmpty(t, p.FastPath, p.Name)
	}

	r := NewRegistry()
	strict, ok := r.Get("strict")
	require.True(t, ok)
	assert.Equal(t, 0.7, strict.ImmediateBlockThreshold)
	assert.Equal(t, 1.0, strict.WeightFor("anything"))
}
