package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// Outcome is what a fired transition asks the orchestrator to do.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAllow
	OutcomeLogOnly
	OutcomeThrottle
	OutcomeChallenge
	OutcomeBlock
	OutcomeEscalateSlowPath
	OutcomeEscalateAi
	OutcomeGoToPolicy
)

// EvalContext is the view a compiled condition reads. HasSignal closes
// over the request's operation sink.
type EvalContext struct {
	Risk       float64
	Confidence float64
	HasSignal  func(signal.Pattern) bool
	Reputation core.ReputationState
}

// Condition is a precompiled predicate over the evaluation context.
type Condition func(*EvalContext) bool

// Transition pairs a condition with its outcome. Transitions are
// evaluated in declaration order after every wave; the first hit wins.
type Transition struct {
	Source  string // original condition text, for logs
	When    Condition
	Outcome Outcome
	// Policy names the target for OutcomeGoToPolicy.
	Policy string
}

// CompileTransition parses "cond" and "action" into a Transition.
// The condition grammar is deliberately minimal: leaf conditions joined
// by && and ||, where && binds tighter. Leaves:
//
//	risk >= 0.8      confidence < 0.5
//	signal(ua.security_tool)
//	reputation == ConfirmedBad
//
// Actions: allow, log_only, throttle, challenge, block,
// escalate_slow_path, escalate_ai, goto:<policy>.
func CompileTransition(cond, action string) (Transition, error) {
	when, err := compileCondition(cond)
	if err != nil {
		return Transition{}, err
	}

	t := Transition{Source: cond, When: when}
	switch {
	case action == "allow":
		t.Outcome = OutcomeAllow
	case action == "log_only":
		t.Outcome = OutcomeLogOnly
	case action == "throttle":
		t.Outcome = OutcomeThrottle
	case action == "challenge":
		t.Outcome = OutcomeChallenge
	case action == "block":
		t.Outcome = OutcomeBlock
	case action == "escalate_slow_path":
		t.Outcome = OutcomeEscalateSlowPath
	case action == "escalate_ai":
		t.Outcome = OutcomeEscalateAi
	case strings.HasPrefix(action, "goto:"):
		t.Outcome = OutcomeGoToPolicy
		t.Policy = strings.TrimPrefix(action, "goto:")
		if t.Policy == "" {
			return Transition{}, fmt.Errorf("transition action %q names no policy", action)
		}
	default:
		return Transition{}, fmt.Errorf("unknown transition action %q", action)
	}
	return t, nil
}

func compileCondition(src string) (Condition, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty transition condition")
	}

	// || is the lowest-precedence operator.
	orParts := strings.Split(src, "||")
	orConds := make([]Condition, 0, len(orParts))
	for _, orPart := range orParts {
		andParts := strings.Split(orPart, "&&")
		andConds := make([]Condition, 0, len(andParts))
		for _, leaf := range andParts {
			c, err := compileLeaf(strings.TrimSpace(leaf))
			if err != nil {
				return nil, err
			}
			andConds = append(andConds, c)
		}
		conj := andConds
		orConds = append(orConds, func(ec *EvalContext) bool {
			for _, c := range conj {
				if !c(ec) {
					return false
				}
			}
			return true
		})
	}

	return func(ec *EvalContext) bool {
		for _, c := range orConds {
			if c(ec) {
				return true
			}
		}
		return false
	}, nil
}

func compileLeaf(leaf string) (Condition, error) {
	// signal(<pattern>)
	if strings.HasPrefix(leaf, "signal(") && strings.HasSuffix(leaf, ")") {
		pat := signal.Pattern(strings.TrimSuffix(strings.TrimPrefix(leaf, "signal("), ")"))
		if pat == "" {
			return nil, fmt.Errorf("signal() requires a pattern")
		}
		return func(ec *EvalContext) bool {
			return ec.HasSignal != nil && ec.HasSignal(pat)
		}, nil
	}

	fields := strings.Fields(leaf)
	if len(fields) != 3 {
		return nil, fmt.Errorf("cannot parse condition leaf %q", leaf)
	}
	subject, op, operand := fields[0], fields[1], fields[2]

	if subject == "reputation" {
		if op != "==" && op != "!=" {
			return nil, fmt.Errorf("reputation supports == and != only, got %q", op)
		}
		state, ok := core.ParseReputationState(operand)
		if !ok {
			return nil, fmt.Errorf("unknown reputation state %q", operand)
		}
		eq := op == "=="
		return func(ec *EvalContext) bool {
			return (ec.Reputation == state) == eq
		}, nil
	}

	var read func(*EvalContext) float64
	switch subject {
	case "risk":
		read = func(ec *EvalContext) float64 { return ec.Risk }
	case "confidence":
		read = func(ec *EvalContext) float64 { return ec.Confidence }
	default:
		return nil, fmt.Errorf("unknown condition subject %q", subject)
	}

	threshold, err := strconv.ParseFloat(operand, 64)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", leaf, err)
	}

	switch op {
	case ">":
		return func(ec *EvalContext) bool { return read(ec) > threshold }, nil
	case ">=":
		return func(ec *EvalContext) bool { return read(ec) >= threshold }, nil
	case "<":
		return func(ec *EvalContext) bool { return read(ec) < threshold }, nil
	case "<=":
		return func(ec *EvalContext) bool { return read(ec) <= threshold }, nil
	case "==":
		return func(ec *EvalContext) bool { return read(ec) == threshold }, nil
	default:
		return nil, fmt.Errorf("unknown comparison %q in %q", op, leaf)
	}
}
