package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// Reputation pattern ids are content hashes, never raw identifiers.
// UAPatternID hashes the full User-Agent; CIDRPatternID collapses the
// client IP to its /24 (or /48 for v6) before hashing.
func UAPatternID(ua string) string {
	sum := sha256.Sum256([]byte("ua:" + ua))
	return "ua:" + hex.EncodeToString(sum[:8])
}

func CIDRPatternID(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var masked string
	if v4 := parsed.To4(); v4 != nil {
		masked = v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	} else {
		masked = parsed.Mask(net.CIDRMask(48, 128)).String() + "/48"
	}
	sum := sha256.Sum256([]byte("cidr:" + masked))
	return "cidr:" + hex.EncodeToString(sum[:8])
}

// ReputationFastPath consults confirmed reputation in wave 0. A
// confirmed-bad pattern with enough support aborts immediately; a
// confirmed-good one contributes strongly human but never early-exits;
// VerifiedGood is reserved for cryptographic/range verification.
type ReputationFastPath struct {
	Meta
	MinSupportAbort float64
	MinSupportAllow float64
}

func NewReputationFastPath() *ReputationFastPath {
	return &ReputationFastPath{
		Meta: Meta{
			ID:      "reputation_fastpath",
			Cat:     CategoryHeuristic,
			WaveNum: 0,
			Prio:    5,
			EmitKeys: []signal.Key{
				"reputation.state", "reputation.confirmed_bad", "reputation.confirmed_good",
			},
			BaseWeight: 5.0,
		},
		MinSupportAbort: 5.0,
		MinSupportAllow: 5.0,
	}
}

func (d *ReputationFastPath) meta() *Meta { return &d.Meta }

func (d *ReputationFastPath) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Reputation == nil {
		return nil, nil
	}

	for _, pid := range []string{UAPatternID(st.Request.UserAgent), CIDRPatternID(st.Request.ClientIP)} {
		if pid == "" {
			continue
		}
		view, ok := st.Reputation.Lookup(pid)
		if !ok {
			continue
		}
		st.Raise(d.ID, "reputation.state", view.State.String(), view.BotScore)

		switch view.State {
		case core.RepConfirmedBad, core.RepManuallyBlocked:
			if view.Support >= d.MinSupportAbort && view.BotScore >= 0.9 {
				st.Raise(d.ID, "reputation.confirmed_bad", pid, view.BotScore)
				return []Contribution{{
					Detector:         d.ID,
					Category:         d.Cat,
					ConfidenceDelta:  1.0,
					Weight:           d.BaseWeight,
					Reason:           "pattern confirmed bad with support",
					BotType:          core.BotTypeMaliciousBot,
					TriggerEarlyExit: true,
					VerifiedBad:      true,
				}}, nil
			}
		case core.RepConfirmedGood, core.RepManuallyAllowed:
			if view.Support >= d.MinSupportAllow {
				st.Raise(d.ID, "reputation.confirmed_good", pid, 1-view.BotScore)
				return []Contribution{{
					Detector:        d.ID,
					Category:        d.Cat,
					ConfidenceDelta: -0.9,
					Weight:          3.0,
					Reason:          "pattern confirmed good with support",
					BotType:         core.BotTypeHuman,
				}}, nil
			}
		}
	}
	return nil, nil
}

// ReputationBias contributes softly for the non-confirmed states in
// wave 1, with weight growing in accumulated support.
type ReputationBias struct {
	Meta
}

func NewReputationBias() *ReputationBias {
	return &ReputationBias{Meta: Meta{
		ID:          "reputation_bias",
		Cat:         CategoryHeuristic,
		WaveNum:     1,
		Prio:        30,
		TriggerPats: []signal.Pattern{"http.signature"},
		EmitKeys:    []signal.Key{"reputation.bias"},
		BaseWeight:  1.0,
	}}
}

func (d *ReputationBias) meta() *Meta { return &d.Meta }

func (d *ReputationBias) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Reputation == nil {
		return nil, nil
	}

	var out []Contribution
	for _, pid := range []string{UAPatternID(st.Request.UserAgent), CIDRPatternID(st.Request.ClientIP)} {
		if pid == "" {
			continue
		}
		view, ok := st.Reputation.Lookup(pid)
		if !ok {
			continue
		}

		var delta float64
		switch view.State {
		case core.RepProbablyBad:
			delta = 0.4
		case core.RepSuspect:
			delta = 0.25
		case core.RepProbablyGood:
			delta = -0.3
		default:
			continue
		}

		weight := view.Support / 5.0
		if weight > 2.0 {
			weight = 2.0
		}
		if weight <= 0 {
			continue
		}

		st.Raise(d.ID, "reputation.bias", view.State.String(), delta)
		out = append(out, Contribution{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: delta,
			Weight:          weight,
			Reason:          "reputation " + view.State.String(),
			BotType:         core.BotTypeGeneric,
		})
	}
	return out, nil
}
