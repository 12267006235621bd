package detect

import (
	"context"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// ClientFingerprint inspects client-side factors learned from the
// fingerprint callback. Factors are unavailable on first contact; a
// returning signature that keeps refusing to run the probe leans
// bot-ward, a consistent fingerprint leans human.
type ClientFingerprint struct {
	Meta
	// AbsentAfterRequests is how many observed requests a signature may
	// make before a missing fingerprint starts counting against it.
	AbsentAfterRequests int
}

func NewClientFingerprint() *ClientFingerprint {
	return &ClientFingerprint{
		Meta: Meta{
			ID:          "client_fingerprint",
			Cat:         CategoryClientSide,
			WaveNum:     1,
			Prio:        35,
			TriggerPats: []signal.Pattern{"http.signature"},
			EmitKeys: []signal.Key{
				"client.fingerprint_present", "client.fingerprint_absent",
				"client.plugins_empty",
			},
			BaseWeight: 1.5,
		},
		AbsentAfterRequests: 3,
	}
}

func (d *ClientFingerprint) meta() *Meta { return &d.Meta }

func (d *ClientFingerprint) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Fingerprints == nil {
		return nil, nil
	}

	fp, ok := st.Fingerprints.Fingerprint(st.Request.Signature)
	if !ok {
		if st.Behavior == nil {
			return nil, nil
		}
		snap, ok := st.Behavior.Query(st.Request.Signature)
		if !ok || snap.Requests < d.AbsentAfterRequests {
			// First contact: nothing to hold against the client yet.
			return nil, nil
		}
		st.Raise(d.ID, "client.fingerprint_absent", true, 0.2)
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.2,
			Weight:          0.5,
			Reason:          "no client fingerprint after repeat visits",
			BotType:         core.BotTypeGeneric,
			Absence:         true,
		}}, nil
	}

	st.Raise(d.ID, "client.fingerprint_present", true, 0.4)

	// Headless stacks typically report an empty plugin/font surface.
	if len(fp.Plugins) == 0 && len(fp.Fonts) == 0 {
		st.Raise(d.ID, "client.plugins_empty", true, 0.5)
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.5,
			Weight:          d.BaseWeight,
			Reason:          "fingerprint present but plugin and font surfaces empty",
			BotType:         core.BotTypeScraper,
		}}, nil
	}

	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: -0.4,
		Weight:          d.BaseWeight,
		Reason:          "consistent client-side fingerprint",
		BotType:         core.BotTypeHuman,
	}}, nil
}

// AIEscalation is the optional last wave: it defers to the pluggable
// Oracle and contributes whatever the oracle decides. With the default
// NopOracle it contributes nothing.
type AIEscalation struct {
	Meta
}

func NewAIEscalation() *AIEscalation {
	return &AIEscalation{Meta: Meta{
		ID:         "ai_escalation",
		Cat:        CategoryHeuristic,
		WaveNum:    2,
		Prio:       10,
		EmitKeys:   []signal.Key{"ai.assessment"},
		BaseWeight: 2.0,
	}}
}

func (d *AIEscalation) meta() *Meta { return &d.Meta }

func (d *AIEscalation) Contribute(ctx context.Context, st *State) ([]Contribution, error) {
	if st.Oracle == nil {
		return nil, nil
	}
	contribution, ok, err := st.Oracle.Assess(ctx, st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	contribution.Detector = d.ID
	contribution.Category = d.Cat
	st.Raise(d.ID, "ai.assessment", contribution.ConfidenceDelta, contribution.ConfidenceDelta)
	return []Contribution{contribution}, nil
}

// BuiltinDetectors returns the full built-in set ready for registration.
func BuiltinDetectors() []Detector {
	return []Detector{
		NewReputationFastPath(),
		NewUAScanner(),
		NewHoneypotPath(),
		NewCrawlerVerifier(),
		NewHeaderHeuristics(),
		NewIPInspector(),
		NewTransportProbe(),
		NewBehaviorProbe(),
		NewStreamStorm(),
		NewClusterMembership(),
		NewReputationBias(),
		NewClientFingerprint(),
		NewCountryRisk(),
		NewAIEscalation(),
	}
}
