package detect

import (
	"context"
	"fmt"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// BehaviorProbe queries the cross-request coordinator for the current
// signature and votes on machine-like traffic shape: flat inter-arrival
// timing, high path entropy, a standing aberration flag.
type BehaviorProbe struct {
	Meta
	MinRequests int
}

func NewBehaviorProbe() *BehaviorProbe {
	return &BehaviorProbe{
		Meta: Meta{
			ID:          "behavior",
			Cat:         CategoryBehavioral,
			WaveNum:     1,
			Prio:        10,
			TriggerPats: []signal.Pattern{"http.signature"},
			EmitKeys: []signal.Key{
				"signature.behavior.aberrant", "signature.behavior.metronomic",
				"signature.behavior.path_sweep",
			},
			BaseWeight: 3.0,
		},
		MinRequests: 5,
	}
}

func (d *BehaviorProbe) meta() *Meta { return &d.Meta }

func (d *BehaviorProbe) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Behavior == nil {
		return nil, nil
	}
	snap, ok := st.Behavior.Query(st.Request.Signature)
	if !ok || snap.Requests < d.MinRequests {
		return nil, nil
	}

	var out []Contribution

	if snap.Aberrant {
		st.Raise(d.ID, "signature.behavior.aberrant", snap.AberrationScore, snap.AberrationScore)
		out = append(out, Contribution{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.8 * snap.AberrationScore,
			Weight:          d.BaseWeight,
			Reason:          fmt.Sprintf("aberrant cross-request pattern (score %.2f)", snap.AberrationScore),
			BotType:         core.BotTypeScraper,
		})
		return out, nil
	}

	// Metronomic timing: humans do not click with a sub-15% CV.
	if snap.TimingCV > 0 && snap.TimingCV < 0.15 {
		st.Raise(d.ID, "signature.behavior.metronomic", snap.TimingCV, 0.5)
		out = append(out, Contribution{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.5,
			Weight:          2.0,
			Reason:          fmt.Sprintf("metronomic request timing (CV %.3f)", snap.TimingCV),
			BotType:         core.BotTypeScraper,
		})
	}

	// Broad path sweeps at speed look like enumeration.
	if snap.PathEntropy > 3.0 && snap.RequestRate > 0.2 {
		st.Raise(d.ID, "signature.behavior.path_sweep", snap.PathEntropy, 0.4)
		out = append(out, Contribution{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.4,
			Weight:          1.5,
			Reason:          fmt.Sprintf("high path entropy %.2f at %.2f req/s", snap.PathEntropy, snap.RequestRate),
			BotType:         core.BotTypeScraper,
		})
	}

	return out, nil
}

// ClusterMembership votes when the signature currently belongs to a
// detected bot cluster.
type ClusterMembership struct {
	Meta
}

func NewClusterMembership() *ClusterMembership {
	return &ClusterMembership{Meta: Meta{
		ID:          "cluster_membership",
		Cat:         CategoryBehavioral,
		WaveNum:     1,
		Prio:        25,
		TriggerPats: []signal.Pattern{"http.signature"},
		EmitKeys:    []signal.Key{"cluster.member"},
		BaseWeight:  2.5,
	}}
}

func (d *ClusterMembership) meta() *Meta { return &d.Meta }

func (d *ClusterMembership) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Clusters == nil {
		return nil, nil
	}
	info, ok := st.Clusters.ClusterOf(st.Request.Signature)
	if !ok {
		return nil, nil
	}

	st.Raise(d.ID, "cluster.member", map[string]interface{}{
		"cluster_id": info.ID,
		"label":      info.Label,
		"type":       info.Type,
		"size":       info.Size,
	}, info.AvgBotProbability)

	delta := 0.6
	botType := core.BotTypeScraper
	if info.Type == "BotNetwork" {
		// Temporal coordination across signatures is the stronger tell.
		delta = 0.75
		botType = core.BotTypeMaliciousBot
	}

	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: delta,
		Weight:          d.BaseWeight,
		Reason:          fmt.Sprintf("member of %s cluster %q (%d signatures)", info.Type, info.Label, info.Size),
		BotType:         botType,
	}}, nil
}
