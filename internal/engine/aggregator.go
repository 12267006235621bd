// Package engine contains the blackboard orchestrator and the score
// aggregator: the part of the pipeline that turns detector contributions
// into a verdict.
package engine

import (
	"fmt"
	"log"
	"sort"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/policy"
)

// Confidence blends detector agreement, evidence coverage and category
// diversity; the weights below sum to 1.
const (
	agreementWeight = 0.40
	coverageWeight  = 0.35
	diversityWeight = 0.25

	verifiedFloor   = 0.95
	verifiedCeiling = 0.05
)

// Aggregate is the folded result of all contributions so far.
type Aggregate struct {
	BotProbability float64
	Confidence     float64
	RiskBand       core.RiskBand
	Action         core.Action
	BotType        core.BotType
	BotName        string
	Reasons        []string
	VerifiedBad    bool
	VerifiedGood   bool
	Contributions  int
}

// Aggregator folds contributions deterministically. It is stateless and
// safe for concurrent use.
type Aggregator struct {
	logger *log.Logger
}

// NewAggregator creates the aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{logger: log.New(log.Writer(), "[AGGREGATE] ", log.LstdFlags)}
}

// Fold computes the aggregate for the given contributions under the
// given policy. Contributions are re-sorted by detector name so the
// result does not depend on scheduling order within a wave.
func (a *Aggregator) Fold(contribs []detect.Contribution, p *policy.Policy) Aggregate {
	if len(contribs) == 0 {
		return Aggregate{
			BotProbability: 0.5,
			Confidence:     0,
			RiskBand:       core.BandFor(0.5),
			Action:         core.ActionAllow,
			BotType:        core.BotTypeHuman,
		}
	}

	sorted := append([]detect.Contribution{}, contribs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Detector < sorted[j].Detector
	})

	var (
		weightSum    float64
		weightedProb float64
		signedSum    float64
		distinct     = map[string]bool{}
		classes      = map[detect.Category]bool{}
		verifiedBad  bool
		verifiedGood bool
		affirmative  bool
	)

	for i := range sorted {
		c := &sorted[i]
		delta := c.ConfidenceDelta
		if delta > 1 || delta < -1 {
			a.logger.Printf("clipping out-of-range delta %.2f from %s", delta, c.Detector)
			delta = clamp(delta, -1, 1)
		}
		weight := c.Weight
		if weight < 0 {
			a.logger.Printf("clipping negative weight %.2f from %s", weight, c.Detector)
			weight = 0
		}
		weight *= p.WeightFor(c.Detector)
		if weight == 0 {
			continue
		}

		weightSum += weight
		weightedProb += weight * (0.5 + 0.5*delta)
		signedSum += weight * delta
		distinct[c.Detector] = true
		classes[c.Category] = true
		verifiedBad = verifiedBad || c.VerifiedBad
		verifiedGood = verifiedGood || c.VerifiedGood
		affirmative = affirmative || !c.Absence
	}

	agg := Aggregate{
		BotType:       core.BotTypeHuman,
		VerifiedBad:   verifiedBad,
		VerifiedGood:  verifiedGood,
		Contributions: len(sorted),
	}

	if weightSum == 0 {
		agg.BotProbability = 0.5
	} else {
		agg.BotProbability = clamp(weightedProb/weightSum, 0, 1)

		agreement := abs(signedSum) / weightSum
		coverage := min(1, weightSum/p.Baseline)
		diversity := min(1, float64(len(distinct))/4.0)
		conf := agreementWeight*agreement + coverageWeight*coverage + diversityWeight*diversity
		agg.Confidence = clamp(conf, 0, 1) * classCoverageCap(classes)

		// Absence can raise suspicion but never certainty: without at
		// least one observed fact the confidence stays at zero.
		if !affirmative {
			agg.Confidence = 0
		}
	}

	// Verified contributions dominate: a cryptographically verified good
	// bot can never score bot-ward, a verified-bad one never human-ward.
	if verifiedBad {
		if agg.BotProbability < verifiedFloor {
			agg.BotProbability = verifiedFloor
		}
		agg.Confidence = max(agg.Confidence, verifiedFloor)
	}
	if verifiedGood {
		if agg.BotProbability > verifiedCeiling {
			agg.BotProbability = verifiedCeiling
		}
		agg.Confidence = max(agg.Confidence, verifiedFloor)
	}

	agg.RiskBand = core.BandFor(agg.BotProbability)
	agg.BotType, agg.BotName = dominantBotType(sorted, p)
	agg.Action = actionFor(agg, p)
	agg.Reasons = topReasons(sorted, p, 5)
	return agg
}

// classCoverageCap limits confidence by how many evidence classes
// actually ran: one class of signal cannot justify near-certainty.
func classCoverageCap(classes map[detect.Category]bool) float64 {
	switch len(classes) {
	case 0:
		return 0
	case 1:
		return 0.5
	case 2:
		return 0.7
	case 3:
		return 0.85
	default:
		return 1.0
	}
}

func dominantBotType(contribs []detect.Contribution, p *policy.Policy) (core.BotType, string) {
	var (
		best       core.BotType = core.BotTypeHuman
		bestName   string
		bestWeight float64
	)
	for i := range contribs {
		c := &contribs[i]
		if c.BotType == core.BotTypeHuman || c.ConfidenceDelta <= 0 {
			continue
		}
		w := c.Weight * p.WeightFor(c.Detector)
		if w > bestWeight || (w == bestWeight && c.BotType > best) {
			best = c.BotType
			bestName = c.BotName
			bestWeight = w
		}
	}
	return best, bestName
}

func actionFor(agg Aggregate, p *policy.Policy) core.Action {
	var action core.Action
	switch {
	case agg.RiskBand >= core.RiskHigh && agg.Confidence >= p.MinConfidence:
		action = core.ActionBlock
	case agg.RiskBand >= core.RiskHigh:
		// High risk without confidence: challenge instead of block.
		action = core.ActionChallenge
	case agg.RiskBand == core.RiskMedium:
		action = core.ActionChallenge
	case agg.RiskBand == core.RiskElevated:
		action = core.ActionThrottle
	default:
		action = core.ActionAllow
	}

	if override, ok := p.ActionOverrides[agg.RiskBand]; ok {
		action = override
	}
	return action
}

func topReasons(contribs []detect.Contribution, p *policy.Policy, n int) []string {
	type scored struct {
		text  string
		score float64
	}
	items := make([]scored, 0, len(contribs))
	for i := range contribs {
		c := &contribs[i]
		if c.Reason == "" {
			continue
		}
		items = append(items, scored{
			text:  fmt.Sprintf("%s: %s", c.Detector, c.Reason),
			score: abs(c.ConfidenceDelta) * c.Weight * p.WeightFor(c.Detector),
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	if len(items) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.text
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
