// Package detect defines the leaf detector contract and the built-in
// detector set. Detectors communicate strictly through signals raised on
// the operation sink; they never mutate each other or the request.
package detect

import (
	"context"
	"time"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// Category groups detectors by the class of evidence they produce. The
// aggregator caps detection confidence by how many classes actually ran.
type Category int

const (
	CategoryUA Category = iota
	CategoryHeader
	CategoryIP
	CategoryBehavioral
	CategoryClientSide
	CategoryHeuristic
)

func (c Category) String() string {
	switch c {
	case CategoryUA:
		return "UA"
	case CategoryHeader:
		return "Header"
	case CategoryIP:
		return "IP"
	case CategoryBehavioral:
		return "Behavioral"
	case CategoryClientSide:
		return "ClientSide"
	case CategoryHeuristic:
		return "Heuristic"
	default:
		return "Unknown"
	}
}

// Contribution is one detector's signed, weighted vote toward the bot
// probability. ConfidenceDelta is in [-1, +1]; positive is bot-ward.
type Contribution struct {
	Detector         string
	Category         Category
	ConfidenceDelta  float64
	Weight           float64
	Reason           string
	BotType          core.BotType
	BotName          string
	TriggerEarlyExit bool
	VerifiedBad      bool // e.g. security tool UA, honeypot hit
	VerifiedGood     bool // reserved for cryptographic/range verification
	Absence          bool // evidence is something missing, not something observed
	Signals          map[signal.Key]interface{}
}

// Detector is the common contract for every leaf detector.
type Detector interface {
	Name() string
	Category() Category
	Wave() int
	Priority() int
	Triggers() []signal.Pattern
	Emits() []signal.Key
	Timeout() time.Duration
	Contribute(ctx context.Context, st *State) ([]Contribution, error)
}

// Meta carries the scheduling metadata every built-in embeds. Manifest
// overrides from configuration are applied onto it at registration.
type Meta struct {
	ID          string
	Cat         Category
	WaveNum     int
	Prio        int
	TriggerPats []signal.Pattern
	EmitKeys    []signal.Key
	CallTimeout time.Duration
	BaseWeight  float64
}

func (m *Meta) Name() string                { return m.ID }
func (m *Meta) Category() Category          { return m.Cat }
func (m *Meta) Wave() int                   { return m.WaveNum }
func (m *Meta) Priority() int               { return m.Prio }
func (m *Meta) Triggers() []signal.Pattern  { return m.TriggerPats }
func (m *Meta) Emits() []signal.Key         { return m.EmitKeys }
func (m *Meta) Timeout() time.Duration {
	if m.CallTimeout <= 0 {
		return 5 * time.Millisecond
	}
	return m.CallTimeout
}

// BehaviorSnapshot is the read-only cross-request view a detector may
// query for the current signature. It is a copy; mutating it has no
// effect on the coordinator.
type BehaviorSnapshot struct {
	Signature           string
	Requests            int
	PathEntropy         float64
	PathDiversity       float64
	TimingCV            float64
	MeanIntervalSeconds float64
	RequestRate         float64 // requests per second over the window
	AvgBotProbability   float64
	AberrationScore     float64
	Aberrant            bool
	UpgradeCount        int // websocket upgrade handshakes in the window
	Intervals           []float64
	Country             string
	ASN                 uint32
	Datacenter          bool
	WindowStart         time.Time
	LastSeen            time.Time
}

// BehaviorReader exposes coordinator state to detectors, queries only.
type BehaviorReader interface {
	Query(signature string) (BehaviorSnapshot, bool)
}

// ClusterInfo is the read-only cluster membership view.
type ClusterInfo struct {
	ID                string
	Label             string
	Type              string // "BotProduct" or "BotNetwork"
	Size              int
	AvgBotProbability float64
	AvgSimilarity     float64
}

// ClusterReader resolves a signature to its current cluster, if any.
type ClusterReader interface {
	ClusterOf(signature string) (ClusterInfo, bool)
}

// ReputationView is the read-only reputation lookup detectors consume.
type ReputationView struct {
	State    core.ReputationState
	BotScore float64
	Support  float64
}

// ReputationReader resolves a pattern id to its reputation.
type ReputationReader interface {
	Lookup(patternID string) (ReputationView, bool)
}

// CountryScorer returns the decayed bot rate for a country, 0 until the
// tracker has seen enough samples.
type CountryScorer interface {
	Score(country string) float64
}

// Fingerprint is the client-side factor set learned from the fingerprint
// callback endpoint.
type Fingerprint struct {
	CanvasHash string
	WebglHash  string
	AudioHash  string
	Plugins    []string
	Fonts      []string
	LearnedAt  time.Time
}

// FingerprintReader exposes learned client-side factors per signature.
type FingerprintReader interface {
	Fingerprint(signature string) (Fingerprint, bool)
}

// Oracle is the pluggable AI-wave escalation hook. The default
// implementation declines every request so the core runs without an LLM.
type Oracle interface {
	Assess(ctx context.Context, st *State) (Contribution, bool, error)
}

// NopOracle declines to assess anything.
type NopOracle struct{}

func (NopOracle) Assess(context.Context, *State) (Contribution, bool, error) {
	return Contribution{}, false, nil
}

// State is what a detector sees: the immutable request, the read/write
// operation sink, and read-only process-scoped services.
type State struct {
	Request      *core.Request
	Sink         signal.Sink
	Behavior     BehaviorReader
	Clusters     ClusterReader
	Reputation   ReputationReader
	Country      CountryScorer
	Intel        IPIntel
	Fingerprints FingerprintReader
	Oracle       Oracle
}

// Raise emits a signal attributed to the calling detector.
func (st *State) Raise(detector string, key signal.Key, payload interface{}, confidence float64) {
	st.Sink.RaiseFrom(detector, key, payload, confidence)
}
