package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/signal"
)

// RebuiltKey is raised on the global sink after every snapshot swap.
const RebuiltKey = signal.Key("cluster.snapshot.rebuilt")

// Source provides the behavior metrics the engine clusters over.
// The coordinator implements it.
type Source interface {
	Snapshots() []detect.BehaviorSnapshot
}

// Config bounds the clustering pipeline.
type Config struct {
	Interval                        time.Duration `yaml:"interval"`
	MinBotDetectionsToTrigger       int           `yaml:"min_bot_detections_to_trigger"`
	MinBotProbability               float64       `yaml:"min_bot_probability"`
	SimilarityThreshold             float64       `yaml:"similarity_threshold"`
	ProductSimilarityThreshold      float64       `yaml:"product_similarity_threshold"`
	NetworkTemporalDensityThreshold float64       `yaml:"network_temporal_density_threshold"`
	MinClusterSize                  int           `yaml:"min_cluster_size"`
	Algorithm                       string        `yaml:"algorithm"` // "leiden" or "label_propagation"
	LeidenResolution                float64       `yaml:"leiden_resolution"`
	MaxIterations                   int           `yaml:"max_iterations"`
	SemanticWeight                  float64       `yaml:"semantic_weight"`
	Seed                            int64         `yaml:"seed"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                        60 * time.Second,
		MinBotDetectionsToTrigger:       20,
		MinBotProbability:               0.5,
		SimilarityThreshold:             0.7,
		ProductSimilarityThreshold:      0.8,
		NetworkTemporalDensityThreshold: 0.6,
		MinClusterSize:                  3,
		Algorithm:                       "leiden",
		LeidenResolution:                0.1,
		MaxIterations:                   10,
		SemanticWeight:                  0.4,
		Seed:                            1,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinBotDetectionsToTrigger <= 0 {
		c.MinBotDetectionsToTrigger = d.MinBotDetectionsToTrigger
	}
	if c.MinBotProbability <= 0 {
		c.MinBotProbability = d.MinBotProbability
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.ProductSimilarityThreshold <= 0 {
		c.ProductSimilarityThreshold = d.ProductSimilarityThreshold
	}
	if c.NetworkTemporalDensityThreshold <= 0 {
		c.NetworkTemporalDensityThreshold = d.NetworkTemporalDensityThreshold
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = d.MinClusterSize
	}
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.LeidenResolution <= 0 {
		c.LeidenResolution = d.LeidenResolution
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	return c
}

// Cluster is one detected campaign. Immutable once published.
type Cluster struct {
	ID                string
	Members           mapset.Set[string]
	Type              string // "BotProduct" or "BotNetwork"
	Label             string
	AvgBotProbability float64
	AvgSimilarity     float64
	TemporalDensity   float64
}

// Snapshot maps both directions at a single point in time. Readers get
// whole snapshots only; the engine never mutates a published one.
type Snapshot struct {
	ByID    map[string]*Cluster
	BySig   map[string]string
	BuiltAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{ByID: map[string]*Cluster{}, BySig: map[string]string{}, BuiltAt: time.Now()}
}

// Engine is the background clustering loop. It rebuilds on a timer and
// early when enough fresh bot detections accumulate, then swaps the
// published snapshot with one atomic store.
type Engine struct {
	cfg      Config
	source   Source
	embedder Embedder
	global   *signal.GlobalSink
	logger   *log.Logger

	snap atomic.Value // *Snapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	builds     atomic.Int64
	detections atomic.Int64
}

// NewEngine creates an engine; Start launches the loop. A nil embedder
// disables the semantic similarity lane.
func NewEngine(source Source, global *signal.GlobalSink, embedder Embedder, cfg Config) *Engine {
	e := &Engine{
		cfg:      cfg.normalized(),
		source:   source,
		embedder: embedder,
		global:   global,
		logger:   log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
	e.snap.Store(emptySnapshot())
	return e
}

// Start runs the background loop until Stop. The completed-operation
// subscription is registered before Start returns so no burst can slip
// past it.
func (e *Engine) Start() {
	ops := e.global.Subscribe(signal.Pattern("operation.complete.*"))
	e.wg.Add(1)
	go e.loop(ops)
}

// Stop terminates the loop and waits for it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
	})
}

// ClusterOf implements detect.ClusterReader against the live snapshot.
func (e *Engine) ClusterOf(sig string) (detect.ClusterInfo, bool) {
	snap := e.snap.Load().(*Snapshot)
	id, ok := snap.BySig[sig]
	if !ok {
		return detect.ClusterInfo{}, false
	}
	c := snap.ByID[id]
	return detect.ClusterInfo{
		ID:                c.ID,
		Label:             c.Label,
		Type:              c.Type,
		Size:              c.Members.Cardinality(),
		AvgBotProbability: c.AvgBotProbability,
		AvgSimilarity:     c.AvgSimilarity,
	}, true
}

// Current returns the live snapshot.
func (e *Engine) Current() *Snapshot {
	return e.snap.Load().(*Snapshot)
}

// loop counts fresh bot detections off the completed-operation stream
// so a burst does not have to wait out the full interval.
func (e *Engine) loop(ops <-chan signal.Entry) {
	defer e.wg.Done()
	defer e.global.Unsubscribe(ops)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Rebuild()
		case entry, ok := <-ops:
			if !ok {
				return
			}
			if entry.Payload.Kind != signal.KindObject {
				continue
			}
			if p, ok := entry.Payload.Obj["bot_probability"].(float64); ok && p >= e.cfg.MinBotProbability {
				if e.detections.Add(1) >= int64(e.cfg.MinBotDetectionsToTrigger) {
					e.Rebuild()
					ticker.Reset(e.cfg.Interval)
				}
			}
		}
	}
}

// Rebuild runs the full pipeline once and publishes the result.
func (e *Engine) Rebuild() {
	start := time.Now()
	e.detections.Store(0)

	candidates := make([]featureSet, 0)
	for _, s := range e.source.Snapshots() {
		if s.AvgBotProbability >= e.cfg.MinBotProbability {
			candidates = append(candidates, extractFeatures(s))
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Signature < candidates[j].Signature
	})

	snap := e.build(candidates)
	e.snap.Store(snap)
	e.builds.Add(1)

	elapsed := time.Since(start)
	clusterBuildDuration.Observe(elapsed.Seconds())
	clustersActive.Set(float64(len(snap.ByID)))
	if len(snap.ByID) > 0 || e.builds.Load()%10 == 1 {
		e.logger.Printf("rebuild: candidates=%d clusters=%d elapsed=%s", len(candidates), len(snap.ByID), elapsed)
	}
	e.global.RaiseFrom("cluster", RebuiltKey, map[string]interface{}{
		"clusters":   len(snap.ByID),
		"candidates": len(candidates),
	}, 0)
}

func (e *Engine) build(feats []featureSet) *Snapshot {
	snap := emptySnapshot()
	n := len(feats)
	if n < e.cfg.MinClusterSize {
		return snap
	}

	embeddings := e.embedAll(feats)

	nodes := make([]string, n)
	for i, f := range feats {
		nodes[i] = f.Signature
	}
	g := newGraph(nodes)

	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			semantic := -1.0
			if embeddings != nil {
				semantic = cosine(embeddings[i], embeddings[j])
			}
			s := similarity(feats[i], feats[j], semantic, e.semanticWeight())
			sim[i][j], sim[j][i] = s, s
			if s >= e.cfg.SimilarityThreshold {
				g.addEdge(i, j, s)
			}
		}
	}

	var groups [][]int
	if e.cfg.Algorithm == "label_propagation" {
		groups = labelPropagation(g, e.cfg.MaxIterations, e.cfg.Seed)
	} else {
		groups = communitiesCPM(g, e.cfg.LeidenResolution, e.cfg.MaxIterations, e.cfg.Seed)
	}

	for _, members := range groups {
		if len(members) < e.cfg.MinClusterSize {
			continue
		}
		c := e.summarize(feats, sim, members)
		snap.ByID[c.ID] = c
		for _, v := range members {
			snap.BySig[feats[v].Signature] = c.ID
		}
	}
	return snap
}

// summarize turns one community into an immutable Cluster.
func (e *Engine) summarize(feats []featureSet, sim [][]float64, members []int) *Cluster {
	set := mapset.NewSet[string]()
	var botSum, rateSum, entropySum, cvSum float64
	for _, v := range members {
		set.Add(feats[v].Signature)
		botSum += feats[v].AvgBotProbability
		rateSum += feats[v].RequestRate
		entropySum += feats[v].PathEntropy
		cvSum += feats[v].TimingCV
	}
	size := float64(len(members))

	var simSum, corrSum float64
	var pairs, corrPairs int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			simSum += sim[members[i]][members[j]]
			pairs++
			if corr, ok := temporalCorrelation(feats[members[i]].Intervals, feats[members[j]].Intervals); ok {
				corrSum += corr
				corrPairs++
			}
		}
	}
	avgSim := simSum / float64(pairs)
	density := 0.0
	if corrPairs > 0 {
		density = corrSum / float64(corrPairs)
	}

	kind := "BotNetwork"
	if avgSim >= e.cfg.ProductSimilarityThreshold {
		kind = "BotProduct"
	} else if density >= e.cfg.NetworkTemporalDensityThreshold && avgSim >= 0.5 {
		kind = "BotNetwork"
	}

	c := &Cluster{
		ID:                clusterID(set),
		Members:           set,
		Type:              kind,
		AvgBotProbability: botSum / size,
		AvgSimilarity:     avgSim,
		TemporalDensity:   density,
	}
	c.Label = labelFor(len(members), rateSum/size, entropySum/size, cvSum/size)
	return c
}

// labelFor names a cluster from its aggregate behavior.
func labelFor(size int, rate, entropy, cv float64) string {
	switch {
	case entropy > 3 && cv < 0.2:
		return "coordinated content sweep"
	case rate > 2:
		return "high-rate probe swarm"
	case size >= 10:
		return "distributed bot network"
	case cv < 0.2:
		return "metronomic client fleet"
	default:
		return "automated campaign"
	}
}

// clusterID hashes the sorted member set so the same grouping always
// gets the same id across rebuilds.
func clusterID(members mapset.Set[string]) string {
	sigs := members.ToSlice()
	sort.Strings(sigs)
	sum := sha256.Sum256([]byte(strings.Join(sigs, "\x00")))
	return hex.EncodeToString(sum[:6])
}

func (e *Engine) semanticWeight() float64 {
	if e.embedder == nil {
		return 0
	}
	return e.cfg.SemanticWeight
}

// embedAll computes one embedding per candidate from a privacy-safe
// summary. Any failure disables the semantic lane for this build.
func (e *Engine) embedAll(feats []featureSet) [][]float64 {
	if e.embedder == nil {
		return nil
	}
	out := make([][]float64, len(feats))
	for i, f := range feats {
		summary := fmt.Sprintf("rate=%.2f entropy=%.2f cv=%.2f bot=%.2f country=%s datacenter=%t",
			f.RequestRate, f.PathEntropy, f.TimingCV, f.AvgBotProbability, f.Country, f.Datacenter)
		vec, err := e.embedder.Embed(summary)
		if err != nil || len(vec) == 0 {
			e.logger.Printf("embedder failed, heuristic-only build: %v", err)
			return nil
		}
		out[i] = vec
	}
	return out
}

// Stats exposes counters for operators.
func (e *Engine) Stats() map[string]interface{} {
	snap := e.snap.Load().(*Snapshot)
	return map[string]interface{}{
		"clusters":  len(snap.ByID),
		"clustered": len(snap.BySig),
		"builds":    e.builds.Load(),
		"built_at":  snap.BuiltAt,
		"pending":   e.detections.Load(),
		"algorithm": e.cfg.Algorithm,
	}
}
