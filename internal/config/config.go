// Package config loads the engine's yaml configuration, validates it at
// startup and rebuilds the typed sub-configs the components consume.
// Durations are written as integers in the unit their field names say,
// so a config file never depends on duration string parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/sentinel/internal/cluster"
	"github.com/ocx/sentinel/internal/coordinator"
	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/policy"
	"github.com/ocx/sentinel/internal/reputation"
	"github.com/ocx/sentinel/internal/response"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Identity    IdentityConfig    `yaml:"identity"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Middleware  MiddlewareConfig  `yaml:"middleware"`
	Policies    PoliciesConfig    `yaml:"policies"`
	Detectors   []detect.Manifest `yaml:"detectors"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Response    ResponseConfig    `yaml:"response"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Intel       IntelConfig       `yaml:"intel"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// IdentityConfig carries the HMAC salt behind every derived signature.
type IdentityConfig struct {
	HashSalt string `yaml:"hash_salt"`
}

type ProxyConfig struct {
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type MiddlewareConfig struct {
	EmitHeaders           bool    `yaml:"emit_headers"`
	ThrottleRatePerSecond float64 `yaml:"throttle_rate_per_second"`
	ThrottleBurst         int64   `yaml:"throttle_burst"`
}

type PoliciesConfig struct {
	Default     string               `yaml:"default"`
	Mappings    []policy.PathMapping `yaml:"mappings"`
	Definitions []PolicyDef          `yaml:"definitions"`
}

// PolicyDef is the yaml shape of a user-defined policy. Transition and
// override strings compile at load time; a bad one fails startup.
type PolicyDef struct {
	Name                    string             `yaml:"name"`
	FastPath                []string           `yaml:"fast_path"`
	SlowPath                []string           `yaml:"slow_path"`
	AiPath                  []string           `yaml:"ai_path"`
	Weights                 map[string]float64 `yaml:"weights"`
	EarlyExitThreshold      float64            `yaml:"early_exit_threshold"`
	ImmediateBlockThreshold float64            `yaml:"immediate_block_threshold"`
	AiEscalationThreshold   float64            `yaml:"ai_escalation_threshold"`
	MinConfidence           float64            `yaml:"min_confidence"`
	Baseline                float64            `yaml:"baseline"`
	Parallelism             int                `yaml:"parallelism"`
	WaveBudgetMs            int                `yaml:"wave_budget_ms"`
	TimeoutBudgetMs         int                `yaml:"timeout_budget_ms"`
	Transitions             []TransitionDef    `yaml:"transitions"`
	ActionOverrides         map[string]string  `yaml:"action_overrides"`
}

type TransitionDef struct {
	When string `yaml:"when"`
	Then string `yaml:"then"`
}

type CoordinatorConfig struct {
	WindowMinutes            int     `yaml:"window_minutes"`
	MaxRequestsPerSignature  int     `yaml:"max_requests_per_signature"`
	MinRequestsForAberration int     `yaml:"min_requests_for_aberration"`
	AberrationScoreThreshold float64 `yaml:"aberration_score_threshold"`
	SignatureTTLMinutes      int     `yaml:"signature_ttl_minutes"`
	MaxSignaturesInWindow    int     `yaml:"max_signatures_in_window"`
	Workers                  int     `yaml:"workers"`
	MaxPendingPerKey         int     `yaml:"max_pending_per_key"`
}

type ClusterConfig struct {
	RebuildIntervalSeconds          int     `yaml:"rebuild_interval_seconds"`
	MinBotDetectionsToTrigger       int     `yaml:"min_bot_detections_to_trigger"`
	MinBotProbability               float64 `yaml:"min_bot_probability"`
	SimilarityThreshold             float64 `yaml:"similarity_threshold"`
	ProductSimilarityThreshold      float64 `yaml:"product_similarity_threshold"`
	NetworkTemporalDensityThreshold float64 `yaml:"network_temporal_density_threshold"`
	MinClusterSize                  int     `yaml:"min_cluster_size"`
	Algorithm                       string  `yaml:"algorithm"`
	LeidenResolution                float64 `yaml:"leiden_resolution"`
	MaxIterations                   int     `yaml:"max_iterations"`
	SemanticWeight                  float64 `yaml:"semantic_weight"`
	Seed                            int64   `yaml:"seed"`
}

type ResponseConfig struct {
	MaxBufferBytes        int `yaml:"max_buffer_bytes"`
	MaxBlockingDurationMs int `yaml:"max_blocking_duration_ms"`
}

// IntelConfig is the parsed IP range feed: datacenter ranges, country
// and ASN tables, and published crawler ranges.
type IntelConfig struct {
	DatacenterCIDRs []string            `yaml:"datacenter_cidrs"`
	CountryCIDRs    map[string][]string `yaml:"country_cidrs"`
	ASNCIDRs        map[uint32][]string `yaml:"asn_cidrs"`
	CrawlerCIDRs    map[string][]string `yaml:"crawler_cidrs"`
}

type ReputationConfig struct {
	Store                reputation.StoreConfig `yaml:"store"`
	SweepIntervalMinutes int                    `yaml:"sweep_interval_minutes"`
	EvictBelow           float64                `yaml:"evict_below"`
	FlushTimeoutSeconds  int                    `yaml:"flush_timeout_seconds"`
}

// Load reads and validates a config file. Environment variables named
// SENTINEL_PORT, SENTINEL_ENV, SENTINEL_HASH_SALT, SENTINEL_REDIS_ADDR
// and SENTINEL_REDIS_PASSWORD override the corresponding file values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SENTINEL_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("SENTINEL_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("SENTINEL_HASH_SALT"); v != "" {
		c.Identity.HashSalt = v
	}
	if v := os.Getenv("SENTINEL_REDIS_ADDR"); v != "" {
		c.Reputation.Store.Backend = "redis"
		c.Reputation.Store.RedisAddr = v
	}
	if v := os.Getenv("SENTINEL_REDIS_PASSWORD"); v != "" {
		c.Reputation.Store.RedisPassword = v
	}
}

// devEnv reports whether the environment tolerates an ephemeral salt.
func devEnv(env string) bool {
	switch strings.ToLower(env) {
	case "", "dev", "development", "test", "local":
		return true
	}
	return false
}

// Validate rejects configurations that would misbehave at run time.
// Policy definitions, transitions and mappings are compiled here so a
// typo fails the process at startup rather than a request at 3am.
func (c *Config) Validate() error {
	if !devEnv(c.Server.Env) && c.Identity.HashSalt == "" {
		return fmt.Errorf("config error: identity.hash_salt is required when server.env is %q", c.Server.Env)
	}
	if _, err := c.BuildPolicies(); err != nil {
		return err
	}
	return nil
}

// BuildPolicies compiles the policy section into a registry seeded with
// the built-ins.
func (c *Config) BuildPolicies() (*policy.Registry, error) {
	reg := policy.NewRegistry()
	for _, def := range c.Policies.Definitions {
		p, err := def.Compile()
		if err != nil {
			return nil, err
		}
		reg.Add(p)
	}
	if c.Policies.Default != "" {
		if err := reg.SetDefault(c.Policies.Default); err != nil {
			return nil, err
		}
	}
	if err := reg.SetMappings(c.Policies.Mappings); err != nil {
		return nil, err
	}
	return reg, nil
}

// Compile turns the yaml definition into an immutable policy.
func (d PolicyDef) Compile() (*policy.Policy, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("policy config error: definition without a name")
	}

	p := &policy.Policy{
		Name:                    d.Name,
		FastPath:                d.FastPath,
		SlowPath:                d.SlowPath,
		AiPath:                  d.AiPath,
		Weights:                 d.Weights,
		EarlyExitThreshold:      d.EarlyExitThreshold,
		ImmediateBlockThreshold: d.ImmediateBlockThreshold,
		AiEscalationThreshold:   d.AiEscalationThreshold,
		MinConfidence:           d.MinConfidence,
		Baseline:                d.Baseline,
		Parallelism:             d.Parallelism,
		WaveBudget:              time.Duration(d.WaveBudgetMs) * time.Millisecond,
		TimeoutBudget:           time.Duration(d.TimeoutBudgetMs) * time.Millisecond,
	}

	for _, t := range d.Transitions {
		compiled, err := policy.CompileTransition(t.When, t.Then)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", d.Name, err)
		}
		p.Transitions = append(p.Transitions, compiled)
	}

	if len(d.ActionOverrides) > 0 {
		p.ActionOverrides = make(map[core.RiskBand]core.Action, len(d.ActionOverrides))
		for bandName, actionName := range d.ActionOverrides {
			band, ok := parseRiskBand(bandName)
			if !ok {
				return nil, fmt.Errorf("policy %q: unknown risk band %q", d.Name, bandName)
			}
			action, ok := parseAction(actionName)
			if !ok {
				return nil, fmt.Errorf("policy %q: unknown action %q", d.Name, actionName)
			}
			p.ActionOverrides[band] = action
		}
	}
	return p, nil
}

func parseRiskBand(s string) (core.RiskBand, bool) {
	for b := core.RiskVeryLow; b <= core.RiskVeryHigh; b++ {
		if strings.EqualFold(b.String(), s) {
			return b, true
		}
	}
	return 0, false
}

func parseAction(s string) (core.Action, bool) {
	for a := core.ActionAllow; a <= core.ActionHoneypot; a++ {
		if strings.EqualFold(a.String(), s) {
			return a, true
		}
	}
	return 0, false
}

// BuildCoordinator maps the yaml section onto the coordinator's config.
// Zero fields fall back to the coordinator's own defaults.
func (c *Config) BuildCoordinator() coordinator.Config {
	return coordinator.Config{
		Window:                   time.Duration(c.Coordinator.WindowMinutes) * time.Minute,
		MaxRequests:              c.Coordinator.MaxRequestsPerSignature,
		MinRequestsForAberration: c.Coordinator.MinRequestsForAberration,
		AberrationThreshold:      c.Coordinator.AberrationScoreThreshold,
		SlidingTTL:               time.Duration(c.Coordinator.SignatureTTLMinutes) * time.Minute,
		MaxSignatures:            c.Coordinator.MaxSignaturesInWindow,
		Workers:                  c.Coordinator.Workers,
		MaxPendingPerKey:         c.Coordinator.MaxPendingPerKey,
	}
}

func (c *Config) BuildCluster() cluster.Config {
	return cluster.Config{
		Interval:                        time.Duration(c.Cluster.RebuildIntervalSeconds) * time.Second,
		MinBotDetectionsToTrigger:       c.Cluster.MinBotDetectionsToTrigger,
		MinBotProbability:               c.Cluster.MinBotProbability,
		SimilarityThreshold:             c.Cluster.SimilarityThreshold,
		ProductSimilarityThreshold:      c.Cluster.ProductSimilarityThreshold,
		NetworkTemporalDensityThreshold: c.Cluster.NetworkTemporalDensityThreshold,
		MinClusterSize:                  c.Cluster.MinClusterSize,
		Algorithm:                       c.Cluster.Algorithm,
		LeidenResolution:                c.Cluster.LeidenResolution,
		MaxIterations:                   c.Cluster.MaxIterations,
		SemanticWeight:                  c.Cluster.SemanticWeight,
		Seed:                            c.Cluster.Seed,
	}
}

func (c *Config) BuildResponse() response.Config {
	return response.Config{
		MaxBufferBytes:      c.Response.MaxBufferBytes,
		MaxBlockingDuration: time.Duration(c.Response.MaxBlockingDurationMs) * time.Millisecond,
	}
}

func (c *Config) BuildSweep() reputation.SweepConfig {
	cfg := reputation.DefaultSweepConfig()
	if c.Reputation.SweepIntervalMinutes > 0 {
		cfg.Interval = time.Duration(c.Reputation.SweepIntervalMinutes) * time.Minute
	}
	if c.Reputation.EvictBelow > 0 {
		cfg.EvictBelow = c.Reputation.EvictBelow
	}
	if c.Reputation.FlushTimeoutSeconds > 0 {
		cfg.FlushTimeout = time.Duration(c.Reputation.FlushTimeoutSeconds) * time.Second
	}
	return cfg
}

func (c *Config) BuildIntel() detect.StaticIntelData {
	return detect.StaticIntelData{
		DatacenterCIDRs: c.Intel.DatacenterCIDRs,
		CountryCIDRs:    c.Intel.CountryCIDRs,
		ASNCIDRs:        c.Intel.ASNCIDRs,
		CrawlerCIDRs:    c.Intel.CrawlerCIDRs,
	}
}

// FromEnv builds a config purely from environment variables, used when
// no config file is present.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address, defaulting to :8080.
func (c *Config) Addr() string {
	port := c.Server.Port
	if port == "" {
		port = "8080"
	}
	return ":" + strings.TrimPrefix(port, ":")
}
