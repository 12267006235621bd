// Package fastpath is the multi-factor instant matcher consulted before
// the main pipeline. A returning client whose stored profile is settled
// can skip the detector waves entirely.
package fastpath

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/detect"
)

// FactorKind names one identity factor.
type FactorKind string

const (
	FactorPrimary    FactorKind = "primary"
	FactorIP         FactorKind = "ip"
	FactorUA         FactorKind = "ua"
	FactorSubnet     FactorKind = "subnet"
	FactorClientSide FactorKind = "clientside"
	FactorPlugin     FactorKind = "plugin"
)

// factorWeights are fixed by the matching rules; they are not tunable.
var factorWeights = map[FactorKind]int{
	FactorPrimary:    100,
	FactorIP:         50,
	FactorUA:         50,
	FactorSubnet:     30,
	FactorClientSide: 80,
	FactorPlugin:     60,
}

// Factor is one derived identity component.
type Factor struct {
	Kind      FactorKind
	Signature string
	Weight    int
}

// MatchKind orders match strength.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchWeak
	MatchPartial
	MatchExact
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "Exact"
	case MatchPartial:
		return "Partial"
	case MatchWeak:
		return "Weak"
	default:
		return "None"
	}
}

// Profile is the stored standing for one primary signature, merged from
// every completed operation the client produced.
type Profile struct {
	Signature      string
	BotProbability float64
	Confidence     float64
	BotType        core.BotType
	Hits           int64
	FirstSeen      time.Time
	UpdatedAt      time.Time
}

// Human reports whether the profile settled on the human side.
func (p *Profile) Human() bool {
	return p.BotProbability < 0.5
}

// Match is one matcher decision.
type Match struct {
	Kind       MatchKind
	Confidence float64
	Profile    Profile
	Factors    []FactorKind
}

// Deriver turns raw request facts into HMAC signatures. The salt is the
// process identity salt; signatures are deterministic per salt and never
// reversible to the raw identifiers.
type Deriver struct {
	salt []byte
}

// NewDeriver creates a deriver for the given identity salt.
func NewDeriver(salt string) *Deriver {
	return &Deriver{salt: []byte(salt)}
}

func (d *Deriver) sign(parts ...string) string {
	mac := hmac.New(sha256.New, d.salt)
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Primary derives the request's primary signature from ip and ua.
func (d *Deriver) Primary(ip, ua string) string {
	return d.sign("primary", ip, ua)
}

// Factors derives every available factor for the request. Client-side
// factors need a learned fingerprint and are absent on first contact.
func (d *Deriver) Factors(req *core.Request, fp *detect.Fingerprint) []Factor {
	factors := []Factor{
		{Kind: FactorPrimary, Signature: d.Primary(req.ClientIP, req.UserAgent)},
		{Kind: FactorIP, Signature: d.sign("ip", req.ClientIP)},
		{Kind: FactorUA, Signature: d.sign("ua", req.UserAgent)},
	}
	if subnet := collapseSubnet(req.ClientIP); subnet != "" {
		factors = append(factors, Factor{Kind: FactorSubnet, Signature: d.sign("subnet", subnet)})
	}
	if fp != nil {
		if fp.CanvasHash != "" || fp.WebglHash != "" || fp.AudioHash != "" {
			factors = append(factors, Factor{
				Kind:      FactorClientSide,
				Signature: d.sign("clientside", fp.CanvasHash, fp.WebglHash, fp.AudioHash),
			})
		}
		if len(fp.Plugins) > 0 || len(fp.Fonts) > 0 {
			factors = append(factors, Factor{
				Kind:      FactorPlugin,
				Signature: d.sign("plugin", joinSorted(fp.Plugins), joinSorted(fp.Fonts)),
			})
		}
	}
	for i := range factors {
		factors[i].Weight = factorWeights[factors[i].Kind]
	}
	return factors
}

func collapseSubnet(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

func joinSorted(items []string) string {
	sorted := append([]string{}, items...)
	sort.Strings(sorted)
	out := ""
	for i, s := range sorted {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

const (
	profileTTL    = 24 * time.Hour
	indexTTL      = 24 * time.Hour
	sweepInterval = 10 * time.Minute
)

// Matcher holds the profile store and the per-factor reverse indexes.
// Reads are lock-free through the caches; writes are serialized per
// primary signature.
type Matcher struct {
	deriver  *Deriver
	profiles *gocache.Cache // primary signature -> *Profile
	index    *gocache.Cache // factor kind + signature -> primary signature
	writeMu  sync.Map       // primary signature -> *sync.Mutex
	logger   *log.Logger
}

// NewMatcher creates the matcher for the given identity salt.
func NewMatcher(salt string) *Matcher {
	return &Matcher{
		deriver:  NewDeriver(salt),
		profiles: gocache.New(profileTTL, sweepInterval),
		index:    gocache.New(indexTTL, sweepInterval),
		logger:   log.New(log.Writer(), "[FASTPATH] ", log.LstdFlags),
	}
}

// Deriver exposes the signature deriver for request construction.
func (m *Matcher) Deriver() *Deriver { return m.deriver }

func indexKey(f Factor) string {
	return string(f.Kind) + ":" + f.Signature
}

// Lookup applies the decision ladder for the request's factors.
func (m *Matcher) Lookup(req *core.Request, fp *detect.Fingerprint) Match {
	factors := m.deriver.Factors(req, fp)

	// Rule 1: primary hit.
	primary := factors[0].Signature
	if p, ok := m.profile(primary); ok {
		fastpathMatches.WithLabelValues("Exact").Inc()
		return Match{Kind: MatchExact, Confidence: 1.0, Profile: p, Factors: []FactorKind{FactorPrimary}}
	}

	// Group secondary factor hits by the stored primary they point to.
	type candidate struct {
		weight int
		kinds  []FactorKind
	}
	candidates := map[string]*candidate{}
	for _, f := range factors[1:] {
		stored, ok := m.index.Get(indexKey(f))
		if !ok {
			continue
		}
		target := stored.(string)
		c := candidates[target]
		if c == nil {
			c = &candidate{}
			candidates[target] = c
		}
		c.weight += f.Weight
		c.kinds = append(c.kinds, f.Kind)
	}

	// Deterministic candidate order: heaviest first, then signature.
	type scored struct {
		target string
		c      *candidate
	}
	ordered := make([]scored, 0, len(candidates))
	for target, c := range candidates {
		ordered = append(ordered, scored{target, c})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].c.weight != ordered[j].c.weight {
			return ordered[i].c.weight > ordered[j].c.weight
		}
		return ordered[i].target < ordered[j].target
	})

	for _, s := range ordered {
		p, ok := m.profile(s.target)
		if !ok {
			continue
		}

		// Rule 2: ip and ua together identify the client exactly.
		if hasKind(s.c.kinds, FactorIP) && hasKind(s.c.kinds, FactorUA) {
			fastpathMatches.WithLabelValues("Exact").Inc()
			return Match{Kind: MatchExact, Confidence: 1.0, Profile: p, Factors: s.c.kinds}
		}
		// Rule 3: enough combined weight for a partial match.
		if len(s.c.kinds) >= 2 && s.c.weight >= 100 {
			conf := float64(s.c.weight) / 100.0
			if conf > 0.99 {
				conf = 0.99
			}
			fastpathMatches.WithLabelValues("Partial").Inc()
			return Match{Kind: MatchPartial, Confidence: conf, Profile: p, Factors: s.c.kinds}
		}
		// Rule 4: broad but light agreement.
		if len(s.c.kinds) >= 3 && s.c.weight >= 80 {
			fastpathMatches.WithLabelValues("Weak").Inc()
			return Match{Kind: MatchWeak, Confidence: float64(s.c.weight) / 100.0, Profile: p, Factors: s.c.kinds}
		}
	}

	fastpathMatches.WithLabelValues("None").Inc()
	return Match{Kind: MatchNone}
}

// Learn merges a completed operation's verdict into the stored profile
// and refreshes every factor index. Writes for the same primary
// signature are strictly serialized.
func (m *Matcher) Learn(req *core.Request, fp *detect.Fingerprint, verdict *core.Verdict) {
	factors := m.deriver.Factors(req, fp)
	primary := factors[0].Signature

	muIface, _ := m.writeMu.LoadOrStore(primary, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	p, ok := m.profile(primary)
	if !ok {
		p = Profile{
			Signature:      primary,
			BotProbability: verdict.BotProbability,
			Confidence:     verdict.Confidence,
			BotType:        verdict.BotType,
			FirstSeen:      now,
		}
	} else {
		// Recent verdicts dominate: the client may have changed hands.
		p.BotProbability = 0.4*verdict.BotProbability + 0.6*p.BotProbability
		if verdict.Confidence > p.Confidence {
			p.Confidence = verdict.Confidence
		}
		if verdict.BotType != core.BotTypeHuman {
			p.BotType = verdict.BotType
		}
	}
	p.Hits++
	p.UpdatedAt = now

	m.profiles.Set(primary, &p, gocache.DefaultExpiration)
	for _, f := range factors[1:] {
		m.index.Set(indexKey(f), primary, gocache.DefaultExpiration)
	}
}

func (m *Matcher) profile(primary string) (Profile, bool) {
	v, ok := m.profiles.Get(primary)
	if !ok {
		return Profile{}, false
	}
	return *(v.(*Profile)), true
}

// Stats exposes store sizes for operators.
func (m *Matcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"profiles": m.profiles.ItemCount(),
		"indexes":  m.index.ItemCount(),
	}
}

func hasKind(kinds []FactorKind, k FactorKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}
