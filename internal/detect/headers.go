package detect

import (
	"context"
	"strings"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// compoundBonusPerCategory is added for every matched category beyond
// the first; the combined delta is capped below 1.
const (
	compoundBonusPerCategory = 0.05
	compoundDeltaCap         = 0.99
)

// HeaderHeuristics scores the request by header shape: real browsers
// send a characteristic header set that trivial HTTP clients do not.
type HeaderHeuristics struct {
	Meta
}

func NewHeaderHeuristics() *HeaderHeuristics {
	return &HeaderHeuristics{Meta: Meta{
		ID:      "header_heuristics",
		Cat:     CategoryHeader,
		WaveNum: 0,
		Prio:    30,
		EmitKeys: []signal.Key{
			"headers.missing_accept_language", "headers.missing_accept_encoding",
			"headers.missing_accept", "headers.sparse", "headers.no_cookies",
			"headers.automation",
		},
		BaseWeight: 1.5,
	}}
}

func (d *HeaderHeuristics) meta() *Meta { return &d.Meta }

type headerCheck struct {
	key      signal.Key
	delta    float64
	reason   string
	observed bool // the check saw something present, not something missing
	hit      func(st *State) bool
}

var headerChecks = []headerCheck{
	{
		key: "headers.missing_accept_language", delta: 0.25,
		reason: "no Accept-Language",
		hit:    func(st *State) bool { return st.Request.Header("Accept-Language") == "" },
	},
	{
		key: "headers.missing_accept_encoding", delta: 0.2,
		reason: "no Accept-Encoding",
		hit:    func(st *State) bool { return st.Request.Header("Accept-Encoding") == "" },
	},
	{
		key: "headers.missing_accept", delta: 0.15,
		reason: "no Accept",
		hit:    func(st *State) bool { return st.Request.Header("Accept") == "" },
	},
	{
		key: "headers.sparse", delta: 0.2,
		reason: "fewer than four request headers",
		hit:    func(st *State) bool { return len(st.Request.Headers) < 4 },
	},
	{
		key: "headers.no_cookies", delta: 0.1,
		reason: "no cookies and no referer on a deep path",
		hit: func(st *State) bool {
			return st.Request.Header("Cookie") == "" &&
				st.Request.Header("Referer") == "" &&
				strings.Count(st.Request.Path, "/") > 1
		},
	},
	{
		key: "headers.automation", delta: 0.4,
		reason: "automation header present", observed: true,
		hit: func(st *State) bool {
			return st.Request.Header("X-Automation") != "" ||
				st.Request.Header("X-Scrapy") != "" ||
				strings.Contains(strings.ToLower(st.Request.Header("X-Requested-With")), "script")
		},
	},
}

func (d *HeaderHeuristics) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	var (
		delta    float64
		matched  int
		observed bool
		reasons  []string
	)

	for _, chk := range headerChecks {
		if !chk.hit(st) {
			continue
		}
		matched++
		delta += chk.delta
		observed = observed || chk.observed
		reasons = append(reasons, chk.reason)
		st.Raise(d.ID, chk.key, true, chk.delta)
	}

	if matched == 0 {
		// Full browser-shaped header set: mild human signal.
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: -0.2,
			Weight:          1.0,
			Reason:          "complete browser header set",
			BotType:         core.BotTypeHuman,
		}}, nil
	}

	// Multiple independent anomalies compound.
	delta += compoundBonusPerCategory * float64(matched-1)
	if delta > compoundDeltaCap {
		delta = compoundDeltaCap
	}

	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: delta,
		Weight:          d.BaseWeight,
		Reason:          strings.Join(reasons, "; "),
		BotType:         core.BotTypeGeneric,
		Absence:         !observed,
	}}, nil
}
