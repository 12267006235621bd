package detect

import (
	"context"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// IPInspector raises IP-derived facts (country, ASN, datacenter flag)
// and votes on hosting-range origins. Most of its value is the signals
// later waves and the operation summary consume.
type IPInspector struct {
	Meta
}

func NewIPInspector() *IPInspector {
	return &IPInspector{Meta: Meta{
		ID:      "ip_intel",
		Cat:     CategoryIP,
		WaveNum: 0,
		Prio:    40,
		EmitKeys: []signal.Key{
			"ip.country", "ip.asn", "ip.datacenter",
		},
		BaseWeight: 1.0,
	}}
}

func (d *IPInspector) meta() *Meta { return &d.Meta }

func (d *IPInspector) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Intel == nil {
		return nil, nil
	}
	ip := st.Request.ClientIP

	if cc := st.Intel.Country(ip); cc != "" {
		st.Raise(d.ID, "ip.country", cc, 0)
	}
	if asn := st.Intel.ASN(ip); asn != 0 {
		st.Raise(d.ID, "ip.asn", asn, 0)
	}

	if st.Intel.IsDatacenter(ip) {
		st.Raise(d.ID, "ip.datacenter", true, 0.5)
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.5,
			Weight:          d.BaseWeight,
			Reason:          "source IP in datacenter range",
			BotType:         core.BotTypeGeneric,
		}}, nil
	}

	// Residential origin is weak human evidence, not proof.
	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: -0.1,
		Weight:          d.BaseWeight,
		Reason:          "source IP outside known hosting ranges",
		BotType:         core.BotTypeHuman,
	}}, nil
}

// CountryRisk consumes the country reputation tracker in wave 1, after
// ip_intel has raised ip.country.
type CountryRisk struct {
	Meta
}

func NewCountryRisk() *CountryRisk {
	return &CountryRisk{Meta: Meta{
		ID:          "country_risk",
		Cat:         CategoryIP,
		WaveNum:     1,
		Prio:        40,
		TriggerPats: []signal.Pattern{"ip.country"},
		EmitKeys:    []signal.Key{"ip.country_risk"},
		BaseWeight:  1.0,
	}}
}

func (d *CountryRisk) meta() *Meta { return &d.Meta }

func (d *CountryRisk) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Country == nil {
		return nil, nil
	}
	entry, ok := st.Sink.SenseLatest("ip.country")
	if !ok {
		return nil, nil
	}
	cc := entry.Payload.Str()

	score := st.Country.Score(cc)
	if score < 0.5 {
		return nil, nil
	}

	st.Raise(d.ID, "ip.country_risk", score, score)
	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: 0.3 * score,
		Weight:          d.BaseWeight,
		Reason:          "elevated bot rate for country " + cc,
		BotType:         core.BotTypeGeneric,
	}}, nil
}
