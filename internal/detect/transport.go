package detect

import (
	"context"
	"strings"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// TransportProbe raises transport-level facts: websocket upgrades,
// streaming intent, protocol version oddities.
type TransportProbe struct {
	Meta
}

func NewTransportProbe() *TransportProbe {
	return &TransportProbe{Meta: Meta{
		ID:      "transport",
		Cat:     CategoryHeuristic,
		WaveNum: 0,
		Prio:    50,
		EmitKeys: []signal.Key{
			"transport.ws_upgrade", "transport.is_streaming", "transport.http10",
		},
		BaseWeight: 1.0,
	}}
}

func (d *TransportProbe) meta() *Meta { return &d.Meta }

func (d *TransportProbe) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	var out []Contribution

	if strings.EqualFold(st.Request.Header("Upgrade"), "websocket") {
		st.Raise(d.ID, "transport.ws_upgrade", true, 0)
	}
	if strings.Contains(st.Request.Header("Accept"), "text/event-stream") {
		st.Raise(d.ID, "transport.is_streaming", true, 0)
	}

	// HTTP/1.0 from a modern-browser UA is a tooling tell.
	if proto := st.Request.Header("X-Forwarded-Proto-Version"); proto == "HTTP/1.0" {
		st.Raise(d.ID, "transport.http10", true, 0.3)
		out = append(out, Contribution{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.3,
			Weight:          d.BaseWeight,
			Reason:          "HTTP/1.0 request",
			BotType:         core.BotTypeGeneric,
		})
	}
	return out, nil
}

// StreamStorm fires in wave 1 when the current signature has hammered
// the upgrade path: many websocket handshakes in a short window.
type StreamStorm struct {
	Meta
	// StormThreshold is the upgrade count within the behavior window
	// that counts as a storm.
	StormThreshold int
}

func NewStreamStorm() *StreamStorm {
	return &StreamStorm{
		Meta: Meta{
			ID:          "stream_storm",
			Cat:         CategoryBehavioral,
			WaveNum:     1,
			Prio:        20,
			TriggerPats: []signal.Pattern{"transport.ws_upgrade"},
			EmitKeys:    []signal.Key{"stream.handshake_storm"},
			BaseWeight:  2.0,
		},
		StormThreshold: 10,
	}
}

func (d *StreamStorm) meta() *Meta { return &d.Meta }

func (d *StreamStorm) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	if st.Behavior == nil {
		return nil, nil
	}
	snap, ok := st.Behavior.Query(st.Request.Signature)
	if !ok || snap.UpgradeCount < d.StormThreshold {
		return nil, nil
	}

	st.Raise(d.ID, "stream.handshake_storm", true, 0.75)
	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: 0.75,
		Weight:          d.BaseWeight,
		Reason:          "websocket handshake storm within window",
		BotType:         core.BotTypeScraper,
	}}, nil
}
