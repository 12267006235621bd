package detect

import (
	"context"
	"strings"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// honeypotPaths are deliberately exposed paths no legitimate client
// requests. Hitting one is treated as proof of automation.
var honeypotPaths = []string{
	"/.git/", "/.env", "/.aws/", "/wp-admin", "/wp-login.php",
	"/phpmyadmin", "/admin.php", "/config.php", "/backup.sql",
	"/vendor/phpunit", "/etc/passwd", "/.ssh/", "/server-status",
}

// HoneypotPath flags honeypot hits and flips the response side into
// blocking, deep analysis so the reply can be swapped for bait content.
type HoneypotPath struct {
	Meta
}

func NewHoneypotPath() *HoneypotPath {
	return &HoneypotPath{Meta: Meta{
		ID:      "honeypot_path",
		Cat:     CategoryHeuristic,
		WaveNum: 0,
		Prio:    15,
		EmitKeys: []signal.Key{
			"honeypot.path", "response.analysis.mode", "response.analysis.thoroughness",
		},
		BaseWeight: 4.0,
	}}
}

func (d *HoneypotPath) meta() *Meta { return &d.Meta }

func (d *HoneypotPath) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	path := strings.ToLower(st.Request.Path)

	for _, hp := range honeypotPaths {
		if !strings.Contains(path, hp) {
			continue
		}

		st.Raise(d.ID, "honeypot.path", st.Request.Path, 0.95)
		st.Raise(d.ID, "response.analysis.mode", "blocking", 0)
		st.Raise(d.ID, "response.analysis.thoroughness", "deep", 0)

		return []Contribution{{
			Detector:         d.ID,
			Category:         d.Cat,
			ConfidenceDelta:  0.95,
			Weight:           d.BaseWeight,
			Reason:           "honeypot path accessed: " + hp,
			BotType:          core.BotTypeMaliciousBot,
			TriggerEarlyExit: true,
			VerifiedBad:      true,
		}}, nil
	}
	return nil, nil
}
