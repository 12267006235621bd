package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/ocx/sentinel/internal/core"
	"github.com/ocx/sentinel/internal/signal"
)

// uaClass is one row of the UA classification table.
type uaClass struct {
	pattern *regexp.Regexp
	botType core.BotType
	delta   float64
	weight  float64
	signal  signal.Key
	// verifiedBad marks classes whose mere presence proves hostile
	// automation (security tooling); these early-exit.
	verifiedBad bool
	// claimsCrawler marks UAs whose identity must be confirmed against
	// published IP ranges before they are trusted.
	claimsCrawler bool
}

var uaClasses = []uaClass{
	{
		pattern:     regexp.MustCompile(`(?i)nmap|sqlmap|nikto|masscan|metasploit|dirbuster|gobuster|wfuzz|hydra|nessus|zgrab`),
		botType:     core.BotTypeMaliciousBot,
		delta:       1.0,
		weight:      5.0,
		signal:      "ua.security_tool",
		verifiedBad: true,
	},
	{
		pattern: regexp.MustCompile(`(?i)python-requests|python-urllib|curl/|wget/|libwww|go-http-client|okhttp|aiohttp|httpx/|java/|scrapy|mechanize|php/|ruby`),
		botType: core.BotTypeScraper,
		delta:   0.8,
		weight:  2.5,
		signal:  "ua.scraper",
	},
	{
		pattern: regexp.MustCompile(`(?i)headlesschrome|phantomjs|selenium|playwright|puppeteer|electron`),
		botType: core.BotTypeScraper,
		delta:   0.7,
		weight:  2.0,
		signal:  "ua.headless",
	},
	{
		pattern: regexp.MustCompile(`(?i)gptbot|claudebot|ccbot|google-extended|anthropic|openai|perplexitybot|bytespider|cohere`),
		botType: core.BotTypeAiBot,
		delta:   0.7,
		weight:  2.0,
		signal:  "ua.ai_bot",
	},
	{
		pattern:       regexp.MustCompile(`(?i)googlebot|bingbot|duckduckbot|baiduspider|yandexbot|applebot`),
		botType:       core.BotTypeSearchEngine,
		delta:         0.6,
		weight:        2.0,
		signal:        "ua.claims_crawler",
		claimsCrawler: true,
	},
	{
		pattern: regexp.MustCompile(`(?i)facebookexternalhit|twitterbot|slackbot|linkedinbot|whatsapp|discordbot|telegrambot`),
		botType: core.BotTypeSocialMedia,
		delta:   0.5,
		weight:  1.5,
		signal:  "ua.social",
	},
	{
		pattern: regexp.MustCompile(`(?i)uptimerobot|pingdom|statuscake|site24x7|newrelic|datadog|checkly`),
		botType: core.BotTypeMonitoring,
		delta:   0.5,
		weight:  1.5,
		signal:  "ua.monitoring",
	},
	{
		pattern: regexp.MustCompile(`(?i)\bbot\b|spider|crawler|scraper|fetch`),
		botType: core.BotTypeGeneric,
		delta:   0.5,
		weight:  1.0,
		signal:  "ua.generic_bot",
	},
}

var browserUA = regexp.MustCompile(`(?i)mozilla/5\.0 \(.+\).+(chrome|firefox|safari|edg)/`)

// UAScanner classifies the User-Agent string against the class table.
// It is the cheapest and usually loudest wave-0 detector.
type UAScanner struct {
	Meta
}

// NewUAScanner builds the detector with its default metadata.
func NewUAScanner() *UAScanner {
	return &UAScanner{Meta: Meta{
		ID:      "ua_scanner",
		Cat:     CategoryUA,
		WaveNum: 0,
		Prio:    10,
		EmitKeys: []signal.Key{
			"ua.security_tool", "ua.scraper", "ua.headless", "ua.ai_bot",
			"ua.claims_crawler", "ua.social", "ua.monitoring",
			"ua.generic_bot", "ua.missing", "ua.browser",
		},
		BaseWeight: 2.5,
	}}
}

func (d *UAScanner) meta() *Meta { return &d.Meta }

func (d *UAScanner) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	ua := st.Request.UserAgent

	if strings.TrimSpace(ua) == "" {
		st.Raise(d.ID, "ua.missing", true, 0.4)
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: 0.4,
			Weight:          1.5,
			Reason:          "empty User-Agent",
			BotType:         core.BotTypeGeneric,
			Absence:         true,
		}}, nil
	}

	for _, cls := range uaClasses {
		m := cls.pattern.FindString(ua)
		if m == "" {
			continue
		}
		name := strings.ToLower(m)
		st.Raise(d.ID, cls.signal, name, cls.delta)

		// Security tooling is an identity, not a suspicion: exit early
		// with a verified-bad vote regardless of everything else.
		if cls.verifiedBad {
			return []Contribution{{
				Detector:         d.ID,
				Category:         d.Cat,
				ConfidenceDelta:  cls.delta,
				Weight:           cls.weight,
				Reason:           "security tool User-Agent: " + name,
				BotType:          cls.botType,
				BotName:          name,
				TriggerEarlyExit: true,
				VerifiedBad:      true,
			}}, nil
		}

		reason := "User-Agent matched " + string(cls.signal)
		if cls.claimsCrawler {
			reason = "claims to be crawler " + name + " (unverified)"
		}
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: cls.delta,
			Weight:          cls.weight,
			Reason:          reason,
			BotType:         cls.botType,
			BotName:         name,
		}}, nil
	}

	if browserUA.MatchString(ua) {
		st.Raise(d.ID, "ua.browser", true, 0.2)
		return []Contribution{{
			Detector:        d.ID,
			Category:        d.Cat,
			ConfidenceDelta: -0.2,
			Weight:          1.0,
			Reason:          "browser-shaped User-Agent",
			BotType:         core.BotTypeHuman,
		}}, nil
	}

	// Unrecognized but non-empty UA: mildly suspicious.
	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: 0.15,
		Weight:          0.5,
		Reason:          "unrecognized User-Agent shape",
		BotType:         core.BotTypeGeneric,
	}}, nil
}

// CrawlerVerifier confirms claimed search-engine identities against the
// published IP range tables. A confirmed claim is the one place the
// engine issues VerifiedGood; reputation alone never does. It runs in
// wave 1 because the claim signal is raised by ua_scanner in wave 0.
type CrawlerVerifier struct {
	Meta
}

func NewCrawlerVerifier() *CrawlerVerifier {
	return &CrawlerVerifier{Meta: Meta{
		ID:          "crawler_verify",
		Cat:         CategoryIP,
		WaveNum:     1,
		Prio:        5,
		TriggerPats: []signal.Pattern{"ua.claims_crawler"},
		EmitKeys:    []signal.Key{"ua.verified_crawler", "ua.spoofed_crawler"},
		BaseWeight:  3.0,
	}}
}

func (d *CrawlerVerifier) meta() *Meta { return &d.Meta }

func (d *CrawlerVerifier) Contribute(_ context.Context, st *State) ([]Contribution, error) {
	claim, ok := st.Sink.SenseLatest("ua.claims_crawler")
	if !ok || st.Intel == nil {
		return nil, nil
	}
	name := claim.Payload.Str()

	if st.Intel.IsVerifiedCrawler(st.Request.ClientIP, name) {
		st.Raise(d.ID, "ua.verified_crawler", name, 1.0)
		return []Contribution{{
			Detector:         d.ID,
			Category:         d.Cat,
			ConfidenceDelta:  -1.0,
			Weight:           3.0,
			Reason:           "crawler identity verified against published ranges: " + name,
			BotType:          core.BotTypeSearchEngine,
			BotName:          name,
			TriggerEarlyExit: true,
			VerifiedGood:     true,
		}}, nil
	}

	st.Raise(d.ID, "ua.spoofed_crawler", name, 0.9)
	return []Contribution{{
		Detector:        d.ID,
		Category:        d.Cat,
		ConfidenceDelta: 0.9,
		Weight:          3.0,
		Reason:          "crawler claim not backed by source IP: " + name,
		BotType:         core.BotTypeMaliciousBot,
		BotName:         name,
	}}, nil
}
