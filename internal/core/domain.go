package core

import "time"

// Action is the recommended handling for a request after detection.
type Action int

const (
	ActionAllow Action = iota
	ActionLogOnly
	ActionThrottle
	ActionChallenge
	ActionBlock
	ActionMask     // serve the response with PII masked
	ActionHoneypot // replace the response with honeypot content
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "Allow"
	case ActionLogOnly:
		return "LogOnly"
	case ActionThrottle:
		return "Throttle"
	case ActionChallenge:
		return "Challenge"
	case ActionBlock:
		return "Block"
	case ActionMask:
		return "Mask"
	case ActionHoneypot:
		return "Honeypot"
	default:
		return "Unknown"
	}
}

// RiskBand buckets a bot probability for policy decisions and headers.
type RiskBand int

const (
	RiskVeryLow RiskBand = iota
	RiskLow
	RiskElevated
	RiskMedium
	RiskHigh
	RiskVeryHigh
)

func (r RiskBand) String() string {
	switch r {
	case RiskVeryLow:
		return "VeryLow"
	case RiskLow:
		return "Low"
	case RiskElevated:
		return "Elevated"
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskVeryHigh:
		return "VeryHigh"
	default:
		return "Unknown"
	}
}

// BandFor maps a bot probability onto its risk band.
func BandFor(p float64) RiskBand {
	switch {
	case p < 0.2:
		return RiskVeryLow
	case p < 0.35:
		return RiskLow
	case p < 0.5:
		return RiskElevated
	case p < 0.65:
		return RiskMedium
	case p < 0.8:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// BotType classifies what kind of automated client was identified.
// The numeric order doubles as a specificity order: when two contributions
// tie on weight, the higher (more specific) type wins.
type BotType int

const (
	BotTypeHuman BotType = iota
	BotTypeGeneric
	BotTypeMonitoring
	BotTypeSocialMedia
	BotTypeSearchEngine
	BotTypeAiBot
	BotTypeScraper
	BotTypeMaliciousBot
)

func (b BotType) String() string {
	switch b {
	case BotTypeHuman:
		return "Human"
	case BotTypeGeneric:
		return "Generic"
	case BotTypeMonitoring:
		return "Monitoring"
	case BotTypeSocialMedia:
		return "SocialMedia"
	case BotTypeSearchEngine:
		return "SearchEngine"
	case BotTypeAiBot:
		return "AiBot"
	case BotTypeScraper:
		return "Scraper"
	case BotTypeMaliciousBot:
		return "MaliciousBot"
	default:
		return "Unknown"
	}
}

// ReputationState classifies an accumulated pattern (UA hash, CIDR, combo).
type ReputationState int

const (
	RepNeutral ReputationState = iota
	RepSuspect
	RepProbablyGood
	RepProbablyBad
	RepConfirmedGood
	RepConfirmedBad
	RepManuallyAllowed
	RepManuallyBlocked
)

func (s ReputationState) String() string {
	switch s {
	case RepNeutral:
		return "Neutral"
	case RepSuspect:
		return "Suspect"
	case RepProbablyGood:
		return "ProbablyGood"
	case RepProbablyBad:
		return "ProbablyBad"
	case RepConfirmedGood:
		return "ConfirmedGood"
	case RepConfirmedBad:
		return "ConfirmedBad"
	case RepManuallyAllowed:
		return "ManuallyAllowed"
	case RepManuallyBlocked:
		return "ManuallyBlocked"
	default:
		return "Unknown"
	}
}

// ParseReputationState maps a config/transition token to its state.
func ParseReputationState(s string) (ReputationState, bool) {
	for st := RepNeutral; st <= RepManuallyBlocked; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return RepNeutral, false
}

// Manual reports whether the state is admin-pinned and sticky.
func (s ReputationState) Manual() bool {
	return s == RepManuallyAllowed || s == RepManuallyBlocked
}

// Request is an immutable snapshot of the inbound request handed to
// detectors. The middleware shell builds it once; detectors must not
// mutate it.
type Request struct {
	ID        string
	Method    string
	Path      string
	Host      string
	ClientIP  string
	UserAgent string
	Headers   map[string][]string
	Signature string // 16-hex primary signature, see internal/fastpath
	Received  time.Time
}

// Header returns the first value for a canonical header name, or "".
func (r *Request) Header(name string) string {
	if vals, ok := r.Headers[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Verdict is the final output of the detection engine for one request.
type Verdict struct {
	RequestID      string    `json:"request_id"`
	Signature      string    `json:"signature"`
	BotProbability float64   `json:"bot_probability"`
	Confidence     float64   `json:"confidence"`
	RiskBand       RiskBand  `json:"risk_band"`
	Action         Action    `json:"action"`
	BotType        BotType   `json:"bot_type"`
	BotName        string    `json:"bot_name,omitempty"`
	Country        string    `json:"country,omitempty"`
	Reasons        []string  `json:"reasons,omitempty"`
	Policy         string    `json:"policy"`
	ProcessingMs   float64   `json:"processing_ms"`
	TimedOut       bool      `json:"timed_out,omitempty"`
	FastPath       bool      `json:"fast_path,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// IsBot reports whether the verdict crosses the conventional bot line.
func (v *Verdict) IsBot() bool {
	return v.BotProbability >= 0.5
}

// OperationSummary condenses one completed request/response operation.
// It is what crosses from the per-request world into the process-scoped
// one: the global sink, the signature coordinator and the cluster engine
// all consume it.
type OperationSummary struct {
	Signature      string    `json:"signature"`
	RequestID      string    `json:"request_id"`
	Path           string    `json:"path"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	BotProbability float64   `json:"bot_probability"`
	Confidence     float64   `json:"confidence"`
	ProcessingMs   float64   `json:"processing_ms"`
	EmittedSignals []string  `json:"emitted_signals,omitempty"`
	ContentClass   string    `json:"content_class,omitempty"`
	TransportClass string    `json:"transport_class,omitempty"`
	Country        string    `json:"country,omitempty"`
	ASN            uint32    `json:"asn,omitempty"`
	Datacenter     bool      `json:"datacenter,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Attrs flattens the summary into a signal payload map. SummaryFromAttrs
// is its inverse; the pair lets summaries round-trip through the global
// sink so an evicted signature can rebuild its history.
func (s OperationSummary) Attrs() map[string]interface{} {
	return map[string]interface{}{
		"signature":       s.Signature,
		"request_id":      s.RequestID,
		"path":            s.Path,
		"method":          s.Method,
		"status_code":     s.StatusCode,
		"bot_probability": s.BotProbability,
		"confidence":      s.Confidence,
		"processing_ms":   s.ProcessingMs,
		"content_class":   s.ContentClass,
		"transport_class": s.TransportClass,
		"country":         s.Country,
		"asn":             int64(s.ASN),
		"datacenter":      s.Datacenter,
		"timestamp_ns":    s.Timestamp.UnixNano(),
	}
}

// SummaryFromAttrs rebuilds a summary from its payload map. Missing or
// mistyped fields read as zero values.
func SummaryFromAttrs(m map[string]interface{}) OperationSummary {
	s := OperationSummary{
		Signature:      str(m["signature"]),
		RequestID:      str(m["request_id"]),
		Path:           str(m["path"]),
		Method:         str(m["method"]),
		StatusCode:     int(num(m["status_code"])),
		BotProbability: num(m["bot_probability"]),
		Confidence:     num(m["confidence"]),
		ProcessingMs:   num(m["processing_ms"]),
		ContentClass:   str(m["content_class"]),
		TransportClass: str(m["transport_class"]),
		Country:        str(m["country"]),
		ASN:            uint32(num(m["asn"])),
	}
	if b, ok := m["datacenter"].(bool); ok {
		s.Datacenter = b
	}
	if ns := int64(num(m["timestamp_ns"])); ns > 0 {
		s.Timestamp = time.Unix(0, ns)
	}
	return s
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

// AnalysisMode selects how the response side is inspected.
type AnalysisMode int

const (
	AnalysisAsync AnalysisMode = iota
	AnalysisBlocking
)

// Thoroughness selects how deep the response inspection goes.
type Thoroughness int

const (
	ThoroughnessStandard Thoroughness = iota
	ThoroughnessDeep
)

// ResponseAnalysisContext is decided during Wave 0 and consumed after the
// handler has produced its response.
type ResponseAnalysisContext struct {
	Mode         AnalysisMode
	Thoroughness Thoroughness
}
