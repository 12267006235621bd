package response

import "regexp"

// PII shapes worth masking before a suspected bot sees them. Card
// numbers are matched before phones so the longer shape wins.
var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardRe  = regexp.MustCompile(`\b\d{4}[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{4}\b`)
	phoneRe = regexp.MustCompile(`\+\d{1,3}[ \-]?\d{2,4}[ \-]?\d{3}[ \-]?\d{3,4}\b`)
)

const maskToken = "[redacted]"

// maskPII replaces PII shapes in body and reports how many of each kind
// were hit. The input is not modified.
func maskPII(body []byte) ([]byte, map[string]int) {
	counts := make(map[string]int)
	out := body

	for _, m := range []struct {
		kind string
		re   *regexp.Regexp
	}{
		{"emails", emailRe},
		{"cards", cardRe},
		{"phones", phoneRe},
	} {
		kind, re := m.kind, m.re
		n := len(re.FindAllIndex(out, -1))
		if n == 0 {
			continue
		}
		counts[kind] = n
		out = re.ReplaceAll(out, []byte(maskToken))
	}
	if len(counts) == 0 {
		return body, counts
	}
	return out, counts
}
