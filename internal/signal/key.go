package signal

import "strings"

// Key is a dotted signal path, e.g. "transport.is_streaming".
// Keys are plain comparable strings so they can index maps directly.
type Key string

func (k Key) String() string { return string(k) }

// Segments splits the key on dots. An empty key has no segments.
func (k Key) Segments() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), ".")
}

// Pattern is a glob over dotted keys: "*" matches exactly one segment,
// "**" matches zero or more segments. Anything else matches literally.
type Pattern string

func (p Pattern) String() string { return string(p) }

// Match reports whether the key satisfies the pattern.
func (p Pattern) Match(k Key) bool {
	return matchSegments(Pattern(p).segments(), k.Segments())
}

func (p Pattern) segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

func matchSegments(pat, key []string) bool {
	// Consume literal/"*" segments until a "**" is hit; "**" recurses on
	// every possible split of the remaining key.
	for len(pat) > 0 {
		switch pat[0] {
		case "**":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pat[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pat[0] {
				return false
			}
		}
		pat = pat[1:]
		key = key[1:]
	}
	return len(key) == 0
}
