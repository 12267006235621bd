package policy

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// PathMapping binds a path pattern to a policy name. Patterns use '/'
// segments with "*" (one segment) and "**" (any tail), e.g. "/api/**".
type PathMapping struct {
	Pattern string `yaml:"pattern"`
	Policy  string `yaml:"policy"`
}

// Registry holds named policies and the path-to-policy map. Resolution
// is pure: the same path against the same registry always yields the
// same policy.
type Registry struct {
	mu          sync.RWMutex
	policies    map[string]*Policy
	mappings    []PathMapping
	defaultName string
	logger      *log.Logger
}

// NewRegistry creates a registry seeded with the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		policies:    make(map[string]*Policy),
		defaultName: "default",
		logger:      log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
	for _, p := range Builtins() {
		r.policies[p.Name] = p
	}
	return r
}

// Add registers a user-defined policy (replacing any same-named one).
func (r *Registry) Add(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name] = p.withDefaults()
}

// Get returns a policy by name.
func (r *Registry) Get(name string) (*Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// SetDefault names the policy used when no mapping matches.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[name]; !ok {
		return fmt.Errorf("policy config error: default policy %q is not defined", name)
	}
	r.defaultName = name
	return nil
}

// SetMappings installs the path-to-policy map. Mappings naming unknown
// policies are a startup-fatal config error.
func (r *Registry) SetMappings(mappings []PathMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range mappings {
		if _, ok := r.policies[m.Policy]; !ok {
			return fmt.Errorf("policy config error: mapping %q references unknown policy %q", m.Pattern, m.Policy)
		}
	}

	// Most specific first: more literal segments win, then longer
	// patterns. Stable order keeps resolution deterministic.
	sorted := append([]PathMapping{}, mappings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := specificity(sorted[i].Pattern), specificity(sorted[j].Pattern)
		if si != sj {
			return si > sj
		}
		return len(sorted[i].Pattern) > len(sorted[j].Pattern)
	})
	r.mappings = sorted
	return nil
}

// ResolveForPath returns the policy governing a request path.
func (r *Registry) ResolveForPath(path string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mappings {
		if matchPath(m.Pattern, path) {
			return r.policies[m.Policy]
		}
	}
	return r.policies[r.defaultName]
}

// Validate cross-checks every policy's detector names against the given
// set of registered names. Unknown names are allowed (logged and skipped
// at run time) unless listed in required.
func (r *Registry) Validate(registered func(name string) bool, required map[string]bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.policies {
		for _, name := range p.Detectors() {
			if registered(name) {
				continue
			}
			if required[name] {
				return fmt.Errorf("policy config error: policy %q requires unregistered detector %q", p.Name, name)
			}
			r.logger.Printf("policy %q references unknown detector %q (will be skipped)", p.Name, name)
		}
	}
	return nil
}

// Names lists the registered policy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func specificity(pattern string) int {
	n := 0
	for _, seg := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if seg != "*" && seg != "**" && seg != "" {
			n++
		}
	}
	return n
}

func matchPath(pattern, path string) bool {
	pat := splitPath(pattern)
	segs := splitPath(path)
	return matchPathSegments(pat, segs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchPathSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "**":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchPathSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(segs) == 0 {
				return false
			}
		default:
			if len(segs) == 0 || !strings.EqualFold(segs[0], pat[0]) {
				return false
			}
		}
		pat = pat[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}
