package detect

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/signal"
)

// Manifest is the per-detector configuration block. Nil fields keep the
// detector's built-in defaults.
type Manifest struct {
	Name      string   `yaml:"name"`
	Wave      *int     `yaml:"wave,omitempty"`
	Priority  *int     `yaml:"priority,omitempty"`
	Weight    *float64 `yaml:"weight,omitempty"`
	TimeoutMs *int     `yaml:"timeout_ms,omitempty"`
	Enabled   *bool    `yaml:"enabled,omitempty"`
	Required  bool     `yaml:"required,omitempty"`
	Triggers  []string `yaml:"triggers,omitempty"`
}

// Registry holds the registered detectors behind their stable names and
// applies manifest overrides on top of their built-in metadata.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	disabled  map[string]bool
	logger    *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]Detector),
		disabled:  make(map[string]bool),
		logger:    log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// Register adds a detector under its stable name. Re-registering a name
// replaces the previous detector.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[d.Name()] = d
}

// metaCarrier exposes the mutable Meta embedded in a built-in detector
// so ApplyManifests can overlay configuration. Detectors from outside
// this package may opt out by not embedding Meta; their manifests then
// only toggle enablement.
type metaCarrier interface {
	meta() *Meta
}

// ApplyManifests overlays configuration onto registered detectors.
// An unknown name with required=true is a startup-fatal config error;
// unknown optional names are logged and skipped.
func (r *Registry) ApplyManifests(manifests []Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range manifests {
		d, ok := r.detectors[m.Name]
		if !ok {
			enabled := m.Enabled == nil || *m.Enabled
			if m.Required && enabled {
				return fmt.Errorf("policy config error: required detector %q is not registered", m.Name)
			}
			r.logger.Printf("skipping manifest for unknown detector %q", m.Name)
			continue
		}

		if m.Enabled != nil && !*m.Enabled {
			r.disabled[m.Name] = true
		} else {
			delete(r.disabled, m.Name)
		}

		mc, ok := d.(metaCarrier)
		if !ok {
			continue
		}
		meta := mc.meta()
		if m.Wave != nil {
			meta.WaveNum = *m.Wave
		}
		if m.Priority != nil {
			meta.Prio = *m.Priority
		}
		if m.Weight != nil {
			meta.BaseWeight = *m.Weight
		}
		if m.TimeoutMs != nil {
			meta.CallTimeout = time.Duration(*m.TimeoutMs) * time.Millisecond
		}
		if len(m.Triggers) > 0 {
			pats := make([]signal.Pattern, 0, len(m.Triggers))
			for _, t := range m.Triggers {
				pats = append(pats, signal.Pattern(t))
			}
			meta.TriggerPats = pats
		}
	}
	return nil
}

// DetectorsFor resolves a policy's detector name list into instances,
// ordered by (wave, priority, name). Unknown or disabled names are
// logged and skipped; a policy referencing a missing optional detector
// must not fail the request path.
func (r *Registry) DetectorsFor(names []string) []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Detector, 0, len(names))
	for _, name := range names {
		d, ok := r.detectors[name]
		if !ok {
			r.logger.Printf("policy references unknown detector %q, skipping", name)
			continue
		}
		if r.disabled[name] {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Wave() != out[j].Wave() {
			return out[i].Wave() < out[j].Wave()
		}
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Names returns all registered detector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a detector name is registered and enabled.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.detectors[name]
	return ok && !r.disabled[name]
}
