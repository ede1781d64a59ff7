package generation

import (
	"fmt"
	"sync"

	"github.com/bobarin/storyteller/internal/models"
)

// DefaultCapabilities is the static provider table, in declaration order.
// Declaration order breaks quality ties during segmentation.
func DefaultCapabilities() []models.ProviderCapability {
	return []models.ProviderCapability{
		{Name: "veo", Durations: []int{8, 6, 4}, Quality: 10},
		{Name: "kling", Durations: []int{10, 5}, Quality: 9},
		{Name: "xai", Durations: []int{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, Quality: 7},
	}
}

// Registry holds the capability table and the live provider implementations.
// Capabilities without a registered implementation are ignored.
type Registry struct {
	mu           sync.RWMutex
	order        []string
	caps         map[string]models.ProviderCapability
	providers    map[string]Provider
	fallbacks    []string
	highCapacity string
}

func NewRegistry(fallbacks []string, highCapacity string) *Registry {
	return &Registry{
		caps:         make(map[string]models.ProviderCapability),
		providers:    make(map[string]Provider),
		fallbacks:    fallbacks,
		highCapacity: highCapacity,
	}
}

// Register adds a provider. Registering the same name twice replaces it but
// keeps its original declaration position.
func (r *Registry) Register(capability models.ProviderCapability, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[capability.Name]; !exists {
		r.order = append(r.order, capability.Name)
	}
	r.caps[capability.Name] = capability
	r.providers[capability.Name] = p
}

func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Capability(name string) (models.ProviderCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Capabilities returns the registered providers allowed for style, in
// declaration order.
func (r *Registry) Capabilities(style string) []models.ProviderCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ProviderCapability, 0, len(r.order))
	for _, name := range r.order {
		c := r.caps[name]
		if c.AllowsStyle(style) {
			out = append(out, c)
		}
	}
	return out
}

// HighCapacity returns the designated catch-all provider, if registered.
func (r *Registry) HighCapacity() (models.ProviderCapability, bool) {
	if r.highCapacity == "" {
		return models.ProviderCapability{}, false
	}
	return r.Capability(r.highCapacity)
}

// Chain returns the ordered providers to try for a segment: the segment's
// explicit model order (or its assigned provider), then the configured
// fallbacks. Duplicates and providers that cannot render the segment's
// clip duration are dropped.
func (r *Registry) Chain(seg models.Segment) []Provider {
	var names []string
	if seg.Overrides != nil && len(seg.Overrides.ModelOrder) > 0 {
		names = append(names, seg.Overrides.ModelOrder...)
	} else if seg.Provider != "" {
		names = append(names, seg.Provider)
	}
	names = append(names, r.fallbacks...)

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	var chain []Provider
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		c, ok := r.caps[name]
		if !ok || !c.Supports(seg.ClipDuration) {
			continue
		}
		p, ok := r.providers[name]
		if !ok || p == nil {
			continue
		}
		chain = append(chain, p)
	}
	return chain
}

// Validate checks that every configured fallback and the high-capacity
// provider are registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return fmt.Errorf("no generation providers registered")
	}
	for _, name := range r.fallbacks {
		if _, ok := r.caps[name]; !ok {
			return fmt.Errorf("fallback provider %q is not registered", name)
		}
	}
	if r.highCapacity != "" {
		if _, ok := r.caps[r.highCapacity]; !ok {
			return fmt.Errorf("high-capacity provider %q is not registered", r.highCapacity)
		}
	}
	return nil
}
