package provider

import (
	"sort"
	"strings"
)

// Primary is the provider used when neither the request nor the configured
// default names a registered one.
const Primary = "deepseek"

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry returns an empty registry whose Resolve falls back to
// defaultName when that name is registered.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		fallback:  strings.ToLower(strings.TrimSpace(defaultName)),
	}
}

// Register adds p under p.Name(), replacing any previous entry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve selects the provider name for a request: a registered name is used
// as is, otherwise the configured default if registered, otherwise Primary.
func (r *Registry) Resolve(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := r.providers[name]; ok {
		return name
	}
	if _, ok := r.providers[r.fallback]; ok {
		return r.fallback
	}
	return Primary
}
