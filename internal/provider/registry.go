package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/treumalgotech/credvault/internal/credential"
)

// Registry manages provider factories and caches instances per profile.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[credential.Provider]Factory
	cache     map[credential.ProfileKey]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps,
		factories: make(map[credential.Provider]Factory),
		cache:     make(map[credential.ProfileKey]Provider),
	}
}

// Register installs a factory for a provider. Called once per provider at
// startup.
func (r *Registry) Register(name credential.Provider, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// For returns the provider instance for a profile, creating and caching it
// on first use.
func (r *Registry) For(profile *credential.Profile) (Provider, error) {
	key := profile.Key()

	r.mu.RLock()
	if p, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}
	factory, ok := r.factories[profile.Provider]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", profile.Provider)
	}
	p, err := factory(profile, r.deps)
	if err != nil {
		return nil, fmt.Errorf("create provider %s: %w", profile.Provider, err)
	}
	r.cache[key] = p
	return p, nil
}

// Invalidate drops the cached instance for a profile. Call after a profile's
// configuration changes.
func (r *Registry) Invalidate(key credential.ProfileKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// Available lists the registered provider names, sorted.
func (r *Registry) Available() []credential.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]credential.Provider, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
