package unifs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Environment carries what provider factories need to build a provider.
type Environment struct {
	Config   *Config
	Secrets  SecretStore
	Logger   *zap.Logger
	Registry *Registry
}

// ProviderFactory creates a provider for one scheme.
type ProviderFactory func(env *Environment) (Provider, error)

var (
	providerFactories = make(map[string]ProviderFactory)
	factoryMutex      sync.RWMutex
)

// RegisterProvider registers a provider factory for scheme. Driver packages
// call it from init.
func RegisterProvider(scheme string, factory ProviderFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	providerFactories[strings.ToLower(scheme)] = factory
}

// RegisteredSchemes lists schemes with a registered factory, sorted.
func RegisteredSchemes() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	out := make([]string, 0, len(providerFactories))
	for s := range providerFactories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Registry
// ============================================================================

// Registry maps schemes to provider instances. It is read-mostly: providers
// are registered at startup and looked up on every call.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under its scheme, replacing any previous provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Scheme())] = p
}

// Unregister removes the provider for scheme.
func (r *Registry) Unregister(scheme string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, strings.ToLower(scheme))
}

// Lookup returns the provider registered for scheme.
func (r *Registry) Lookup(scheme string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[strings.ToLower(scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoProvider, scheme)
	}
	return p, nil
}

// Resolve parses raw and returns the provider responsible for it.
func (r *Registry) Resolve(raw string) (Provider, Location, error) {
	loc := Parse(raw)
	p, err := r.ResolveLocation(loc)
	return p, loc, err
}

// ResolveLocation returns the provider responsible for loc.
func (r *Registry) ResolveLocation(loc Location) (Provider, error) {
	p, err := r.Lookup(loc.Scheme())
	if err != nil {
		return nil, &PathError{Op: "resolve", Path: loc.String(), Err: err}
	}
	return p, nil
}

// Schemes returns the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Capabilities resolves raw and returns the provider's descriptor for it.
func (r *Registry) Capabilities(raw string) (Capabilities, error) {
	p, loc, err := r.Resolve(raw)
	if err != nil {
		return Capabilities{}, err
	}
	return p.Capabilities(loc), nil
}

// Close closes every provider that holds resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []string
	for scheme, p := range r.providers {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, scheme+": "+err.Error())
			}
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("errors closing providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Build instantiates a provider for every registered factory whose scheme
// is enabled in env.Config, and registers it in env.Registry.
func Build(env *Environment) (*Registry, error) {
	if env.Config == nil {
		env.Config = DefaultConfig()
	}
	if env.Secrets == nil {
		env.Secrets = NewMemorySecretStore()
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Registry == nil {
		env.Registry = NewRegistry()
	}

	factoryMutex.RLock()
	factories := make(map[string]ProviderFactory, len(providerFactories))
	for s, f := range providerFactories {
		factories[s] = f
	}
	factoryMutex.RUnlock()

	for scheme, factory := range factories {
		if !env.Config.SchemeEnabled(scheme) {
			continue
		}
		p, err := factory(env)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", scheme, err)
		}
		env.Registry.Register(p)
	}

	return env.Registry, nil
}
