package adapters

import (
	"strings"

	"github.com/smallbiznis/creditledger/internal/payment/domain"
)

// Registry resolves configured providers by name. The first registered
// provider is the default used for checkout creation.
type Registry struct {
	providers map[string]domain.Provider
	fallback  string
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: map[string]domain.Provider{}}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			continue
		}
		if registry.fallback == "" {
			registry.fallback = name
		}
		registry.providers[name] = provider
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Get(provider)
	return err == nil
}

func (r *Registry) Get(provider string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	p, ok := r.providers[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

// Default returns nil when no provider is configured.
func (r *Registry) Default() domain.Provider {
	if r == nil || r.fallback == "" {
		return nil
	}
	return r.providers[r.fallback]
}
