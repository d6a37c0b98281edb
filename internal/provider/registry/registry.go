package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/markl/internal/domain"
)

type entry struct {
	descriptor domain.ProviderDescriptor
	provider   domain.Provider
}

// Registry implements the ProviderRegistry interface.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]entry
	order     []string
	excluded  map[string]struct{}
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		providers: make(map[string]entry),
		order:     make([]string, 0),
		excluded:  make(map[string]struct{}),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(_ context.Context, descriptor domain.ProviderDescriptor, provider domain.Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := descriptor.Name
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	if !descriptor.Tier.Valid() {
		return fmt.Errorf("provider %s has unknown tier %q", name, descriptor.Tier)
	}

	if descriptor.SupportsVision && descriptor.SupportsImageGen {
		return fmt.Errorf("provider %s cannot be both vision and image generation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.providers[name] = entry{descriptor: descriptor, provider: provider}
	r.order = append(r.order, name)

	return nil
}

// Exclude marks providers as permanently disabled.
func (r *Registry) Exclude(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		r.excluded[name] = struct{}{}
	}
}

// Validate checks the catalog once all providers are registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.excluded {
		if _, exists := r.providers[name]; !exists {
			return fmt.Errorf("excluded provider %s is not registered", name)
		}
	}

	for _, name := range r.order {
		if _, excluded := r.excluded[name]; excluded {
			continue
		}
		tier := r.providers[name].descriptor.Tier
		if tier == domain.TierFast || tier == domain.TierMedium {
			return nil
		}
	}

	return errors.New("no working provider registered")
}

// Get retrieves a provider by name.
func (r *Registry) Get(_ context.Context, providerName string) (domain.ProviderDescriptor, domain.Provider, error) {
	if providerName == "" {
		return domain.ProviderDescriptor{}, nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.providers[providerName]
	if !exists {
		return domain.ProviderDescriptor{}, nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, providerName)
	}

	return e.descriptor, e.provider, nil
}

// AllProviders returns fast, medium and slow providers in that order.
func (r *Registry) AllProviders(excludeProblematic bool) []domain.ProviderDescriptor {
	return r.byTier(excludeProblematic, domain.TierFast, domain.TierMedium, domain.TierSlow)
}

// WorkingProviders returns the fast and medium tiers.
func (r *Registry) WorkingProviders() []domain.ProviderDescriptor {
	return r.byTier(true, domain.TierFast, domain.TierMedium)
}

// BackupProviders returns the slow tier.
func (r *Registry) BackupProviders() []domain.ProviderDescriptor {
	return r.byTier(true, domain.TierSlow)
}

// VisionProviders returns every provider that accepts image input.
func (r *Registry) VisionProviders() []domain.ProviderDescriptor {
	return r.matching(func(d domain.ProviderDescriptor) bool { return d.SupportsVision })
}

// ImageProviders returns every provider that generates images.
func (r *Registry) ImageProviders() []domain.ProviderDescriptor {
	return r.matching(func(d domain.ProviderDescriptor) bool { return d.SupportsImageGen })
}

// HasVisionProvider reports whether a non-excluded provider accepts images.
func (r *Registry) HasVisionProvider() bool {
	return len(r.VisionProviders()) > 0
}

// IsExcluded reports whether a provider is permanently disabled.
func (r *Registry) IsExcluded(providerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, excluded := r.excluded[providerName]
	return excluded
}

// Names returns every registered provider name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

func (r *Registry) byTier(excludeProblematic bool, tiers ...domain.Tier) []domain.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	list := make([]domain.ProviderDescriptor, 0, len(r.order))

	for _, tier := range tiers {
		for _, name := range r.order {
			e := r.providers[name]
			if e.descriptor.Tier != tier {
				continue
			}
			if _, excluded := r.excluded[name]; excluded && excludeProblematic {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			list = append(list, e.descriptor)
		}
	}

	return list
}

func (r *Registry) matching(keep func(domain.ProviderDescriptor) bool) []domain.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.ProviderDescriptor, 0)
	for _, name := range r.order {
		if _, excluded := r.excluded[name]; excluded {
			continue
		}
		if desc := r.providers[name].descriptor; keep(desc) {
			list = append(list, desc)
		}
	}

	return list
}
