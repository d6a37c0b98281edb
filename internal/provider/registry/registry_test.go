package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/provider/registry"
)

// mockProvider is a mock implementation of domain.Provider for testing.
type mockProvider struct {
	name string
}

func (m *mockProvider) Complete(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return &domain.CompletionResponse{}, nil
}

func (m *mockProvider) Name() string {
	return m.name
}

func register(t *testing.T, reg *registry.Registry, name string, tier domain.Tier) {
	t.Helper()
	err := reg.Register(context.Background(), domain.ProviderDescriptor{Name: name, Tier: tier}, &mockProvider{name: name})
	require.NoError(t, err)
}

func registerVision(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	desc := domain.ProviderDescriptor{Name: name, Tier: domain.TierVision, SupportsVision: true}
	require.NoError(t, reg.Register(context.Background(), desc, &mockProvider{name: name}))
}

func names(list []domain.ProviderDescriptor) []string {
	out := make([]string, 0, len(list))
	for _, desc := range list {
		out = append(out, desc.Name)
	}
	return out
}

func TestRegistry_Register(t *testing.T) {
	t.Run("should register provider successfully", func(t *testing.T) {
		reg := registry.NewRegistry()
		ctx := context.Background()

		err := reg.Register(ctx, domain.ProviderDescriptor{Name: "chatai", Tier: domain.TierFast}, &mockProvider{name: "chatai"})
		require.NoError(t, err)

		desc, provider, err := reg.Get(ctx, "chatai")
		require.NoError(t, err)
		require.NotNil(t, provider)
		require.Equal(t, "chatai", provider.Name())
		require.Equal(t, domain.TierFast, desc.Tier)
	})

	t.Run("should return error when provider is nil", func(t *testing.T) {
		reg := registry.NewRegistry()

		err := reg.Register(context.Background(), domain.ProviderDescriptor{Name: "x", Tier: domain.TierFast}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "provider cannot be nil")
	})

	t.Run("should return error when provider name is empty", func(t *testing.T) {
		reg := registry.NewRegistry()

		err := reg.Register(context.Background(), domain.ProviderDescriptor{Tier: domain.TierFast}, &mockProvider{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "provider name cannot be empty")
	})

	t.Run("should return error when tier is unknown", func(t *testing.T) {
		reg := registry.NewRegistry()

		err := reg.Register(context.Background(), domain.ProviderDescriptor{Name: "x", Tier: "turbo"}, &mockProvider{name: "x"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown tier")
	})

	t.Run("should reject a provider that is both vision and image generation", func(t *testing.T) {
		reg := registry.NewRegistry()

		err := reg.Register(context.Background(), domain.ProviderDescriptor{
			Name:             "x",
			Tier:             domain.TierSlow,
			SupportsVision:   true,
			SupportsImageGen: true,
		}, &mockProvider{name: "x"})
		require.Error(t, err)
	})

	t.Run("should return error when provider already registered", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "chatai", domain.TierFast)

		err := reg.Register(context.Background(), domain.ProviderDescriptor{Name: "chatai", Tier: domain.TierSlow}, &mockProvider{name: "chatai"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "already registered")
	})
}

func TestRegistry_Get(t *testing.T) {
	t.Run("should return error when provider name is empty", func(t *testing.T) {
		reg := registry.NewRegistry()

		_, _, err := reg.Get(context.Background(), "")
		require.Error(t, err)
		require.Contains(t, err.Error(), "provider name cannot be empty")
	})

	t.Run("should return error when provider not found", func(t *testing.T) {
		reg := registry.NewRegistry()

		_, _, err := reg.Get(context.Background(), "nonexistent")
		require.ErrorIs(t, err, domain.ErrProviderNotFound)
	})
}

func TestRegistry_Tiers(t *testing.T) {
	build := func(t *testing.T) *registry.Registry {
		reg := registry.NewRegistry()
		register(t, reg, "slow-1", domain.TierSlow)
		register(t, reg, "fast-1", domain.TierFast)
		register(t, reg, "medium-1", domain.TierMedium)
		register(t, reg, "fast-2", domain.TierFast)
		register(t, reg, "broken", domain.TierFast)

		ctx := context.Background()
		require.NoError(t, reg.Register(ctx, domain.ProviderDescriptor{
			Name: "pollinations", Tier: domain.TierVision, SupportsVision: true, ModelOverride: "gpt-4o",
		}, &mockProvider{name: "pollinations"}))
		require.NoError(t, reg.Register(ctx, domain.ProviderDescriptor{
			Name: "flux", Tier: domain.TierSlow, SupportsImageGen: true,
		}, &mockProvider{name: "flux"}))

		reg.Exclude("broken")
		return reg
	}

	t.Run("should order all providers fast then medium then slow", func(t *testing.T) {
		reg := build(t)

		require.Equal(t, []string{"fast-1", "fast-2", "medium-1", "slow-1", "flux"}, names(reg.AllProviders(true)))
		require.Equal(t, []string{"fast-1", "fast-2", "broken", "medium-1", "slow-1", "flux"}, names(reg.AllProviders(false)))
	})

	t.Run("should split working and backup providers", func(t *testing.T) {
		reg := build(t)

		require.Equal(t, []string{"fast-1", "fast-2", "medium-1"}, names(reg.WorkingProviders()))
		require.Equal(t, []string{"slow-1", "flux"}, names(reg.BackupProviders()))
	})

	t.Run("should return disjoint vision and image lists", func(t *testing.T) {
		reg := build(t)

		require.Equal(t, []string{"pollinations"}, names(reg.VisionProviders()))
		require.Equal(t, []string{"flux"}, names(reg.ImageProviders()))
	})

	t.Run("should report excluded providers", func(t *testing.T) {
		reg := build(t)

		require.True(t, reg.IsExcluded("broken"))
		require.False(t, reg.IsExcluded("fast-1"))
	})
}

func TestRegistry_Validate(t *testing.T) {
	t.Run("should accept a catalog with a working provider", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "fast-1", domain.TierFast)

		require.NoError(t, reg.Validate())
	})

	t.Run("should fail fast on an unknown excluded provider", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "fast-1", domain.TierFast)
		reg.Exclude("ghost")

		err := reg.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), "ghost")
	})

	t.Run("should fail when every working provider is excluded", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "fast-1", domain.TierFast)
		register(t, reg, "slow-1", domain.TierSlow)
		reg.Exclude("fast-1")

		err := reg.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), "no working provider")
	})
}

func TestRegistry_HasVisionProvider(t *testing.T) {
	t.Run("should report a registered vision provider", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "fast-1", domain.TierFast)
		registerVision(t, reg, "eye")

		require.True(t, reg.HasVisionProvider())
	})

	t.Run("should accept a text-only catalog without a vision provider", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "fast-1", domain.TierFast)

		require.NoError(t, reg.Validate())
		require.False(t, reg.HasVisionProvider())
	})

	t.Run("should ignore excluded vision providers", func(t *testing.T) {
		reg := registry.NewRegistry()
		register(t, reg, "fast-1", domain.TierFast)
		registerVision(t, reg, "eye")
		reg.Exclude("eye")

		require.False(t, reg.HasVisionProvider())
	})
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Run("should handle concurrent registrations safely", func(t *testing.T) {
		reg := registry.NewRegistry()
		ctx := context.Background()

		done := make(chan bool)

		for i := range 10 {
			go func(idx int) {
				name := string(rune('a' + idx))
				_ = reg.Register(ctx, domain.ProviderDescriptor{Name: name, Tier: domain.TierFast}, &mockProvider{name: name})
				done <- true
			}(i)
		}

		for range 10 {
			<-done
		}

		require.Len(t, reg.Names(), 10)
		require.Len(t, reg.WorkingProviders(), 10)
	})
}
