package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/provider"
	"github.com/davidbz/markl/internal/provider/catalog"
	"github.com/davidbz/markl/internal/provider/registry"
)

func envOf(values map[string]string) provider.FactoryOption {
	return provider.WithLookupEnv(func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	})
}

func TestFactory_Build(t *testing.T) {
	t.Run("should build every kind", func(t *testing.T) {
		factory := provider.NewFactory(&provider.Config{}, envOf(map[string]string{
			"GROQ_KEY":   "g",
			"CLAUDE_KEY": "c",
		}))

		entries := []catalog.Entry{
			{Name: "groq", Tier: domain.TierFast, Kind: catalog.KindOpenAI, APIKeyEnv: "GROQ_KEY", BaseURL: "https://api.groq.com/openai/v1"},
			{Name: "claude", Tier: domain.TierMedium, Kind: catalog.KindAnthropic, APIKeyEnv: "CLAUDE_KEY"},
			{Name: "local", Tier: domain.TierSlow, Kind: catalog.KindOllama, BaseURL: "http://localhost:11434"},
			{Name: "echo", Tier: domain.TierFast, Kind: catalog.KindEcho},
		}

		for _, entry := range entries {
			client, err := factory.Build(entry)

			require.NoError(t, err, entry.Name)
			require.Equal(t, entry.Name, client.Name())
		}
	})

	t.Run("should fall back to the global API key", func(t *testing.T) {
		cfg := &provider.Config{}
		cfg.OpenAI.APIKey = "global"
		factory := provider.NewFactory(cfg, envOf(nil))

		client, err := factory.Build(catalog.Entry{Name: "openai", Tier: domain.TierFast, Kind: catalog.KindOpenAI})

		require.NoError(t, err)
		require.Equal(t, "openai", client.Name())
	})

	t.Run("should report missing credentials", func(t *testing.T) {
		cfg := &provider.Config{}
		cfg.Anthropic.APIKey = "global"
		factory := provider.NewFactory(cfg, envOf(nil))

		_, err := factory.Build(catalog.Entry{Name: "claude", Tier: domain.TierFast, Kind: catalog.KindAnthropic, APIKeyEnv: "UNSET_KEY"})

		require.ErrorIs(t, err, provider.ErrProviderNotConfigured)
	})

	t.Run("should reject unknown kinds", func(t *testing.T) {
		factory := provider.NewFactory(nil)

		_, err := factory.Build(catalog.Entry{Name: "x", Tier: domain.TierFast, Kind: "gemini"})

		require.Error(t, err)
		require.NotErrorIs(t, err, provider.ErrProviderNotConfigured)
	})
}

func TestRegisterCatalog(t *testing.T) {
	t.Run("should register the development catalog", func(t *testing.T) {
		reg := registry.NewRegistry()

		err := provider.RegisterCatalog(context.Background(), reg, catalog.Default(), provider.NewFactory(nil))

		require.NoError(t, err)
		require.Len(t, reg.WorkingProviders(), 2)
		require.Len(t, reg.BackupProviders(), 1)
		require.Len(t, reg.VisionProviders(), 1)
	})

	t.Run("should skip unconfigured providers and their exclusions", func(t *testing.T) {
		reg := registry.NewRegistry()
		cat := &catalog.Catalog{
			Providers: []catalog.Entry{
				{Name: "echo-fast", Tier: domain.TierFast, Kind: catalog.KindEcho},
				{Name: "echo-medium", Tier: domain.TierMedium, Kind: catalog.KindEcho},
				{Name: "paid", Tier: domain.TierFast, Kind: catalog.KindOpenAI, APIKeyEnv: "PAID_KEY"},
			},
			Excluded: []string{"paid", "echo-medium"},
		}

		err := provider.RegisterCatalog(context.Background(), reg, cat, provider.NewFactory(nil, envOf(nil)))

		require.NoError(t, err)
		require.Equal(t, []string{"echo-fast", "echo-medium"}, reg.Names())
		require.True(t, reg.IsExcluded("echo-medium"))
		require.Len(t, reg.WorkingProviders(), 1)
	})

	t.Run("should fail when nothing usable remains", func(t *testing.T) {
		reg := registry.NewRegistry()
		cat := &catalog.Catalog{
			Providers: []catalog.Entry{
				{Name: "echo-slow", Tier: domain.TierSlow, Kind: catalog.KindEcho},
			},
		}

		err := provider.RegisterCatalog(context.Background(), reg, cat, provider.NewFactory(nil))

		require.Error(t, err)
		require.Contains(t, err.Error(), "no working provider")
	})
}
