// Package provider turns catalog entries into provider clients and registers
// them with the registry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/provider/anthropic"
	"github.com/davidbz/markl/internal/provider/catalog"
	"github.com/davidbz/markl/internal/provider/echo"
	"github.com/davidbz/markl/internal/provider/ollama"
	"github.com/davidbz/markl/internal/provider/openai"
	"github.com/davidbz/markl/internal/provider/registry"
)

// ErrProviderNotConfigured indicates that a provider is not configured and should be skipped.
var ErrProviderNotConfigured = errors.New("provider not configured")

// Config holds the per-kind defaults applied to catalog entries.
type Config struct {
	CatalogPath string `env:"PROVIDER_CATALOG"`
	OpenAI      openai.Config
	Anthropic   anthropic.Config
	Ollama      ollama.Config
}

// Factory builds provider clients from catalog entries.
type Factory struct {
	config    Config
	lookupEnv func(string) (string, bool)
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithLookupEnv replaces os.LookupEnv for api_key_env resolution.
func WithLookupEnv(lookup func(string) (string, bool)) FactoryOption {
	return func(f *Factory) {
		f.lookupEnv = lookup
	}
}

// NewFactory creates a factory (DI constructor).
func NewFactory(cfg *Config, opts ...FactoryOption) *Factory {
	f := &Factory{lookupEnv: os.LookupEnv}
	if cfg != nil {
		f.config = *cfg
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Build creates the client for one entry. It returns ErrProviderNotConfigured
// when the entry needs credentials that are not available.
func (f *Factory) Build(entry catalog.Entry) (domain.Provider, error) {
	switch entry.Kind {
	case catalog.KindOpenAI:
		cfg := f.config.OpenAI
		cfg.APIKey = f.apiKey(entry, cfg.APIKey)
		if cfg.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		if entry.BaseURL != "" {
			cfg.BaseURL = entry.BaseURL
		}
		if entry.Timeout > 0 {
			cfg.Timeout = entry.Timeout
		}
		return openai.NewProvider(entry.Name, cfg)

	case catalog.KindAnthropic:
		cfg := f.config.Anthropic
		cfg.APIKey = f.apiKey(entry, cfg.APIKey)
		if cfg.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		if entry.BaseURL != "" {
			cfg.BaseURL = entry.BaseURL
		}
		if entry.Timeout > 0 {
			cfg.Timeout = entry.Timeout
		}
		if entry.MaxTokens > 0 {
			cfg.MaxTokens = entry.MaxTokens
		}
		return anthropic.NewProvider(entry.Name, cfg)

	case catalog.KindOllama:
		cfg := f.config.Ollama
		if entry.BaseURL != "" {
			cfg.BaseURL = entry.BaseURL
		}
		if entry.Timeout > 0 {
			cfg.Timeout = entry.Timeout
		}
		return ollama.NewProvider(entry.Name, cfg)

	case catalog.KindEcho:
		return echo.NewProvider(entry.Name, echo.Config{
			Delay:      entry.EchoDelay,
			FailStatus: entry.EchoFailStatus,
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", entry.Kind)
	}
}

func (f *Factory) apiKey(entry catalog.Entry, fallback string) string {
	if entry.APIKeyEnv == "" {
		return fallback
	}

	if value, ok := f.lookupEnv(entry.APIKeyEnv); ok {
		return value
	}

	return ""
}

// RegisterCatalog builds every entry, registers it, applies the exclusion
// list and validates the result. Unconfigured entries are skipped.
func RegisterCatalog(ctx context.Context, reg *registry.Registry, cat *catalog.Catalog, factory *Factory) error {
	logger := observability.FromContext(ctx)

	registered := make(map[string]struct{}, len(cat.Providers))
	for _, entry := range cat.Providers {
		client, err := factory.Build(entry)
		if errors.Is(err, ErrProviderNotConfigured) {
			logger.Warn("skipping unconfigured provider",
				observability.String("provider", entry.Name),
				observability.String("kind", string(entry.Kind)),
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to build provider %s: %w", entry.Name, err)
		}

		if err := reg.Register(ctx, entry.Descriptor(), client); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", entry.Name, err)
		}
		registered[entry.Name] = struct{}{}

		logger.Info("provider registered",
			observability.String("provider", entry.Name),
			observability.String("tier", string(entry.Tier)),
			observability.String("kind", string(entry.Kind)),
		)
	}

	for _, name := range cat.Excluded {
		if _, ok := registered[name]; ok {
			reg.Exclude(name)
		}
	}

	if err := reg.Validate(); err != nil {
		return err
	}

	if !reg.HasVisionProvider() {
		logger.Warn("no vision provider registered, image requests will get the vision fallback")
	}

	return nil
}
