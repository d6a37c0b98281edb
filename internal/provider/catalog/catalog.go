// Package catalog loads the provider catalog: which upstreams exist, which
// tier each belongs to and how to reach it.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/markl/internal/domain"
)

// Kind selects the adapter used for an entry.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindOllama    Kind = "ollama"
	KindEcho      Kind = "echo"
)

// Valid reports whether k is a known adapter kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOpenAI, KindAnthropic, KindOllama, KindEcho:
		return true
	default:
		return false
	}
}

// Entry describes one upstream provider.
type Entry struct {
	Name            string        `yaml:"name"`
	Tier            domain.Tier   `yaml:"tier"`
	Kind            Kind          `yaml:"kind"`
	BaseURL         string        `yaml:"base_url,omitempty"`
	APIKeyEnv       string        `yaml:"api_key_env,omitempty"`
	Model           string        `yaml:"model,omitempty"`
	Vision          bool          `yaml:"vision,omitempty"`
	ImageGeneration bool          `yaml:"image_generation,omitempty"`
	MaxTokens       int           `yaml:"max_tokens,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`

	// Echo-only knobs for simulating slow or failing upstreams.
	EchoDelay      time.Duration `yaml:"echo_delay,omitempty"`
	EchoFailStatus int           `yaml:"echo_fail_status,omitempty"`
}

// Descriptor returns the registry view of the entry.
func (e Entry) Descriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		Name:             e.Name,
		Tier:             e.Tier,
		SupportsVision:   e.Vision || e.Tier == domain.TierVision,
		SupportsImageGen: e.ImageGeneration || e.Tier == domain.TierImage,
		ModelOverride:    e.Model,
	}
}

// Catalog is the full provider list plus the permanent exclusion list.
type Catalog struct {
	Providers []Entry  `yaml:"providers"`
	Excluded  []string `yaml:"excluded,omitempty"`
}

// Load reads a catalog file. An empty path yields the development catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML catalog. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var catalog Catalog
	if err := decoder.Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	return &catalog, nil
}

// Validate checks names, kinds, tiers and exclusions.
func (c *Catalog) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("provider catalog is empty")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, entry := range c.Providers {
		if entry.Name == "" {
			return fmt.Errorf("provider #%d has no name", i+1)
		}
		if _, exists := seen[entry.Name]; exists {
			return fmt.Errorf("provider %s is listed twice", entry.Name)
		}
		seen[entry.Name] = struct{}{}

		if !entry.Kind.Valid() {
			return fmt.Errorf("provider %s has unknown kind %q", entry.Name, entry.Kind)
		}
		if !entry.Tier.Valid() {
			return fmt.Errorf("provider %s has unknown tier %q", entry.Name, entry.Tier)
		}
	}

	for _, name := range c.Excluded {
		if _, exists := seen[name]; !exists {
			return fmt.Errorf("excluded provider %s is not in the catalog", name)
		}
	}

	return nil
}

// Default is the development catalog: in-memory echo providers, one per
// working tier plus a backup and a vision-capable one.
func Default() *Catalog {
	return &Catalog{
		Providers: []Entry{
			{Name: "echo-fast", Tier: domain.TierFast, Kind: KindEcho},
			{Name: "echo-medium", Tier: domain.TierMedium, Kind: KindEcho, EchoDelay: 200 * time.Millisecond},
			{Name: "echo-slow", Tier: domain.TierSlow, Kind: KindEcho, EchoDelay: time.Second},
			{Name: "echo-vision", Tier: domain.TierVision, Kind: KindEcho, Vision: true},
		},
	}
}
