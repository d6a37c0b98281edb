package openai

import "time"

// Config contains OpenAI-compatible provider configuration.
// All fields map to OpenAI SDK options:
//   - APIKey: Maps to option.WithAPIKey()
//   - BaseURL: Maps to option.WithBaseURL()
//   - Timeout: Maps to option.WithRequestTimeout()
//   - MaxRetries: Maps to option.WithMaxRetries()
//
// Failover between providers happens in the dispatcher, so MaxRetries stays 0.
type Config struct {
	APIKey     string        `env:"OPENAI_API_KEY"`
	BaseURL    string        `env:"OPENAI_BASE_URL"    envDefault:"https://api.openai.com/v1"`
	Timeout    time.Duration `env:"OPENAI_TIMEOUT"     envDefault:"90s"`
	MaxRetries int           `env:"OPENAI_MAX_RETRIES" envDefault:"0"`
}
