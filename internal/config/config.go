package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/markl/internal/bot"
	"github.com/davidbz/markl/internal/conversation"
	"github.com/davidbz/markl/internal/domain"
	history "github.com/davidbz/markl/internal/history/redis"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/pacing"
	"github.com/davidbz/markl/internal/provider"
	"github.com/davidbz/markl/internal/ratelimit"
	"github.com/davidbz/markl/internal/transport/telegram"
)

// Config represents the dispatcher configuration.
type Config struct {
	Server        ServerConfig
	CORS          CORSConfig
	Admin         AdminConfig
	Observability observability.Config
	RateLimit     ratelimit.Config
	Pacing        pacing.Config
	Dispatch      domain.DispatchConfig
	Conversation  conversation.Config
	Provider      provider.Config
	History       history.Config
	Telegram      telegram.Config
	Bot           bot.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT"     envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT"    envDefault:"600s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes    int64         `env:"SERVER_MAX_BODY_BYTES"   envDefault:"16777216"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,X-Admin-Token"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"false"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// AdminConfig protects the operator routes.
type AdminConfig struct {
	Token string `env:"ADMIN_TOKEN"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server        *ServerConfig
	CORS          *CORSConfig
	Admin         *AdminConfig
	Observability *observability.Config
	RateLimit     *ratelimit.Config
	Pacing        *pacing.Config
	Dispatch      *domain.DispatchConfig
	Conversation  *conversation.Config
	Provider      *provider.Config
	History       *history.Config
	Telegram      *telegram.Config
	Bot           *bot.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:        &cfg.Server,
		CORS:          &cfg.CORS,
		Admin:         &cfg.Admin,
		Observability: &cfg.Observability,
		RateLimit:     &cfg.RateLimit,
		Pacing:        &cfg.Pacing,
		Dispatch:      &cfg.Dispatch,
		Conversation:  &cfg.Conversation,
		Provider:      &cfg.Provider,
		History:       &cfg.History,
		Telegram:      &cfg.Telegram,
		Bot:           &cfg.Bot,
	}
}
