// Package anthropic provides an adapter for the Anthropic Messages API using
// the official Go SDK.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Config contains Anthropic provider configuration.
type Config struct {
	APIKey     string        `env:"ANTHROPIC_API_KEY"`
	BaseURL    string        `env:"ANTHROPIC_BASE_URL"    envDefault:"https://api.anthropic.com"`
	Timeout    time.Duration `env:"ANTHROPIC_TIMEOUT"     envDefault:"90s"`
	MaxRetries int           `env:"ANTHROPIC_MAX_RETRIES" envDefault:"0"`
	// MaxTokens is mandatory for the Messages API; it applies when the
	// request does not carry its own limit.
	MaxTokens int `env:"ANTHROPIC_MAX_TOKENS" envDefault:"1024"`
}

// Provider implements the domain.Provider interface for Anthropic.
type Provider struct {
	client    anthropic.Client
	name      string
	maxTokens int64
}

// NewProvider creates a new Anthropic provider registered as name.
func NewProvider(name string, config Config) (*Provider, error) {
	if name == "" {
		return nil, errors.New("provider name is required")
	}

	if config.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	maxTokens := int64(config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Provider{
		client:    anthropic.NewClient(opts...),
		name:      name,
		maxTokens: maxTokens,
	}, nil
}

// Complete sends a completion request and returns the concatenated text blocks.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Anthropic API", observability.String("model", req.Model))

	msg, err := p.client.Messages.New(ctx, p.toSDKParams(req))
	if err != nil {
		logger.Warn("Anthropic API call failed", observability.Error(err))
		return nil, p.classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := string(msg.Model)
	if model == "" {
		model = req.Model
	}

	return &domain.CompletionResponse{
		Provider:   p.name,
		Model:      model,
		Content:    text.String(),
		FinishTime: time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// toSDKParams lifts system messages into the System field and converts the
// remaining turns into content blocks.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
			if msg.Image != nil {
				blocks = append(blocks, anthropic.NewImageBlockBase64(
					msg.Image.MIMEType,
					base64.StdEncoding.EncodeToString(msg.Image.Data),
				))
			}
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if len(system) > 0 {
		params.System = system
	}

	return params
}

func (p *Provider) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return domain.NewProviderError(domain.KindFromStatus(apiErr.StatusCode), p.name, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewProviderError(domain.ErrorKindProviderTimeout, p.name, err)
	}

	return domain.NewProviderError(domain.ErrorKindProviderTransient, p.name, err)
}
