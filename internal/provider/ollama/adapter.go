// Package ollama provides an adapter for a local or self-hosted Ollama server
// using its Go API client.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Config contains Ollama provider configuration.
type Config struct {
	BaseURL string        `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	Timeout time.Duration `env:"OLLAMA_TIMEOUT"  envDefault:"120s"`
}

// Provider implements the domain.Provider interface for Ollama.
type Provider struct {
	client *api.Client
	name   string
}

// NewProvider creates a new Ollama provider registered as name.
func NewProvider(name string, config Config) (*Provider, error) {
	if name == "" {
		return nil, errors.New("provider name is required")
	}

	if config.BaseURL == "" {
		return nil, errors.New("Ollama base URL is required")
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}

	return &Provider{
		client: api.NewClient(parsedURL, &http.Client{Timeout: config.Timeout}),
		name:   name,
	}, nil
}

// Complete sends a non-streaming chat request.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Ollama API", observability.String("model", req.Model))

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: toAPIMessages(req.Messages),
		Stream:   &stream,
	}

	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	var content strings.Builder
	model := req.Model

	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Model != "" {
			model = resp.Model
		}
		return nil
	})
	if err != nil {
		logger.Warn("Ollama API call failed", observability.Error(err))
		return nil, p.classify(err)
	}

	return &domain.CompletionResponse{
		Provider:   p.name,
		Model:      model,
		Content:    content.String(),
		FinishTime: time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

func toAPIMessages(messages []domain.PromptMessage) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		apiMsg := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Image != nil {
			apiMsg.Images = []api.ImageData{msg.Image.Data}
		}
		out = append(out, apiMsg)
	}
	return out
}

func (p *Provider) classify(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return domain.NewProviderError(domain.KindFromStatus(statusErr.StatusCode), p.name, err)
	}

	var statusErrPtr *api.StatusError
	if errors.As(err, &statusErrPtr) {
		return domain.NewProviderError(domain.KindFromStatus(statusErrPtr.StatusCode), p.name, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewProviderError(domain.ErrorKindProviderTimeout, p.name, err)
	}

	return domain.NewProviderError(domain.ErrorKindProviderTransient, p.name, err)
}
