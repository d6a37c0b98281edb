// Package openai provides an adapter for OpenAI-compatible chat completion
// APIs using the official SDK. Any gateway speaking the same protocol can be
// registered under its own name by pointing BaseURL at it.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const imageDetail = "auto"

// Provider implements the domain.Provider interface for OpenAI-compatible APIs.
type Provider struct {
	client openai.Client
	name   string
}

// NewProvider creates a new OpenAI-compatible provider registered as name.
func NewProvider(name string, config Config) (*Provider, error) {
	if name == "" {
		return nil, errors.New("provider name is required")
	}

	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
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

	return &Provider{
		client: openai.NewClient(opts...),
		name:   name,
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI-compatible API", observability.String("model", req.Model))

	resp, err := p.client.Chat.Completions.New(ctx, p.toSDKParams(req))
	if err != nil {
		logger.Warn("OpenAI-compatible API call failed", observability.Error(err))
		return nil, p.classify(err)
	}

	logger.Debug("OpenAI-compatible API call succeeded",
		observability.Int64("prompt_tokens", resp.Usage.PromptTokens),
		observability.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)

	return p.toDomainResponse(req, resp), nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// toSDKParams converts domain request to SDK ChatCompletionNewParams.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			messages[i] = openai.SystemMessage(msg.Content)
		case domain.RoleAssistant:
			messages[i] = openai.AssistantMessage(msg.Content)
		default:
			messages[i] = userMessage(msg)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params
}

func userMessage(msg domain.PromptMessage) openai.ChatCompletionMessageParamUnion {
	if msg.Image == nil {
		return openai.UserMessage(msg.Content)
	}

	return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(msg.Content),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    msg.Image.DataURL(),
			Detail: imageDetail,
		}),
	})
}

// toDomainResponse converts SDK response to domain response.
func (p *Provider) toDomainResponse(req *domain.CompletionRequest, resp *openai.ChatCompletion) *domain.CompletionResponse {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return &domain.CompletionResponse{
		Provider:   p.name,
		Model:      model,
		Content:    content,
		FinishTime: time.Now(),
	}
}

// classify maps SDK failures onto the dispatcher error taxonomy.
func (p *Provider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return domain.NewProviderError(domain.KindFromStatus(apiErr.StatusCode), p.name, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewProviderError(domain.ErrorKindProviderTimeout, p.name, err)
	}

	return domain.NewProviderError(domain.ErrorKindProviderTransient, p.name, err)
}
