// Package echo provides a testing provider that echoes back the newest user
// message. It implements the domain.Provider interface without making
// external API calls, providing deterministic responses for development.
package echo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Config tunes the simulated upstream behavior.
type Config struct {
	// Delay is slept before answering; cancellation aborts it.
	Delay time.Duration
	// FailStatus, when non-zero, makes every call fail as if the upstream had
	// returned this HTTP status.
	FailStatus int
}

// Provider implements the domain.Provider interface for echo testing.
type Provider struct {
	name   string
	config Config
}

// NewProvider creates a new echo provider registered as name.
// No credentials are required as this provider operates entirely in-memory.
func NewProvider(name string, config Config) *Provider {
	if name == "" {
		name = "echo"
	}

	return &Provider{
		name:   name,
		config: config,
	}
}

// Complete returns the newest user message prefixed with the model name.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request", observability.Int("messages", len(req.Messages)))

	if p.config.Delay > 0 {
		timer := time.NewTimer(p.config.Delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, domain.NewProviderError(domain.ErrorKindProviderTimeout, p.name, ctx.Err())
		case <-timer.C:
		}
	}

	if p.config.FailStatus != 0 {
		return nil, domain.NewProviderError(
			domain.KindFromStatus(p.config.FailStatus),
			p.name,
			fmt.Errorf("simulated upstream status %d", p.config.FailStatus),
		)
	}

	return &domain.CompletionResponse{
		Provider:   p.name,
		Model:      req.Model,
		Content:    buildEchoContent(req),
		FinishTime: time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// buildEchoContent constructs the echo response from the newest user turn.
func buildEchoContent(req *domain.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != domain.RoleUser {
			continue
		}

		content := fmt.Sprintf("[%s] %s", req.Model, msg.Content)
		if msg.Image != nil {
			content += fmt.Sprintf(" (%s image, %d bytes)", msg.Image.MIMEType, len(msg.Image.Data))
		}
		return content
	}

	return ""
}
