package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/provider/anthropic"
)

const messageBody = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-3-5-haiku-latest",
  "content": [{"type": "text", "text": "Hello "}, {"type": "text", "text": "there"}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 3}
}`

func newProvider(t *testing.T, handler http.HandlerFunc) *anthropic.Provider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := anthropic.NewProvider("claude", anthropic.Config{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		MaxTokens: 512,
	})
	require.NoError(t, err)

	return provider
}

func TestNewProvider(t *testing.T) {
	t.Run("should require an API key", func(t *testing.T) {
		provider, err := anthropic.NewProvider("claude", anthropic.Config{})

		require.Error(t, err)
		require.Nil(t, provider)
		require.Contains(t, err.Error(), "Anthropic API key is required")
	})

	t.Run("should keep the registered name", func(t *testing.T) {
		provider, err := anthropic.NewProvider("claude-backup", anthropic.Config{APIKey: "k"})

		require.NoError(t, err)
		require.Equal(t, "claude-backup", provider.Name())
	})
}

func TestProvider_Complete(t *testing.T) {
	t.Run("should join text blocks and lift the system prompt", func(t *testing.T) {
		var body struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role    string           `json:"role"`
				Content []map[string]any `json:"content"`
			} `json:"messages"`
		}

		provider := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/messages", r.URL.Path)
			require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(messageBody))
		})

		resp, err := provider.Complete(context.Background(), &domain.CompletionRequest{
			Model: "claude-3-5-haiku-latest",
			Messages: []domain.PromptMessage{
				{Role: domain.RoleSystem, Content: "be brief"},
				{Role: domain.RoleUser, Content: "hi"},
				{Role: domain.RoleAssistant, Content: "hello"},
				{Role: domain.RoleUser, Content: "look", Image: &domain.ImageRef{Data: []byte{1, 2, 3}, MIMEType: "image/png"}},
			},
		})

		require.NoError(t, err)
		require.Equal(t, "Hello there", resp.Content)
		require.Equal(t, "claude", resp.Provider)
		require.Equal(t, "claude-3-5-haiku-latest", resp.Model)

		require.Equal(t, 512, body.MaxTokens)
		require.Len(t, body.System, 1)
		require.Equal(t, "be brief", body.System[0].Text)
		require.Len(t, body.Messages, 3)
		require.Equal(t, "assistant", body.Messages[1].Role)

		last := body.Messages[2].Content
		require.Len(t, last, 2)
		require.Equal(t, "image", last[0]["type"])
		source, ok := last[0]["source"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, "base64", source["type"])
		require.Equal(t, "image/png", source["media_type"])
		require.Equal(t, "AQID", source["data"])
		require.Equal(t, "text", last[1]["type"])
	})

	t.Run("should classify overload as rate limited", func(t *testing.T) {
		provider := newProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
		})

		_, err := provider.Complete(context.Background(), &domain.CompletionRequest{
			Model:    "claude-3-5-haiku-latest",
			Messages: []domain.PromptMessage{{Role: domain.RoleUser, Content: "hi"}},
		})

		require.Equal(t, domain.ErrorKindProviderRateLimited, domain.ClassifyError(err))
	})

	t.Run("should classify bad requests as fatal", func(t *testing.T) {
		provider := newProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
		})

		_, err := provider.Complete(context.Background(), &domain.CompletionRequest{
			Model:    "claude-3-5-haiku-latest",
			Messages: []domain.PromptMessage{{Role: domain.RoleUser, Content: "hi"}},
		})

		require.Equal(t, domain.ErrorKindProviderFatal, domain.ClassifyError(err))
	})
}
