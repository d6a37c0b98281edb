// Package telegram delivers replies through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const (
	methodSendMessage    = "sendMessage"
	methodSendChatAction = "sendChatAction"

	parseEntitiesError = "can't parse entities"
)

// Config contains Bot API settings.
type Config struct {
	Token                string        `env:"TELEGRAM_BOT_TOKEN"`
	BaseURL              string        `env:"TELEGRAM_API_URL"                envDefault:"https://api.telegram.org"`
	Timeout              time.Duration `env:"TELEGRAM_TIMEOUT"                envDefault:"15s"`
	ParseMode            string        `env:"TELEGRAM_PARSE_MODE"             envDefault:"Markdown"`
	RetryInitialInterval time.Duration `env:"TELEGRAM_RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
	RetryMaxInterval     time.Duration `env:"TELEGRAM_RETRY_MAX_INTERVAL"     envDefault:"5s"`
	RetryMaxElapsed      time.Duration `env:"TELEGRAM_RETRY_MAX_ELAPSED"      envDefault:"30s"`
}

// Enabled reports whether a bot token is configured.
func (c *Config) Enabled() bool {
	return c != nil && c.Token != ""
}

// APIError is a non-OK Bot API reply.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed with status %d: %s", e.Method, e.StatusCode, e.Description)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendChatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

// Client implements domain.Transport.
type Client struct {
	config     Config
	httpClient *http.Client
	metrics    *observability.Metrics
}

// NewClient creates a Bot API client (DI constructor).
func NewClient(cfg *Config, metrics *observability.Metrics) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("telegram bot token is required")
	}

	return &Client{
		config:     *cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    metrics,
	}, nil
}

// SendChatAction shows a presence signal such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, methodSendChatAction, sendChatActionRequest{ChatID: chatID, Action: action})
}

// SendText sends a message with the configured parse mode. When Telegram
// rejects the markup the text is resent without formatting.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	err := c.call(ctx, methodSendMessage, sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: c.config.ParseMode,
	})

	var apiErr *APIError
	if c.config.ParseMode != "" && errors.As(err, &apiErr) && strings.Contains(apiErr.Description, parseEntitiesError) {
		observability.FromContext(ctx).Warn("markup rejected, resending as plain text",
			observability.Int64("chat_id", chatID))
		return c.call(ctx, methodSendMessage, sendMessageRequest{ChatID: chatID, Text: text})
	}

	return err
}

func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	logger := observability.FromContext(ctx)
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/bot" + c.config.Token + "/" + method

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// url.Error carries the endpoint, which embeds the token.
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				return fmt.Errorf("telegram %s request failed: %w", method, urlErr.Err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		var decoded apiResponse
		_ = json.Unmarshal(raw, &decoded)

		if resp.StatusCode == http.StatusOK && decoded.OK {
			return nil
		}

		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: decoded.Description}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			logger.Warn("telegram call failed, retrying",
				observability.String("method", method),
				observability.Int("status", resp.StatusCode))
			return apiErr
		}

		return backoff.Permanent(apiErr)
	}

	if err := backoff.Retry(op, backoff.WithContext(c.backoffConfig(), ctx)); err != nil {
		c.metrics.ObserveTransportError(method)
		logger.Error("telegram call failed",
			observability.String("method", method),
			observability.Error(err))
		return err
	}

	return nil
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()

	if c.config.RetryInitialInterval > 0 {
		expo.InitialInterval = c.config.RetryInitialInterval
	}
	if c.config.RetryMaxInterval > 0 {
		expo.MaxInterval = c.config.RetryMaxInterval
	}
	if c.config.RetryMaxElapsed > 0 {
		expo.MaxElapsedTime = c.config.RetryMaxElapsed
	}

	return expo
}

var _ domain.Transport = (*Client)(nil)
