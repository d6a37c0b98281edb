package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/bot"
	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/conversation"
	"github.com/davidbz/markl/internal/domain"
	apihttp "github.com/davidbz/markl/internal/http"
	"github.com/davidbz/markl/internal/http/middleware"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/provider/echo"
	"github.com/davidbz/markl/internal/provider/registry"
	"github.com/davidbz/markl/internal/ratelimit"
	"github.com/davidbz/markl/internal/routing"
)

type stubMessages struct {
	handle func(ctx context.Context, msg *bot.Incoming) (*bot.Reply, error)
	got    *bot.Incoming
}

func (s *stubMessages) Handle(ctx context.Context, msg *bot.Incoming) (*bot.Reply, error) {
	s.got = msg
	return s.handle(ctx, msg)
}

type stubStats struct{}

func (stubStats) ProviderStats() *domain.ProviderStats {
	return &domain.ProviderStats{
		Current:      "echo-fast",
		WorkingCount: 2,
		Usage:        map[string]int{"echo-fast": 3},
		All:          []string{"echo-fast", "echo-slow"},
	}
}

type stubHistory struct {
	cleared []int64
	err     error
}

func (s *stubHistory) Clear(_ context.Context, chatID int64) error {
	s.cleared = append(s.cleared, chatID)
	return s.err
}

type fixture struct {
	messages *stubMessages
	limiter  *ratelimit.Limiter
	history  *stubHistory
	routes   http.Handler
}

func newFixture(t *testing.T, adminToken string, withHistory bool) *fixture {
	t.Helper()

	f := &fixture{
		messages: &stubMessages{handle: func(_ context.Context, msg *bot.Incoming) (*bot.Reply, error) {
			return &bot.Reply{Success: true, Chunks: []string{"[echo] " + msg.Text}, Provider: "echo-fast", AttemptCount: 1}, nil
		}},
		limiter: ratelimit.NewLimiter(&ratelimit.Config{MaxRequests: 2, Window: time.Minute, Cooldown: time.Second}),
		history: &stubHistory{},
	}

	var opts []apihttp.HandlerOption
	if withHistory {
		opts = append(opts, apihttp.WithHistoryClearer(f.history))
	}

	handler := apihttp.NewHandler(f.messages, stubStats{}, f.limiter, opts...)
	cfg := &config.Config{
		Server: config.ServerConfig{MaxBodyBytes: 1 << 20},
		Admin:  config.AdminConfig{Token: adminToken},
	}
	server := apihttp.NewServer(cfg, handler, middleware.BuildMiddlewareChain(nil), observability.NewMetrics())
	f.routes = server.Routes()

	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.routes.ServeHTTP(w, req)
	return w
}

func TestHandleMessage(t *testing.T) {
	t.Run("should return the reply", func(t *testing.T) {
		f := newFixture(t, "", false)

		w := f.do(http.MethodPost, "/v1/messages",
			`{"user_id":7,"chat_id":9,"text":"hello","model":"gpt-4","providers":["echo-fast"],"pace":true,"flagged":true}`, nil)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))
		require.NotEmpty(t, w.Header().Get("X-Request-Id"))
		require.NotEmpty(t, w.Header().Get("X-Trace-Id"))

		var reply bot.Reply
		require.NoError(t, json.NewDecoder(w.Body).Decode(&reply))
		require.True(t, reply.Success)
		require.Equal(t, []string{"[echo] hello"}, reply.Chunks)
		require.Equal(t, "echo-fast", reply.Provider)

		require.Equal(t, int64(7), f.messages.got.UserID)
		require.Equal(t, int64(9), f.messages.got.ChatID)
		require.Equal(t, "gpt-4", f.messages.got.Model)
		require.Equal(t, []string{"echo-fast"}, f.messages.got.Providers)
		require.True(t, f.messages.got.Pace)
		require.True(t, f.messages.got.Flagged)
		require.Nil(t, f.messages.got.Image)
	})

	t.Run("should decode an attached image", func(t *testing.T) {
		f := newFixture(t, "", false)

		w := f.do(http.MethodPost, "/v1/messages",
			`{"user_id":1,"chat_id":1,"image_base64":"AQID","image_mime":"image/png"}`, nil)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, []byte{1, 2, 3}, f.messages.got.Image)
		require.Equal(t, "image/png", f.messages.got.ImageMIME)
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		f := newFixture(t, "", false)

		w := f.do(http.MethodPost, "/v1/messages", `{"user_id":`, nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Nil(t, f.messages.got)
	})

	t.Run("should report validation failures per field", func(t *testing.T) {
		f := newFixture(t, "", false)

		w := f.do(http.MethodPost, "/v1/messages", `{"chat_id":1}`, nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		var body struct {
			Error   string            `json:"error"`
			Details map[string]string `json:"details"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Equal(t, "validation failed", body.Error)
		require.Equal(t, "required", body.Details["userid"])
		require.Equal(t, "required_without", body.Details["text"])
		require.Nil(t, f.messages.got)
	})

	t.Run("should reject an image that is not base64", func(t *testing.T) {
		f := newFixture(t, "", false)

		w := f.do(http.MethodPost, "/v1/messages", `{"user_id":1,"chat_id":1,"image_base64":"%%%"}`, nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should answer 413 for oversized bodies", func(t *testing.T) {
		f := newFixture(t, "", false)
		big := fmt.Sprintf(`{"user_id":1,"chat_id":1,"text":%q}`, strings.Repeat("a", 2<<20))

		w := f.do(http.MethodPost, "/v1/messages", big, nil)

		require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		require.Contains(t, w.Body.String(), "1048576")
		require.Nil(t, f.messages.got)
	})

	t.Run("should only accept POST", func(t *testing.T) {
		f := newFixture(t, "", false)

		w := f.do(http.MethodGet, "/v1/messages", "", nil)

		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleMessage_Errors(t *testing.T) {
	tests := []struct {
		name       string
		reply      *bot.Reply
		err        error
		wantStatus int
		check      func(t *testing.T, w *httptest.ResponseRecorder)
	}{
		{
			name:       "should answer 429 with Retry-After rounded up",
			err:        &domain.RateLimitedError{RetryAfter: 1500 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				require.Equal(t, "2", w.Header().Get("Retry-After"))
			},
		},
		{
			name:       "should never advertise a zero Retry-After",
			err:        &domain.RateLimitedError{RetryAfter: 10 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				require.Equal(t, "1", w.Header().Get("Retry-After"))
			},
		},
		{
			name:       "should answer 400 for a rejected image",
			err:        fmt.Errorf("%w: unsupported", domain.ErrInvalidImagePayload),
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "should answer 400 for an unknown provider",
			err: fmt.Errorf("dispatch failed: %w",
				fmt.Errorf("attempt planning failed: %w",
					fmt.Errorf("failed to resolve provider nope: %w",
						fmt.Errorf("%w: nope", domain.ErrProviderNotFound)))),
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				require.Contains(t, w.Body.String(), "provider not found")
			},
		},
		{
			name:       "should answer 400 for an empty message",
			err:        conversation.ErrEmptyMessage,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "should answer 502 with the reply when delivery failed",
			reply:      &bot.Reply{Success: true, Chunks: []string{"answer"}},
			err:        errors.New("failed to deliver chunk 1 of 1"),
			wantStatus: http.StatusBadGateway,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				var reply bot.Reply
				require.NoError(t, json.NewDecoder(w.Body).Decode(&reply))
				require.Equal(t, []string{"answer"}, reply.Chunks)
				require.False(t, reply.Delivered)
			},
		},
		{
			name:       "should answer 503 when the request was abandoned",
			err:        context.Canceled,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "should hide unexpected errors",
			err:        errors.New("dispatch failed: boom"),
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				require.NotContains(t, w.Body.String(), "boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", false)
			f.messages.handle = func(context.Context, *bot.Incoming) (*bot.Reply, error) {
				return tt.reply, tt.err
			}

			w := f.do(http.MethodPost, "/v1/messages", `{"user_id":1,"chat_id":1,"text":"hi"}`, nil)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.check != nil {
				tt.check(t, w)
			}
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	t.Run("should require the admin token when configured", func(t *testing.T) {
		f := newFixture(t, "secret", false)

		require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/admin/providers", "", nil).Code)
		require.Equal(t, http.StatusUnauthorized,
			f.do(http.MethodGet, "/v1/admin/providers", "", map[string]string{middleware.HeaderAdminToken: "wrong"}).Code)

		w := f.do(http.MethodGet, "/v1/admin/providers", "", map[string]string{middleware.HeaderAdminToken: "secret"})

		require.Equal(t, http.StatusOK, w.Code)
		var stats domain.ProviderStats
		require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
		require.Equal(t, "echo-fast", stats.Current)
		require.Equal(t, 3, stats.Usage["echo-fast"])
	})

	t.Run("should leave admin routes open without a token", func(t *testing.T) {
		f := newFixture(t, "", false)

		require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/admin/providers", "", nil).Code)
	})

	t.Run("should show and reset rate limit windows", func(t *testing.T) {
		f := newFixture(t, "", false)
		f.limiter.Admit(42, ratelimit.Limits{})

		w := f.do(http.MethodGet, "/v1/admin/ratelimit/42", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var stats ratelimit.Stats
		require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
		require.Equal(t, 1, stats.RequestsInWindow)
		require.Equal(t, 2, stats.MaxRequests)
		require.False(t, stats.CanRequestNow)

		require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/v1/admin/ratelimit/42", "", nil).Code)
		require.Equal(t, 0, f.limiter.Stats(42).RequestsInWindow)
		require.True(t, f.limiter.Admit(42, ratelimit.Limits{}).Allowed)
	})

	t.Run("should reject a non-numeric user id", func(t *testing.T) {
		f := newFixture(t, "", false)

		require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/admin/ratelimit/abc", "", nil).Code)
	})

	t.Run("should clear history when a store is configured", func(t *testing.T) {
		f := newFixture(t, "", true)

		w := f.do(http.MethodDelete, "/v1/admin/history/-100123", "", nil)

		require.Equal(t, http.StatusNoContent, w.Code)
		require.Equal(t, []int64{-100123}, f.history.cleared)
	})

	t.Run("should report a failing history store", func(t *testing.T) {
		f := newFixture(t, "", true)
		f.history.err = errors.New("redis down")

		require.Equal(t, http.StatusInternalServerError, f.do(http.MethodDelete, "/v1/admin/history/5", "", nil).Code)
	})

	t.Run("should answer 404 without a history store", func(t *testing.T) {
		f := newFixture(t, "", false)

		require.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/admin/history/5", "", nil).Code)
	})
}

func TestOperationalRoutes(t *testing.T) {
	f := newFixture(t, "secret", false)

	t.Run("should report health without a token", func(t *testing.T) {
		w := f.do(http.MethodGet, "/health", "", nil)

		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
	})

	t.Run("should expose prometheus metrics", func(t *testing.T) {
		w := f.do(http.MethodGet, "/metrics", "", nil)

		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "markl_admission_rejected_total")
	})
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	server := apihttp.NewServer(&config.Config{}, apihttp.NewHandler(nil, nil, nil), nil, nil)

	require.NoError(t, server.Shutdown(context.Background()))
}

func TestCORS(t *testing.T) {
	handler := apihttp.NewHandler(nil, stubStats{}, nil)
	cfg := &config.Config{}
	cors := &config.CORSConfig{
		AllowedOrigins: []string{"https://ops.example"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}
	routes := apihttp.NewServer(cfg, handler, middleware.BuildMiddlewareChain(cors), nil).Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	require.Equal(t, "https://ops.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleMessage_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx,
		domain.ProviderDescriptor{Name: "echo-fast", Tier: domain.TierFast},
		echo.NewProvider("echo-fast", echo.Config{})))

	dispatchCfg := &domain.DispatchConfig{MaxAttempts: 15, MaxCycles: 2, DefaultModel: "echo-1"}
	dispatcher := domain.NewDispatchService(routing.NewRouter(reg, dispatchCfg), reg, dispatchCfg, nil)
	limiter := ratelimit.NewLimiter(&ratelimit.Config{MaxRequests: 1, Window: time.Minute, Cooldown: time.Nanosecond})

	responder, err := bot.NewResponder(bot.Deps{
		Limiter:    limiter,
		Assembler:  conversation.NewAssembler(&conversation.Config{}),
		Dispatcher: dispatcher,
		Providers:  reg,
	})
	require.NoError(t, err)

	handler := apihttp.NewHandler(responder, dispatcher, limiter)
	routes := apihttp.NewServer(&config.Config{}, handler, nil, nil).Routes()

	send := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))
		return w
	}

	w := send(`{"user_id":3,"chat_id":3,"text":"hi","providers":["nope"]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "provider not found")

	w = send(`{"user_id":3,"chat_id":3,"text":"hi","providers":["echo-fast"]}`)
	require.Equal(t, http.StatusOK, w.Code)
}
