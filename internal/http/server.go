package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/http/middleware"
	"github.com/davidbz/markl/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	config      config.ServerConfig
	handler     *Handler
	middlewares middleware.Middleware
	admin       middleware.Middleware
	metrics     http.Handler

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	handler *Handler,
	middlewares middleware.Middleware,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		config:      cfg.Server,
		handler:     handler,
		middlewares: middlewares,
		admin:       middleware.AdminToken(&cfg.Admin),
		metrics:     metrics.Handler(),
	}
}

// Routes builds the routed handler wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/messages", s.limitBody(http.HandlerFunc(s.handler.HandleMessage)))

	mux.Handle("GET /v1/admin/providers", s.admin(http.HandlerFunc(s.handler.HandleProviderStats)))
	mux.Handle("GET /v1/admin/ratelimit/{userID}", s.admin(http.HandlerFunc(s.handler.HandleRateLimitStats)))
	mux.Handle("DELETE /v1/admin/ratelimit/{userID}", s.admin(http.HandlerFunc(s.handler.HandleRateLimitReset)))
	mux.Handle("DELETE /v1/admin/history/{chatID}", s.admin(http.HandlerFunc(s.handler.HandleHistoryClear)))

	mux.HandleFunc("GET /health", s.handler.HandleHealth)
	mux.Handle("GET /metrics", s.metrics)

	if s.middlewares == nil {
		return mux
	}
	return s.middlewares(mux)
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	if s.config.MaxBodyBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	observability.FromContext(context.Background()).Info("starting HTTP server", observability.Int("port", s.config.Port))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
