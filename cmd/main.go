package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/markl/internal/bot"
	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/conversation"
	"github.com/davidbz/markl/internal/domain"
	history "github.com/davidbz/markl/internal/history/redis"
	"github.com/davidbz/markl/internal/http"
	"github.com/davidbz/markl/internal/http/middleware"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/pacing"
	"github.com/davidbz/markl/internal/provider"
	"github.com/davidbz/markl/internal/provider/catalog"
	"github.com/davidbz/markl/internal/provider/registry"
	"github.com/davidbz/markl/internal/ratelimit"
	"github.com/davidbz/markl/internal/routing"
	"github.com/davidbz/markl/internal/transport/telegram"
)

func main() {
	container := buildContainer()

	err := container.Invoke(run)
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

func run(
	logger *zap.Logger,
	cfg *config.Config,
	server *http.Server,
	sweeper *ratelimit.Sweeper,
	redisClient *goredis.Client,
) error {
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx)
	defer sweeper.Stop()

	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-serverErr
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(observability.NewMetrics); err != nil {
		log.Fatalf("Failed to provide metrics: %v", err)
	}

	// Provider Registry
	if err := container.Provide(func(cfg *provider.Config) (*catalog.Catalog, error) {
		return catalog.Load(cfg.CatalogPath)
	}); err != nil {
		log.Fatalf("Failed to provide provider catalog: %v", err)
	}
	if err := container.Provide(func(cfg *provider.Config) *provider.Factory {
		return provider.NewFactory(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide provider factory: %v", err)
	}
	if err := container.Provide(registry.NewRegistry); err != nil {
		log.Fatalf("Failed to provide registry: %v", err)
	}
	if err := container.Provide(func(reg *registry.Registry) domain.ProviderRegistry {
		return reg
	}); err != nil {
		log.Fatalf("Failed to provide registry interface: %v", err)
	}

	// Register providers with registry (invoked for side effects)
	if err := container.Invoke(func(
		_ *zap.Logger,
		reg *registry.Registry,
		cat *catalog.Catalog,
		factory *provider.Factory,
	) error {
		return provider.RegisterCatalog(context.Background(), reg, cat, factory)
	}); err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}

	// Optional collaborators
	if err := container.Provide(provideRedisClient); err != nil {
		log.Fatalf("Failed to provide redis client: %v", err)
	}
	if err := container.Provide(provideHistoryStore); err != nil {
		log.Fatalf("Failed to provide history store: %v", err)
	}
	if err := container.Provide(provideTransport); err != nil {
		log.Fatalf("Failed to provide transport: %v", err)
	}

	// Domain Services
	if err := container.Provide(func(reg domain.ProviderRegistry, cfg *domain.DispatchConfig) domain.Router {
		return routing.NewRouter(reg, cfg)
	}); err != nil {
		log.Fatalf("Failed to provide router: %v", err)
	}
	if err := container.Provide(domain.NewDispatchService); err != nil {
		log.Fatalf("Failed to provide dispatch service: %v", err)
	}
	if err := container.Provide(func(cfg *ratelimit.Config) *ratelimit.Limiter {
		return ratelimit.NewLimiter(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide rate limiter: %v", err)
	}
	if err := container.Provide(ratelimit.NewSweeper); err != nil {
		log.Fatalf("Failed to provide rate limit sweeper: %v", err)
	}
	if err := container.Provide(func(cfg *pacing.Config, transport domain.Transport) (*pacing.Scheduler, error) {
		return pacing.NewScheduler(cfg, transport)
	}); err != nil {
		log.Fatalf("Failed to provide pacing scheduler: %v", err)
	}
	if err := container.Provide(conversation.NewAssembler); err != nil {
		log.Fatalf("Failed to provide conversation assembler: %v", err)
	}
	if err := container.Provide(provideResponder); err != nil {
		log.Fatalf("Failed to provide responder: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(provideHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(func(cfg *config.CORSConfig) middleware.Middleware {
		return middleware.BuildMiddlewareChain(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(http.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

// provideRedisClient returns nil when history is disabled.
func provideRedisClient(cfg *history.Config) (*goredis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	client, err := history.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func provideHistoryStore(client *goredis.Client, cfg *history.Config) *history.Store {
	if client == nil {
		observability.FromContext(context.Background()).Info("history store disabled")
		return nil
	}

	return history.NewStore(client, cfg)
}

func provideTransport(cfg *telegram.Config, metrics *observability.Metrics) (domain.Transport, error) {
	if !cfg.Enabled() {
		observability.FromContext(context.Background()).Info("telegram transport disabled, replies are returned to the caller")
		return nil, nil
	}

	return telegram.NewClient(cfg, metrics)
}

func provideResponder(
	limiter *ratelimit.Limiter,
	assembler *conversation.Assembler,
	dispatcher *domain.DispatchService,
	providers domain.ProviderRegistry,
	scheduler *pacing.Scheduler,
	store *history.Store,
	transport domain.Transport,
	metrics *observability.Metrics,
	cfg *bot.Config,
) (*bot.Responder, error) {
	deps := bot.Deps{
		Limiter:    limiter,
		Assembler:  assembler,
		Dispatcher: dispatcher,
		Providers:  providers,
		Scheduler:  scheduler,
		Transport:  transport,
		Metrics:    metrics,
		Config:     cfg,
	}
	if store != nil {
		deps.History = store
	}

	return bot.NewResponder(deps)
}

func provideHandler(
	responder *bot.Responder,
	dispatcher *domain.DispatchService,
	limiter *ratelimit.Limiter,
	store *history.Store,
) *http.Handler {
	var opts []http.HandlerOption
	if store != nil {
		opts = append(opts, http.WithHistoryClearer(store))
	}

	return http.NewHandler(responder, dispatcher, limiter, opts...)
}
