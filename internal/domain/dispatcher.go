package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidbz/markl/internal/observability"
)

const (
	// FallbackMessage is returned to the user when every provider failed.
	FallbackMessage = "Sorry, all AI providers are temporarily unavailable. Please try again in a few minutes."

	// VisionFallbackMessage is returned when an image request could not be served.
	VisionFallbackMessage = "Sorry, image analysis is temporarily unavailable. Please try again later or describe the image in text."
)

// DispatchConfig contains dispatch policy settings.
type DispatchConfig struct {
	AttemptTimeout  time.Duration `env:"DISPATCH_ATTEMPT_TIMEOUT"  envDefault:"90s"`
	OverallTimeout  time.Duration `env:"DISPATCH_OVERALL_TIMEOUT"  envDefault:"0s"`
	MaxAttempts     int           `env:"DISPATCH_MAX_ATTEMPTS"     envDefault:"15"`
	MaxCycles       int           `env:"DISPATCH_MAX_CYCLES"       envDefault:"2"`
	DefaultModel    string        `env:"DISPATCH_DEFAULT_MODEL"    envDefault:"gpt-4"`
	VisionModel     string        `env:"DISPATCH_VISION_MODEL"     envDefault:"gpt-4o"`
	MaxTokens       int           `env:"DISPATCH_MAX_TOKENS"       envDefault:"0"`
	InitialProvider string        `env:"DISPATCH_INITIAL_PROVIDER"`
}

// DispatchService obtains an answer from the first provider that produces one.
type DispatchService struct {
	router   Router
	registry ProviderRegistry
	cfg      DispatchConfig
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.Mutex
	current string
	usage   map[string]int
}

// NewDispatchService creates a new dispatch service (DI constructor).
func NewDispatchService(
	router Router,
	registry ProviderRegistry,
	cfg *DispatchConfig,
	metrics *observability.Metrics,
) *DispatchService {
	var policy DispatchConfig
	if cfg != nil {
		policy = *cfg
	}

	return &DispatchService{
		router:   router,
		registry: registry,
		cfg:      policy,
		metrics:  metrics,
		now:      time.Now,
		current:  policy.InitialProvider,
		usage:    make(map[string]int),
	}
}

// Dispatch runs the attempt sequence for req. Per-attempt failures are
// absorbed; an exhausted sequence is reported through the result, not the error.
func (d *DispatchService) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if len(req.Messages) == 0 {
		return nil, errors.New("messages cannot be empty")
	}

	if d.cfg.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.OverallTimeout)
		defer cancel()
	}

	start := d.now()
	image := HasImage(req.Messages)

	plan, err := d.router.Route(ctx, &RouteRequest{
		Model:     req.Model,
		Image:     image,
		Providers: req.Providers,
		Sticky:    d.CurrentProvider(),
	})
	if err != nil {
		return nil, fmt.Errorf("attempt planning failed: %w", err)
	}

	candidates := make([]string, 0, len(plan.Candidates))
	for _, desc := range plan.Candidates {
		candidates = append(candidates, desc.Name)
	}

	logger := observability.FromContext(ctx)
	logger.Info("dispatch started",
		observability.Strings("candidates", candidates),
		observability.Int("sequence_length", len(plan.Sequence)),
		observability.Bool("image_request", image),
		observability.String("model", plan.Model),
	)

	result := &DispatchResult{ImageRequest: image}
	cycle := len(plan.Candidates)
	rateLimited := make(map[string]struct{})

	for i, desc := range plan.Sequence {
		if ctx.Err() != nil {
			logger.Warn("dispatch interrupted", observability.Error(ctx.Err()))
			break
		}

		if cycle > 0 && i > 0 && i%cycle == 0 {
			clear(rateLimited)
		}

		if _, limited := rateLimited[desc.Name]; limited {
			logger.Debug("skipping rate-limited provider", observability.String("provider", desc.Name))
			continue
		}

		if image && !desc.SupportsVision {
			logger.Debug("skipping provider without vision support", observability.String("provider", desc.Name))
			continue
		}

		_, provider, getErr := d.registry.Get(ctx, desc.Name)
		if getErr != nil {
			logger.Error("provider lookup failed", observability.String("provider", desc.Name), observability.Error(getErr))
			continue
		}

		model := plan.Model
		if desc.ModelOverride != "" {
			model = desc.ModelOverride
		}

		attempt, resp := d.attempt(ctx, provider, desc.Name, model, req.Messages)
		result.Attempts = append(result.Attempts, attempt)
		result.AttemptCount++
		d.metrics.ObserveAttempt(desc.Name, string(attempt.Outcome))

		switch attempt.Outcome {
		case OutcomeSuccess:
			d.recordSuccess(desc.Name)

			elapsed := d.now().Sub(start)
			result.Success = true
			result.Text = strings.TrimSpace(resp.Content)
			result.Provider = desc.Name
			result.Model = model
			if resp.Model != "" {
				result.Model = resp.Model
			}
			result.ElapsedMs = elapsed.Milliseconds()
			d.metrics.ObserveDispatch(true, elapsed)

			logger.Info("dispatch succeeded",
				observability.String("provider", desc.Name),
				observability.Int("attempt_count", result.AttemptCount),
				observability.Int64("elapsed_ms", result.ElapsedMs),
			)
			return result, nil
		case OutcomeRateLimited:
			rateLimited[desc.Name] = struct{}{}
			result.RateLimitedCount++
		}
	}

	elapsed := d.now().Sub(start)
	result.ErrorKind = ErrorKindAllProvidersExhausted
	result.ElapsedMs = elapsed.Milliseconds()
	result.Text = FallbackMessage
	if image {
		result.Text = VisionFallbackMessage
	}
	d.metrics.ObserveDispatch(false, elapsed)

	logger.Error("all providers exhausted",
		observability.Int("attempt_count", result.AttemptCount),
		observability.Int("rate_limited_count", result.RateLimitedCount),
		observability.Int64("elapsed_ms", result.ElapsedMs),
	)

	return result, nil
}

// attempt invokes one provider under the per-attempt timeout.
func (d *DispatchService) attempt(
	ctx context.Context,
	provider Provider,
	name string,
	model string,
	messages []PromptMessage,
) (Attempt, *CompletionResponse) {
	attemptCtx := observability.WithModel(observability.WithProvider(ctx, name), model)
	logger := observability.FromContext(attemptCtx)

	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, d.cfg.AttemptTimeout)
		defer cancel()
	}

	started := d.now()
	resp, err := provider.Complete(attemptCtx, &CompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: d.cfg.MaxTokens,
	})

	attempt := Attempt{
		Provider:  name,
		Model:     model,
		StartTime: started,
		Duration:  d.now().Sub(started),
	}

	if err != nil {
		kind := ClassifyError(err)
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			kind = ErrorKindProviderTimeout
		}
		attempt.Outcome = OutcomeFor(kind)
		attempt.Err = err

		logger.Warn("provider attempt failed",
			observability.String("outcome", string(attempt.Outcome)),
			observability.Duration("duration", attempt.Duration),
			observability.Error(err),
		)
		return attempt, nil
	}

	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		attempt.Outcome = OutcomeEmptyResponse
		attempt.Err = NewProviderError(ErrorKindEmptyProviderResponse, name, errors.New("empty response"))

		logger.Warn("provider returned empty response", observability.Duration("duration", attempt.Duration))
		return attempt, nil
	}

	attempt.Outcome = OutcomeSuccess
	return attempt, resp
}

func (d *DispatchService) recordSuccess(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.current = name
	d.usage[name]++
}

// CurrentProvider returns the provider that succeeded last.
func (d *DispatchService) CurrentProvider() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.current
}

// ProviderStats returns the operator view of the dispatcher.
func (d *DispatchService) ProviderStats() *ProviderStats {
	all := d.registry.AllProviders(true)
	names := make([]string, 0, len(all))
	for _, desc := range all {
		names = append(names, desc.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	usage := make(map[string]int, len(d.usage))
	for name, count := range d.usage {
		usage[name] = count
	}

	return &ProviderStats{
		Current:      d.current,
		WorkingCount: len(d.registry.WorkingProviders()),
		BackupCount:  len(d.registry.BackupProviders()),
		VisionCount:  len(d.registry.VisionProviders()),
		ImageCount:   len(d.registry.ImageProviders()),
		Usage:        usage,
		All:          names,
	}
}
