// Package bot runs the reply pipeline for one incoming chat message:
// admission, prompt assembly, dispatch, formatting, pacing and delivery.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/davidbz/markl/internal/conversation"
	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/format"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/pacing"
	"github.com/davidbz/markl/internal/ratelimit"
)

const (
	statusDelivered      = "delivered"
	statusReturned       = "returned"
	statusFallback       = "fallback"
	statusSuperseded     = "superseded"
	statusRateLimited    = "rate_limited"
	statusInvalid        = "invalid"
	statusDeliveryFailed = "delivery_failed"

	requestTypeText  = "text"
	requestTypeImage = "image"

	expertHeader = "*Complex question for an expert*"
)

var errSuperseded = errors.New("superseded by a newer message")

// Config contains reply pipeline settings.
type Config struct {
	// ExpertMention is prepended to replies for flagged questions, e.g. "@support".
	ExpertMention string `env:"EXPERT_MENTION"`
}

// Dispatcher obtains an answer from the provider pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResult, error)
}

// Incoming is one user message.
type Incoming struct {
	UserID    int64
	ChatID    int64
	Text      string
	Image     []byte
	ImageMIME string
	Model     string
	Providers []string
	// Pace applies the response delay and typing indicator when pacing is enabled.
	Pace bool
	// Flagged marks a question that should be routed to a human expert as well.
	Flagged bool
}

// Reply is the outcome of Handle.
type Reply struct {
	Success      bool             `json:"success"`
	Chunks       []string         `json:"chunks"`
	Provider     string           `json:"provider,omitempty"`
	Model        string           `json:"model,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	ElapsedMs    int64            `json:"elapsed_ms"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	Superseded   bool             `json:"superseded"`
	Delivered    bool             `json:"delivered"`
}

type inflight struct {
	generation uint64
	cancel     context.CancelCauseFunc
}

// Responder wires the collaborators of the reply pipeline.
type Responder struct {
	limiter    *ratelimit.Limiter
	assembler  *conversation.Assembler
	dispatcher Dispatcher
	providers  domain.ProviderRegistry
	scheduler  *pacing.Scheduler
	history    domain.HistoryStore
	transport  domain.Transport
	metrics    *observability.Metrics
	cfg        Config

	mu         sync.Mutex
	generation uint64
	active     map[int64]inflight
}

// Deps groups the Responder collaborators. Providers, History, Transport,
// Scheduler and Metrics are optional.
type Deps struct {
	Limiter    *ratelimit.Limiter
	Assembler  *conversation.Assembler
	Dispatcher Dispatcher
	// Providers resolves explicit provider names before any work is done.
	Providers  domain.ProviderRegistry
	Scheduler  *pacing.Scheduler
	History    domain.HistoryStore
	Transport  domain.Transport
	Metrics    *observability.Metrics
	Config     *Config
}

// NewResponder creates a responder.
func NewResponder(deps Deps) (*Responder, error) {
	if deps.Limiter == nil || deps.Assembler == nil || deps.Dispatcher == nil {
		return nil, errors.New("limiter, assembler and dispatcher are required")
	}

	r := &Responder{
		limiter:    deps.Limiter,
		assembler:  deps.Assembler,
		dispatcher: deps.Dispatcher,
		providers:  deps.Providers,
		scheduler:  deps.Scheduler,
		history:    deps.History,
		transport:  deps.Transport,
		metrics:    deps.Metrics,
		active:     make(map[int64]inflight),
	}
	if deps.Config != nil {
		r.cfg = *deps.Config
	}

	return r, nil
}

// Handle runs the pipeline for msg. It returns *domain.RateLimitedError when
// the user is over the limit, domain.ErrInvalidImagePayload for rejected
// images, domain.ErrProviderNotFound for unknown explicit providers and
// conversation.ErrEmptyMessage for blank input.
func (r *Responder) Handle(ctx context.Context, msg *Incoming) (*Reply, error) {
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}

	ctx = observability.WithUserID(ctx, msg.UserID)
	ctx = observability.WithChatID(ctx, msg.ChatID)
	logger := observability.FromContext(ctx)
	start := time.Now()

	if err := r.resolveProviders(ctx, msg.Providers); err != nil {
		r.metrics.ObserveReply(statusInvalid)
		logger.Warn("unknown provider requested", observability.Error(err))
		return nil, err
	}

	decision := r.limiter.Admit(msg.UserID, ratelimit.Limits{})
	if !decision.Allowed {
		r.metrics.ObserveAdmissionRejected()
		r.metrics.ObserveReply(statusRateLimited)
		logger.Info("message rejected by rate limiter", observability.Duration("retry_after", decision.RetryAfter))
		return nil, &domain.RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	var image *domain.ImageRef
	if len(msg.Image) > 0 {
		validated, err := r.assembler.ValidateImage(msg.Image, msg.ImageMIME)
		if err != nil {
			r.metrics.ObserveReply(statusInvalid)
			logger.Warn("image rejected", observability.Error(err))
			return nil, err
		}
		image = validated
	}

	if strings.TrimSpace(msg.Text) == "" && image == nil {
		r.metrics.ObserveReply(statusInvalid)
		return nil, conversation.ErrEmptyMessage
	}

	ctx, release := r.begin(ctx, msg.UserID)
	defer release()

	history := r.fetchHistory(ctx, msg.ChatID)

	messages, err := r.assembler.Build(msg.Text, image, history)
	if err != nil {
		r.metrics.ObserveReply(statusInvalid)
		return nil, err
	}

	pace := msg.Pace && r.scheduler != nil && r.scheduler.Enabled()

	if pace {
		delay := r.scheduler.ComputeResponseDelay(msg.Text)
		logger.Debug("pacing response", observability.Duration("delay", delay))
		if err := r.scheduler.Wait(ctx, delay); err != nil {
			return r.interrupted(ctx)
		}
	}

	result, err := r.dispatcher.Dispatch(ctx, &domain.DispatchRequest{
		Messages:  messages,
		Model:     msg.Model,
		Providers: msg.Providers,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	if ctx.Err() != nil {
		return r.interrupted(ctx)
	}

	text := result.Text
	if result.Success && msg.Flagged && r.cfg.ExpertMention != "" {
		text = expertHeader + " " + r.cfg.ExpertMention + "\n\n" + text
	}
	text = format.Normalize(text)

	reply := &Reply{
		Success:      result.Success,
		Chunks:       format.Split(text, format.MaxMessageLength),
		Provider:     result.Provider,
		Model:        result.Model,
		AttemptCount: result.AttemptCount,
		ElapsedMs:    result.ElapsedMs,
		ErrorKind:    result.ErrorKind,
	}

	status := statusReturned
	if !result.Success {
		status = statusFallback
	}

	if r.transport != nil {
		if err := r.deliver(ctx, msg.ChatID, reply.Chunks, pace); err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx)
			}
			r.metrics.ObserveReply(statusDeliveryFailed)
			r.logRequest(ctx, msg, image != nil, reply, text, start)
			return reply, err
		}
		reply.Delivered = true
		if result.Success {
			status = statusDelivered
		}
	}

	if result.Success {
		r.appendHistory(ctx, msg, image != nil, text)
	}

	r.metrics.ObserveReply(status)
	r.logRequest(ctx, msg, image != nil, reply, text, start)

	return reply, nil
}

// begin registers a new in-flight reply for userID and cancels the previous one.
func (r *Responder) begin(ctx context.Context, userID int64) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	r.generation++
	generation := r.generation
	if previous, ok := r.active[userID]; ok {
		previous.cancel(errSuperseded)
	}
	r.active[userID] = inflight{generation: generation, cancel: cancel}
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		if current, ok := r.active[userID]; ok && current.generation == generation {
			delete(r.active, userID)
		}
		r.mu.Unlock()
		cancel(nil)
	}
}

func (r *Responder) interrupted(ctx context.Context) (*Reply, error) {
	if errors.Is(context.Cause(ctx), errSuperseded) {
		observability.FromContext(ctx).Info("reply superseded by a newer message")
		r.metrics.ObserveReply(statusSuperseded)
		return &Reply{Superseded: true, Chunks: []string{}}, nil
	}
	return nil, ctx.Err()
}

func (r *Responder) resolveProviders(ctx context.Context, names []string) error {
	if r.providers == nil {
		return nil
	}

	for _, name := range names {
		if _, _, err := r.providers.Get(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

func (r *Responder) fetchHistory(ctx context.Context, chatID int64) []domain.HistoryTurn {
	if r.history == nil {
		return nil
	}

	turns, err := r.history.FetchRecentTurns(ctx, chatID, r.assembler.HistoryLimit())
	if err != nil {
		observability.FromContext(ctx).Warn("history unavailable, continuing without it", observability.Error(err))
		return nil
	}

	return turns
}

func (r *Responder) appendHistory(ctx context.Context, msg *Incoming, hasImage bool, answer string) {
	if r.history == nil {
		return
	}

	logger := observability.FromContext(ctx)
	now := time.Now()

	question := strings.TrimSpace(msg.Text)
	if hasImage {
		question = strings.TrimSpace("[image] " + question)
	}

	turns := []domain.HistoryTurn{
		{Role: domain.RoleUser, Content: question, Timestamp: now},
		{Role: domain.RoleAssistant, Content: answer, Timestamp: now},
	}

	for _, turn := range turns {
		if err := r.history.AppendTurn(ctx, msg.ChatID, turn); err != nil {
			logger.Warn("failed to store history turn", observability.Error(err))
			return
		}
	}
}

// deliver sends chunks in order. With pace set each chunk is preceded by the
// typing indicator for that chunk.
func (r *Responder) deliver(ctx context.Context, chatID int64, chunks []string, pace bool) error {
	for i, chunk := range chunks {
		if pace {
			r.scheduler.RunTypingIndicator(ctx, chatID, r.scheduler.ComputeTypingDuration(chunk))
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := r.transport.SendText(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("failed to deliver chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (r *Responder) logRequest(ctx context.Context, msg *Incoming, hasImage bool, reply *Reply, text string, start time.Time) {
	requestType := requestTypeText
	if hasImage {
		requestType = requestTypeImage
	}

	observability.FromContext(ctx).Info("request handled",
		observability.String("request_type", requestType),
		observability.Int("input_length", utf8.RuneCountInString(msg.Text)),
		observability.Int("output_length", utf8.RuneCountInString(text)),
		observability.Int64("response_time_ms", time.Since(start).Milliseconds()),
		observability.Bool("success", reply.Success),
		observability.String("provider", reply.Provider),
		observability.String("model", reply.Model),
		observability.Bool("flagged", msg.Flagged),
		observability.Int("chunks", len(reply.Chunks)),
		observability.Bool("delivered", reply.Delivered),
	)
}
