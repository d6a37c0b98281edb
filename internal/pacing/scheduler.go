// Package pacing computes human-like reply delays and drives the typing
// indicator on the chat transport.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const (
	// ActionTyping is the chat action shown while a reply is being "typed".
	ActionTyping = "typing"

	typingCeiling   = 120 * time.Second
	typingRefresh   = 4 * time.Second
	lengthStepRunes = 100
	maxLengthBonus  = 30
	wordsPerMinute  = 40.0
	charsPerMinute  = 200.0
)

// Config contains pacing settings.
type Config struct {
	Enabled          bool          `env:"PACING_ENABLED"     envDefault:"true"`
	MinResponseDelay time.Duration `env:"MIN_RESPONSE_DELAY" envDefault:"60s"`
	MaxResponseDelay time.Duration `env:"MAX_RESPONSE_DELAY" envDefault:"180s"`
	TypingMin        time.Duration `env:"TYPING_DELAY_MIN"   envDefault:"5s"`
	TypingMax        time.Duration `env:"TYPING_DELAY_MAX"   envDefault:"15s"`
	Seed             uint64        `env:"PACING_SEED"        envDefault:"0"`
}

// Scheduler computes delays from message shape.
type Scheduler struct {
	cfg       Config
	transport domain.Transport
	refresh   time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTypingRefresh sets how often the typing action is re-sent.
func WithTypingRefresh(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// NewScheduler creates a scheduler. transport may be nil, in which case the
// typing indicator only waits.
func NewScheduler(cfg *Config, transport domain.Transport, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("pacing config cannot be nil")
	}

	if cfg.MinResponseDelay > cfg.MaxResponseDelay {
		return nil, fmt.Errorf("min response delay %s exceeds max %s", cfg.MinResponseDelay, cfg.MaxResponseDelay)
	}

	if cfg.TypingMin > min(cfg.TypingMax, typingCeiling) {
		return nil, fmt.Errorf("typing min %s exceeds typing max %s", cfg.TypingMin, min(cfg.TypingMax, typingCeiling))
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	s := &Scheduler{
		cfg:       *cfg,
		transport: transport,
		refresh:   typingRefresh,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Enabled reports whether pacing is switched on.
func (s *Scheduler) Enabled() bool {
	return s.cfg.Enabled
}

func (s *Scheduler) uniform() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// ComputeResponseDelay returns a uniform base delay plus one second per
// hundred characters, capped at thirty seconds.
func (s *Scheduler) ComputeResponseDelay(text string) time.Duration {
	span := s.cfg.MaxResponseDelay - s.cfg.MinResponseDelay
	base := s.cfg.MinResponseDelay + time.Duration(s.uniform()*float64(span))

	bonus := min(utf8.RuneCountInString(text)/lengthStepRunes, maxLengthBonus)

	return base + time.Duration(bonus)*time.Second
}

// ComputeTypingDuration models typing speed from word and character counts.
// The result lies in [TypingMin, min(TypingMax, 120s)].
func (s *Scheduler) ComputeTypingDuration(text string) time.Duration {
	words := float64(len(strings.Fields(text)))
	chars := float64(utf8.RuneCountInString(text))

	byWords := words / wordsPerMinute * 60
	byChars := chars / charsPerMinute * 60
	base := (byWords + byChars) / 2

	factor := 0.5 + s.uniform()
	typing := time.Duration(base * factor * float64(time.Second))

	upper := min(s.cfg.TypingMax, typingCeiling)
	return max(s.cfg.TypingMin, min(typing, upper))
}

// Wait sleeps for d or until ctx is done.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunTypingIndicator shows the typing action for duration, refreshing it
// until the duration elapses or ctx is done. It returns when the duration is
// up even if a transport call is still in flight. Transport failures are
// logged and never returned.
func (s *Scheduler) RunTypingIndicator(ctx context.Context, chatID int64, duration time.Duration) {
	typingCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	go s.refreshTyping(typingCtx, chatID)

	<-typingCtx.Done()
	if ctx.Err() != nil {
		observability.FromContext(ctx).Debug("typing indicator cancelled")
	}
}

func (s *Scheduler) refreshTyping(ctx context.Context, chatID int64) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		s.sendTyping(ctx, chatID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sendTyping(ctx context.Context, chatID int64) {
	if s.transport == nil {
		return
	}

	logger := observability.FromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("typing indicator panicked", observability.Any("panic", r))
		}
	}()

	if err := s.transport.SendChatAction(ctx, chatID, ActionTyping); err != nil {
		logger.Warn("failed to send typing action", observability.Error(err))
	}
}
