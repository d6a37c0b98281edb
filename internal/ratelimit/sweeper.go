package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/davidbz/markl/internal/observability"
)

// Sweeper periodically removes stale windows from a Limiter.
type Sweeper struct {
	limiter  *Limiter
	interval time.Duration
	maxAge   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper for limiter (DI constructor).
func NewSweeper(limiter *Limiter, cfg *Config) *Sweeper {
	s := &Sweeper{
		limiter:  limiter,
		interval: 10 * time.Minute,
		maxAge:   24 * time.Hour,
	}

	if cfg != nil {
		if cfg.SweepInterval > 0 {
			s.interval = cfg.SweepInterval
		}
		if cfg.SweepMaxAge > 0 {
			s.maxAge = cfg.SweepMaxAge
		}
	}

	return s
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := observability.FromContext(ctx)
	logger.Info("rate limit sweeper started",
		observability.Duration("interval", s.interval),
		observability.Duration("max_age", s.maxAge),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("rate limit sweeper stopped")
			return
		case <-ticker.C:
			if removed := s.limiter.Sweep(s.maxAge); removed > 0 {
				logger.Debug("swept stale rate limit windows",
					observability.Int("removed", removed),
					observability.Int("remaining", s.limiter.Len()),
				)
			}
		}
	}
}
