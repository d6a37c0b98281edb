// Package ratelimit provides per-user admission control: a sliding window of
// recent requests combined with a minimum cooldown between two requests.
package ratelimit

import (
	"sync"
	"time"
)

// Config contains the default limits and the sweep schedule.
type Config struct {
	MaxRequests   int           `env:"RATE_LIMIT_MAX_REQUESTS"   envDefault:"10"`
	Window        time.Duration `env:"RATE_LIMIT_WINDOW"         envDefault:"60s"`
	Cooldown      time.Duration `env:"RATE_LIMIT_COOLDOWN"       envDefault:"1s"`
	SweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"10m"`
	SweepMaxAge   time.Duration `env:"RATE_LIMIT_SWEEP_MAX_AGE"  envDefault:"24h"`
}

// Limits are the admission parameters for one call. Zero fields fall back
// to the limiter defaults.
type Limits struct {
	MaxRequests int
	Window      time.Duration
	Cooldown    time.Duration
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Stats is a read-only projection of a user's window.
type Stats struct {
	RequestsInWindow int            `json:"requests_in_window"`
	MaxRequests      int            `json:"max_requests"`
	Window           time.Duration  `json:"window"`
	LastRequestAgo   *time.Duration `json:"last_request_ago,omitempty"`
	CanRequestNow    bool           `json:"can_request_now"`
}

type window struct {
	timestamps []time.Time
	last       time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter tracks request windows per user.
type Limiter struct {
	mu       sync.Mutex
	windows  map[int64]*window
	defaults Limits
	now      func() time.Time
}

// NewLimiter creates a limiter with the configured defaults.
func NewLimiter(cfg *Config, opts ...Option) *Limiter {
	defaults := Limits{MaxRequests: 10, Window: time.Minute, Cooldown: time.Second}
	if cfg != nil {
		defaults = defaults.merge(Limits{MaxRequests: cfg.MaxRequests, Window: cfg.Window, Cooldown: cfg.Cooldown})
	}

	l := &Limiter{
		windows:  make(map[int64]*window),
		defaults: defaults,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (base Limits) merge(override Limits) Limits {
	if override.MaxRequests > 0 {
		base.MaxRequests = override.MaxRequests
	}
	if override.Window > 0 {
		base.Window = override.Window
	}
	if override.Cooldown > 0 {
		base.Cooldown = override.Cooldown
	}
	return base
}

// Defaults returns the limits applied when a call site passes zero values.
func (l *Limiter) Defaults() Limits {
	return l.defaults
}

// Admit checks and records a request for userID.
func (l *Limiter) Admit(userID int64, limits Limits) Decision {
	limits = l.defaults.merge(limits)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[userID]
	if !exists {
		w = &window{}
		l.windows[userID] = w
	}

	if !w.last.IsZero() {
		if since := now.Sub(w.last); since < limits.Cooldown {
			return Decision{Allowed: false, RetryAfter: limits.Cooldown - since}
		}
	}

	w.prune(now.Add(-limits.Window))

	if len(w.timestamps) >= limits.MaxRequests {
		wait := limits.Window - now.Sub(w.timestamps[0])
		return Decision{Allowed: false, RetryAfter: max(wait, 0)}
	}

	w.timestamps = append(w.timestamps, now)
	w.last = now

	return Decision{Allowed: true}
}

// Stats returns the window state of userID without creating an entry.
func (l *Limiter) Stats(userID int64) Stats {
	limits := l.defaults

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{MaxRequests: limits.MaxRequests, Window: limits.Window, CanRequestNow: true}

	w, exists := l.windows[userID]
	if !exists {
		return stats
	}

	now := l.now()
	w.prune(now.Add(-limits.Window))
	stats.RequestsInWindow = len(w.timestamps)

	if !w.last.IsZero() {
		ago := now.Sub(w.last)
		stats.LastRequestAgo = &ago
		if ago < limits.Cooldown {
			stats.CanRequestNow = false
		}
	}

	if stats.RequestsInWindow >= limits.MaxRequests {
		stats.CanRequestNow = false
	}

	return stats
}

// Reset clears the window and cooldown of userID.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, userID)
}

// Sweep drops entries whose most recent request is older than maxAge and
// returns how many were removed.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0

	for userID, w := range l.windows {
		w.prune(cutoff)
		if len(w.timestamps) == 0 && w.last.Before(cutoff) {
			delete(l.windows, userID)
			removed++
		}
	}

	return removed
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.windows)
}

// prune drops timestamps strictly older than cutoff.
func (w *window) prune(cutoff time.Time) {
	drop := 0
	for drop < len(w.timestamps) && w.timestamps[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[drop:]...)
	}
}
