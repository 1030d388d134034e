// Package ratelimit throttles sign-in attempts per account.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Checker decides whether another attempt for key is allowed. When it is
// not, retryAfter says how long until the next attempt would be.
type Checker interface {
	Check(ctx context.Context, key string) (allowed bool, retryAfter time.Duration)
	Remaining(ctx context.Context, key string) int
	Reset(ctx context.Context, key string)
}

// Limiter implements an in-process sliding window rate limiter.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time

	// Cleanup configuration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// Config holds limiter configuration.
type Config struct {
	// Limit is the maximum number of attempts allowed per window.
	Limit int

	// Window is the time window for rate limiting.
	Window time.Duration

	// CleanupInterval controls how often stale entries are cleaned up.
	// If 0, defaults to 10 * Window.
	CleanupInterval time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// New creates a new rate limiter.
func New(limit int, window time.Duration) *Limiter {
	return NewWithConfig(Config{
		Limit:  limit,
		Window: window,
	})
}

// NewWithConfig creates a new rate limiter with custom configuration.
func NewWithConfig(cfg Config) *Limiter {
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = cfg.Window * 10
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		requests:        make(map[string][]time.Time),
		limit:           cfg.Limit,
		window:          cfg.Window,
		now:             now,
		cleanupInterval: cleanupInterval,
		lastCleanup:     now(),
	}
}

// Check implements Checker.
func (l *Limiter) Check(_ context.Context, key string) (bool, time.Duration) {
	return l.allow(key)
}

func (l *Limiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	if now.Sub(l.lastCleanup) > l.cleanupInterval {
		l.cleanup(windowStart)
		l.lastCleanup = now
	}

	valid := prune(l.requests[key], windowStart)
	l.requests[key] = valid

	if len(valid) >= l.limit {
		// The oldest attempt leaves the window first.
		return false, valid[0].Sub(windowStart)
	}

	l.requests[key] = append(valid, now)
	return true, 0
}

// cleanup removes stale entries from the map.
// Must be called with mu held.
func (l *Limiter) cleanup(windowStart time.Time) {
	for key, times := range l.requests {
		valid := prune(times, windowStart)
		if len(valid) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = valid
		}
	}
}

func prune(times []time.Time, windowStart time.Time) []time.Time {
	valid := times[:0]
	for _, t := range times {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	return valid
}

// Remaining returns the number of attempts remaining for key.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	count := 0
	for _, t := range l.requests[key] {
		if t.After(windowStart) {
			count++
		}
	}

	remaining := l.limit - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the rate limit for a given key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}

// Counter is a shared fixed-window counter, implemented by the redis
// package.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Count(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Shared limits attempts across processes using a fixed window counter.
// If the counter is unreachable it falls back to the local limiter.
type Shared struct {
	counter  Counter
	fallback *Limiter
	limit    int
	window   time.Duration
	prefix   string
	onError  func(error)
}

// NewShared creates a limiter backed by counter.
func NewShared(counter Counter, limit int, window time.Duration, onError func(error)) *Shared {
	return &Shared{
		counter:  counter,
		fallback: New(limit, window),
		limit:    limit,
		window:   window,
		prefix:   "ratelimit:",
		onError:  onError,
	}
}

// Check implements Checker.
func (s *Shared) Check(ctx context.Context, key string) (bool, time.Duration) {
	n, ttl, err := s.counter.IncrWindow(ctx, s.prefix+key, s.window)
	if err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return s.fallback.Check(ctx, key)
	}
	if n > int64(s.limit) {
		return false, ttl
	}
	return true, 0
}

// Remaining implements Checker.
func (s *Shared) Remaining(ctx context.Context, key string) int {
	n, err := s.counter.Count(ctx, s.prefix+key)
	if err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return s.fallback.Remaining(key)
	}
	if left := int64(s.limit) - n; left > 0 {
		return int(left)
	}
	return 0
}

// Reset implements Checker.
func (s *Shared) Reset(ctx context.Context, key string) {
	s.fallback.Reset(key)
	if err := s.counter.Delete(ctx, s.prefix+key); err != nil && s.onError != nil {
		s.onError(err)
	}
}

// Local adapts a Limiter to Checker.
type Local struct {
	*Limiter
}

// Remaining implements Checker.
func (l Local) Remaining(_ context.Context, key string) int {
	return l.Limiter.Remaining(key)
}

// Reset implements Checker.
func (l Local) Reset(_ context.Context, key string) {
	l.Limiter.Reset(key)
}
