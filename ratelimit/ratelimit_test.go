package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	return NewWithConfig(Config{Limit: limit, Window: window, Now: clock.Now}), clock
}

// allow records an attempt and reports whether it was allowed.
func allow(l *Limiter, key string) bool {
	ok, _ := l.Check(context.Background(), key)
	return ok
}

func TestLimiter_Allow(t *testing.T) {
	limiter, clock := newTestLimiter(3, time.Minute)
	key := "ana@example.com"

	for i := 0; i < 3; i++ {
		if !allow(limiter, key) {
			t.Errorf("attempt %d should be allowed", i+1)
		}
	}

	if allow(limiter, key) {
		t.Error("4th attempt should be denied")
	}

	clock.Advance(time.Minute + time.Second)

	if !allow(limiter, key) {
		t.Error("attempt after window should be allowed")
	}
}

func TestLimiter_MultipleKeys(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)

	allow(limiter, "a")
	allow(limiter, "a")
	if allow(limiter, "a") {
		t.Error("key a attempt 3 should be denied")
	}

	if !allow(limiter, "b") || !allow(limiter, "b") {
		t.Error("key b should have its own budget")
	}
}

func TestLimiter_Remaining(t *testing.T) {
	limiter, _ := newTestLimiter(5, time.Minute)
	key := "test"

	if r := limiter.Remaining(key); r != 5 {
		t.Errorf("expected 5 remaining, got %d", r)
	}

	allow(limiter, key)
	if r := limiter.Remaining(key); r != 4 {
		t.Errorf("expected 4 remaining, got %d", r)
	}

	allow(limiter, key)
	allow(limiter, key)
	if r := limiter.Remaining(key); r != 2 {
		t.Errorf("expected 2 remaining, got %d", r)
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)
	key := "test"

	allow(limiter, key)
	allow(limiter, key)

	if allow(limiter, key) {
		t.Error("should be rate limited")
	}

	limiter.Reset(key)

	if !allow(limiter, key) {
		t.Error("should be allowed after reset")
	}
}

func TestLimiter_SlidingWindow(t *testing.T) {
	limiter, clock := newTestLimiter(3, 100*time.Millisecond)
	key := "test"

	allow(limiter, key)
	clock.Advance(20 * time.Millisecond)
	allow(limiter, key)
	allow(limiter, key)

	clock.Advance(60 * time.Millisecond)
	ok, wait := limiter.Check(context.Background(), key)
	if ok {
		t.Error("should still be rate limited")
	}
	// First attempt leaves the window at 100ms.
	if wait != 20*time.Millisecond {
		t.Errorf("expected retry after 20ms, got %v", wait)
	}

	clock.Advance(30 * time.Millisecond)
	if !allow(limiter, key) {
		t.Error("should be allowed after oldest expires")
	}
}

func TestLimiter_CheckReportsRetryAfter(t *testing.T) {
	limiter, clock := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	if ok, wait := limiter.Check(ctx, "k"); !ok || wait != 0 {
		t.Fatalf("first check: ok=%v wait=%v", ok, wait)
	}
	clock.Advance(15 * time.Second)
	ok, wait := limiter.Check(ctx, "k")
	if ok {
		t.Fatal("second check should be denied")
	}
	if wait != 45*time.Second {
		t.Errorf("expected 45s, got %v", wait)
	}
}

func TestLimiter_CleanupDropsStaleKeys(t *testing.T) {
	clock := newFakeClock()
	limiter := NewWithConfig(Config{Limit: 1, Window: time.Second, CleanupInterval: time.Second, Now: clock.Now})

	allow(limiter, "old")
	clock.Advance(3 * time.Second)
	allow(limiter, "new")

	limiter.mu.Lock()
	_, present := limiter.requests["old"]
	limiter.mu.Unlock()
	if present {
		t.Error("stale key should have been cleaned up")
	}
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (f *fakeCounter) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], window, nil
}

func (f *fakeCounter) Count(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[key], nil
}

func (f *fakeCounter) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, key)
	return f.err
}

func TestShared(t *testing.T) {
	counter := &fakeCounter{}
	s := NewShared(counter, 2, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := s.Check(ctx, "ana"); !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if r := s.Remaining(ctx, "ana"); r != 0 {
		t.Errorf("expected 0 remaining, got %d", r)
	}
	ok, wait := s.Check(ctx, "ana")
	if ok {
		t.Error("3rd attempt should be denied")
	}
	if wait != time.Minute {
		t.Errorf("expected 1m, got %v", wait)
	}

	s.Reset(ctx, "ana")
	if r := s.Remaining(ctx, "ana"); r != 2 {
		t.Errorf("expected 2 remaining after reset, got %d", r)
	}
	if ok, _ := s.Check(ctx, "ana"); !ok {
		t.Error("should be allowed after reset")
	}
}

func TestShared_FallsBackOnError(t *testing.T) {
	counter := &fakeCounter{err: errors.New("connection refused")}
	var reported int
	s := NewShared(counter, 1, time.Minute, func(error) { reported++ })
	ctx := context.Background()

	if ok, _ := s.Check(ctx, "ana"); !ok {
		t.Error("first attempt should be allowed by fallback")
	}
	if ok, _ := s.Check(ctx, "ana"); ok {
		t.Error("fallback should still enforce the limit")
	}
	if r := s.Remaining(ctx, "ana"); r != 0 {
		t.Errorf("expected fallback to report 0 remaining, got %d", r)
	}
	if reported != 3 {
		t.Errorf("expected 3 reported errors, got %d", reported)
	}
}

func TestLocal_ImplementsChecker(t *testing.T) {
	var c Checker = Local{New(1, time.Minute)}
	ctx := context.Background()

	c.Check(ctx, "k")
	if r := c.Remaining(ctx, "k"); r != 0 {
		t.Errorf("expected 0 remaining, got %d", r)
	}
	if ok, _ := c.Check(ctx, "k"); ok {
		t.Error("should be denied")
	}
	c.Reset(ctx, "k")
	if ok, _ := c.Check(ctx, "k"); !ok {
		t.Error("should be allowed after reset")
	}
}
