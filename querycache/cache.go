// Package querycache caches per-user server data for the dashboard.
//
// Entries are keyed by a Key path such as {"projects", userID}. Clear drops
// everything and advances the cache epoch; a fetch started under an older
// epoch still returns its result to the caller but never writes it back, so
// data loaded for a signed-out user cannot reappear.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Key identifies a cached query.
type Key []string

func (k Key) String() string {
	return strings.Join(k, "/")
}

// HasPrefix reports whether p is a leading path of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// Options configures a Cache.
type Options struct {
	// StaleTime is how long an entry is served without refetching.
	// Zero means entries never go stale.
	StaleTime time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

type entry struct {
	key      Key
	value    any
	storedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	staleTime time.Duration
	now       func() time.Time
	logger    *zap.Logger
	group     singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	epoch   uint64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		staleTime: opts.StaleTime,
		now:       opts.Now,
		logger:    opts.Logger,
		entries:   make(map[string]*entry),
	}
}

// Get returns a fresh value for key.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || c.staleLocked(e) {
		return nil, false
	}
	return e.value, true
}

// Peek returns the value for key even if stale.
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores v under key.
func (c *Cache) Set(key Key, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, v)
}

// SetIfEpoch stores v under key unless the cache has been cleared since
// epoch was read. It reports whether v was stored.
func (c *Cache) SetIfEpoch(epoch uint64, key Key, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.setLocked(key, v)
	return true
}

func (c *Cache) setLocked(key Key, v any) {
	c.entries[key.String()] = &entry{
		key:      append(Key(nil), key...),
		value:    v,
		storedAt: c.now(),
	}
}

func (c *Cache) staleLocked(e *entry) bool {
	return c.staleTime > 0 && c.now().Sub(e.storedAt) >= c.staleTime
}

// Invalidate drops every entry under prefix and returns how many were
// dropped. In-flight fetches for those keys may still store their result.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every entry. Fetches in flight will not store their results.
// It never fails and is a no-op on an empty cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Debug("query cache cleared", zap.Int("entries", n), zap.Uint64("epoch", epoch))
}

// Len returns the number of entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Epoch returns the number of times the cache has been cleared.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Fetch returns the fresh value for key, or calls fn to load it.
// Concurrent fetches of the same key share one call to fn.
func (c *Cache) Fetch(ctx context.Context, key Key, fn func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	epoch := c.Epoch()
	flight := fmt.Sprintf("%d|%s", epoch, key)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			c.logger.Debug("discarding fetch from before cache clear", zap.Stringer("key", key))
			return v, nil
		}
		c.setLocked(key, v)
		return v, nil
	})
	return v, err
}

// Fetch is the typed form of Cache.Fetch. A cached value of another type
// is refetched.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fn func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
		c.Invalidate(key)
	}

	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("querycache: %s holds %T", key, v)
	}
	return t, nil
}
