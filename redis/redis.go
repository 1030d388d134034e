// Package redis connects the dashboard to the shared Redis used for auth
// revocation events and sign-in throttling.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with dashboard-specific operations.
type Client struct {
	rdb    *redis.Client
	nodeID string // Unique identifier for this process
	prefix string // Key prefix for namespacing
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string // host:port
	Password string
	DB       int
	NodeID   string // Unique ID for this process (hostname, UUID, etc.)
	Prefix   string // Key prefix (default: "mbdash:")
}

// New creates a new Redis client.
func New(cfg Config) (*Client, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "mbdash:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:    rdb,
		nodeID: cfg.NodeID,
		prefix: cfg.Prefix,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NodeID returns this process's node ID.
func (c *Client) NodeID() string {
	return c.nodeID
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

// ============================================================================
// Auth events
// ============================================================================

// AuthEvent is a server-side change to a user's session, such as an admin
// revoking it or the user signing out on another device.
type AuthEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	FromNode  string    `json:"from,omitempty"`
	At        time.Time `json:"at"`
}

// AuthChannel is the channel carrying events for userID.
func AuthChannel(userID string) string {
	return "auth:" + userID
}

// PublishAuthEvent publishes ev on the user's auth channel.
func (c *Client) PublishAuthEvent(ctx context.Context, ev AuthEvent) error {
	if ev.FromNode == "" {
		ev.FromNode = c.nodeID
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.key(AuthChannel(ev.UserID)), data).Err()
}

// ============================================================================
// Pub/Sub
// ============================================================================

// PubSub delivers auth events from subscribed channels.
type PubSub struct {
	client  *Client
	pubsub  *redis.PubSub
	handler func(ev *AuthEvent)
}

// NewPubSub creates a new pub/sub handler.
func (c *Client) NewPubSub(handler func(ev *AuthEvent)) *PubSub {
	return &PubSub{
		client:  c,
		handler: handler,
	}
}

// Subscribe subscribes to channels and waits for the server to confirm.
func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) error {
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = ps.client.key(ch)
	}

	ps.pubsub = ps.client.rdb.Subscribe(ctx, prefixed...)
	if _, err := ps.pubsub.Receive(ctx); err != nil {
		ps.pubsub.Close()
		ps.pubsub = nil
		return fmt.Errorf("redis subscribe: %w", err)
	}
	return nil
}

// PSubscribe subscribes to channel patterns, such as AuthChannel("*").
func (ps *PubSub) PSubscribe(ctx context.Context, patterns ...string) error {
	prefixed := make([]string, len(patterns))
	for i, p := range patterns {
		prefixed[i] = ps.client.key(p)
	}

	ps.pubsub = ps.client.rdb.PSubscribe(ctx, prefixed...)
	if _, err := ps.pubsub.Receive(ctx); err != nil {
		ps.pubsub.Close()
		ps.pubsub = nil
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	return nil
}

// Listen delivers events until ctx is done or the subscription closes.
// Events published by this node are skipped.
func (ps *PubSub) Listen(ctx context.Context) {
	if ps.pubsub == nil {
		return
	}

	ch := ps.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var ev AuthEvent
			if err := json.Unmarshal([]byte(redisMsg.Payload), &ev); err != nil {
				continue
			}
			if ev.FromNode != "" && ev.FromNode == ps.client.nodeID {
				continue
			}
			if ps.handler != nil {
				ps.handler(&ev)
			}
		}
	}
}

// Close closes the pub/sub connection.
func (ps *PubSub) Close() error {
	if ps.pubsub != nil {
		return ps.pubsub.Close()
	}
	return nil
}

// ============================================================================
// Counters
// ============================================================================

// IncrWindow increments the counter at key, starting a window of the given
// length on first use. It returns the new count and the time left in the
// window.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	k := c.key(key)
	n, err := c.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, 0, err
	}
	if n == 1 {
		if err := c.rdb.PExpire(ctx, k, window).Err(); err != nil {
			return 0, 0, err
		}
		return n, window, nil
	}
	ttl, err := c.rdb.PTTL(ctx, k).Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		// Counter lost its expiry; restart the window.
		if err := c.rdb.PExpire(ctx, k, window).Err(); err != nil {
			return 0, 0, err
		}
		ttl = window
	}
	return n, ttl, nil
}

// Count returns the counter at key, or 0 if unset.
func (c *Client) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, c.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Delete deletes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}
