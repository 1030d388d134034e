package identity

import (
	"context"

	"github.com/movementbrand/mbdash/redis"
)

// RedisFeed receives auth events published on Redis by other processes,
// such as the admin console revoking a session.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed creates a feed over client.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

// Run implements Feed. Events for every user are received; the Client
// filters by the signed-in user since that user can change at any time.
func (f *RedisFeed) Run(ctx context.Context, deliver func(RemoteEvent)) error {
	ps := f.client.NewPubSub(func(ev *redis.AuthEvent) {
		deliver(RemoteEvent{
			Type:      ev.Type,
			UserID:    ev.UserID,
			SessionID: ev.SessionID,
		})
	})
	if err := ps.PSubscribe(ctx, redis.AuthChannel("*")); err != nil {
		return err
	}
	defer ps.Close()

	ps.Listen(ctx)
	return nil
}
