package identity

import (
	"context"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
)

// Remote event types pushed by the backend.
const (
	RemoteSignedOut      = "SIGNED_OUT"
	RemoteSessionRevoked = "SESSION_REVOKED"
	RemoteUserUpdated    = "USER_UPDATED"
)

// RemoteEvent is a server-side change to a user's session.
type RemoteEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// Feed delivers remote events until ctx is done. Run returns nil on
// cancellation.
type Feed interface {
	Run(ctx context.Context, deliver func(RemoteEvent)) error
}

// AttachFeed runs feed in the background until Close.
func (c *Client) AttachFeed(name string, feed Feed) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.bg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bg.Done()
		c.logger.Debug("auth feed started", zap.String("feed", name))
		if err := feed.Run(c.bgCtx, c.HandleRemote); err != nil && c.bgCtx.Err() == nil {
			c.logger.Error("auth feed stopped", zap.String("feed", name), zap.Error(err))
		}
	}()
	return nil
}

// HandleRemote applies a remote event to the local session. Events for
// other users are ignored.
func (c *Client) HandleRemote(ev RemoteEvent) {
	c.mu.Lock()
	s := copySession(c.session)
	c.mu.Unlock()

	if s == nil || ev.UserID != s.UserID {
		c.logger.Debug("ignoring remote auth event",
			zap.String("type", ev.Type),
			zap.String("user_id", ev.UserID))
		return
	}

	switch ev.Type {
	case RemoteSignedOut, RemoteSessionRevoked:
		c.logger.Info("session ended remotely", zap.String("type", ev.Type))
		c.endSession(s.RefreshToken)
	case RemoteUserUpdated:
		c.emit(authsession.EventNameUserUpdated, s)
	default:
		c.logger.Debug("unknown remote auth event", zap.String("type", ev.Type))
	}
}
