package identity

import (
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
)

type subscription struct {
	client *Client
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.listeners, s.id)
		s.client.mu.Unlock()
	})
}

// OnAuthStateChange registers listener for SIGNED_IN, SIGNED_OUT,
// TOKEN_REFRESHED and USER_UPDATED events. Listeners run on the goroutine
// that caused the change.
func (c *Client) OnAuthStateChange(listener authsession.Listener) (authsession.Subscription, error) {
	if listener == nil {
		return nil, ErrNilListener
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.nextID++
	c.listeners[c.nextID] = listener
	return &subscription{client: c, id: c.nextID}, nil
}

// ListenerCount returns the number of registered listeners.
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// emit calls listeners in registration order. Must not be called with mu
// held.
func (c *Client) emit(name string, s *authsession.Session) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]authsession.Listener, len(ids))
	for i, id := range ids {
		fns[i] = c.listeners[id]
	}
	c.mu.Unlock()

	c.logger.Debug("auth event", zap.String("event", name), zap.Int("listeners", len(fns)))
	for _, fn := range fns {
		c.safeCall(fn, name, copySession(s))
	}
}

func (c *Client) safeCall(fn authsession.Listener, name string, s *authsession.Session) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("auth listener panicked",
				zap.String("event", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(name, s)
}
