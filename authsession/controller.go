package authsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNilProvider          = errors.New("authsession: identity provider is required")
	ErrNilStore             = errors.New("authsession: store is required")
	ErrStoreClaimed         = errors.New("authsession: store already has a controller")
	ErrAlreadyInitialized   = errors.New("authsession: controller already initialized")
	ErrTornDown             = errors.New("authsession: controller torn down")
	ErrListenerRegistration = errors.New("authsession: auth listener registration failed")
)

// Notification copy shown to the user.
const (
	titleSignedIn      = "Signed in"
	descSignedIn       = "Welcome back to your MovementBrand dashboard."
	titleSignedOut     = "Signed out"
	descSignedOut      = "You have been signed out."
	titleSessionFailed = "Couldn't check your session"
	descSessionFailed  = "We couldn't reach the sign-in service. Please sign in again."
	titleSignOutFailed = "Sign-out failed"
	descSignOutFailed  = "Your session on this device was cleared, but the server could not be reached."
)

// Option customizes a Controller.
type Option func(*Controller)

// WithCacheInvalidator sets the cache cleared on sign-out.
func WithCacheInvalidator(cache CacheInvalidator) Option {
	return func(c *Controller) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithNotifier sets the sink for user-facing notifications.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller owns the session verdict. All writes to its Store go through
// mu, so the most recently processed write always wins.
type Controller struct {
	provider IdentityProvider
	store    *Store
	cache    CacheInvalidator
	notifier Notifier
	logger   *zap.Logger

	mu          sync.Mutex
	initialized bool
	tornDown    bool
	// eventWrites counts verdict writes made by events. A one-shot read
	// that resolves after an event write is stale.
	eventWrites uint64
	sub         Subscription
}

// NewController claims store and returns a controller bound to provider.
func NewController(store *Store, provider IdentityProvider, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if provider == nil {
		return nil, ErrNilProvider
	}
	if !store.claim() {
		return nil, ErrStoreClaimed
	}

	c := &Controller{
		provider: provider,
		store:    store,
		cache:    nopCache{},
		notifier: nopNotifier{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Store returns the read-only view of the verdict.
func (c *Controller) Store() Reader {
	return c.store
}

// Initialize reads the current session once, publishes the verdict and
// then registers the push listener. A failed read leaves the verdict at
// Unauthenticated and is reported to the user; it is not returned. A
// failed listener registration is returned wrapped in
// ErrListenerRegistration and leaves the one-shot verdict in place.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	issuedAt := c.eventWrites
	c.mu.Unlock()

	session, readErr := c.provider.GetSession(ctx)

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		c.logger.Debug("session read resolved after teardown, discarding")
		return nil
	}
	switch {
	case c.eventWrites != issuedAt:
		// The event's verdict stands; a failed read is still reported.
		c.logger.Debug("session read superseded by auth event",
			zap.String("verdict", c.store.Verdict().String()),
			zap.NamedError("read_error", readErr))
		if readErr != nil {
			c.logger.Error("session read failed", zap.Error(readErr))
			c.notifyLocked(NotifyError, titleSessionFailed, descSessionFailed)
		}
	case readErr != nil:
		c.logger.Error("session read failed, treating visitor as signed out", zap.Error(readErr))
		c.setVerdictLocked(Unauthenticated, "initial_read_failed")
		c.notifyLocked(NotifyError, titleSessionFailed, descSessionFailed)
	case session == nil:
		c.setVerdictLocked(Unauthenticated, "initial_read")
	default:
		c.setVerdictLocked(Authenticated, "initial_read")
	}
	c.mu.Unlock()

	// Registered outside mu: providers may deliver an event synchronously
	// from OnAuthStateChange.
	sub, err := c.provider.OnAuthStateChange(c.listen)
	if err == nil && sub == nil {
		err = errors.New("provider returned no subscription")
	}
	if err != nil {
		c.logger.Error("auth listener registration failed, live session updates disabled", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerRegistration, err)
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()

	c.logger.Debug("auth listener registered")
	return nil
}

func (c *Controller) listen(name string, session *Session) {
	c.HandleEvent(ParseEvent(name, session))
}

// HandleEvent applies a provider event. It is safe to call at any time,
// from any goroutine; events after Teardown are ignored.
func (c *Controller) HandleEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown {
		return
	}

	switch ev.Kind {
	case EventSignedOut:
		c.clearCacheLocked()
		c.eventWrites++
		c.setVerdictLocked(Unauthenticated, ev.Name)
		c.notifyLocked(NotifyInfo, titleSignedOut, descSignedOut)
	case EventSignedIn:
		c.eventWrites++
		c.setVerdictLocked(Authenticated, ev.Name)
		c.notifyLocked(NotifyInfo, titleSignedIn, descSignedIn)
	case EventTokenRefreshed:
		c.logger.Debug("access token refreshed")
	default:
		c.logger.Info("ignoring auth event", zap.String("event", ev.Name))
	}
}

// SignOut asks the provider to end the session. On success the provider's
// SIGNED_OUT event performs the transition. On failure the local state is
// cleared anyway and the error is returned.
func (c *Controller) SignOut(ctx context.Context) error {
	err := c.provider.SignOut(ctx)
	if err == nil {
		return nil
	}

	c.logger.Warn("sign-out failed, clearing local session", zap.Error(err))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tornDown {
		c.clearCacheLocked()
		c.eventWrites++
		c.setVerdictLocked(Unauthenticated, "sign_out_failed")
		c.notifyLocked(NotifyError, titleSignOutFailed, descSignOutFailed)
	}
	return fmt.Errorf("sign out: %w", err)
}

// Teardown releases the push subscription. Calling it more than once is a
// no-op.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.logger.Debug("session controller torn down")
}

func (c *Controller) setVerdictLocked(v Verdict, cause string) {
	prev := c.store.State()
	next := State{Verdict: v, Loading: false}
	if prev != next {
		c.logger.Info("session verdict changed",
			zap.String("from", prev.Verdict.String()),
			zap.String("to", v.String()),
			zap.String("cause", cause))
	}
	c.store.publish(next)
}

// clearCacheLocked never lets a cache failure block the verdict change.
func (c *Controller) clearCacheLocked() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache clear panicked, continuing sign-out", zap.Any("panic", r))
		}
	}()
	c.cache.Clear()
}

func (c *Controller) notifyLocked(kind NotificationKind, title, description string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notifier panicked", zap.Any("panic", r), zap.String("title", title))
		}
	}()
	c.notifier.Notify(kind, title, description)
}
