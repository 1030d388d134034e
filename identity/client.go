// Package identity talks to the MovementBrand auth backend and adapts it to
// authsession.IdentityProvider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/movementbrand/mbdash/auth"
	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/tokenstore"
)

var (
	ErrClosed             = errors.New("identity: client closed")
	ErrNoSession          = errors.New("identity: not signed in")
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	ErrNilListener        = errors.New("identity: listener is nil")
	ErrMissingBaseURL     = errors.New("identity: base url is required")
)

// Config configures the backend client.
type Config struct {
	BaseURL   string
	APIKey    string
	JWTSecret string

	// AutoRefresh refreshes the access token RefreshMargin before it
	// expires, retrying every RetryInterval while the backend is
	// unreachable.
	AutoRefresh   bool
	RefreshMargin time.Duration
	RetryInterval time.Duration
	HTTPTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RefreshMargin == 0 {
		c.RefreshMargin = time.Minute
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithStorage sets where the session is persisted. Defaults to memory.
func WithStorage(s tokenstore.Storage) Option {
	return func(c *Client) {
		if s != nil {
			c.storage = s
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client is a session-holding auth backend client. It satisfies
// authsession.IdentityProvider.
type Client struct {
	cfg     Config
	http    *http.Client
	parser  *auth.Parser
	storage tokenstore.Storage
	logger  *zap.Logger
	now     func() time.Time
	refresh singleflight.Group

	mu        sync.Mutex
	session   *authsession.Session
	loaded    bool
	listeners map[uint64]authsession.Listener
	nextID    uint64
	timer     *time.Timer
	closed    bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

var _ authsession.IdentityProvider = (*Client)(nil)

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("identity: invalid base url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		parser:    auth.NewParser([]byte(cfg.JWTSecret)),
		storage:   tokenstore.NewMemory(),
		logger:    zap.NewNop(),
		now:       time.Now,
		listeners: make(map[uint64]authsession.Listener),
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// GetSession returns the current session, refreshing it first when the
// access token is about to expire. It returns nil, nil when nobody is
// signed in or the backend rejected the refresh token.
func (c *Client) GetSession(ctx context.Context) (*authsession.Session, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if !s.Expired(c.now().Add(c.cfg.RefreshMargin)) {
		return s, nil
	}

	refreshed, err := c.refreshSession(ctx, s.RefreshToken)
	switch {
	case err == nil:
		return refreshed, nil
	case IsAuthRejection(err):
		c.logger.Info("refresh token rejected, session ended", zap.Error(err))
		return nil, nil
	case !s.Expired(c.now()):
		c.logger.Warn("token refresh failed, using current access token", zap.Error(err))
		return s, nil
	default:
		return nil, fmt.Errorf("refresh expired session: %w", err)
	}
}

// AccessToken returns the current access token, or "" when signed out.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// SignInWithPassword signs in with email and password.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*authsession.Session, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var tr tokenResponse
	q := url.Values{"grant_type": {"password"}}
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, "", map[string]string{
		"email":    email,
		"password": password,
	}, &tr)
	if err != nil {
		if IsAuthRejection(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return nil, err
	}

	s, err := c.sessionFromToken(&tr)
	if err != nil {
		return nil, err
	}
	if err := c.replaceSession(s); err != nil {
		return nil, err
	}
	c.emit(authsession.EventNameSignedIn, s)
	return copySession(s), nil
}

// SignUp registers an account. When the backend requires email
// confirmation no session is returned.
func (c *Client) SignUp(ctx context.Context, email, password string) (*authsession.Session, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var resp signUpResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		c.logger.Info("sign-up pending email confirmation", zap.String("user_id", resp.ID.String()))
		return nil, nil
	}

	s, err := c.sessionFromToken(&resp.tokenResponse)
	if err != nil {
		return nil, err
	}
	if err := c.replaceSession(s); err != nil {
		return nil, err
	}
	c.emit(authsession.EventNameSignedIn, s)
	return copySession(s), nil
}

// Refresh exchanges the refresh token for a new session.
func (c *Client) Refresh(ctx context.Context) (*authsession.Session, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSession
	}
	return c.refreshSession(ctx, s.RefreshToken)
}

// SignOut revokes the session on the backend and forgets it locally. A
// token the backend no longer knows counts as signed out. If the backend
// cannot be reached the local session is still dropped, no event is
// emitted and the error is returned. Without a session it does nothing.
func (c *Client) SignOut(ctx context.Context) error {
	s, err := c.current()
	if err != nil {
		return err
	}

	if s == nil {
		return nil
	}

	q := url.Values{"scope": {"local"}}
	err = c.do(ctx, http.MethodPost, "/auth/v1/logout", q, s.AccessToken, nil, nil)
	if err != nil && !IsAuthRejection(err) {
		if dropErr := c.replaceSession(nil); dropErr != nil {
			c.logger.Warn("failed to remove local session", zap.Error(dropErr))
		}
		return err
	}

	if err := c.replaceSession(nil); err != nil {
		c.logger.Warn("failed to remove local session", zap.Error(err))
	}
	c.emit(authsession.EventNameSignedOut, nil)
	return nil
}

// User fetches the signed-in user's account.
func (c *Client) User(ctx context.Context) (*User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSession
	}

	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, s.AccessToken, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Close stops the refresh timer and feeds. Listeners receive nothing
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	c.listeners = make(map[uint64]authsession.Listener)
	c.mu.Unlock()

	c.bgCancel()
	c.bg.Wait()
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// current returns a copy of the session, loading it from storage on first
// use.
func (c *Client) current() (*authsession.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if !c.loaded {
		s, err := c.storage.Load()
		switch {
		case errors.Is(err, tokenstore.ErrCorrupt), errors.Is(err, tokenstore.ErrWrongKey):
			c.logger.Warn("stored session unreadable, starting signed out", zap.Error(err))
			s = nil
		case err != nil:
			return nil, fmt.Errorf("load session: %w", err)
		}
		c.session = s
		c.loaded = true
		if s != nil {
			c.scheduleLocked(s)
		}
	}
	return copySession(c.session), nil
}

// replaceSession installs s (nil to sign out) and persists it.
func (c *Client) replaceSession(s *authsession.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceLocked(s)
}

func (c *Client) replaceLocked(s *authsession.Session) error {
	c.session = copySession(s)
	c.loaded = true
	c.stopTimerLocked()
	if s != nil {
		c.scheduleLocked(s)
		return c.storage.Save(s)
	}
	return c.storage.Remove()
}

// refreshSession exchanges token. Concurrent refreshes of the same token
// share one request since refresh tokens are single use.
func (c *Client) refreshSession(ctx context.Context, token string) (*authsession.Session, error) {
	v, err, _ := c.refresh.Do(token, func() (any, error) {
		var tr tokenResponse
		q := url.Values{"grant_type": {"refresh_token"}}
		err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, "", map[string]string{
			"refresh_token": token,
		}, &tr)
		if err != nil {
			if IsAuthRejection(err) {
				c.endSession(token)
			}
			return nil, err
		}

		s, err := c.sessionFromToken(&tr)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.session == nil || c.session.RefreshToken != token {
			// Signed out or replaced while the request was in flight.
			c.mu.Unlock()
			return nil, ErrNoSession
		}
		err = c.replaceLocked(s)
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("failed to persist refreshed session", zap.Error(err))
		}

		c.emit(authsession.EventNameTokenRefreshed, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return copySession(v.(*authsession.Session)), nil
}

// endSession drops the session if it still holds refreshToken and tells
// listeners it is gone.
func (c *Client) endSession(refreshToken string) {
	c.mu.Lock()
	if c.session == nil || c.session.RefreshToken != refreshToken {
		c.mu.Unlock()
		return
	}
	if err := c.replaceLocked(nil); err != nil {
		c.logger.Warn("failed to remove local session", zap.Error(err))
	}
	c.mu.Unlock()
	c.emit(authsession.EventNameSignedOut, nil)
}

func (c *Client) sessionFromToken(tr *tokenResponse) (*authsession.Session, error) {
	if tr.AccessToken == "" {
		return nil, errors.New("identity: backend returned no access token")
	}
	claims, err := c.parser.Parse(tr.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("identity: access token: %w", err)
	}

	s := &authsession.Session{
		UserID:       claims.Subject,
		Email:        claims.Email,
		Role:         claims.Role,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    claims.Expiry(),
	}
	if tr.User != nil {
		if s.Email == "" {
			s.Email = tr.User.Email
		}
		if s.Role == "" {
			s.Role = tr.User.Role
		}
	}
	if s.ExpiresAt.IsZero() {
		switch {
		case tr.ExpiresAt > 0:
			s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
		case tr.ExpiresIn > 0:
			s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		}
	}
	return s, nil
}

func copySession(s *authsession.Session) *authsession.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
