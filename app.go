package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/config"
	"github.com/movementbrand/mbdash/dashboard"
	"github.com/movementbrand/mbdash/identity"
	"github.com/movementbrand/mbdash/notify"
	"github.com/movementbrand/mbdash/querycache"
	"github.com/movementbrand/mbdash/ratelimit"
	"github.com/movementbrand/mbdash/redis"
	"github.com/movementbrand/mbdash/store"
	"github.com/movementbrand/mbdash/tokenstore"
)

// App holds the process-wide session stack. There is exactly one session
// store and one controller per process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	identity   *identity.Client
	cache      *querycache.Cache
	notifier   *notify.Dispatcher
	sessions   *authsession.Store
	controller *authsession.Controller
	hub        *Hub

	redis *redis.Client // nil unless enabled
	db    store.Store   // nil until ConnectDatabase
	dash  *dashboard.Service

	unobserve  func()
	hubRunning bool
}

// newStorage picks where the signed-in session lives between runs.
func newStorage(cfg *config.SessionConfig) (tokenstore.Storage, error) {
	if cfg.File == "" {
		return tokenstore.NewMemory(), nil
	}
	return tokenstore.NewFile(cfg.File, cfg.Passphrase)
}

// NewApp builds the session stack. Nothing talks to the network until
// Initialize.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	storage, err := newStorage(&cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session storage: %w", err)
	}

	idc, err := identity.New(identity.Config{
		BaseURL:       cfg.Backend.URL,
		APIKey:        cfg.Backend.APIKey,
		JWTSecret:     cfg.Backend.JWTSecret,
		AutoRefresh:   !cfg.Session.DisableAutoRefresh,
		RefreshMargin: cfg.Session.RefreshMargin,
		RetryInterval: cfg.Session.RetryInterval,
		HTTPTimeout:   cfg.Backend.HTTPTimeout,
	}, identity.WithStorage(storage), identity.WithLogger(logger.Named("identity")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		identity: idc,
		cache:    querycache.New(querycache.Options{StaleTime: cfg.Cache.StaleTime, Logger: logger.Named("cache")}),
		sessions: authsession.NewStore(authsession.WithStoreLogger(logger.Named("session"))),
	}
	a.hub = NewHub(a.sessions, logger.Named("hub"))
	a.notifier = notify.NewDispatcher(cfg.Notify.Buffer,
		[]notify.Sink{notify.LogSink{Logger: logger.Named("notify")}, a.hub},
		notify.WithLogger(logger.Named("notify")))

	a.controller, err = authsession.NewController(a.sessions, idc,
		authsession.WithCacheInvalidator(a.cache),
		authsession.WithNotifier(a.notifier),
		authsession.WithLogger(logger.Named("session")))
	if err != nil {
		a.notifier.Close()
		idc.Close()
		return nil, err
	}
	a.unobserve = a.sessions.Subscribe(a.hub.OnState)
	return a, nil
}

// ConnectDatabase opens the project database and the dashboard service.
func (a *App) ConnectDatabase(ctx context.Context) error {
	db, err := store.New(ctx, &a.cfg.Database)
	if err != nil {
		return err
	}
	if a.cfg.Database.InitSchema {
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return fmt.Errorf("init schema: %w", err)
		}
	}
	if v, err := db.GetSchemaVersion(ctx); err != nil {
		a.logger.Warn("could not read schema version, set database.init_schema to create it", zap.Error(err))
	} else {
		a.logger.Info("connected to database", zap.Int("schema_version", v))
	}
	a.useStore(db)
	return nil
}

func (a *App) useStore(st store.Store) {
	a.db = st
	a.dash = dashboard.New(st, a.cache, dashboard.Limits{
		AdminListLimit:   a.cfg.Limits.AdminListLimit,
		MessagePageSize:  a.cfg.Limits.MessagePageSize,
		MaxMessageLength: a.cfg.Limits.MaxMessageLength,
	}, a.logger.Named("dashboard"))
}

// ConnectRedis connects to Redis when it is enabled.
func (a *App) ConnectRedis() error {
	if !a.cfg.Redis.Enabled {
		return nil
	}
	rc, err := redis.New(redis.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		NodeID:   a.cfg.Redis.NodeID,
		Prefix:   a.cfg.Redis.Prefix,
	})
	if err != nil {
		return err
	}
	a.redis = rc
	a.logger.Info("connected to redis", zap.String("node", rc.NodeID()))
	return nil
}

// StartFeeds attaches the configured revocation feeds.
func (a *App) StartFeeds() error {
	if a.cfg.Realtime.Enabled {
		feed := identity.NewRealtimeFeed(identity.RealtimeConfig{
			URL:        a.cfg.Realtime.URL,
			APIKey:     a.cfg.Backend.APIKey,
			Token:      a.identity.AccessToken,
			PongWait:   a.cfg.Realtime.PongWait,
			MinBackoff: a.cfg.Realtime.MinBackoff,
			MaxBackoff: a.cfg.Realtime.MaxBackoff,
		}, a.logger.Named("realtime"))
		if err := a.identity.AttachFeed("realtime", feed); err != nil {
			return err
		}
	}
	if a.redis != nil {
		if err := a.identity.AttachFeed("redis", identity.NewRedisFeed(a.redis)); err != nil {
			return err
		}
	}
	return nil
}

// SignInLimiter returns the sign-in throttle, shared through Redis when
// it is available.
func (a *App) SignInLimiter() ratelimit.Checker {
	limit, window := a.cfg.Limits.SignInAttempts, a.cfg.Limits.SignInWindow
	if a.redis == nil {
		return ratelimit.Local{Limiter: ratelimit.New(limit, window)}
	}
	return ratelimit.NewShared(a.redis, limit, window, func(err error) {
		a.logger.Warn("shared rate limit unavailable, using local limiter", zap.Error(err))
	})
}

// Initialize resolves the session verdict.
func (a *App) Initialize(ctx context.Context) error {
	return a.controller.Initialize(ctx)
}

// RunHub starts pushing to browser tabs.
func (a *App) RunHub() {
	a.hubRunning = true
	go a.hub.Run()
}

// Close releases everything in reverse order of construction.
func (a *App) Close() {
	a.controller.Teardown()
	a.unobserve()
	if err := a.identity.Close(); err != nil {
		a.logger.Warn("identity client close failed", zap.Error(err))
	}
	a.notifier.Close()
	if a.hubRunning {
		a.hub.Shutdown()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
