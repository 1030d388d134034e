package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second
	// Maximum event size accepted from the backend.
	maxEventSize = 16 * 1024
)

// RealtimeConfig configures a RealtimeFeed.
type RealtimeConfig struct {
	URL    string
	APIKey string
	// Token returns the bearer token for each connection attempt.
	Token func() string

	PongWait   time.Duration // default 60s
	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
}

// RealtimeFeed receives auth events over the backend's realtime websocket,
// reconnecting with backoff until its context ends.
type RealtimeFeed struct {
	cfg    RealtimeConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewRealtimeFeed creates a realtime feed.
func NewRealtimeFeed(cfg RealtimeConfig, logger *zap.Logger) *RealtimeFeed {
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeFeed{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run implements Feed.
func (f *RealtimeFeed) Run(ctx context.Context, deliver func(RemoteEvent)) error {
	backoff := f.cfg.MinBackoff
	for {
		connected, err := f.connect(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = f.cfg.MinBackoff
		}
		f.logger.Warn("realtime feed disconnected",
			zap.Error(err),
			zap.Duration("reconnect_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// connect runs one connection. It reports whether the handshake succeeded.
func (f *RealtimeFeed) connect(ctx context.Context, deliver func(RemoteEvent)) (bool, error) {
	header := http.Header{}
	if f.cfg.APIKey != "" {
		header.Set("apikey", f.cfg.APIKey)
	}
	if f.cfg.Token != nil {
		if tok := f.cfg.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		return false, err
	}
	f.logger.Debug("realtime feed connected", zap.String("url", f.cfg.URL))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.pingLoop(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
		conn.Close()
	}()

	pongWait := f.cfg.PongWait
	conn.SetReadLimit(maxEventSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev RemoteEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			f.logger.Warn("malformed realtime event", zap.Int("bytes", len(data)))
			continue
		}
		deliver(ev)
	}
}

// pingLoop keeps the connection alive and closes it when ctx ends so the
// blocked read returns.
func (f *RealtimeFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
