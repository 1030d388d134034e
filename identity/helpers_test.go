package identity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/identity/identitytest"
)

const (
	testEmail    = "ana@movementbrand.test"
	testPassword = "correct-horse"
)

func newBackend(t *testing.T) *identitytest.Server {
	t.Helper()
	srv := identitytest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser(testEmail, testPassword, "authenticated")
	return srv
}

func newTestClient(t *testing.T, srv *identitytest.Server, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	cfg.APIKey = srv.APIKey
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = string(srv.Secret)
	}
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// eventLog records listener calls.
type eventLog struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan string, 64)}
}

func (l *eventLog) listen(name string, _ *authsession.Session) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	l.ch <- name
}

func (l *eventLog) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *eventLog) wait(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-l.ch:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, saw %v", name, l.Names())
		}
	}
}
