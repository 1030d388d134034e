package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/config"
	"github.com/movementbrand/mbdash/identity/identitytest"
	"github.com/movementbrand/mbdash/store"
)

const (
	testEmail    = "ana@movementbrand.test"
	testPassword = "correct-horse"
)

type harness struct {
	t       *testing.T
	backend *identitytest.Server
	userID  uuid.UUID
	app     *App
	store   *store.MockStore
	server  *httptest.Server
	client  *http.Client
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	signInAttempts int
}

func withSignInAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.signInAttempts = n }
}

func newHarness(t *testing.T, ms *store.MockStore, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{signInAttempts: 5}
	for _, opt := range opts {
		opt(&hc)
	}

	backend := identitytest.NewServer()
	t.Cleanup(backend.Close)
	userID := backend.AddUser(testEmail, testPassword, "authenticated")

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
backend:
  url: %q
  api_key: %q
  jwt_secret: %q
session:
  disable_auto_refresh: true
limits:
  sign_in_attempts: %d
`, backend.URL, backend.APIKey, string(backend.Secret), hc.signInAttempts)))
	require.NoError(t, err)

	if ms == nil {
		ms = &store.MockStore{}
	}

	logger := zap.NewNop()
	app, err := NewApp(cfg, logger)
	require.NoError(t, err)
	app.useStore(ms)
	app.RunHub()
	t.Cleanup(app.Close)
	require.NoError(t, app.Initialize(context.Background()))

	handlers := NewHandlers(app.identity, app.controller, app.dash, app.SignInLimiter(), nil, false, logger)
	srv := NewServer(app.hub, cfg, handlers, app.sessions, app.db, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		t:       t,
		backend: backend,
		userID:  userID,
		app:     app,
		store:   ms,
		server:  ts,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

func (h *harness) do(method, path string, body any) *http.Response {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, r)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) decode(resp *http.Response, v any) {
	h.t.Helper()
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(v))
}

func (h *harness) signIn() {
	h.t.Helper()
	resp := h.do("POST", "/api/signin", SignInRequest{Email: testEmail, Password: testPassword})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}
