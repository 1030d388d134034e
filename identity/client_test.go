package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/identity/identitytest"
	"github.com/movementbrand/mbdash/tokenstore"
)

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingBaseURL)
}

func TestGetSession_SignedOut(t *testing.T) {
	c := newTestClient(t, newBackend(t), Config{})

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSignInWithPassword(t *testing.T) {
	srv := newBackend(t)
	storage := tokenstore.NewMemory()
	c := newTestClient(t, srv, Config{}, WithStorage(storage))
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	s, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	assert.Equal(t, testEmail, s.Email)
	assert.NotEmpty(t, s.RefreshToken)
	assert.True(t, s.ExpiresAt.After(time.Now()))

	assert.Equal(t, []string{authsession.EventNameSignedIn}, events.Names())

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.AccessToken, got.AccessToken)
	assert.Equal(t, s.AccessToken, c.AccessToken())

	stored, _ := storage.Load()
	require.NotNil(t, stored)
	assert.Equal(t, s.UserID, stored.UserID)
}

func TestSignInWithPassword_InvalidCredentials(t *testing.T) {
	c := newTestClient(t, newBackend(t), Config{})

	_, err := c.SignInWithPassword(context.Background(), testEmail, "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.True(t, IsAuthRejection(err))
}

func TestSignInWithPassword_UnverifiableToken(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{JWTSecret: "some-other-secret"})

	_, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	assert.Error(t, err)
	assert.Empty(t, c.AccessToken())
}

func TestGetSession_RestoresFromStorage(t *testing.T) {
	srv := newBackend(t)
	storage := tokenstore.NewMemory()

	first := newTestClient(t, srv, Config{}, WithStorage(storage))
	s, err := first.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestClient(t, srv, Config{}, WithStorage(storage))
	got, err := second.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.AccessToken, got.AccessToken)
	assert.Equal(t, 0, srv.Requests(identitytest.EndpointRefresh))
}

func TestGetSession_RefreshesExpiredToken(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	srv.NextAccessTTL(-time.Minute)
	old, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEqual(t, old.AccessToken, s.AccessToken)
	assert.True(t, s.ExpiresAt.After(time.Now()))
	assert.Equal(t, 1, srv.Requests(identitytest.EndpointRefresh))
	assert.Equal(t, []string{authsession.EventNameSignedIn, authsession.EventNameTokenRefreshed}, events.Names())
}

func TestGetSession_RejectedRefreshSignsOut(t *testing.T) {
	srv := newBackend(t)
	storage := tokenstore.NewMemory()
	c := newTestClient(t, srv, Config{}, WithStorage(storage))
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	srv.NextAccessTTL(-time.Minute)
	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	srv.RevokeUser(testEmail)

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []string{authsession.EventNameSignedIn, authsession.EventNameSignedOut}, events.Names())

	stored, _ := storage.Load()
	assert.Nil(t, stored)
}

func TestGetSession_BackendDownWithExpiredToken(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})

	srv.NextAccessTTL(-time.Minute)
	_, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	srv.Fail(identitytest.EndpointRefresh, http.StatusServiceUnavailable)

	s, err := c.GetSession(context.Background())
	assert.Error(t, err)
	assert.False(t, IsAuthRejection(err))
	assert.Nil(t, s)

	// The session is kept for the next attempt.
	assert.NotEmpty(t, c.AccessToken())
}

func TestGetSession_BackendDownWithinMargin(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{RefreshMargin: 2 * time.Hour})

	_, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	srv.Fail(identitytest.EndpointRefresh, http.StatusBadGateway)

	s, err := c.GetSession(context.Background())
	require.NoError(t, err, "a still valid token is usable while refresh fails")
	assert.NotNil(t, s)
}

func TestSignOut(t *testing.T) {
	srv := newBackend(t)
	storage := tokenstore.NewMemory()
	c := newTestClient(t, srv, Config{}, WithStorage(storage))
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, 1, srv.Requests(identitytest.EndpointLogout))
	assert.Equal(t, []string{authsession.EventNameSignedIn, authsession.EventNameSignedOut}, events.Names())
	assert.Empty(t, c.AccessToken())

	stored, _ := storage.Load()
	assert.Nil(t, stored)
}

func TestSignOut_NoSessionEmitsNothing(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	require.NoError(t, c.SignOut(context.Background()))
	assert.Empty(t, events.Names())
	assert.Zero(t, srv.Requests(identitytest.EndpointLogout))
}

func TestSignOut_AlreadyInvalidToken(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	srv.Fail(identitytest.EndpointLogout, http.StatusUnauthorized)

	require.NoError(t, c.SignOut(context.Background()))
	events.wait(t, authsession.EventNameSignedOut)
}

func TestSignOut_BackendDown(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	srv.Fail(identitytest.EndpointLogout, http.StatusInternalServerError)

	err = c.SignOut(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{authsession.EventNameSignedIn}, events.Names(), "failure emits no event")
	assert.Empty(t, c.AccessToken(), "local session is dropped")
}

func TestSignUp(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})

	s, err := c.SignUp(context.Background(), "new@movementbrand.test", "longenough")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "new@movementbrand.test", s.Email)

	srv.RequireEmailConfirmation(true)
	s, err = c.SignUp(context.Background(), "pending@movementbrand.test", "longenough")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = c.SignUp(context.Background(), "weak@movementbrand.test", "123")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "weak_password", apiErr.Code)
}

func TestUser(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})

	_, err := c.User(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	s, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	u, err := c.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.UserID, u.ID.String())
	assert.Equal(t, testEmail, u.Email)
}

func TestRefresh_NoSession(t *testing.T) {
	c := newTestClient(t, newBackend(t), Config{})
	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestAutoRefresh(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{AutoRefresh: true, RefreshMargin: time.Minute})
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	// Expires inside the margin, so the refresh is due immediately.
	srv.NextAccessTTL(30 * time.Second)
	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	events.wait(t, authsession.EventNameTokenRefreshed)
	assert.Equal(t, 1, srv.Requests(identitytest.EndpointRefresh))
}

func TestAutoRefresh_RetriesWhileBackendDown(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{
		AutoRefresh:   true,
		RefreshMargin: time.Minute,
		RetryInterval: 20 * time.Millisecond,
	})
	events := newEventLog()
	_, err := c.OnAuthStateChange(events.listen)
	require.NoError(t, err)

	srv.NextAccessTTL(30 * time.Second)
	srv.Fail(identitytest.EndpointRefresh, http.StatusServiceUnavailable)
	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	events.wait(t, authsession.EventNameTokenRefreshed)
	assert.Equal(t, 2, srv.Requests(identitytest.EndpointRefresh))
}

func TestOnAuthStateChange(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{})

	_, err := c.OnAuthStateChange(nil)
	assert.ErrorIs(t, err, ErrNilListener)

	var calls int
	sub, err := c.OnAuthStateChange(func(string, *authsession.Session) { calls++ })
	require.NoError(t, err)
	_, err = c.OnAuthStateChange(func(string, *authsession.Session) { panic("boom") })
	require.NoError(t, err)
	assert.Equal(t, 2, c.ListenerCount())

	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err, "a panicking listener must not break sign-in")
	assert.Equal(t, 1, calls)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, c.ListenerCount())

	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestClose(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, srv, Config{AutoRefresh: true})
	_, err := c.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.GetSession(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.OnAuthStateChange(func(string, *authsession.Session) {})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.SignInWithPassword(context.Background(), testEmail, testPassword)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAPIErrorDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)
	defer c.Close()

	err = c.do(context.Background(), http.MethodPost, "/auth/v1/token", nil, "", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_grant", apiErr.Code)
	assert.Equal(t, "Invalid Refresh Token", apiErr.Message)
	assert.True(t, IsAuthRejection(err))

	assert.False(t, IsAuthRejection(&APIError{Status: http.StatusServiceUnavailable}))
	assert.False(t, IsAuthRejection(errors.New("dial tcp: connection refused")))
}
