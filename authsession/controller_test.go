package authsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	store    *Store
	provider *fakeProvider
	rec      *recorder
	ctrl     *Controller
	verdicts []Verdict
	mu       sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    NewStore(),
		provider: newFakeProvider(),
	}
	h.rec = &recorder{store: h.store}
	h.verdicts = []Verdict{h.store.Verdict()}
	h.store.Subscribe(func(st State) {
		h.mu.Lock()
		h.verdicts = append(h.verdicts, st.Verdict)
		h.mu.Unlock()
		h.rec.observe(st)
	})

	ctrl, err := NewController(h.store, h.provider,
		WithCacheInvalidator(h.rec),
		WithNotifier(h.rec),
	)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Teardown)
	return h
}

func (h *harness) Verdicts() []Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Verdict(nil), h.verdicts...)
}

func validSession() *Session {
	return &Session{
		UserID:      "6f1c7a3e-3a43-4c1b-9d8f-1b1f0d7f5a01",
		Email:       "client@example.com",
		AccessToken: "token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(nil, newFakeProvider())
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = NewController(NewStore(), nil)
	assert.ErrorIs(t, err, ErrNilProvider)

	store := NewStore()
	_, err = NewController(store, newFakeProvider())
	require.NoError(t, err)
	_, err = NewController(store, newFakeProvider())
	assert.ErrorIs(t, err, ErrStoreClaimed)
}

func TestInitialize_ValidSession(t *testing.T) {
	h := newHarness(t)
	h.provider.session = validSession()

	require.NoError(t, h.ctrl.Initialize(context.Background()))

	assert.Equal(t, []Verdict{Unknown, Authenticated}, h.Verdicts())
	assert.Equal(t, State{Verdict: Authenticated}, h.store.State())
	assert.Empty(t, h.rec.Notes(), "initial load must not notify")
	assert.Equal(t, 1, h.provider.registered)
}

func TestInitialize_NullSessionThenSignedIn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Initialize(context.Background()))
	h.provider.push(EventNameSignedIn, validSession())

	assert.Equal(t, []Verdict{Unknown, Unauthenticated, Authenticated}, h.Verdicts())
	assert.Equal(t, []note{{kind: NotifyInfo, title: titleSignedIn}}, h.rec.Notes())
	assert.Zero(t, h.rec.Clears())
}

func TestInitialize_ReadFailureFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.provider.readErr = errors.New("dial tcp: connection refused")

	require.NoError(t, h.ctrl.Initialize(context.Background()))

	assert.Equal(t, State{Verdict: Unauthenticated}, h.store.State())
	assert.Equal(t, []note{{kind: NotifyError, title: titleSessionFailed}}, h.rec.Notes())
	// The listener is still registered so a later sign-in is observed.
	assert.Equal(t, 1, h.provider.registered)
}

func TestInitialize_Twice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Initialize(context.Background()))
	assert.ErrorIs(t, h.ctrl.Initialize(context.Background()), ErrAlreadyInitialized)
	assert.Equal(t, 1, h.provider.registered)
}

func TestInitialize_ListenerRegistrationFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := NewStore()
	provider := newFakeProvider()
	provider.session = validSession()
	provider.subErr = errors.New("realtime unavailable")

	ctrl, err := NewController(store, provider, WithLogger(zap.New(core)))
	require.NoError(t, err)

	err = ctrl.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrListenerRegistration)
	assert.ErrorIs(t, err, provider.subErr, "cause stays in the chain")
	assert.Equal(t, Authenticated, store.Verdict(), "one-shot verdict stays in effect")
	assert.Equal(t, 1, logs.FilterMessage("auth listener registration failed, live session updates disabled").Len())

	ctrl.Teardown()
}

func TestSignedOut_ClearsCacheBeforePublishing(t *testing.T) {
	h := newHarness(t)
	h.provider.session = validSession()
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	h.provider.push(EventNameSignedOut, nil)

	assert.Equal(t, Unauthenticated, h.store.Verdict())
	assert.Equal(t, 1, h.rec.Clears())
	assert.Equal(t, []Verdict{Authenticated}, h.rec.verdictAtClear,
		"cache must be cleared while the old verdict is still published")
	assert.Equal(t, []string{
		"verdict:authenticated",
		"clear",
		"verdict:unauthenticated",
		"notify:info",
	}, h.rec.Log())
	assert.Equal(t, []note{{kind: NotifyInfo, title: titleSignedOut}}, h.rec.Notes())
}

func TestSignedIn_DoesNotClearCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	h.provider.push(EventNameSignedIn, validSession())
	h.provider.push(EventNameSignedIn, validSession())

	assert.Zero(t, h.rec.Clears())
	assert.Equal(t, Authenticated, h.store.Verdict())
}

func TestTokenRefreshedAndOther_NoChange(t *testing.T) {
	h := newHarness(t)
	h.provider.session = validSession()
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	h.provider.push(EventNameTokenRefreshed, validSession())
	h.provider.push(EventNameUserUpdated, validSession())
	h.provider.push("PASSWORD_RECOVERY", nil)

	assert.Equal(t, []Verdict{Unknown, Authenticated}, h.Verdicts())
	assert.Empty(t, h.rec.Notes())
}

func TestLastEventWins(t *testing.T) {
	sequences := []struct {
		name   string
		events []string
		want   Verdict
	}{
		{"single sign in", []string{EventNameSignedIn}, Authenticated},
		{"single sign out", []string{EventNameSignedOut}, Unauthenticated},
		{"in then out", []string{EventNameSignedIn, EventNameSignedOut}, Unauthenticated},
		{"out then in", []string{EventNameSignedOut, EventNameSignedIn}, Authenticated},
		{"refresh keeps last", []string{EventNameSignedOut, EventNameTokenRefreshed}, Unauthenticated},
		{"oscillate", []string{EventNameSignedIn, EventNameSignedOut, EventNameSignedIn, EventNameUserUpdated}, Authenticated},
	}

	for _, initial := range []*Session{nil, validSession()} {
		for _, tt := range sequences {
			t.Run(tt.name, func(t *testing.T) {
				h := newHarness(t)
				h.provider.session = initial
				require.NoError(t, h.ctrl.Initialize(context.Background()))

				for _, name := range tt.events {
					h.provider.push(name, validSession())
				}
				assert.Equal(t, tt.want, h.store.Verdict())
			})
		}
	}
}

func TestEventBeforeReadResolves_WinsOverStaleRead(t *testing.T) {
	h := newHarness(t)
	h.provider.gate = make(chan struct{})
	entered := make(chan struct{})
	h.provider.entered = entered

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Initialize(context.Background()) }()
	<-entered

	// Delivered directly: the listener is not registered yet.
	h.ctrl.HandleEvent(ParseEvent(EventNameSignedIn, validSession()))
	close(h.provider.gate)
	require.NoError(t, <-done)

	assert.Equal(t, Authenticated, h.store.Verdict())
	assert.Equal(t, []Verdict{Unknown, Authenticated}, h.Verdicts())
}

func TestEventBeforeFailedRead_StillNotifiesError(t *testing.T) {
	h := newHarness(t)
	h.provider.readErr = errors.New("network down")
	h.provider.gate = make(chan struct{})
	entered := make(chan struct{})
	h.provider.entered = entered

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Initialize(context.Background()) }()
	<-entered

	h.ctrl.HandleEvent(ParseEvent(EventNameSignedIn, validSession()))
	close(h.provider.gate)
	require.NoError(t, <-done)

	assert.Equal(t, Authenticated, h.store.Verdict(), "event verdict is kept")
	assert.Equal(t, []note{
		{kind: NotifyInfo, title: titleSignedIn},
		{kind: NotifyError, title: titleSessionFailed},
	}, h.rec.Notes())
}

func TestLateReadAfterTeardown_NoEffect(t *testing.T) {
	h := newHarness(t)
	h.provider.session = validSession()
	h.provider.gate = make(chan struct{})
	entered := make(chan struct{})
	h.provider.entered = entered

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Initialize(context.Background()) }()
	<-entered

	h.ctrl.Teardown()
	close(h.provider.gate)
	require.NoError(t, <-done)

	assert.Equal(t, State{Verdict: Unknown, Loading: true}, h.store.State())
	assert.Equal(t, []Verdict{Unknown}, h.Verdicts())
	assert.Zero(t, h.provider.registered, "no listener after teardown")
}

func TestTeardown_Idempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	h.ctrl.Teardown()
	h.ctrl.Teardown()

	assert.Equal(t, 1, h.provider.sub.Calls())

	// Events after teardown are ignored.
	h.ctrl.HandleEvent(ParseEvent(EventNameSignedIn, validSession()))
	assert.Equal(t, Unauthenticated, h.store.Verdict())
	assert.ErrorIs(t, h.ctrl.Initialize(context.Background()), ErrTornDown)
}

func TestTeardown_BeforeInitialize(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Teardown()
	assert.Zero(t, h.provider.sub.Calls())
}

func TestSignOut_SuccessUsesProviderEvent(t *testing.T) {
	h := newHarness(t)
	h.provider.session = validSession()
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	require.NoError(t, h.ctrl.SignOut(context.Background()))

	assert.Equal(t, Unauthenticated, h.store.Verdict())
	assert.Equal(t, 1, h.rec.Clears())
	assert.Equal(t, []note{{kind: NotifyInfo, title: titleSignedOut}}, h.rec.Notes())
}

func TestSignOut_FailureAlwaysClearsAndFlips(t *testing.T) {
	h := newHarness(t)
	h.provider.session = validSession()
	h.provider.signOutErr = errors.New("503 service unavailable")
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	err := h.ctrl.SignOut(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, h.provider.signOutErr)

	assert.Equal(t, Unauthenticated, h.store.Verdict())
	assert.Equal(t, 1, h.rec.Clears())
	assert.Equal(t, []Verdict{Authenticated}, h.rec.verdictAtClear)
	assert.Equal(t, []note{{kind: NotifyError, title: titleSignOutFailed}}, h.rec.Notes())
}

type panickingCache struct{}

func (panickingCache) Clear() { panic("redis gone") }

func TestSignedOut_CachePanicDoesNotBlockTransition(t *testing.T) {
	store := NewStore()
	provider := newFakeProvider()
	provider.session = validSession()
	ctrl, err := NewController(store, provider, WithCacheInvalidator(panickingCache{}))
	require.NoError(t, err)
	defer ctrl.Teardown()

	require.NoError(t, ctrl.Initialize(context.Background()))
	assert.NotPanics(t, func() { provider.push(EventNameSignedOut, nil) })
	assert.Equal(t, Unauthenticated, store.Verdict())
}

func TestConcurrentEvents_Serialized(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); h.provider.push(EventNameSignedIn, validSession()) }()
		go func() { defer wg.Done(); h.provider.push(EventNameSignedOut, nil) }()
	}
	wg.Wait()

	// The published verdict matches the last observer delivery.
	got := h.Verdicts()
	assert.Equal(t, got[len(got)-1], h.store.Verdict())
	assert.Equal(t, 50, h.rec.Clears())
}
