package authsession

import (
	"context"
	"sync"
)

type fakeSubscription struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func (s *fakeSubscription) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeProvider is an IdentityProvider driven by the test.
type fakeProvider struct {
	mu sync.Mutex

	session *Session
	readErr error
	// gate, when set, blocks GetSession until closed. entered is closed
	// once GetSession has been called.
	gate    chan struct{}
	entered chan struct{}

	subErr     error
	sub        *fakeSubscription
	listener   Listener
	registered int

	signOutErr   error
	signOutCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sub: &fakeSubscription{}}
}

func (p *fakeProvider) GetSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	gate := p.gate
	if p.entered != nil {
		close(p.entered)
		p.entered = nil
	}
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.readErr
}

func (p *fakeProvider) OnAuthStateChange(listener Listener) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered++
	if p.subErr != nil {
		return nil, p.subErr
	}
	p.listener = listener
	return p.sub, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.signOutCalls++
	err := p.signOutErr
	listener := p.listener
	p.mu.Unlock()
	if err == nil && listener != nil {
		listener(EventNameSignedOut, nil)
	}
	return err
}

// push delivers an event through the registered listener, as the
// provider would.
func (p *fakeProvider) push(name string, s *Session) {
	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()
	if listener != nil {
		listener(name, s)
	}
}

// recorder captures cache clears, notifications and published verdicts in
// one ordered log.
type recorder struct {
	mu     sync.Mutex
	store  *Store
	log    []string
	clears int
	notes  []note

	// verdictAtClear is the verdict readable from the store while Clear ran.
	verdictAtClear []Verdict
}

type note struct {
	kind  NotificationKind
	title string
}

func (r *recorder) Clear() {
	v := r.store.Verdict()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	r.verdictAtClear = append(r.verdictAtClear, v)
	r.log = append(r.log, "clear")
}

func (r *recorder) Notify(kind NotificationKind, title, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{kind: kind, title: title})
	r.log = append(r.log, "notify:"+kind.String())
}

func (r *recorder) observe(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "verdict:"+st.Verdict.String())
}

func (r *recorder) Notes() []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]note(nil), r.notes...)
}

func (r *recorder) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

func (r *recorder) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}
