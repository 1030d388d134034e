package authsession

import "context"

// Listener receives auth state changes pushed by the identity provider.
type Listener func(name string, session *Session)

// Subscription is the handle for a live push registration.
// Unsubscribe must be idempotent.
type Subscription interface {
	Unsubscribe()
}

// IdentityProvider is the auth backend the controller consults.
type IdentityProvider interface {
	// GetSession performs a one-shot read. A nil session with a nil error
	// means nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers listener until the returned
	// Subscription is released.
	OnAuthStateChange(listener Listener) (Subscription, error)
	// SignOut ends the session. Completion is reported to listeners as a
	// SIGNED_OUT event.
	SignOut(ctx context.Context) error
}

// CacheInvalidator purges cached per-user server data.
type CacheInvalidator interface {
	Clear()
}

// NotificationKind is the severity of a user-facing notification.
type NotificationKind int

const (
	NotifyInfo NotificationKind = iota
	NotifyError
)

func (k NotificationKind) String() string {
	if k == NotifyError {
		return "error"
	}
	return "info"
}

// Notifier shows toasts or banners to the user. Notify must not block and
// must not panic.
type Notifier interface {
	Notify(kind NotificationKind, title, description string)
}

type nopCache struct{}

func (nopCache) Clear() {}

type nopNotifier struct{}

func (nopNotifier) Notify(NotificationKind, string, string) {}
