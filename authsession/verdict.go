package authsession

import "time"

// Verdict is the tri-state answer to "is the visitor signed in?".
type Verdict int

const (
	// Unknown holds only until the first session read resolves.
	Unknown Verdict = iota
	Authenticated
	Unauthenticated
)

func (v Verdict) String() string {
	switch v {
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// State is the snapshot published by the Store.
type State struct {
	Verdict Verdict
	Loading bool
}

// Resolved reports whether a routing decision can be made from s.
func (s State) Resolved() bool {
	return s.Verdict != Unknown && !s.Loading
}

// Session is an identity-provider issued proof of authentication. The
// controller only cares about its presence; the fields are carried for the
// adapter and the data layer.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Provider event names.
const (
	EventNameSignedIn       = "SIGNED_IN"
	EventNameSignedOut      = "SIGNED_OUT"
	EventNameTokenRefreshed = "TOKEN_REFRESHED"
	EventNameUserUpdated    = "USER_UPDATED"
)

// EventKind classifies an auth event.
type EventKind int

const (
	EventOther EventKind = iota
	EventSignedIn
	EventSignedOut
	EventTokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	case EventTokenRefreshed:
		return "token_refreshed"
	default:
		return "other"
	}
}

// Event is a transient notification from the identity provider. It is
// consumed immediately and never stored.
type Event struct {
	Kind    EventKind
	Name    string
	Session *Session
}

// ParseEvent maps a provider event name to an Event.
func ParseEvent(name string, session *Session) Event {
	ev := Event{Name: name, Session: session}
	switch name {
	case EventNameSignedIn:
		ev.Kind = EventSignedIn
	case EventNameSignedOut:
		ev.Kind = EventSignedOut
	case EventNameTokenRefreshed:
		ev.Kind = EventTokenRefreshed
	default:
		ev.Kind = EventOther
	}
	return ev
}
