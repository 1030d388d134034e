package main

import (
	"time"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/notify"
)

// ClientMessage is a message from a browser tab to the server.
type ClientMessage struct {
	ID string `json:"id,omitempty"`

	// Only one of these should be set
	Hi    *MsgClientHi    `json:"hi,omitempty"`
	State *MsgClientState `json:"state,omitempty"`
}

// MsgClientHi is the handshake message.
type MsgClientHi struct {
	Version   string `json:"ver"`
	UserAgent string `json:"ua,omitempty"`
	Path      string `json:"path,omitempty"`
}

// MsgClientState asks for the current verdict.
type MsgClientState struct{}

// ServerMessage is a message from server to browser tab.
type ServerMessage struct {
	// Control message (response to client request)
	Ctrl *MsgServerCtrl `json:"ctrl,omitempty"`
	// Verdict change
	State *MsgServerState `json:"state,omitempty"`
	// Toast
	Notify *notify.Notification `json:"notify,omitempty"`
}

// MsgServerCtrl is a control/response message.
type MsgServerCtrl struct {
	ID     string         `json:"id,omitempty"`
	Code   int            `json:"code"`
	Text   string         `json:"text,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Ts     time.Time      `json:"ts"`
}

// MsgServerState carries the session verdict. Redirect is set when the
// tab's current page is no longer allowed under the new verdict.
type MsgServerState struct {
	Verdict  string    `json:"verdict"`
	Loading  bool      `json:"loading"`
	Redirect string    `json:"redirect,omitempty"`
	Ts       time.Time `json:"ts"`
}

func stateMessage(st authsession.State) *ServerMessage {
	return &ServerMessage{State: &MsgServerState{
		Verdict: st.Verdict.String(),
		Loading: st.Loading,
		Ts:      time.Now().UTC(),
	}}
}

func notifyMessage(n notify.Notification) *ServerMessage {
	return &ServerMessage{Notify: &n}
}

// CtrlSuccess creates a success response.
func CtrlSuccess(id string, code int, params map[string]any) *ServerMessage {
	return &ServerMessage{
		Ctrl: &MsgServerCtrl{
			ID:     id,
			Code:   code,
			Text:   "ok",
			Params: params,
			Ts:     time.Now().UTC(),
		},
	}
}

// CtrlError creates an error response.
func CtrlError(id string, code int, text string) *ServerMessage {
	return &ServerMessage{
		Ctrl: &MsgServerCtrl{
			ID:   id,
			Code: code,
			Text: text,
			Ts:   time.Now().UTC(),
		},
	}
}

// Common error codes
const (
	CodeOK         = 200
	CodeBadRequest = 400
)

// JSON API payloads.

// SessionResponse describes the signed-in user, if any.
type SessionResponse struct {
	Verdict   string     `json:"verdict"`
	Loading   bool       `json:"loading"`
	UserID    string     `json:"userId,omitempty"`
	Email     string     `json:"email,omitempty"`
	Role      string     `json:"role,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SignInRequest is the body of POST /api/signin and POST /api/signup.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect,omitempty"`
}

// SignInResponse tells the page where to go next.
type SignInResponse struct {
	Redirect string `json:"redirect"`
}

// SignUpResponse either says where to go next or that the account waits
// for email confirmation.
type SignUpResponse struct {
	Redirect string `json:"redirect,omitempty"`
	Pending  bool   `json:"pending,omitempty"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// MoveProjectRequest is the body of POST /api/projects/{id}/move.
type MoveProjectRequest struct {
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// SendMessageRequest is the body of POST /api/projects/{id}/messages.
type SendMessageRequest struct {
	Body string `json:"body"`
}

// ErrorResponse is returned with every 4xx/5xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
