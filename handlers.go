package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/dashboard"
	"github.com/movementbrand/mbdash/identity"
	"github.com/movementbrand/mbdash/logging"
	"github.com/movementbrand/mbdash/middleware"
	"github.com/movementbrand/mbdash/ratelimit"
	"github.com/movementbrand/mbdash/redis"
	"github.com/movementbrand/mbdash/store"
	"github.com/movementbrand/mbdash/viewrouter"
)

const maxBodySize = 64 * 1024

// identityClient is the part of identity.Client the handlers use.
type identityClient interface {
	GetSession(ctx context.Context) (*authsession.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*authsession.Session, error)
	SignUp(ctx context.Context, email, password string) (*authsession.Session, error)
	Refresh(ctx context.Context) (*authsession.Session, error)
	User(ctx context.Context) (*identity.User, error)
}

// authPublisher announces server-side session changes to other nodes.
type authPublisher interface {
	PublishAuthEvent(ctx context.Context, ev redis.AuthEvent) error
}

// Handlers holds dependencies for the JSON API.
type Handlers struct {
	identity   identityClient
	controller *authsession.Controller
	dash       *dashboard.Service
	signIn     ratelimit.Checker
	publisher  authPublisher // nil without Redis
	useXFF     bool
	logger     *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(id identityClient, ctrl *authsession.Controller, dash *dashboard.Service, signIn ratelimit.Checker, pub authPublisher, useXFF bool, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		identity:   id,
		controller: ctrl,
		dash:       dash,
		signIn:     signIn,
		publisher:  pub,
		useXFF:     useXFF,
		logger:     logger,
	}
}

// SetupRoutes registers the API on mux.
func (h *Handlers) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", h.handleSession)
	mux.HandleFunc("POST /api/signin", h.handleSignIn)
	mux.HandleFunc("POST /api/signup", h.handleSignUp)
	mux.HandleFunc("POST /api/signout", h.handleSignOut)
	mux.HandleFunc("POST /api/session/refresh", h.withUser(h.handleRefresh))
	mux.HandleFunc("GET /api/account", h.withUser(h.handleAccount))

	mux.HandleFunc("GET /api/profile", h.withUser(h.handleProfile))
	mux.HandleFunc("GET /api/subscription", h.withUser(h.handleSubscription))
	mux.HandleFunc("GET /api/projects", h.withUser(h.handleBoard))
	mux.HandleFunc("POST /api/projects", h.withUser(h.handleCreateProject))
	mux.HandleFunc("POST /api/projects/{id}/move", h.withUser(h.handleMoveProject))
	mux.HandleFunc("GET /api/projects/{id}/messages", h.withUser(h.handleMessages))
	mux.HandleFunc("POST /api/projects/{id}/messages", h.withUser(h.handleSendMessage))
	mux.HandleFunc("GET /api/projects/{id}/attachments", h.withUser(h.handleAttachments))

	mux.HandleFunc("GET /api/admin/overview", h.withUser(h.handleAdminOverview))
	mux.HandleFunc("POST /api/admin/users/{id}/revoke", h.withUser(h.handleRevokeUser))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeServiceError maps dashboard errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dashboard.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dashboard.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, dashboard.ErrInvalidStatus),
		errors.Is(err, dashboard.ErrEmptyTitle),
		errors.Is(err, dashboard.ErrEmptyMessage),
		errors.Is(err, dashboard.ErrMessageTooLong):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "dashboard: "))
	case errors.Is(err, dashboard.ErrNoActivePlan):
		writeError(w, http.StatusPaymentRequired, "an active subscription is required")
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// currentSession returns the session when the verdict is Authenticated.
func (h *Handlers) currentSession(ctx context.Context) (*authsession.Session, error) {
	if h.controller.Store().State().Verdict != authsession.Authenticated {
		return nil, nil
	}
	return h.identity.GetSession(ctx)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

// withUser rejects requests unless someone is signed in.
func (h *Handlers) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := h.currentSession(r.Context())
		if err != nil {
			h.logger.Warn("session lookup failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "sign-in service unavailable")
			return
		}
		if s == nil {
			writeError(w, http.StatusUnauthorized, "not signed in")
			return
		}
		userID, err := uuid.Parse(s.UserID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not signed in")
			return
		}
		next(w, r, userID)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) sessionResponse(s *authsession.Session) SessionResponse {
	st := h.controller.Store().State()
	resp := SessionResponse{Verdict: st.Verdict.String(), Loading: st.Loading}
	if s != nil {
		exp := s.ExpiresAt
		resp.UserID = s.UserID
		resp.Email = s.Email
		resp.Role = s.Role
		resp.ExpiresAt = &exp
	}
	return resp
}

func (h *Handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.currentSession(r.Context())
	if err != nil {
		h.logger.Warn("session lookup failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(s))
}

// throttle counts an action attempt for email and writes a 429 when it
// is over the limit. It returns the limiter key.
func (h *Handlers) throttle(w http.ResponseWriter, r *http.Request, action, email string) (string, bool) {
	key := action + ":" + email
	ok, retry := h.signIn.Check(r.Context(), key)
	if ok {
		return key, true
	}
	h.logger.Warn("attempt rate limited",
		zap.String("action", action),
		logging.Email(email),
		zap.String("remote", middleware.ClientIP(r, h.useXFF)))
	w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
	writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	return key, false
}

// readCredentials decodes a sign-in or sign-up body and normalizes the email.
func readCredentials(w http.ResponseWriter, r *http.Request) (SignInRequest, bool) {
	var req SignInRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return req, false
	}
	return req, true
}

// ensureProfile creates the dashboard profile of a newly signed-in user.
func (h *Handlers) ensureProfile(ctx context.Context, s *authsession.Session) {
	userID, err := uuid.Parse(s.UserID)
	if err != nil {
		return
	}
	if _, err := h.dash.EnsureProfile(ctx, userID, s.Email); err != nil {
		h.logger.Warn("profile setup failed", logging.User(userID), zap.Error(err))
	}
}

func (h *Handlers) handleSignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := readCredentials(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	key, ok := h.throttle(w, r, "signin", req.Email)
	if !ok {
		return
	}

	s, err := h.identity.SignInWithPassword(ctx, req.Email, req.Password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(h.signIn.Remaining(ctx, key)))
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	case err != nil:
		h.logger.Error("sign-in failed", logging.Email(req.Email), zap.Error(err))
		writeError(w, http.StatusBadGateway, "sign-in service unavailable")
		return
	}
	h.signIn.Reset(ctx, key)
	h.ensureProfile(ctx, s)

	writeJSON(w, http.StatusOK, SignInResponse{Redirect: viewrouter.RedirectTarget(req.Redirect)})
}

// handleSignUp registers an account. Backends that confirm email first
// return no session; the visitor stays signed out until they confirm.
func (h *Handlers) handleSignUp(w http.ResponseWriter, r *http.Request) {
	req, ok := readCredentials(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, ok := h.throttle(w, r, "signup", req.Email); !ok {
		return
	}

	s, err := h.identity.SignUp(ctx, req.Email, req.Password)
	var apiErr *identity.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		writeError(w, http.StatusBadRequest, apiErr.Message)
		return
	case err != nil:
		h.logger.Error("sign-up failed", logging.Email(req.Email), zap.Error(err))
		writeError(w, http.StatusBadGateway, "sign-in service unavailable")
		return
	case s == nil:
		writeJSON(w, http.StatusAccepted, SignUpResponse{Pending: true})
		return
	}
	h.ensureProfile(ctx, s)

	writeJSON(w, http.StatusCreated, SignUpResponse{Redirect: viewrouter.RedirectTarget(req.Redirect)})
}

// handleRefresh renews the access token now rather than waiting for the
// automatic refresh.
func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	s, err := h.identity.Refresh(r.Context())
	switch {
	case errors.Is(err, identity.ErrNoSession), identity.IsAuthRejection(err):
		writeError(w, http.StatusUnauthorized, "session expired, sign in again")
		return
	case err != nil:
		h.logger.Warn("token refresh failed", logging.User(userID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "sign-in service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(s))
}

// handleAccount returns the account as the backend knows it.
func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	u, err := h.identity.User(r.Context())
	switch {
	case errors.Is(err, identity.ErrNoSession), identity.IsAuthRejection(err):
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	case err != nil:
		h.logger.Warn("account lookup failed", logging.User(userID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "sign-in service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.SignOut(r.Context()); err != nil {
		// The controller has already signed this device out and told the user.
		h.logger.Warn("backend sign-out failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, SignInResponse{Redirect: viewrouter.LandingPath})
}

func (h *Handlers) handleProfile(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	p, err := h.dash.Profile(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleSubscription(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	sub, err := h.dash.Subscription(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handlers) handleBoard(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	b, err := h.dash.Board(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) handleCreateProject(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req CreateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.dash.CreateProject(r.Context(), userID, req.Title, req.Description)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) handleMoveProject(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req MoveProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.dash.MoveProject(r.Context(), userID, id, store.ProjectStatus(req.Status), req.Position)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleMessages(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := h.dash.Messages(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) handleSendMessage(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := h.dash.SendMessage(r.Context(), userID, id, req.Body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) handleAttachments(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.dash.Attachments(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Attachment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) handleAdminOverview(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	ov, err := h.dash.AdminOverview(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// handleRevokeUser signs target out on every node sharing this Redis.
func (h *Handlers) handleRevokeUser(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	target, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.dash.RequireAdmin(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if h.publisher == nil {
		writeError(w, http.StatusNotImplemented, "session revocation needs redis")
		return
	}

	err := h.publisher.PublishAuthEvent(r.Context(), redis.AuthEvent{
		Type:   identity.RemoteSessionRevoked,
		UserID: target.String(),
	})
	if err != nil {
		h.logger.Error("revocation publish failed", logging.User(target), zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not publish revocation")
		return
	}
	h.logger.Info("sessions revoked", logging.User(target), zap.String("by", logging.ShortID(userID)))
	w.WriteHeader(http.StatusNoContent)
}
