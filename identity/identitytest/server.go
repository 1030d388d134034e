// Package identitytest provides an in-process fake of the auth backend.
package identitytest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/movementbrand/mbdash/auth"
)

// Endpoint names used by Fail and Requests.
const (
	EndpointPassword = "token:password"
	EndpointRefresh  = "token:refresh_token"
	EndpointLogout   = "logout"
	EndpointUser     = "user"
	EndpointSignUp   = "signup"
)

// DefaultAPIKey is the key the server expects unless changed.
const DefaultAPIKey = "test-anon-key"

type account struct {
	id        uuid.UUID
	email     string
	password  string
	role      string
	createdAt time.Time
}

// Server is a fake auth backend. Tokens are HS256 signed with Secret.
type Server struct {
	*httptest.Server
	Secret []byte
	APIKey string

	mu           sync.Mutex
	accessTTL    time.Duration
	nextTTL      *time.Duration
	confirmEmail bool
	users        map[string]*account
	refresh      map[string]string
	failNext     map[string]int
	requests     map[string]int
}

// NewServer starts a fake backend. Close it when done.
func NewServer() *Server {
	s := &Server{
		Secret:    []byte("identitytest-secret-0123456789abcdef"),
		APIKey:    DefaultAPIKey,
		accessTTL: time.Hour,
		users:     make(map[string]*account),
		refresh:   make(map[string]string),
		failNext:  make(map[string]int),
		requests:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// AddUser registers an account and returns its id.
func (s *Server) AddUser(email, password, role string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &account{id: uuid.New(), email: email, password: password, role: role, createdAt: time.Now().UTC()}
	s.users[strings.ToLower(email)] = a
	return a.id
}

// SetAccessTTL sets the lifetime of access tokens issued from now on.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	s.accessTTL = d
	s.mu.Unlock()
}

// NextAccessTTL sets the lifetime of the next issued access token only.
func (s *Server) NextAccessTTL(d time.Duration) {
	s.mu.Lock()
	s.nextTTL = &d
	s.mu.Unlock()
}

// RequireEmailConfirmation makes sign-up return no session.
func (s *Server) RequireEmailConfirmation(on bool) {
	s.mu.Lock()
	s.confirmEmail = on
	s.mu.Unlock()
}

// Fail makes the next request to endpoint fail with status.
func (s *Server) Fail(endpoint string, status int) {
	s.mu.Lock()
	s.failNext[endpoint] = status
	s.mu.Unlock()
}

// Requests returns how many requests endpoint has received.
func (s *Server) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// RevokeUser invalidates every refresh token of the account.
func (s *Server) RevokeUser(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, owner := range s.refresh {
		if strings.EqualFold(owner, email) {
			delete(s.refresh, tok)
		}
	}
}

// IssueToken returns a signed access token for the account.
func (s *Server) IssueToken(email string, ttl time.Duration) string {
	s.mu.Lock()
	a := s.users[strings.ToLower(email)]
	s.mu.Unlock()
	if a == nil {
		return ""
	}
	tok, _ := auth.Sign(s.Secret, auth.NewClaims(a.id, a.email, a.role, ttl))
	return tok
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != s.APIKey {
		writeError(w, http.StatusUnauthorized, "no_api_key", "Invalid API key")
		return
	}

	endpoint := ""
	switch r.URL.Path {
	case "/auth/v1/token":
		endpoint = "token:" + r.URL.Query().Get("grant_type")
	case "/auth/v1/logout":
		endpoint = EndpointLogout
	case "/auth/v1/user":
		endpoint = EndpointUser
	case "/auth/v1/signup":
		endpoint = EndpointSignUp
	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found")
		return
	}

	s.mu.Lock()
	s.requests[endpoint]++
	status, fail := s.failNext[endpoint]
	delete(s.failNext, endpoint)
	s.mu.Unlock()
	if fail {
		writeError(w, status, "injected", http.StatusText(status))
		return
	}

	switch endpoint {
	case EndpointPassword:
		s.handlePassword(w, r)
	case EndpointRefresh:
		s.handleRefresh(w, r)
	case EndpointLogout:
		s.handleLogout(w, r)
	case EndpointUser:
		s.handleUser(w, r)
	case EndpointSignUp:
		s.handleSignUp(w, r)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type")
	}
}

type credentials struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Malformed body")
		return
	}

	s.mu.Lock()
	a := s.users[strings.ToLower(in.Email)]
	s.mu.Unlock()
	if a == nil || a.password != in.Password {
		writeError(w, http.StatusBadRequest, "invalid_grant", "Invalid login credentials")
		return
	}
	s.writeSession(w, a)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Malformed body")
		return
	}

	s.mu.Lock()
	email, ok := s.refresh[in.RefreshToken]
	delete(s.refresh, in.RefreshToken)
	a := s.users[strings.ToLower(email)]
	s.mu.Unlock()
	if !ok || a == nil {
		writeError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	s.writeSession(w, a)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a := s.bearerAccount(r)
	if a == nil {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	s.RevokeUser(a.email)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	a := s.bearerAccount(r)
	if a == nil {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	writeJSON(w, http.StatusOK, userJSON(a))
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Email is required")
		return
	}
	if len(in.Password) < 6 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[strings.ToLower(in.Email)]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	confirm := s.confirmEmail
	s.mu.Unlock()

	s.AddUser(in.Email, in.Password, "authenticated")
	s.mu.Lock()
	a := s.users[strings.ToLower(in.Email)]
	s.mu.Unlock()

	if confirm {
		writeJSON(w, http.StatusOK, userJSON(a))
		return
	}
	s.writeSession(w, a)
}

func (s *Server) bearerAccount(r *http.Request) *account {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := auth.NewParser(s.Secret).Validate(tok)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.users[strings.ToLower(claims.Email)]
	if a == nil || a.id.String() != claims.Subject {
		return nil
	}
	return a
}

func (s *Server) writeSession(w http.ResponseWriter, a *account) {
	s.mu.Lock()
	ttl := s.accessTTL
	if s.nextTTL != nil {
		ttl = *s.nextTTL
		s.nextTTL = nil
	}
	refresh := randomToken()
	s.refresh[refresh] = a.email
	s.mu.Unlock()

	claims := auth.NewClaims(a.id, a.email, a.role, ttl)
	access, err := auth.Sign(s.Secret, claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int64(ttl / time.Second),
		"expires_at":    claims.ExpiresAt.Unix(),
		"refresh_token": refresh,
		"user":          userJSON(a),
	})
}

func userJSON(a *account) map[string]any {
	return map[string]any{
		"id":         a.id,
		"email":      a.email,
		"role":       a.role,
		"created_at": a.createdAt,
	}
}

func randomToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error_code": code,
		"msg":        msg,
	})
}
