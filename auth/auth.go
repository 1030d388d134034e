// Package auth parses access tokens issued by the MovementBrand backend.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidSubject = errors.New("token subject is not a user id")
	ErrNoSigningKey   = errors.New("no signing key")
)

// Claims are the access token claims the dashboard relies on.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a user id.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidSubject, c.Subject)
	}
	return id, nil
}

// Expiry returns the exp claim, or the zero time when it is absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Parser decodes access tokens. With a secret it verifies the HS256
// signature; without one it only decodes the claims, which is enough to
// schedule refreshes for tokens the backend already vouched for.
type Parser struct {
	secret []byte
	now    func() time.Time
}

// NewParser creates a Parser. An empty secret disables verification.
func NewParser(secret []byte) *Parser {
	return &Parser{secret: secret, now: time.Now}
}

// Verifies reports whether the parser checks signatures.
func (p *Parser) Verifies() bool {
	return len(p.secret) > 0
}

// Parse decodes the token and checks that it has a valid user subject.
// Expiry is not enforced; use Validate for that.
func (p *Parser) Parse(token string) (*Claims, error) {
	claims := &Claims{}

	var err error
	if p.Verifies() {
		_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return p.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Validate parses the token and rejects it when expired.
func (p *Parser) Validate(token string) (*Claims, error) {
	claims, err := p.Parse(token)
	if err != nil {
		return nil, err
	}
	if exp := claims.Expiry(); !exp.IsZero() && !p.now().Before(exp) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Sign issues an HS256 token for claims. The backend issues real tokens;
// this is used by local tooling and fakes.
func Sign(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSigningKey
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// NewClaims builds claims for userID that expire after ttl.
func NewClaims(userID uuid.UUID, email, role string, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		Email:     email,
		Role:      role,
		SessionID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
