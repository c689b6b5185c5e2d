// Package auth verifies the bearer JWT a client presents when opening a
// gateway session.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned when the service has no signing secret
	// configured; the gateway treats this as a hard misconfiguration, not
	// an open-auth fallback.
	ErrAuthDisabled = errors.New("auth disabled")
	// ErrInvalidToken is returned for any unparsable, unsigned, expired,
	// or otherwise rejected token.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the tenant context recovered from a verified bearer token:
// the user it was issued to, plus the org/project scope it authorizes.
type Identity struct {
	UserID    string
	Email     string
	OrgID     string
	ProjectID string
}

// JWTService signs and verifies session bearer tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry. A
// zero expiry issues tokens that never expire.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims is the JWT payload shape this service signs and verifies.
type Claims struct {
	Email     string `json:"email,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given identity.
func (s *JWTService) Generate(id Identity) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("user id required")
	}

	claims := Claims{
		Email:     strings.TrimSpace(id.Email),
		OrgID:     strings.TrimSpace(id.OrgID),
		ProjectID: strings.TrimSpace(id.ProjectID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a bearer token, returning the identity it
// carries. Only HMAC-signed tokens are accepted, closing off the classic
// "alg: none" / algorithm-confusion attack on JWT verification.
func (s *JWTService) Validate(token string) (Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:    claims.Subject,
		Email:     strings.TrimSpace(claims.Email),
		OrgID:     strings.TrimSpace(claims.OrgID),
		ProjectID: strings.TrimSpace(claims.ProjectID),
	}, nil
}
