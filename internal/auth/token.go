// ABOUTME: JWT-backed session store for authenticating realtime connections
// ABOUTME: Uses HS256 signing with the configured secret; sessions carry user and organization

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Session is an authenticated user within one organization
type Session struct {
	UserID         string
	OrganizationID string
	ExpiresAt      time.Time
}

// SessionStore validates bearer tokens issued by the session service
type SessionStore interface {
	Validate(ctx context.Context, token string) (*Session, error)
}

// JWTSessionStore implements SessionStore using HS256 signed JWTs
type JWTSessionStore struct {
	secret []byte
}

var _ SessionStore = (*JWTSessionStore)(nil)

// NewJWTSessionStore creates a session store with the given secret
func NewJWTSessionStore(secret []byte) *JWTSessionStore {
	return &JWTSessionStore{secret: secret}
}

// Validate verifies the token and extracts the "sub" and "org" claims
func (s *JWTSessionStore) Validate(_ context.Context, tokenString string) (*Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	org, ok := claims["org"].(string)
	if !ok || org == "" {
		return nil, fmt.Errorf("%w: org", ErrMissingClaim)
	}

	session := &Session{UserID: sub, OrganizationID: org}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		session.ExpiresAt = exp.Time
	}
	return session, nil
}

// Generate creates a signed token for userID in orgID with expiration
func (s *JWTSessionStore) Generate(userID, orgID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"org": orgID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
