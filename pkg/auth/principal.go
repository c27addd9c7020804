// Package auth defines the request principal model used by the cache's
// security gate and extracts principals from bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Authentication errors
var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims represents JWT claims carried by a bearer token
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID string   `json:"principal_id"`
	Namespaces  []string `json:"namespaces,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Admin       bool     `json:"admin,omitempty"`
}

// Principal is an authenticated caller of the cache. Namespaces lists the
// security partitions the principal may read; Scopes lists the owning
// scopes shared with it beyond its own.
type Principal struct {
	ID         string   `json:"id"`
	Namespaces []string `json:"namespaces,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	Admin      bool     `json:"admin,omitempty"`
}

// InNamespace reports whether the principal may operate in the namespace
func (p *Principal) InNamespace(namespace string) bool {
	if p == nil {
		return false
	}
	if p.Admin {
		return true
	}
	for _, ns := range p.Namespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// HasScope reports whether scopeID is the principal's own or shared with it
func (p *Principal) HasScope(scopeID string) bool {
	if p == nil {
		return false
	}
	if p.Admin || p.ID == scopeID {
		return true
	}
	for _, s := range p.Scopes {
		if s == scopeID {
			return true
		}
	}
	return false
}

// TokenVerifier validates bearer tokens and produces principals
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for HMAC-signed tokens
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token string
func (v *TokenVerifier) Verify(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &Principal{
		ID:         claims.PrincipalID,
		Namespaces: claims.Namespaces,
		Scopes:     claims.Scopes,
		Admin:      claims.Admin,
	}, nil
}

// Sign issues a token for a principal. Used by tests and local tooling.
func (v *TokenVerifier) Sign(p *Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PrincipalID: p.ID,
		Namespaces:  p.Namespaces,
		Scopes:      p.Scopes,
		Admin:       p.Admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey string

const principalKey contextKey = "gencache.principal"

// WithPrincipal attaches a principal to the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext retrieves the principal attached to the context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
