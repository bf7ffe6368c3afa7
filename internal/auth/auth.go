// Package auth is a thin identity adapter. It parses bearer tokens and puts
// the actor's identity and scope on the request context; the core components
// never look at credentials. Requests without a token pass through as
// anonymous, requests with a bad token are rejected.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor is the authenticated identity carried on the request context.
type Actor struct {
	ID         string
	Role       string
	Department string
}

type contextKey struct{}

// FromContext returns the request's actor, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

// WithActor returns ctx carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// Claims is the token payload.
type Claims struct {
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tokens with an HMAC secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for an actor.
func (m *Manager) Issue(a Actor) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role:       a.Role,
		Department: a.Department,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies a token and returns its actor.
func (m *Manager) Parse(tokenString string) (Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return Actor{}, err
	}
	if !token.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	return Actor{ID: claims.Subject, Role: claims.Role, Department: claims.Department}, nil
}

// Middleware attaches the actor to the context when a valid bearer token is
// present and rejects malformed ones.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, `{"status":"error","error":{"kind":"validation","message":"malformed Authorization header"}}`, http.StatusUnauthorized)
			return
		}
		actor, err := m.Parse(raw)
		if err != nil {
			http.Error(w, `{"status":"error","error":{"kind":"validation","message":"invalid token"}}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
