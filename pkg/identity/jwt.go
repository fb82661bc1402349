package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// TokenContextKey is the context key under which HTTP middleware stores the
// raw bearer token for the current request.
const TokenContextKey contextKey = "identity_token"

// WithToken stores a bearer token on the context
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, TokenContextKey, token)
}

// Claims are the token claims the compliance core cares about
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// JWTProvider resolves the current principal from an HS256 bearer token
// carried on the request context.
type JWTProvider struct {
	secret    []byte
	mu        sync.RWMutex
	listeners []func(*Principal)
}

// NewJWTProvider creates a JWT-backed identity provider
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

// CurrentPrincipal parses the context token into a principal. A missing
// token means unauthenticated, not an error; a malformed or expired token
// is an error so callers never treat a bad token as an anonymous caller.
func (p *JWTProvider) CurrentPrincipal(ctx context.Context) (*Principal, error) {
	tokenString, ok := ctx.Value(TokenContextKey).(string)
	if !ok || tokenString == "" {
		return nil, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &Principal{
		ID:            claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// OnChange registers a sign-in/sign-out callback. Token-based sessions have
// no server-side state transitions, so callbacks fire only when Notify is
// called by the embedding application.
func (p *JWTProvider) OnChange(fn func(*Principal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Notify invokes registered change callbacks with the given principal
func (p *JWTProvider) Notify(principal *Principal) {
	p.mu.RLock()
	listeners := make([]func(*Principal), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.RUnlock()

	for _, fn := range listeners {
		fn(principal)
	}
}
