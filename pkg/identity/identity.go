// Package identity models the identity-provider collaborator. The core only
// consumes an authenticated principal; credential handling lives upstream.
package identity

import (
	"context"
	"sync"
)

// Principal is an authenticated caller
type Principal struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Provider yields the principal of the current call. A nil principal with a
// nil error means the caller is unauthenticated; an error means the provider
// itself is unavailable.
type Provider interface {
	CurrentPrincipal(ctx context.Context) (*Principal, error)
	OnChange(fn func(*Principal))
}

// StaticProvider is a Provider whose principal is set programmatically.
// It backs tests and single-tenant deployments without a token flow.
type StaticProvider struct {
	mu        sync.RWMutex
	principal *Principal
	listeners []func(*Principal)
}

// NewStaticProvider creates a provider with no signed-in principal
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// CurrentPrincipal returns the currently set principal
func (p *StaticProvider) CurrentPrincipal(ctx context.Context) (*Principal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.principal, nil
}

// SetPrincipal signs a principal in (or out, when nil) and notifies listeners
func (p *StaticProvider) SetPrincipal(principal *Principal) {
	p.mu.Lock()
	p.principal = principal
	listeners := make([]func(*Principal), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(principal)
	}
}

// OnChange registers a sign-in/sign-out callback
func (p *StaticProvider) OnChange(fn func(*Principal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}
