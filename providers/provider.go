// Package providers defines the identity provider abstraction the proxy
// delegates authentication to, plus a registry for resolving providers by ID.
// Concrete implementations live in subpackages (google, github, oidc, mock).
package providers

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// AuthOptions carries per-request parameters for building an authorization
// URL. The zero value is valid: the provider falls back to its configured
// redirect URI and scopes.
type AuthOptions struct {
	// RedirectURI overrides the provider's configured callback. The proxy
	// uses this to route callbacks to the right endpoint.
	RedirectURI string

	// Scopes overrides the provider's configured scopes.
	Scopes []string

	// CodeChallenge and CodeChallengeMethod attach the proxy's own PKCE pair
	// for the provider leg. Empty disables PKCE upstream.
	CodeChallenge       string
	CodeChallengeMethod string

	// LoginHint pre-fills the provider's login form when supported.
	LoginHint string
}

// ExchangeOptions carries per-request parameters for the code exchange.
type ExchangeOptions struct {
	// CodeVerifier is the proxy's PKCE verifier for the provider leg.
	CodeVerifier string

	// RedirectURI must match the one sent in the authorization request.
	RedirectURI string
}

// Provider is implemented by each identity provider integration.
type Provider interface {
	// Name returns the provider kind, e.g. "google", "github", "oidc".
	Name() string

	// AuthorizationURL builds the URL to redirect the user agent to.
	AuthorizationURL(state string, opts *AuthOptions) string

	// ExchangeCode redeems an authorization code at the provider's token
	// endpoint.
	ExchangeCode(ctx context.Context, code string, opts *ExchangeOptions) (*oauth2.Token, error)

	// ValidateToken checks an access token with the provider and returns the
	// authenticated user.
	ValidateToken(ctx context.Context, accessToken string) (*UserInfo, error)

	// RefreshToken obtains a fresh token from a refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Providers without a
	// revocation endpoint return ErrRevocationUnsupported.
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies the provider is reachable. Used by readiness
	// probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// ErrRevocationUnsupported is returned by providers that expose no
// revocation endpoint. Callers treat it as a soft failure.
var ErrRevocationUnsupported = fmt.Errorf("provider does not support token revocation")

// UserInfo is the provider's view of an authenticated user.
type UserInfo struct {
	// ID is the provider-scoped stable user identifier.
	ID string

	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Locale        string

	// Groups carries group membership when the provider exposes it.
	Groups []string
}

// Registry resolves providers by the provider ID referenced in endpoint
// configuration. Safe for concurrent use; registration usually happens once
// at startup but late registration is allowed.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under the given ID, replacing any existing entry.
func (r *Registry) Register(id string, p Provider) error {
	if id == "" {
		return fmt.Errorf("provider ID must not be empty")
	}
	if p == nil {
		return fmt.Errorf("provider must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return p, nil
}

// IDs returns the registered provider IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
