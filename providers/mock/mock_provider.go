// Package mock provides a configurable Provider implementation for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/providers"
)

// Provider is a test double for providers.Provider. Each method delegates to
// a settable func field and counts its invocations.
type Provider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state string, opts *providers.AuthOptions) string
	ExchangeCodeFunc     func(ctx context.Context, code string, opts *providers.ExchangeOptions) (*oauth2.Token, error)
	ValidateTokenFunc    func(ctx context.Context, accessToken string) (*providers.UserInfo, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	HealthCheckFunc      func(ctx context.Context) error

	mu         sync.RWMutex
	callCounts map[string]int
}

// NewProvider creates a mock with working defaults: exchanges succeed with
// static tokens and validation returns a fixed user.
func NewProvider() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string, opts *providers.AuthOptions) string {
			u := "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
			if opts != nil && opts.CodeChallenge != "" {
				u += "&code_challenge=" + url.QueryEscape(opts.CodeChallenge) +
					"&code_challenge_method=" + url.QueryEscape(opts.CodeChallengeMethod)
			}
			if opts != nil && opts.RedirectURI != "" {
				u += "&redirect_uri=" + url.QueryEscape(opts.RedirectURI)
			}
			return u
		},
		ExchangeCodeFunc: func(_ context.Context, _ string, _ *providers.ExchangeOptions) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
			}, nil
		},
		ValidateTokenFunc: func(_ context.Context, _ string) (*providers.UserInfo, error) {
			return &providers.UserInfo{
				ID:            "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
		RefreshTokenFunc: func(_ context.Context, _ string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "new-mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "new-mock-refresh-token",
			}, nil
		},
		RevokeTokenFunc: func(_ context.Context, _ string) error {
			return nil
		},
		HealthCheckFunc: func(_ context.Context) error {
			return nil
		},
	}
}

// count records an invocation and returns the configured func under lock.
// The func itself runs outside the lock so it may call back into the mock.
func count[T any](m *Provider, method string, fn T) T {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
	return fn
}

func (m *Provider) Name() string {
	fn := count(m, "Name", m.NameFunc)
	if fn == nil {
		return "mock"
	}
	return fn()
}

func (m *Provider) AuthorizationURL(state string, opts *providers.AuthOptions) string {
	fn := count(m, "AuthorizationURL", m.AuthorizationURLFunc)
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
	}
	return fn(state, opts)
}

func (m *Provider) ExchangeCode(ctx context.Context, code string, opts *providers.ExchangeOptions) (*oauth2.Token, error) {
	fn := count(m, "ExchangeCode", m.ExchangeCodeFunc)
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code, opts)
}

func (m *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	fn := count(m, "ValidateToken", m.ValidateTokenFunc)
	if fn == nil {
		return nil, fmt.Errorf("ValidateTokenFunc not configured")
	}
	return fn(ctx, accessToken)
}

func (m *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	fn := count(m, "RefreshToken", m.RefreshTokenFunc)
	if fn == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return fn(ctx, refreshToken)
}

func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	fn := count(m, "RevokeToken", m.RevokeTokenFunc)
	if fn == nil {
		return fmt.Errorf("RevokeTokenFunc not configured")
	}
	return fn(ctx, token)
}

func (m *Provider) HealthCheck(ctx context.Context) error {
	fn := count(m, "HealthCheck", m.HealthCheckFunc)
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// ResetCallCounts zeroes every counter.
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	m.callCounts = make(map[string]int)
	m.mu.Unlock()
}

// CallCount returns how many times method was invoked.
func (m *Provider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[method]
}
