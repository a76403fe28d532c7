// Package github implements the GitHub OAuth provider. GitHub OAuth Apps
// issue non-expiring access tokens, do not support refresh, and expose no
// public revocation endpoint, so those operations degrade gracefully.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/modelgate/oauth-proxy/providers"
)

// ErrRefreshNotSupported is returned for refresh attempts: GitHub OAuth App
// tokens do not expire and cannot be refreshed.
var ErrRefreshNotSupported = errors.New("github oauth apps do not support token refresh")

// ErrOrganizationRequired is returned when the user belongs to none of the
// allowed organizations.
var ErrOrganizationRequired = errors.New("user is not a member of any allowed organization")

const (
	userEndpoint   = "https://api.github.com/user"
	emailsEndpoint = "https://api.github.com/user/emails"
	orgsEndpoint   = "https://api.github.com/user/orgs"
	rateLimitURL   = "https://api.github.com/rate_limit"
)

// Config holds GitHub OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to ["user:email", "read:user"].
	Scopes []string

	// AllowedOrganizations restricts login to members of these orgs. When
	// set, "read:org" is added to the scopes if missing.
	AllowedOrganizations []string

	HTTPClient     *http.Client  // optional
	RequestTimeout time.Duration // defaults to 30s
}

// Provider implements providers.Provider for GitHub.
type Provider struct {
	config               *oauth2.Config
	httpClient           *http.Client
	requestTimeout       time.Duration
	allowedOrganizations []string
}

// NewProvider creates a GitHub provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}
	if len(cfg.AllowedOrganizations) > 0 && !containsScope(scopes, "read:org") {
		scopes = append(scopes, "read:org")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauthgithub.Endpoint,
		},
		httpClient:           httpClient,
		requestTimeout:       timeout,
		allowedOrganizations: cfg.AllowedOrganizations,
	}, nil
}

// Name returns "github".
func (p *Provider) Name() string {
	return "github"
}

// AuthorizationURL builds the GitHub authorization URL.
func (p *Provider) AuthorizationURL(state string, opts *providers.AuthOptions) string {
	return providers.BuildAuthCodeURL(p.config, state, opts)
}

// ExchangeCode redeems an authorization code at GitHub's token endpoint.
func (p *Provider) ExchangeCode(ctx context.Context, code string, opts *providers.ExchangeOptions) (*oauth2.Token, error) {
	ctx, cancel := p.ensureTimeout(ctx)
	defer cancel()
	return providers.ExchangeCode(ctx, p.config, p.httpClient, code, opts)
}

// ValidateToken fetches the user behind the access token, falling back to the
// emails endpoint when the public profile hides the email, and enforcing
// organization membership when configured.
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	ctx, cancel := p.ensureTimeout(ctx)
	defer cancel()

	info, err := p.fetchUserInfo(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	if info.Email == "" {
		if email, verified, emailErr := p.fetchPrimaryEmail(ctx, accessToken); emailErr == nil && email != "" {
			info.Email = email
			info.EmailVerified = verified
		}
	}

	if len(p.allowedOrganizations) > 0 {
		orgs, err := p.fetchUserOrganizations(ctx, accessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to validate organization membership: %w", err)
		}
		info.Groups = orgs
		if !intersects(orgs, p.allowedOrganizations) {
			return nil, ErrOrganizationRequired
		}
	}

	return info, nil
}

// RefreshToken always fails: see ErrRefreshNotSupported.
func (p *Provider) RefreshToken(_ context.Context, _ string) (*oauth2.Token, error) {
	return nil, ErrRefreshNotSupported
}

// RevokeToken is a no-op. GitHub exposes no public OAuth revocation endpoint;
// users revoke access through their GitHub application settings.
func (p *Provider) RevokeToken(_ context.Context, _ string) error {
	return nil
}

// HealthCheck probes the unauthenticated rate limit endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rateLimitURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github api unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) ensureTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := p.getJSON(ctx, userEndpoint, accessToken, &ghUser); err != nil {
		return nil, err
	}

	return &providers.UserInfo{
		ID:            fmt.Sprintf("%d", ghUser.ID),
		Email:         ghUser.Email,
		EmailVerified: ghUser.Email != "", // public profile emails are verified
		Name:          ghUser.Name,
		Picture:       ghUser.AvatarURL,
	}, nil
}

func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := p.getJSON(ctx, emailsEndpoint, accessToken, &emails); err != nil {
		return "", false, err
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}
	return "", false, nil
}

func (p *Provider) fetchUserOrganizations(ctx context.Context, accessToken string) ([]string, error) {
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := p.getJSON(ctx, orgsEndpoint, accessToken, &orgs); err != nil {
		return nil, err
	}

	logins := make([]string, 0, len(orgs))
	for _, o := range orgs {
		logins = append(logins, o.Login)
	}
	return logins, nil
}

// getJSON performs an authenticated GitHub API GET and decodes the response.
func (p *Provider) getJSON(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s failed with status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	for _, s := range a {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
