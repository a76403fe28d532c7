package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/providers"
)

// Config holds configuration for a generic OIDC provider.
type Config struct {
	// IssuerURL is the OIDC issuer; endpoints come from its discovery
	// document.
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to ["openid", "email", "profile"].
	Scopes []string

	HTTPClient *http.Client     // optional
	Discovery  *DiscoveryClient // optional, shared across providers
	Logger     *slog.Logger     // optional
}

// Provider implements providers.Provider for any spec-compliant OIDC issuer.
// Discovery runs once at construction so misconfiguration fails at startup
// rather than mid-flow.
type Provider struct {
	config     *oauth2.Config
	doc        *DiscoveryDocument
	jwks       *JWKSCache
	httpClient *http.Client
	logger     *slog.Logger
	issuerURL  string
}

// NewProvider creates an OIDC provider, fetching the issuer's discovery
// document immediately.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	discovery := cfg.Discovery
	if discovery == nil {
		discovery = NewDiscoveryClient(httpClient, 0, logger)
	}

	doc, err := discovery.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery for %s failed: %w", cfg.IssuerURL, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
		doc:        doc,
		jwks:       NewJWKSCache(doc.JWKSUri, httpClient, 0, logger),
		httpClient: httpClient,
		logger:     logger,
		issuerURL:  cfg.IssuerURL,
	}, nil
}

// Name returns "oidc".
func (p *Provider) Name() string {
	return "oidc"
}

// Issuer returns the configured issuer URL.
func (p *Provider) Issuer() string {
	return p.issuerURL
}

// AuthorizationURL builds the issuer's authorization URL.
func (p *Provider) AuthorizationURL(state string, opts *providers.AuthOptions) string {
	return providers.BuildAuthCodeURL(p.config, state, opts)
}

// ExchangeCode redeems an authorization code at the issuer's token endpoint.
func (p *Provider) ExchangeCode(ctx context.Context, code string, opts *providers.ExchangeOptions) (*oauth2.Token, error) {
	return providers.ExchangeCode(ctx, p.config, p.httpClient, code, opts)
}

// VerifyIDToken verifies an ID token's signature and claims against the
// issuer's JWKS.
func (p *Provider) VerifyIDToken(ctx context.Context, rawToken string) (*providers.UserInfo, error) {
	claims, err := p.jwks.VerifyIDToken(ctx, rawToken, p.doc.Issuer, p.config.ClientID)
	if err != nil {
		return nil, err
	}

	info := &providers.UserInfo{}
	if sub, ok := claims["sub"].(string); ok {
		info.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		info.EmailVerified = verified
	}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}
	if info.ID == "" {
		return nil, fmt.Errorf("ID token missing sub claim")
	}
	return info, nil
}

// ValidateToken checks an access token against the issuer's userinfo
// endpoint.
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	if p.doc.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("issuer %s exposes no userinfo endpoint", p.issuerURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.doc.UserInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var info struct {
		Sub           string   `json:"sub"`
		Email         string   `json:"email"`
		EmailVerified bool     `json:"email_verified"`
		Name          string   `json:"name"`
		GivenName     string   `json:"given_name"`
		FamilyName    string   `json:"family_name"`
		Picture       string   `json:"picture"`
		Locale        string   `json:"locale"`
		Groups        []string `json:"groups"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	return &providers.UserInfo{
		ID:            info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		GivenName:     info.GivenName,
		FamilyName:    info.FamilyName,
		Picture:       info.Picture,
		Locale:        info.Locale,
		Groups:        info.Groups,
	}, nil
}

// RefreshToken obtains a fresh token from the issuer.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	source := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return newToken, nil
}

// RevokeToken revokes a token when the issuer advertises a revocation
// endpoint (RFC 7009), and reports ErrRevocationUnsupported otherwise.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	if p.doc.RevocationEndpoint == "" {
		return providers.ErrRevocationUnsupported
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", p.config.ClientID)
	if p.config.ClientSecret != "" {
		data.Set("client_secret", p.config.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.doc.RevocationEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// RFC 7009: 200 means revoked or already invalid.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck refetches the discovery document, bypassing the cache via a
// fresh request to the well-known URL.
func (p *Provider) HealthCheck(ctx context.Context) error {
	wellKnown := strings.TrimSuffix(p.issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("issuer unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("issuer health check returned status %d", resp.StatusCode)
	}
	return nil
}
