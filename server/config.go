package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/modelgate/oauth-proxy/storage"
)

// Default TTLs, in seconds. Authorization codes are deliberately short-lived:
// they only need to survive the redirect back to the client.
const (
	DefaultSessionTTL           int64 = 600     // 10 minutes
	DefaultAuthorizationCodeTTL int64 = 60      // 60 seconds
	DefaultAccessTokenTTL       int64 = 3600    // 1 hour
	DefaultRefreshTokenTTL      int64 = 7776000 // 90 days
)

// EndpointConfig describes one protected endpoint. Every client, session,
// and token belongs to exactly one endpoint.
type EndpointConfig struct {
	// EndpointID is the endpoint's path segment and storage scope.
	EndpointID string

	// Mode selects gateway (proxy mints its own tokens, provider tokens stay
	// server-side) or upstream (provider code and tokens pass through).
	Mode storage.Mode

	// ProviderID selects the identity provider from the registry.
	ProviderID string

	// AllowedRedirectPatterns whitelist the redirect URIs clients may
	// register. Supported forms:
	//
	//	https://app.example.com/callback   exact match
	//	http://localhost:*/callback        any port on localhost (RFC 8252)
	//	myapp://*                          any URI under a custom scheme
	//
	// Empty means no client can register: fail closed.
	AllowedRedirectPatterns []string

	// Scopes lists the scopes clients may request on this endpoint. Empty
	// allows any scope.
	Scopes []string

	// ConsentRequired inserts a consent step before the provider redirect.
	ConsentRequired bool

	// HybridAuthEnabled accepts pre-provisioned API keys alongside OAuth
	// tokens on this endpoint.
	HybridAuthEnabled bool
}

// Validate checks an endpoint configuration at startup.
func (e *EndpointConfig) Validate() error {
	if e.EndpointID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if e.Mode != storage.ModeGateway && e.Mode != storage.ModeUpstream {
		return fmt.Errorf("endpoint %s: mode must be %q or %q, got %q",
			e.EndpointID, storage.ModeGateway, storage.ModeUpstream, e.Mode)
	}
	if e.ProviderID == "" {
		return fmt.Errorf("endpoint %s: provider id is required", e.EndpointID)
	}
	if len(e.AllowedRedirectPatterns) == 0 {
		return fmt.Errorf("endpoint %s: at least one allowed redirect pattern is required", e.EndpointID)
	}
	for _, pattern := range e.AllowedRedirectPatterns {
		if err := validateRedirectPattern(pattern); err != nil {
			return fmt.Errorf("endpoint %s: %w", e.EndpointID, err)
		}
	}
	return nil
}

// Config holds server-wide configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL), used in discovery
	// metadata and as the base for callback URLs.
	Issuer string

	// Endpoints lists the protected endpoints, keyed by EndpointID.
	Endpoints []EndpointConfig

	// SessionTTL is how long an authorization session may stay in flight.
	SessionTTL int64 // seconds, default 600

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL int64 // seconds, default 60

	// AccessTokenTTL is how long gateway-minted access tokens are valid.
	AccessTokenTTL int64 // seconds, default 3600

	// RefreshTokenTTL is how long refresh tokens are valid. Rotation is
	// strict: the old token dies the moment the new one is issued.
	RefreshTokenTTL int64 // seconds, default 7776000 (90 days)

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to pick the right X-Forwarded-For entry.
	TrustedProxyCount int // default 1

	// MaxClientsPerIP caps dynamic registrations per IP per day.
	MaxClientsPerIP int // default 10

	// ClockSkewGracePeriod pads expiry checks against clock drift.
	ClockSkewGracePeriod int64 // seconds, default 5

	// ProviderTimeout bounds every outbound provider call. A timeout fails
	// the flow; provider calls that mutate state are never retried.
	ProviderTimeout time.Duration // default 30s
}

// applySecureDefaults fills zero values with secure defaults.
func applySecureDefaults(config *Config) *Config {
	if config.SessionTTL == 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.ProviderTimeout == 0 {
		config.ProviderTimeout = 30 * time.Second
	}
	return config
}

// Validate checks the whole configuration at startup.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if err := ep.Validate(); err != nil {
			return err
		}
		if seen[ep.EndpointID] {
			return fmt.Errorf("duplicate endpoint id %q", ep.EndpointID)
		}
		seen[ep.EndpointID] = true
	}
	return nil
}

// Endpoint returns the configuration for an endpoint ID.
func (c *Config) Endpoint(endpointID string) (*EndpointConfig, bool) {
	for i := range c.Endpoints {
		if c.Endpoints[i].EndpointID == endpointID {
			return &c.Endpoints[i], true
		}
	}
	return nil, false
}

// logSecurityWarnings flags configuration that weakens the default posture.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IPs",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.HybridAuthEnabled {
			logger.Info("Hybrid authentication enabled",
				"endpoint_id", ep.EndpointID,
				"note", "API keys are accepted alongside OAuth tokens")
		}
	}
}
