package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelgate/oauth-proxy/server"
	"github.com/modelgate/oauth-proxy/storage"
)

// FileConfig is the YAML configuration file schema.
type FileConfig struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// Issuer is the externally visible base URL of the proxy.
	Issuer string `yaml:"issuer"`

	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`

	// EncryptionKey is a base64-encoded 32-byte AES key for encrypting
	// provider tokens at rest. Generate one with `oauth-proxy genkey`.
	// Empty disables encryption; use ${ENV_VAR} to read from the environment.
	EncryptionKey string `yaml:"encryption_key"`

	// DisableAudit turns the security audit log off.
	DisableAudit bool `yaml:"disable_audit"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Tokens    TokenTTLConfig  `yaml:"tokens"`

	Providers []ProviderConfig     `yaml:"providers"`
	Endpoints []EndpointFileConfig `yaml:"endpoints"`
}

// RateLimitConfig configures per-IP request limiting.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" (default, single instance) or "valkey".
	Backend string `yaml:"backend"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TokenTTLConfig overrides token lifetimes, in seconds. Zero keeps the
// secure default.
type TokenTTLConfig struct {
	Session           int64 `yaml:"session"`
	AuthorizationCode int64 `yaml:"authorization_code"`
	AccessToken       int64 `yaml:"access_token"`
	RefreshToken      int64 `yaml:"refresh_token"`
}

// ProviderConfig configures one identity provider.
type ProviderConfig struct {
	// ID is how endpoints reference this provider.
	ID string `yaml:"id"`

	// Type is "google", "github", or "oidc".
	Type string `yaml:"type"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// IssuerURL is required for type "oidc".
	IssuerURL string `yaml:"issuer_url"`

	Scopes []string `yaml:"scopes"`

	// AllowedOrganizations restricts GitHub logins to these orgs.
	AllowedOrganizations []string `yaml:"allowed_organizations"`
}

// EndpointFileConfig configures one protected endpoint.
type EndpointFileConfig struct {
	ID                      string   `yaml:"id"`
	Mode                    string   `yaml:"mode"`
	Provider                string   `yaml:"provider"`
	AllowedRedirectPatterns []string `yaml:"allowed_redirect_patterns"`
	Scopes                  []string `yaml:"scopes"`
	ConsentRequired         bool     `yaml:"consent_required"`
	HybridAuth              bool     `yaml:"hybrid_auth"`
}

// LoadConfig reads and validates a YAML configuration file. ${VAR}
// references anywhere in the file are expanded from the environment before
// parsing, so secrets can stay out of the file itself.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &FileConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyFileDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFileDefaults(cfg *FileConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
}

// Validate checks the file-level constraints; server.Config.Validate covers
// the rest once the config is translated.
func (c *FileConfig) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	switch c.Storage.Backend {
	case "memory":
	case "valkey":
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want memory or valkey)", c.Storage.Backend)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	providerIDs := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if providerIDs[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		providerIDs[p.ID] = true
		switch p.Type {
		case "google", "github":
			if p.ClientID == "" || p.ClientSecret == "" {
				return fmt.Errorf("provider %s: client_id and client_secret are required", p.ID)
			}
		case "oidc":
			if p.IssuerURL == "" {
				return fmt.Errorf("provider %s: issuer_url is required for type oidc", p.ID)
			}
			if p.ClientID == "" {
				return fmt.Errorf("provider %s: client_id is required", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q (want google, github, or oidc)", p.ID, p.Type)
		}
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoints[%d]: id is required", i)
		}
		if !providerIDs[ep.Provider] {
			return fmt.Errorf("endpoint %s: unknown provider %q", ep.ID, ep.Provider)
		}
	}
	return nil
}

// ServerConfig translates the file configuration into the server package's
// configuration.
func (c *FileConfig) ServerConfig() *server.Config {
	cfg := &server.Config{
		Issuer:               c.Issuer,
		TrustProxy:           c.TrustProxy,
		TrustedProxyCount:    c.TrustedProxyCount,
		SessionTTL:           c.Tokens.Session,
		AuthorizationCodeTTL: c.Tokens.AuthorizationCode,
		AccessTokenTTL:       c.Tokens.AccessToken,
		RefreshTokenTTL:      c.Tokens.RefreshToken,
	}
	for _, ep := range c.Endpoints {
		cfg.Endpoints = append(cfg.Endpoints, server.EndpointConfig{
			EndpointID:              ep.ID,
			Mode:                    storage.Mode(ep.Mode),
			ProviderID:              ep.Provider,
			AllowedRedirectPatterns: ep.AllowedRedirectPatterns,
			Scopes:                  ep.Scopes,
			ConsentRequired:         ep.ConsentRequired,
			HybridAuthEnabled:       ep.HybridAuth,
		})
	}
	return cfg
}
