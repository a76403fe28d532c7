// Package server implements the OAuth 2.1 proxy core: dynamic client
// registration, the authorization code flow with PKCE in gateway and upstream
// modes, token issuance with refresh rotation, revocation, and hybrid
// credential validation. The HTTP layer in the root package is a thin
// adapter over this package.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/instrumentation"
	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// Server is the protocol core. It owns no HTTP concerns: every operation
// takes parsed inputs and returns typed results or *Error values the
// transport layer renders.
type Server struct {
	registry *providers.Registry

	clients  storage.ClientStore
	sessions storage.SessionStore
	tokens   storage.TokenStore
	apiKeys  storage.APIKeyStore

	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	logger  *slog.Logger

	// securityEventLimiter throttles repeated security log lines per
	// identifier so an attacker cannot flood the log stream.
	securityEventLimiter *security.RateLimiter

	config *Config

	now func() time.Time
}

// Stores bundles the storage interfaces the server needs. A single backend
// usually implements all four.
type Stores struct {
	Clients  storage.ClientStore
	Sessions storage.SessionStore
	Tokens   storage.TokenStore
	APIKeys  storage.APIKeyStore
}

// New creates a server. The registry must already contain every provider the
// endpoint configuration references.
func New(registry *providers.Registry, stores Stores, config *Config, logger *slog.Logger) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if stores.Clients == nil || stores.Sessions == nil || stores.Tokens == nil {
		return nil, fmt.Errorf("client, session, and token stores are required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for i := range config.Endpoints {
		if _, err := registry.Get(config.Endpoints[i].ProviderID); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", config.Endpoints[i].EndpointID, err)
		}
	}
	logSecurityWarnings(config, logger)

	return &Server{
		registry:             registry,
		clients:              stores.Clients,
		sessions:             stores.Sessions,
		tokens:               stores.Tokens,
		apiKeys:              stores.APIKeys,
		auditor:              security.NewAuditor(logger, true),
		securityEventLimiter: security.NewRateLimiter(1, 5, logger),
		config:               config,
		logger:               logger,
		now:                  time.Now,
	}, nil
}

// SetAuditor replaces the default auditor, e.g. to disable audit logging or
// route it to a dedicated stream.
func (s *Server) SetAuditor(a *security.Auditor) {
	if a != nil {
		s.auditor = a
	}
}

// SetInstrumentation wires OpenTelemetry metrics and tracing.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// Config returns the effective configuration after defaults were applied.
func (s *Server) Config() *Config {
	return s.config
}

// Close releases background resources.
func (s *Server) Close() {
	if s.securityEventLimiter != nil {
		s.securityEventLimiter.Stop()
	}
}

// generateRandomToken returns a 43-character URL-safe random string, used for
// client IDs, states, authorization codes, and bearer tokens. The oauth2
// verifier generator already produces exactly this shape from crypto/rand.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// metrics returns the metrics sink, or nil when instrumentation is off.
// Callers must nil-check.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// logSecurityEvent writes a warn-level line, rate limited per key so repeated
// probes cannot flood the logs. The audit stream is not rate limited.
func (s *Server) logSecurityEvent(key, msg string, args ...any) {
	if s.securityEventLimiter.Allow(key) {
		s.logger.Warn(msg, args...)
	}
}
