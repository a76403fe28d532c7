package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// Credential sources reported by ValidateCredential.
const (
	SourceOAuth  = "oauth"
	SourceAPIKey = "api_key"
)

// Identity is the authenticated principal behind a validated credential.
type Identity struct {
	Subject    string
	EndpointID string
	ClientID   string
	Scopes     []string

	// Source is SourceOAuth for access tokens, SourceAPIKey for API keys.
	Source string

	// ExpiresAt is when the credential stops being valid. Zero for API keys
	// without an expiry.
	ExpiresAt time.Time
}

// ErrInvalidCredential is returned for every rejected credential. Callers
// get no detail about why; the reason goes to the audit log only.
var ErrInvalidCredential = errors.New("invalid credential")

// ValidateCredential authenticates a bearer credential for an endpoint. An
// opaque access token issued by this server is tried first; when the
// endpoint has hybrid auth enabled, a pre-provisioned API key is accepted
// too. Every failure collapses into ErrInvalidCredential.
func (s *Server) ValidateCredential(ctx context.Context, endpointID, credential string) (*Identity, error) {
	ep, ok := s.config.Endpoint(endpointID)
	if !ok || credential == "" {
		return nil, ErrInvalidCredential
	}

	identity, tokenErr := s.validateAccessToken(ctx, ep, credential)
	if tokenErr == nil {
		return identity, nil
	}

	if ep.HybridAuthEnabled && s.apiKeys != nil {
		identity, keyErr := s.validateAPIKey(ctx, ep, credential)
		if keyErr == nil {
			return identity, nil
		}
	}

	s.logSecurityEvent("validate:"+endpointID,
		"Credential validation failed", "endpoint_id", endpointID)
	return nil, ErrInvalidCredential
}

// validateAccessToken checks an opaque gateway-issued access token.
func (s *Server) validateAccessToken(ctx context.Context, ep *EndpointConfig, token string) (*Identity, error) {
	record, err := s.tokens.GetByAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if record.EndpointID != ep.EndpointID {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpiredWithGracePeriod(record.ExpiresAt,
		time.Duration(s.config.ClockSkewGracePeriod)*time.Second) {
		return nil, storage.ErrTokenExpired
	}
	return &Identity{
		Subject:    record.Subject,
		EndpointID: record.EndpointID,
		ClientID:   record.ClientID,
		Scopes:     strings.Fields(record.Scope),
		Source:     SourceOAuth,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// validateAPIKey checks a pre-provisioned API key. Keys are stored only as
// SHA-256 hashes, so lookup is by hash of the presented value.
func (s *Server) validateAPIKey(ctx context.Context, ep *EndpointConfig, key string) (*Identity, error) {
	record, err := s.apiKeys.GetAPIKeyByHash(ctx, security.HashAPIKey(key))
	if err != nil {
		return nil, err
	}
	if record.Revoked {
		s.auditor.LogEvent(security.Event{
			Type:       security.EventAPIKeyRejected,
			Subject:    record.Subject,
			EndpointID: ep.EndpointID,
			Details:    map[string]any{"reason": "revoked"},
		})
		return nil, storage.ErrTokenRevoked
	}
	if record.EndpointID != "" && record.EndpointID != ep.EndpointID {
		return nil, storage.ErrAPIKeyNotFound
	}
	if !record.ExpiresAt.IsZero() && security.IsTokenExpired(record.ExpiresAt) {
		s.auditor.LogEvent(security.Event{
			Type:       security.EventAPIKeyRejected,
			Subject:    record.Subject,
			EndpointID: ep.EndpointID,
			Details:    map[string]any{"reason": "expired"},
		})
		return nil, storage.ErrTokenExpired
	}
	return &Identity{
		Subject:    record.Subject,
		EndpointID: ep.EndpointID,
		Scopes:     record.Scopes,
		Source:     SourceAPIKey,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// ProvisionAPIKey creates an API key for hybrid authentication and returns
// the plaintext key once. ttl of zero means no expiry.
func (s *Server) ProvisionAPIKey(ctx context.Context, endpointID, subject string, scopes []string, ttl time.Duration) (string, error) {
	if s.apiKeys == nil {
		return "", errors.New("api key store is not configured")
	}
	if _, ok := s.config.Endpoint(endpointID); !ok {
		return "", errors.New("unknown endpoint")
	}
	plaintext, err := security.GenerateSecret(32)
	if err != nil {
		return "", err
	}
	record := &storage.APIKey{
		KeyHash:    security.HashAPIKey(plaintext),
		Subject:    subject,
		EndpointID: endpointID,
		Scopes:     scopes,
		CreatedAt:  s.now(),
	}
	if ttl > 0 {
		record.ExpiresAt = s.now().Add(ttl)
	}
	if err := s.apiKeys.SaveAPIKey(ctx, record); err != nil {
		return "", err
	}
	s.logger.Info("API key provisioned",
		"endpoint_id", endpointID, "has_expiry", ttl > 0)
	return plaintext, nil
}
