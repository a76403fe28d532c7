package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/pkce"
	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// Grant types accepted at the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
	IPAddress    string

	// Scope optionally narrows a refresh grant (RFC 6749 §6). It may never
	// exceed the originally granted scope.
	Scope string
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string

	// Extra carries pass-through fields from the provider's response,
	// e.g. id_token in upstream mode.
	Extra map[string]any
}

// Token dispatches a token endpoint request by grant type.
func (s *Server) Token(ctx context.Context, endpointID string, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, endpointID, req)
	case GrantRefreshToken:
		return s.refresh(ctx, endpointID, req)
	default:
		return nil, newError(ErrCodeUnsupportedGrantType,
			fmt.Sprintf("unsupported grant_type %q", req.GrantType))
	}
}

// exchangeCode implements grant_type=authorization_code.
func (s *Server) exchangeCode(ctx context.Context, endpointID string, req *TokenRequest) (*TokenResponse, error) {
	ep, ok := s.config.Endpoint(endpointID)
	if !ok {
		return nil, newError(ErrCodeInvalidRequest, "unknown endpoint")
	}
	client, oerr := s.authenticateClient(ctx, endpointID, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrant(client, GrantAuthorizationCode) {
		return nil, newError(ErrCodeUnauthorizedClient, "client is not registered for this grant type")
	}
	if req.Code == "" {
		return nil, newError(ErrCodeInvalidRequest, "code is required")
	}
	if req.CodeVerifier == "" {
		return nil, newError(ErrCodeInvalidRequest, "code_verifier is required")
	}
	if err := pkce.ValidateVerifier(req.CodeVerifier); err != nil {
		return nil, newError(ErrCodeInvalidRequest, "malformed code_verifier")
	}

	code, err := s.sessions.AtomicRedeemCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeAlreadyUsed) && code != nil {
			// Replay of an already-redeemed code means someone else holds a
			// copy. Kill everything issued from this grant.
			s.handleCodeReuse(ctx, endpointID, code, req.IPAddress)
		}
		return nil, invalidGrant(err)
	}

	// Bind the code to the caller. These are deliberate failures, not races:
	// the code stays burned.
	if code.ClientID != client.ClientID || code.EndpointID != endpointID {
		s.auditor.LogAuthFailure(code.Subject, client.ClientID, endpointID, req.IPAddress,
			"authorization code presented by a different client")
		return nil, invalidGrant(errors.New("code client mismatch"))
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, invalidGrant(errors.New("redirect_uri mismatch"))
	}

	// PKCE check against the client's original challenge. A mismatch rolls
	// the redemption back: the legitimate client may simply have sent the
	// wrong verifier and deserves a retry while the code is still fresh.
	if !pkce.Verify(req.CodeVerifier, code.CodeChallenge) {
		if rbErr := s.sessions.UnredeemCode(ctx, req.Code); rbErr != nil {
			s.logger.Warn("Failed to roll back code redemption after PKCE failure",
				"session_id", code.SessionID, "error", rbErr)
		}
		s.auditor.LogEvent(security.Event{
			Type:       security.EventPKCEValidationFailed,
			Subject:    code.Subject,
			ClientID:   client.ClientID,
			EndpointID: endpointID,
			IPAddress:  req.IPAddress,
		})
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx)
		}
		return nil, invalidGrant(errors.New("pkce verification failed"))
	}

	if err := s.sessions.MarkExchanged(ctx, code.SessionID); err != nil {
		// The code already won the atomic redeem; a session in the wrong
		// state here is a storage anomaly, not a client error.
		s.logger.Warn("Failed to mark session exchanged",
			"session_id", code.SessionID, "error", err)
	}

	var resp *TokenResponse
	switch ep.Mode {
	case storage.ModeGateway:
		resp, err = s.issueGatewayTokens(ctx, endpointID, client.ClientID, code)
	case storage.ModeUpstream:
		resp, err = s.exchangeUpstream(ctx, ep, client.ClientID, code, req.CodeVerifier)
	default:
		err = serverError(fmt.Errorf("endpoint %s has unknown mode %q", endpointID, ep.Mode))
	}
	if err != nil {
		return nil, err
	}

	s.auditor.LogTokenIssued(code.Subject, client.ClientID, endpointID, req.IPAddress, code.Scope)
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, endpointID)
	}
	return resp, nil
}

// handleCodeReuse revokes every token issued from a replayed grant.
func (s *Server) handleCodeReuse(ctx context.Context, endpointID string, code *storage.AuthorizationCode, ip string) {
	revoked, err := s.tokens.RevokeAllForSubject(ctx, code.Subject, endpointID, code.ClientID)
	if err != nil {
		s.logger.Error("Failed to revoke tokens after code reuse",
			"client_id", code.ClientID, "endpoint_id", endpointID, "error", err)
	}
	s.auditor.LogCodeReuse(code.Subject, code.ClientID, endpointID, ip, revoked)
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
	s.logSecurityEvent("code-reuse:"+code.ClientID,
		"Authorization code reuse detected, tokens revoked",
		"client_id", code.ClientID,
		"endpoint_id", endpointID,
		"tokens_revoked", revoked)
}

// issueGatewayTokens mints opaque gateway tokens for a redeemed code. The
// provider token stays server-side, attached to the record.
func (s *Server) issueGatewayTokens(ctx context.Context, endpointID, clientID string, code *storage.AuthorizationCode) (*TokenResponse, error) {
	now := s.now()
	record := &storage.TokenRecord{
		AccessToken:   generateRandomToken(),
		RefreshToken:  generateRandomToken(),
		TokenType:     "Bearer",
		Scope:         code.Scope,
		Subject:       code.Subject,
		EndpointID:    endpointID,
		ClientID:      clientID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second),
		ProviderToken: code.ProviderToken,
	}
	if err := s.tokens.SaveTokenRecord(ctx, record); err != nil {
		return nil, serverError(fmt.Errorf("saving token record: %w", err))
	}
	return &TokenResponse{
		AccessToken:  record.AccessToken,
		TokenType:    record.TokenType,
		ExpiresIn:    s.config.AccessTokenTTL,
		RefreshToken: record.RefreshToken,
		Scope:        record.Scope,
	}, nil
}

// exchangeUpstream completes the provider exchange for a pass-through
// endpoint: the redeemed code is the provider's own, and the client's
// verifier is forwarded so the provider performs the PKCE check too.
func (s *Server) exchangeUpstream(ctx context.Context, ep *EndpointConfig, clientID string, code *storage.AuthorizationCode, verifier string) (*TokenResponse, error) {
	provider, err := s.registry.Get(ep.ProviderID)
	if err != nil {
		return nil, serverError(err)
	}
	pctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	providerToken, err := provider.ExchangeCode(pctx, code.Code, &providers.ExchangeOptions{
		CodeVerifier: verifier,
		RedirectURI:  s.callbackURL(ep.EndpointID),
	})
	if err != nil {
		// The grant is not burned by a provider-side failure; let the
		// client retry while the code lives.
		if rbErr := s.sessions.UnredeemCode(ctx, code.Code); rbErr != nil {
			s.logger.Warn("Failed to roll back code redemption after provider failure",
				"session_id", code.SessionID, "error", rbErr)
		}
		s.auditor.LogEvent(security.Event{
			Type:       security.EventProviderExchangeFailed,
			ClientID:   clientID,
			EndpointID: ep.EndpointID,
			Details:    map[string]any{"provider_id": ep.ProviderID},
		})
		return nil, invalidGrant(fmt.Errorf("provider exchange: %w", err))
	}

	subject := code.Subject
	if subject == "" {
		userInfo, uerr := provider.ValidateToken(pctx, providerToken.AccessToken)
		if uerr != nil {
			s.logger.Warn("Failed to resolve subject for pass-through token",
				"endpoint_id", ep.EndpointID, "error", uerr)
		} else {
			subject = userInfo.ID
		}
	}

	// Track the pass-through token so validation, refresh, and revocation
	// recognize it. The record stores the provider token by reference; the
	// store encrypts it at rest.
	expiresAt := providerToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(time.Duration(s.config.AccessTokenTTL) * time.Second)
	}
	record := &storage.TokenRecord{
		AccessToken:   providerToken.AccessToken,
		RefreshToken:  providerToken.RefreshToken,
		TokenType:     "Bearer",
		Scope:         code.Scope,
		Subject:       subject,
		EndpointID:    ep.EndpointID,
		ClientID:      clientID,
		IssuedAt:      s.now(),
		ExpiresAt:     expiresAt,
		ProviderToken: providerToken,
	}
	if err := s.tokens.SaveTokenRecord(ctx, record); err != nil {
		return nil, serverError(fmt.Errorf("saving token record: %w", err))
	}

	return &TokenResponse{
		AccessToken:  providerToken.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		RefreshToken: providerToken.RefreshToken,
		Scope:        code.Scope,
		Extra:        storage.ExtractTokenExtra(providerToken),
	}, nil
}

// refresh implements grant_type=refresh_token with mandatory rotation: the
// presented token is atomically consumed, and only the rotation winner gets
// a new pair.
func (s *Server) refresh(ctx context.Context, endpointID string, req *TokenRequest) (*TokenResponse, error) {
	ep, ok := s.config.Endpoint(endpointID)
	if !ok {
		return nil, newError(ErrCodeInvalidRequest, "unknown endpoint")
	}
	client, oerr := s.authenticateClient(ctx, endpointID, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrant(client, GrantRefreshToken) {
		return nil, newError(ErrCodeUnauthorizedClient, "client is not registered for this grant type")
	}
	if req.RefreshToken == "" {
		return nil, newError(ErrCodeInvalidRequest, "refresh_token is required")
	}

	old, err := s.tokens.AtomicRotateRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		// Unknown, expired, or already rotated: all look the same. A
		// rotated-out token showing up again is a replay signal.
		s.auditor.LogEvent(security.Event{
			Type:       security.EventRefreshTokenReplayed,
			ClientID:   client.ClientID,
			EndpointID: endpointID,
			IPAddress:  req.IPAddress,
		})
		if m := s.metrics(); m != nil {
			m.RecordTokenReuseDetected(ctx)
		}
		return nil, invalidGrant(err)
	}
	if old.ClientID != client.ClientID || old.EndpointID != endpointID {
		s.auditor.LogAuthFailure(old.Subject, client.ClientID, endpointID, req.IPAddress,
			"refresh token presented by a different client")
		return nil, invalidGrant(errors.New("refresh token client mismatch"))
	}

	// The client may narrow the grant on refresh, never widen it. A scope
	// violation restores the consumed record: the token itself is fine, only
	// the request was malformed.
	scope := old.Scope
	if req.Scope != "" {
		requested := strings.Fields(req.Scope)
		if !scopeSubset(requested, strings.Fields(old.Scope)) {
			if rbErr := s.tokens.SaveTokenRecord(ctx, old); rbErr != nil {
				s.logger.Warn("Failed to restore token record after scope violation",
					"client_id", client.ClientID, "error", rbErr)
			}
			return nil, newError(ErrCodeInvalidScope, "requested scope exceeds the original grant")
		}
		scope = joinScopes(requested)
	}

	providerToken := old.ProviderToken
	if ep.Mode == storage.ModeUpstream || providerTokenNeedsRefresh(providerToken, s.now()) {
		providerToken, err = s.refreshProviderToken(ctx, ep, old)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	record := &storage.TokenRecord{
		TokenType:     "Bearer",
		Scope:         scope,
		Subject:       old.Subject,
		EndpointID:    endpointID,
		ClientID:      client.ClientID,
		IssuedAt:      now,
		ProviderToken: providerToken,
	}

	var resp *TokenResponse
	switch ep.Mode {
	case storage.ModeGateway:
		record.AccessToken = generateRandomToken()
		record.RefreshToken = generateRandomToken()
		record.ExpiresAt = now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second)
		resp = &TokenResponse{
			AccessToken:  record.AccessToken,
			TokenType:    "Bearer",
			ExpiresIn:    s.config.AccessTokenTTL,
			RefreshToken: record.RefreshToken,
			Scope:        record.Scope,
		}
	case storage.ModeUpstream:
		record.AccessToken = providerToken.AccessToken
		record.RefreshToken = providerToken.RefreshToken
		if record.RefreshToken == "" {
			// Providers may keep the refresh token stable across refreshes.
			record.RefreshToken = old.RefreshToken
		}
		record.ExpiresAt = providerToken.Expiry
		if record.ExpiresAt.IsZero() {
			record.ExpiresAt = now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second)
		}
		resp = &TokenResponse{
			AccessToken:  record.AccessToken,
			TokenType:    "Bearer",
			ExpiresIn:    int64(time.Until(record.ExpiresAt).Seconds()),
			RefreshToken: record.RefreshToken,
			Scope:        record.Scope,
			Extra:        storage.ExtractTokenExtra(providerToken),
		}
	}

	if err := s.tokens.SaveTokenRecord(ctx, record); err != nil {
		return nil, serverError(fmt.Errorf("saving rotated token record: %w", err))
	}

	s.auditor.LogTokenRefreshed(old.Subject, client.ClientID, endpointID, req.IPAddress, true)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, endpointID, true)
	}
	s.logger.Info("Refresh token rotated",
		"client_id", client.ClientID, "endpoint_id", endpointID)
	return resp, nil
}

// providerTokenNeedsRefresh reports whether a stored provider token should
// be refreshed alongside the gateway rotation.
func providerTokenNeedsRefresh(token *oauth2.Token, now time.Time) bool {
	return token != nil &&
		token.RefreshToken != "" &&
		!token.Expiry.IsZero() &&
		now.After(token.Expiry.Add(-2*time.Minute))
}

// refreshProviderToken refreshes the provider-side token attached to a
// record. Absent a provider refresh token the stored token is kept as is.
func (s *Server) refreshProviderToken(ctx context.Context, ep *EndpointConfig, old *storage.TokenRecord) (*oauth2.Token, error) {
	if old.ProviderToken == nil || old.ProviderToken.RefreshToken == "" {
		if ep.Mode == storage.ModeUpstream {
			return nil, invalidGrant(errors.New("no provider refresh token on record"))
		}
		return old.ProviderToken, nil
	}
	provider, err := s.registry.Get(ep.ProviderID)
	if err != nil {
		return nil, serverError(err)
	}
	pctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	refreshed, err := provider.RefreshToken(pctx, old.ProviderToken.RefreshToken)
	if err != nil {
		if ep.Mode == storage.ModeUpstream {
			return nil, invalidGrant(fmt.Errorf("provider refresh: %w", err))
		}
		// Gateway mode can keep serving its own tokens; the stale provider
		// token only matters to whatever consumes it later.
		s.logger.Warn("Provider token refresh failed, keeping stale token",
			"endpoint_id", ep.EndpointID, "provider_id", ep.ProviderID, "error", err)
		return old.ProviderToken, nil
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = old.ProviderToken.RefreshToken
	}
	return refreshed, nil
}

// RevokeRequest is a parsed RFC 7009 revocation request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	IPAddress     string
}

// Revoke implements RFC 7009. Per §2.2 the endpoint answers success whether
// or not the token existed; only client authentication failures and server
// faults are reported.
func (s *Server) Revoke(ctx context.Context, endpointID string, req *RevokeRequest) error {
	client, oerr := s.authenticateClient(ctx, endpointID, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return oerr
	}
	if req.Token == "" {
		return newError(ErrCodeInvalidRequest, "token is required")
	}

	record, tokenType := s.lookupForRevocation(ctx, req.Token, req.TokenTypeHint)
	if record == nil {
		// Unknown token: still a success per the RFC.
		return nil
	}
	if record.ClientID != client.ClientID || record.EndpointID != endpointID {
		// A client may only revoke its own tokens. Still report success so
		// revocation cannot be used to probe foreign tokens.
		s.logSecurityEvent("revoke:"+client.ClientID,
			"Revocation attempt against a foreign token", "client_id", client.ClientID)
		return nil
	}

	if err := s.tokens.DeleteByAccessToken(ctx, record.AccessToken); err != nil &&
		!errors.Is(err, storage.ErrTokenNotFound) {
		return serverError(fmt.Errorf("deleting token record: %w", err))
	}
	s.revokeProviderToken(ctx, endpointID, record)

	s.auditor.LogTokenRevoked(record.Subject, client.ClientID, endpointID, req.IPAddress, tokenType)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, endpointID)
	}
	return nil
}

// lookupForRevocation resolves a presented token to its record, trying the
// hinted type first per RFC 7009 §2.1.
func (s *Server) lookupForRevocation(ctx context.Context, token, hint string) (*storage.TokenRecord, string) {
	byAccess := func() (*storage.TokenRecord, string) {
		if rec, err := s.tokens.GetByAccessToken(ctx, token); err == nil {
			return rec, "access_token"
		}
		return nil, ""
	}
	byRefresh := func() (*storage.TokenRecord, string) {
		// Rotation is the only consumer of the refresh index, so resolving a
		// refresh token means burning it; the caller deletes the record
		// right after, which is exactly revocation semantics.
		if rec, err := s.tokens.AtomicRotateRefreshToken(ctx, token); err == nil {
			return rec, "refresh_token"
		}
		return nil, ""
	}

	if hint == "refresh_token" {
		if rec, tt := byRefresh(); rec != nil {
			return rec, tt
		}
		return byAccess()
	}
	if rec, tt := byAccess(); rec != nil {
		return rec, tt
	}
	return byRefresh()
}

// revokeProviderToken best-effort revokes the provider-side token attached
// to a record. Failures are logged, never surfaced: the proxy-side token is
// already gone.
func (s *Server) revokeProviderToken(ctx context.Context, endpointID string, record *storage.TokenRecord) {
	if record.ProviderToken == nil || record.ProviderToken.AccessToken == "" {
		return
	}
	ep, ok := s.config.Endpoint(endpointID)
	if !ok {
		return
	}
	provider, err := s.registry.Get(ep.ProviderID)
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	if err := provider.RevokeToken(pctx, record.ProviderToken.AccessToken); err != nil {
		if errors.Is(err, providers.ErrRevocationUnsupported) {
			return
		}
		s.auditor.LogEvent(security.Event{
			Type:       security.EventProviderRevocationFailed,
			Subject:    record.Subject,
			EndpointID: endpointID,
			Details:    map[string]any{"provider_id": ep.ProviderID},
		})
		s.logger.Warn("Provider token revocation failed",
			"endpoint_id", endpointID, "provider_id", ep.ProviderID, "error", err)
	}
}

// RevokeAllForSubject removes every token issued to a subject on an
// endpoint, e.g. on account compromise. clientID narrows to one client;
// empty means all clients.
func (s *Server) RevokeAllForSubject(ctx context.Context, subject, endpointID, clientID string) (int, error) {
	revoked, err := s.tokens.RevokeAllForSubject(ctx, subject, endpointID, clientID)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for subject: %w", err)
	}
	s.auditor.LogEvent(security.Event{
		Type:       security.EventAllTokensRevoked,
		Subject:    subject,
		ClientID:   clientID,
		EndpointID: endpointID,
		Details:    map[string]any{"tokens_revoked": revoked},
	})
	return revoked, nil
}
