package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/oauth-proxy/pkce"
	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// AuthorizeRequest is a parsed authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	LoginHint           string
	IPAddress           string
}

// AuthorizeResult tells the transport where to send the user agent.
type AuthorizeResult struct {
	// RedirectURL is the provider authorization URL.
	RedirectURL string

	// SessionID identifies the in-flight session, mainly for logging.
	SessionID string
}

// StartAuthorization validates an authorization request and creates the
// session. The returned error is *Error; its RedirectURL method reports
// whether it may be delivered via redirect.
func (s *Server) StartAuthorization(ctx context.Context, endpointID string, req *AuthorizeRequest) (*AuthorizeResult, error) {
	ep, ok := s.config.Endpoint(endpointID)
	if !ok {
		return nil, newError(ErrCodeInvalidRequest, "unknown endpoint")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, wrapError(ErrCodeInvalidRequest, "unknown client", err)
	}
	if client.EndpointID != endpointID {
		return nil, newError(ErrCodeInvalidRequest, "unknown client")
	}

	// The redirect URI must match a registered one exactly. Until this
	// passes, no error may be delivered by redirect.
	if req.RedirectURI == "" || !clientAllowsRedirect(client, req.RedirectURI) {
		s.auditor.LogEvent(security.Event{
			Type:       security.EventInvalidRedirect,
			ClientID:   req.ClientID,
			EndpointID: endpointID,
			IPAddress:  req.IPAddress,
			Details:    map[string]any{"uri": sanitizeURIForLogging(req.RedirectURI)},
		})
		return nil, newError(ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	// From here on, errors carry the validated redirect URI so the transport
	// can deliver them per RFC 6749 §4.1.2.1.
	fail := func(e *Error) error {
		e.redirectURI = req.RedirectURI
		e.state = req.State
		return e
	}

	if req.ResponseType != "code" {
		return nil, fail(newError(ErrCodeUnsupportedResponseType, "only response_type=code is supported"))
	}
	if req.State == "" {
		return nil, fail(newError(ErrCodeInvalidRequest, "state is required"))
	}
	if req.CodeChallenge == "" {
		return nil, fail(newError(ErrCodeInvalidRequest, "code_challenge is required"))
	}
	if req.CodeChallengeMethod != pkce.MethodS256 {
		return nil, fail(newError(ErrCodeInvalidRequest, "code_challenge_method must be S256"))
	}
	if err := pkce.ValidateChallenge(req.CodeChallenge); err != nil {
		return nil, fail(newError(ErrCodeInvalidRequest, "malformed code_challenge"))
	}

	scopes, err := resolveScopes(req.Scope, client.Scopes)
	if err != nil {
		return nil, fail(newError(ErrCodeInvalidScope, err.Error()))
	}

	provider, err := s.registry.Get(ep.ProviderID)
	if err != nil {
		return nil, fail(serverError(err))
	}

	session := &storage.AuthorizationSession{
		SessionID:           uuid.NewString(),
		State:               req.State,
		ProviderState:       generateRandomToken(),
		ClientID:            client.ClientID,
		EndpointID:          endpointID,
		RedirectURI:         req.RedirectURI,
		Scope:               joinScopes(scopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Mode:                ep.Mode,
		Status:              storage.SessionPending,
		CreatedAt:           s.now(),
		ExpiresAt:           s.now().Add(time.Duration(s.config.SessionTTL) * time.Second),
	}

	opts := &providers.AuthOptions{
		RedirectURI: s.callbackURL(endpointID),
		LoginHint:   req.LoginHint,
	}
	switch ep.Mode {
	case storage.ModeGateway:
		// Dual PKCE: the client's challenge is kept for our own token
		// endpoint; the provider leg gets a pair we generate and hold. The
		// client's verifier never travels upstream.
		verifier, challenge := pkce.GeneratePair()
		session.ProviderCodeVerifier = verifier
		opts.CodeChallenge = challenge
		opts.CodeChallengeMethod = pkce.MethodS256
	case storage.ModeUpstream:
		// Single PKCE leg: the client's challenge goes to the provider
		// unchanged, and the provider performs the final verification.
		opts.CodeChallenge = req.CodeChallenge
		opts.CodeChallengeMethod = req.CodeChallengeMethod
	}

	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, fail(serverError(fmt.Errorf("saving session: %w", err)))
	}

	s.auditor.LogEvent(security.Event{
		Type:       security.EventAuthorizationFlowStarted,
		ClientID:   client.ClientID,
		EndpointID: endpointID,
		IPAddress:  req.IPAddress,
		Details:    map[string]any{"mode": string(ep.Mode), "session_id": session.SessionID},
	})
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, endpointID, string(ep.Mode))
	}
	s.logger.Info("Authorization flow started",
		"session_id", session.SessionID,
		"client_id", client.ClientID,
		"endpoint_id", endpointID,
		"mode", ep.Mode)

	return &AuthorizeResult{
		RedirectURL: provider.AuthorizationURL(session.ProviderState, opts),
		SessionID:   session.SessionID,
	}, nil
}

// CallbackResult tells the transport where to send the user agent after the
// provider callback.
type CallbackResult struct {
	RedirectURL string
}

// HandleProviderCallback processes the provider's redirect back to the
// proxy. providerErr is the provider's error parameter, empty on success.
func (s *Server) HandleProviderCallback(ctx context.Context, endpointID, providerState, providerCode, providerErr string) (*CallbackResult, error) {
	ep, ok := s.config.Endpoint(endpointID)
	if !ok {
		return nil, newError(ErrCodeInvalidRequest, "unknown endpoint")
	}
	if providerState == "" {
		return nil, newError(ErrCodeInvalidRequest, "missing state")
	}

	session, err := s.sessions.GetSessionByProviderState(ctx, providerState)
	if err != nil {
		s.auditor.LogEvent(security.Event{
			Type:       security.EventStateMismatch,
			EndpointID: endpointID,
		})
		s.logSecurityEvent("callback:"+endpointID,
			"Callback with unknown or expired provider state", "endpoint_id", endpointID)
		if m := s.metrics(); m != nil {
			m.RecordCallbackProcessed(ctx, endpointID, false)
		}
		return nil, wrapError(ErrCodeInvalidRequest, "unknown or expired authorization session", err)
	}
	if session.EndpointID != endpointID {
		return nil, newError(ErrCodeInvalidRequest, "unknown or expired authorization session")
	}

	// Provider denied or errored: the session is dead. Tell the client via
	// its (already validated) redirect URI.
	if providerErr != "" {
		if err := s.sessions.DeleteSession(ctx, session.SessionID); err != nil {
			s.logger.Warn("Failed to delete denied session", "session_id", session.SessionID, "error", err)
		}
		if m := s.metrics(); m != nil {
			m.RecordCallbackProcessed(ctx, endpointID, false)
		}
		return &CallbackResult{
			RedirectURL: errorRedirect(session.RedirectURI, ErrCodeAccessDenied,
				"the authorization request was denied", session.State),
		}, nil
	}
	if providerCode == "" {
		return nil, newError(ErrCodeInvalidRequest, "missing code")
	}

	code := &storage.AuthorizationCode{
		SessionID:           session.SessionID,
		ClientID:            session.ClientID,
		EndpointID:          session.EndpointID,
		RedirectURI:         session.RedirectURI,
		Scope:               session.Scope,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		CreatedAt:           s.now(),
		ExpiresAt:           s.now().Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}

	var subject string
	switch ep.Mode {
	case storage.ModeGateway:
		// Complete the provider leg right away with our held verifier, then
		// mint a fresh client-facing code. The provider's code never reaches
		// the client.
		provider, perr := s.registry.Get(ep.ProviderID)
		if perr != nil {
			return nil, serverError(perr)
		}
		pctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
		defer cancel()

		providerToken, perr := provider.ExchangeCode(pctx, providerCode, &providers.ExchangeOptions{
			CodeVerifier: session.ProviderCodeVerifier,
			RedirectURI:  s.callbackURL(endpointID),
		})
		if perr != nil {
			s.auditor.LogEvent(security.Event{
				Type:       security.EventProviderExchangeFailed,
				ClientID:   session.ClientID,
				EndpointID: endpointID,
				Details:    map[string]any{"provider_id": ep.ProviderID},
			})
			if m := s.metrics(); m != nil {
				m.RecordCallbackProcessed(ctx, endpointID, false)
			}
			s.logger.Error("Provider code exchange failed",
				"session_id", session.SessionID, "provider_id", ep.ProviderID, "error", perr)
			return &CallbackResult{
				RedirectURL: errorRedirect(session.RedirectURI, ErrCodeServerError,
					"authentication with the identity provider failed", session.State),
			}, nil
		}

		userInfo, perr := provider.ValidateToken(pctx, providerToken.AccessToken)
		if perr != nil {
			return nil, serverError(fmt.Errorf("fetching user info: %w", perr))
		}
		subject = userInfo.ID

		code.Code = generateRandomToken()
		code.Subject = subject
		code.ProviderToken = providerToken

	case storage.ModeUpstream:
		// Pass-through: relay the provider's own code. The client completes
		// the exchange at our token endpoint, which forwards to the
		// provider; no provider token is held here.
		code.Code = providerCode
	}

	if err := s.sessions.MarkAuthorized(ctx, session.SessionID, subject, code); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// Replayed callback: the session already advanced.
			s.logSecurityEvent("replay:"+session.SessionID,
				"Callback replay for already-authorized session", "session_id", session.SessionID)
			return nil, wrapError(ErrCodeInvalidRequest, "unknown or expired authorization session", err)
		}
		return nil, serverError(fmt.Errorf("marking session authorized: %w", err))
	}

	s.auditor.LogEvent(security.Event{
		Type:       security.EventAuthorizationCodeIssued,
		Subject:    subject,
		ClientID:   session.ClientID,
		EndpointID: endpointID,
	})
	if m := s.metrics(); m != nil {
		m.RecordCallbackProcessed(ctx, endpointID, true)
	}
	s.logger.Info("Authorization callback processed",
		"session_id", session.SessionID,
		"endpoint_id", endpointID,
		"mode", ep.Mode)

	return &CallbackResult{
		RedirectURL: codeRedirect(session.RedirectURI, code.Code, session.State),
	}, nil
}

// callbackURL is the provider-facing redirect URI for an endpoint.
func (s *Server) callbackURL(endpointID string) string {
	return fmt.Sprintf("%s/%s/callback", s.config.Issuer, endpointID)
}

// codeRedirect appends code and state to the client's redirect URI.
func codeRedirect(redirectURI, code, state string) string {
	return appendQuery(redirectURI, url.Values{"code": {code}, "state": {state}})
}

// errorRedirect appends an OAuth error to the client's redirect URI.
func errorRedirect(redirectURI, errCode, description, state string) string {
	v := url.Values{"error": {errCode}, "state": {state}}
	if description != "" {
		v.Set("error_description", description)
	}
	return appendQuery(redirectURI, v)
}

func appendQuery(uri string, v url.Values) string {
	sep := "?"
	if u, err := url.Parse(uri); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return uri + sep + v.Encode()
}
