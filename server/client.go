package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// Client types and token endpoint auth methods (RFC 7591).
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"

	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// RegistrationRequest is the parsed RFC 7591 registration metadata.
type RegistrationRequest struct {
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scope                   string

	// IPAddress is the registrant's IP, used for the per-IP quota.
	IPAddress string
}

// RegistrationResponse is returned to the registrant. ClientSecret is the
// only time the plaintext secret exists outside the client.
type RegistrationResponse struct {
	ClientID                string
	ClientSecret            string
	ClientIDIssuedAt        int64
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scope                   string

	// Per-endpoint URLs the client drives the flow against, so registrants
	// need no separate discovery round trip.
	AuthorizationURL string
	TokenURL         string
	RevocationURL    string
}

// RegisterClient performs dynamic client registration scoped to one endpoint.
func (s *Server) RegisterClient(ctx context.Context, endpointID string, req *RegistrationRequest) (*RegistrationResponse, error) {
	ep, ok := s.config.Endpoint(endpointID)
	if !ok {
		return nil, newError(ErrCodeInvalidRequest, "unknown endpoint")
	}

	if req.IPAddress != "" {
		if err := s.clients.CheckIPLimit(ctx, req.IPAddress, s.config.MaxClientsPerIP); err != nil {
			if errors.Is(err, storage.ErrRegistrationLimitReached) {
				s.auditor.LogEvent(security.Event{
					Type:       security.EventClientRegistrationLimitExceeded,
					EndpointID: endpointID,
					IPAddress:  req.IPAddress,
				})
				return nil, &Error{
					Code:        ErrCodeInvalidRequest,
					Description: "registration limit reached, try again later",
					HTTPStatus:  429,
				}
			}
			return nil, serverError(err)
		}
	}

	if len(req.RedirectURIs) == 0 {
		return nil, newError(ErrCodeInvalidClientMetadata, "redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if rerr := validateRedirectURI(uri, ep.AllowedRedirectPatterns); rerr != nil {
			s.auditor.LogEvent(security.Event{
				Type:       security.EventClientRegistrationRejected,
				EndpointID: endpointID,
				IPAddress:  req.IPAddress,
				Details:    map[string]any{"uri": rerr.URI, "reason": rerr.Reason},
			})
			return nil, newError(ErrCodeInvalidRedirectURI, rerr.ClientMessage)
		}
	}

	scopes, err := resolveScopes(req.Scope, ep.Scopes)
	if err != nil {
		return nil, newError(ErrCodeInvalidClientMetadata, err.Error())
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(req.TokenEndpointAuthMethod)
	if err != nil {
		return nil, newError(ErrCodeInvalidClientMetadata, err.Error())
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, newError(ErrCodeInvalidClientMetadata,
				fmt.Sprintf("unsupported grant type %q", gt))
		}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, newError(ErrCodeInvalidClientMetadata,
				fmt.Sprintf("unsupported response type %q", rt))
		}
	}

	client := &storage.Client{
		ClientID:                generateRandomToken(),
		ClientType:              clientType,
		EndpointID:              endpointID,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		CreatedAt:               s.now(),
	}

	var plaintextSecret string
	if clientType == ClientTypeConfidential {
		plaintextSecret, err = security.GenerateSecret(32)
		if err != nil {
			return nil, serverError(fmt.Errorf("generating client secret: %w", err))
		}
		client.ClientSecretHash, err = security.HashClientSecret(plaintextSecret)
		if err != nil {
			return nil, serverError(fmt.Errorf("hashing client secret: %w", err))
		}
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, serverError(fmt.Errorf("saving client: %w", err))
	}
	if req.IPAddress != "" {
		if err := s.clients.TrackClientIP(ctx, req.IPAddress); err != nil {
			// The client is already registered; quota accounting failure is
			// not worth failing the request over.
			s.logger.Warn("Failed to track registration IP", "error", err)
		}
	}

	s.auditor.LogClientRegistered(client.ClientID, clientType, endpointID, req.IPAddress)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.logger.Info("Client registered",
		"client_id", client.ClientID,
		"client_type", clientType,
		"endpoint_id", endpointID)

	base := s.config.Issuer + "/" + endpointID
	return &RegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            plaintextSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              client.ClientName,
		Scope:                   joinScopes(scopes),
		AuthorizationURL:        base + "/authorize",
		TokenURL:                base + "/token",
		RevocationURL:           base + "/revoke",
	}, nil
}

// resolveClientTypeAndAuthMethod maps the requested token endpoint auth
// method to a client type. Absent means confidential with basic auth, per
// RFC 7591 §2.
func resolveClientTypeAndAuthMethod(requested string) (clientType, authMethod string, err error) {
	switch requested {
	case AuthMethodNone:
		return ClientTypePublic, AuthMethodNone, nil
	case "", AuthMethodClientSecretBasic:
		return ClientTypeConfidential, AuthMethodClientSecretBasic, nil
	case AuthMethodClientSecretPost:
		return ClientTypeConfidential, AuthMethodClientSecretPost, nil
	default:
		return "", "", fmt.Errorf("unsupported token_endpoint_auth_method %q", requested)
	}
}

// authenticateClient verifies client credentials for the token and
// revocation endpoints. Public clients authenticate by client_id alone;
// confidential clients must present their secret. Failures are uniform so a
// caller cannot distinguish unknown clients from bad secrets.
func (s *Server) authenticateClient(ctx context.Context, endpointID, clientID, clientSecret string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, invalidClient(errors.New("missing client_id"))
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		// Burn a bcrypt comparison anyway so unknown client IDs take as long
		// as wrong secrets.
		s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
		return nil, invalidClient(err)
	}
	if client.EndpointID != endpointID {
		return nil, invalidClient(fmt.Errorf("client %s belongs to a different endpoint", clientID))
	}

	switch client.ClientType {
	case ClientTypePublic:
		if clientSecret != "" {
			return nil, invalidClient(errors.New("public client presented a secret"))
		}
	default:
		if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			s.auditor.LogAuthFailure("", clientID, endpointID, "", "invalid client secret")
			return nil, invalidClient(err)
		}
	}
	return client, nil
}

// clientAllowsRedirect reports whether a redirect URI is registered for the
// client. Exact string comparison only.
func clientAllowsRedirect(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// clientAllowsGrant reports whether the client registered for a grant type.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// resolveScopes parses a space-delimited scope string and checks it against
// the endpoint's allowed scopes. An empty request inherits the endpoint's
// scope list; an empty endpoint list allows anything.
func resolveScopes(requested string, allowed []string) ([]string, error) {
	if requested == "" {
		return allowed, nil
	}
	scopes := strings.Fields(requested)
	if len(allowed) == 0 {
		return scopes, nil
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, sc := range allowed {
		allowedSet[sc] = true
	}
	for _, sc := range scopes {
		if !allowedSet[sc] {
			return nil, fmt.Errorf("scope %q is not allowed", sc)
		}
	}
	return scopes, nil
}

// scopeSubset reports whether every requested scope appears in granted.
func scopeSubset(requested, granted []string) bool {
	grantedSet := make(map[string]bool, len(granted))
	for _, sc := range granted {
		grantedSet[sc] = true
	}
	for _, sc := range requested {
		if !grantedSet[sc] {
			return false
		}
	}
	return true
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
