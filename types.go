package oauth

// Wire types for the HTTP endpoints. Field sets follow RFC 7591 (dynamic
// client registration), RFC 8414 (server metadata), and RFC 6749 (token and
// error responses).

// ClientRegistrationRequest is an RFC 7591 registration request body.
type ClientRegistrationRequest struct {
	// RedirectURIs is the array of redirection URIs for redirect-based flows.
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is the requested client authentication method.
	// "none" yields a public client; absent defaults to client_secret_basic.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes is the array of OAuth 2.0 grant types the client will use.
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes is the array of OAuth 2.0 response types the client will use.
	ResponseTypes []string `json:"response_types,omitempty"`

	// ClientName is the human-readable name of the client.
	ClientName string `json:"client_name,omitempty"`

	// Scope is the space-separated list of requested scope values.
	Scope string `json:"scope,omitempty"`
}

// ClientRegistrationResponse is an RFC 7591 registration response body.
type ClientRegistrationResponse struct {
	// ClientID is the unique client identifier.
	ClientID string `json:"client_id"`

	// ClientSecret is present for confidential clients only, and only here:
	// the server keeps a hash.
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientIDIssuedAt is the registration time as a Unix timestamp.
	ClientIDIssuedAt int64 `json:"client_id_issued_at,omitempty"`

	// ClientSecretExpiresAt is when the client_secret expires (0 = never).
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at"`

	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`

	// Per-endpoint flow URLs, so clients can drive the flow straight from
	// the registration response without a discovery round trip.
	AuthorizationURL string `json:"authorization_url"`
	TokenURL         string `json:"token_url"`
	RevocationURL    string `json:"revocation_url,omitempty"`
}

// AuthorizationServerMetadata is an RFC 8414 metadata document, served per
// endpoint.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the dynamic client registration URL (RFC 7591).
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the token revocation URL (RFC 7009).
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported.
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication
	// methods accepted at the token endpoint.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE methods. Always ["S256"].
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ErrorResponse is an OAuth 2.0 error response body.
type ErrorResponse struct {
	// Error is the OAuth error code.
	Error string `json:"error"`

	// ErrorDescription provides additional human-readable information.
	ErrorDescription string `json:"error_description,omitempty"`
}
