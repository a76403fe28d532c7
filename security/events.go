package security

// Audit event type constants. Using constants rather than inline strings
// keeps event names consistent across the server, storage, and handler
// layers.
const (
	// Token lifecycle

	// EventTokenIssued is logged when a new access token is issued.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh grant succeeds.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is explicitly revoked.
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every token for a subject is
	// revoked at once, typically in response to an anomaly.
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// Authorization flow

	// EventAuthorizationFlowStarted is logged when an authorize request
	// creates a new session.
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when a one-time code is minted.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when an authorization code is
	// redeemed twice. Treated as a likely interception attack.
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReplayed is logged when a refresh token loses the
	// rotation race or is presented after rotation.
	EventRefreshTokenReplayed = "refresh_token_replayed"

	// Client registration

	// EventClientRegistered is logged on successful dynamic registration.
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration is
	// rejected for validation or security reasons.
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRegistrationLimitExceeded is logged when an IP exhausts
	// its registration quota.
	EventClientRegistrationLimitExceeded = "client_registration_limit_exceeded"

	// Security violations

	// EventAuthFailure is logged on any failed authentication attempt.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged on a rate limit violation.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when code_verifier verification
	// fails at the token endpoint.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect URI fails validation.
	EventInvalidRedirect = "invalid_redirect"

	// EventStateMismatch is logged when a callback arrives with a provider
	// state that matches no session.
	EventStateMismatch = "provider_state_mismatch"

	// EventAPIKeyRejected is logged when a presented API key is unknown,
	// expired, or revoked.
	EventAPIKeyRejected = "api_key_rejected"

	// Provider interaction

	// EventProviderExchangeFailed is logged when the upstream code exchange
	// fails.
	EventProviderExchangeFailed = "provider_code_exchange_failed"

	// EventProviderRevocationFailed is logged when upstream revocation of a
	// provider token fails.
	EventProviderRevocationFailed = "provider_revocation_failed"
)
