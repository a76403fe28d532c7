package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match these
// with errors.Is to map storage failures onto OAuth wire errors.
var (
	// ErrClientNotFound indicates the client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientCredentials indicates client authentication failed.
	// Deliberately generic so callers cannot distinguish "unknown client"
	// from "wrong secret" (client enumeration defense).
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrSessionNotFound indicates no session matches the given state.
	ErrSessionNotFound = errors.New("authorization session not found")

	// ErrSessionExpired indicates the session's TTL has elapsed.
	ErrSessionExpired = errors.New("authorization session expired")

	// ErrInvalidTransition indicates a session status change that would move
	// the session backwards (sessions are forward-only).
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrCodeNotFound indicates the authorization code does not exist.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code's TTL has elapsed.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeAlreadyUsed indicates a second redemption of a one-time code.
	// This is a security event: possible code interception or replay.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")

	// ErrTokenNotFound indicates no token record matches the given token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token record's TTL has elapsed.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the token was explicitly revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrAPIKeyNotFound indicates no API key matches the given hash.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrRegistrationLimitReached indicates an IP hit the per-IP client
	// registration cap.
	ErrRegistrationLimitReached = errors.New("client registration limit reached")
)
