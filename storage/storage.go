// Package storage defines interfaces for persisting OAuth clients, authorization
// sessions, token records, and API keys. It supports in-memory and Valkey backends.
package storage

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Mode selects how the proxy handles an endpoint's OAuth flow.
type Mode string

const (
	// ModeGateway makes the proxy a full authorization server: it holds the
	// provider tokens server-side and mints its own client-facing tokens.
	ModeGateway Mode = "gateway"

	// ModeUpstream makes the proxy a pass-through: the provider's code and
	// tokens are relayed to the client and never stored by the proxy.
	ModeUpstream Mode = "upstream"
)

// SessionStatus tracks the forward-only lifecycle of an authorization session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionAuthorized SessionStatus = "authorized"
	SessionExchanged  SessionStatus = "exchanged"
	SessionExpired    SessionStatus = "expired"
)

// Client represents a dynamically registered OAuth client (RFC 7591).
// A client belongs to exactly one protected endpoint.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	EndpointID              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// AuthorizationSession represents an in-flight authorization flow.
//
// # Understanding State vs ProviderState
//
// Two distinct state parameters protect the two legs of the flow:
//
//  1. State is generated by the client application and returned to it in the
//     final redirect (client-side CSRF protection). Look up sessions by State
//     when validating client-initiated requests.
//  2. ProviderState is generated by THIS proxy and sent to the identity
//     provider; the provider echoes it in its callback (server-side CSRF
//     protection). Look up sessions by ProviderState when validating
//     provider callbacks.
//
// In gateway mode the session also carries ProviderCodeVerifier: the proxy's
// own PKCE verifier for the provider leg. The client's code challenge and the
// proxy's provider-leg pair are independent; the client's verifier is never
// sent upstream.
type AuthorizationSession struct {
	SessionID            string // primary key
	State                string // client's CSRF value
	ProviderState        string // our CSRF value for the provider callback
	ClientID             string
	EndpointID           string
	RedirectURI          string
	Scope                string
	CodeChallenge        string // client-to-proxy PKCE challenge
	CodeChallengeMethod  string // always "S256"
	ProviderCodeVerifier string // proxy-to-provider PKCE verifier (gateway mode)
	Mode                 Mode
	Status               SessionStatus
	Subject              string // end-user identity, set when authorized
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// AuthorizationCode is a one-time code bound 1:1 to an authorization session.
// Validation data is denormalized so the token exchange does not need a
// second session lookup.
type AuthorizationCode struct {
	Code                string
	SessionID           string
	ClientID            string
	EndpointID          string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	ProviderToken       *oauth2.Token // gateway mode: held server-side only
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// TokenRecord is an issued access/refresh token pair for a subject on an
// endpoint. Token material is encrypted before it reaches the backend; the
// plaintext record is returned to the issuing caller only.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string // optional
	TokenType    string // always "Bearer"
	Scope        string
	Subject      string
	EndpointID   string
	ClientID     string
	IssuedAt     time.Time
	ExpiresAt    time.Time

	// ProviderToken references the identity provider's own token. In gateway
	// mode it backs the proxy-minted tokens; in upstream mode the record is a
	// bookkeeping shadow of what was passed through.
	ProviderToken *oauth2.Token
}

// APIKey is a pre-provisioned static credential accepted alongside OAuth
// tokens when hybrid authentication is enabled for an endpoint.
type APIKey struct {
	KeyHash    string // hex SHA-256 of the key material; plaintext is never stored
	Subject    string
	EndpointID string
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
	Revoked    bool
}

// ClientStore manages OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client synchronously.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists the clients registered for an endpoint. An empty
	// endpointID lists all clients (admin use).
	ListClients(ctx context.Context, endpointID string) ([]*Client, error)

	// DeleteClientsForEndpoint removes every client owned by an endpoint
	// (endpoint teardown). Returns the number of clients removed.
	DeleteClientsForEndpoint(ctx context.Context, endpointID string) (int, error)

	// CheckIPLimit checks if an IP has reached the client registration limit.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP records a registration against an IP for DoS limiting.
	TrackClientIP(ctx context.Context, ip string) error
}

// SessionStore manages authorization sessions and one-time codes.
type SessionStore interface {
	// SaveSession persists a new pending session, indexed by both State and
	// ProviderState.
	SaveSession(ctx context.Context, session *AuthorizationSession) error

	// GetSessionByState retrieves a session by the client's state value.
	GetSessionByState(ctx context.Context, clientID, state string) (*AuthorizationSession, error)

	// GetSessionByProviderState retrieves a session by the proxy-generated
	// provider state. Use this when validating provider callbacks.
	GetSessionByProviderState(ctx context.Context, providerState string) (*AuthorizationSession, error)

	// MarkAuthorized transitions a session from pending to authorized and
	// persists its freshly minted one-time code. Any other starting status
	// is an error: sessions move forward only.
	MarkAuthorized(ctx context.Context, sessionID, subject string, code *AuthorizationCode) error

	// MarkExchanged transitions a session from authorized to exchanged.
	MarkExchanged(ctx context.Context, sessionID string) error

	// DeleteSession removes a session and its state indexes.
	DeleteSession(ctx context.Context, sessionID string) error

	// AtomicRedeemCode atomically checks that a code is unused and marks it
	// used. Exactly one of N concurrent redeemers succeeds; the rest observe
	// ErrCodeAlreadyUsed. On reuse the code is still returned so the caller
	// can revoke the tokens issued from its session.
	//
	// SECURITY: this check-and-set MUST be atomic across service instances.
	AtomicRedeemCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// UnredeemCode rolls back the used flag set by AtomicRedeemCode. Called
	// when PKCE verification fails after redemption so that a correct retry
	// can still succeed before the code expires.
	UnredeemCode(ctx context.Context, code string) error

	// DeleteCode removes an authorization code.
	DeleteCode(ctx context.Context, code string) error
}

// TokenStore manages issued token records. Implementations encrypt token
// material at rest when an encryptor is configured.
type TokenStore interface {
	// SaveTokenRecord persists a token record, indexed by access and (if
	// present) refresh token.
	SaveTokenRecord(ctx context.Context, record *TokenRecord) error

	// GetByAccessToken retrieves and decrypts a record by access token.
	GetByAccessToken(ctx context.Context, accessToken string) (*TokenRecord, error)

	// AtomicRotateRefreshToken atomically retrieves and deletes the record
	// holding refreshToken. Only one concurrent caller wins; the rest see
	// ErrTokenNotFound. This makes rotation single-winner with no window in
	// which old and new tokens are both valid.
	AtomicRotateRefreshToken(ctx context.Context, refreshToken string) (*TokenRecord, error)

	// DeleteByAccessToken removes a record by its access token.
	DeleteByAccessToken(ctx context.Context, accessToken string) error

	// DeleteByRefreshToken removes a record by its refresh token.
	DeleteByRefreshToken(ctx context.Context, refreshToken string) error

	// RevokeAllForSubject revokes every token for a subject on an endpoint,
	// optionally narrowed to one client (empty clientID revokes across
	// clients). Used for explicit revocation and replay/anomaly response.
	// Returns the number of records revoked.
	RevokeAllForSubject(ctx context.Context, subject, endpointID, clientID string) (int, error)
}

// APIKeyStore manages static API keys for hybrid authentication.
type APIKeyStore interface {
	// SaveAPIKey persists an API key record (hash only).
	SaveAPIKey(ctx context.Context, key *APIKey) error

	// GetAPIKeyByHash retrieves an API key by its SHA-256 hash.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	// RevokeAPIKey marks an API key revoked.
	RevokeAPIKey(ctx context.Context, keyHash string) error
}

// Sweeper is implemented by stores that run a periodic expiry sweep. The
// sweep keeps storage bounded; correctness never depends on it, since every
// read path rejects expired resources explicitly.
type Sweeper interface {
	// Sweep removes expired sessions, codes, and token records once.
	// Returns the number of entries removed.
	Sweep(ctx context.Context) int
}

// TTLFor returns the remaining TTL until expiresAt, or zero if already past.
func TTLFor(expiresAt time.Time) time.Duration {
	d := time.Until(expiresAt)
	if d < 0 {
		return 0
	}
	return d
}
