// Package memory provides an in-memory storage backend. It is the default
// for single-instance deployments and tests; multi-instance deployments use
// the valkey backend so the atomic operations hold across processes.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelgate/oauth-proxy/instrumentation"
	"github.com/modelgate/oauth-proxy/internal/util"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// tokenIDLogLength caps how much of a token or code can appear in a log line.
const tokenIDLogLength = 8

// Store is an in-memory implementation of every storage interface. A single
// RWMutex guards all maps; the atomic check-and-set operations take the write
// lock for their whole critical section, which is what makes them atomic
// within one process.
type Store struct {
	mu sync.RWMutex

	// Clients
	clients      map[string]*storage.Client
	clientsPerIP map[string]int

	// Sessions, indexed three ways: primary key plus both state values.
	sessions                map[string]*storage.AuthorizationSession
	sessionsByState         map[string]string // clientID \x00 state -> sessionID
	sessionsByProviderState map[string]string // providerState -> sessionID

	// One-time authorization codes.
	codes map[string]*storage.AuthorizationCode

	// Issued tokens (provider token material encrypted when enabled).
	tokensByAccess  map[string]*storage.TokenRecord
	tokensByRefresh map[string]string // refresh token -> access token

	// Static API keys, keyed by hash.
	apiKeys map[string]*storage.APIKey

	encryptor *security.Encryptor

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	// Lock-free size counters for the observable gauges.
	clientsCountAtomic  atomic.Int64
	sessionsCountAtomic atomic.Int64
	codesCountAtomic    atomic.Int64
	tokensCountAtomic   atomic.Int64
	apiKeysCountAtomic  atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.APIKeyStore  = (*Store)(nil)
	_ storage.Sweeper      = (*Store)(nil)
)

// New creates an in-memory store with the default one-minute sweep interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom sweep interval.
// Non-positive intervals fall back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:                 make(map[string]*storage.Client),
		clientsPerIP:            make(map[string]int),
		sessions:                make(map[string]*storage.AuthorizationSession),
		sessionsByState:         make(map[string]string),
		sessionsByProviderState: make(map[string]string),
		codes:                   make(map[string]*storage.AuthorizationCode),
		tokensByAccess:          make(map[string]*storage.TokenRecord),
		tokensByRefresh:         make(map[string]string),
		apiKeys:                 make(map[string]*storage.APIKey),
		cleanupInterval:         cleanupInterval,
		stopCleanup:             make(chan struct{}),
		logger:                  slog.Default(),
	}

	go s.sweepLoop()

	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor enables encryption at rest for provider token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetInstrumentation wires OpenTelemetry tracing and the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokensByAccess)))
	s.apiKeysCountAtomic.Store(int64(len(s.apiKeys)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.apiKeysCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	s.clients[client.ClientID] = client
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	s.logger.Debug("Saved client",
		"client_id", client.ClientID,
		"endpoint_id", client.EndpointID,
		"client_type", client.ClientType)
	s.recordOp(ctx, span, "save_client", nil, start)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		s.recordOp(ctx, span, "get_client", storage.ErrClientNotFound, start)
		return nil, storage.ErrClientNotFound
	}
	s.recordOp(ctx, span, "get_client", nil, start)
	return client, nil
}

// ValidateClientSecret verifies a client's secret. A bcrypt comparison runs
// even for unknown clients so response timing does not reveal which IDs
// exist.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	ctx, span := s.startSpan(ctx, "validate_client_secret")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	var storedHash string
	if ok {
		storedHash = client.ClientSecretHash
	}

	if !security.VerifyClientSecret(storedHash, clientSecret) || !ok {
		s.recordOp(ctx, span, "validate_client_secret", storage.ErrInvalidClientCredentials, start)
		return storage.ErrInvalidClientCredentials
	}

	s.recordOp(ctx, span, "validate_client_secret", nil, start)
	return nil
}

// ListClients lists clients, optionally filtered to one endpoint.
func (s *Store) ListClients(ctx context.Context, endpointID string) ([]*storage.Client, error) {
	_, span := s.startSpan(ctx, "list_clients")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if endpointID == "" || c.EndpointID == endpointID {
			clients = append(clients, c)
		}
	}
	return clients, nil
}

// DeleteClientsForEndpoint removes every client owned by an endpoint.
func (s *Store) DeleteClientsForEndpoint(ctx context.Context, endpointID string) (int, error) {
	ctx, span := s.startSpan(ctx, "delete_clients_for_endpoint")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	removed := 0
	for id, c := range s.clients {
		if c.EndpointID == endpointID {
			delete(s.clients, id)
			removed++
		}
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	s.logger.Info("Deleted clients for endpoint", "endpoint_id", endpointID, "removed", removed)
	s.recordOp(ctx, span, "delete_clients_for_endpoint", nil, start)
	return removed, nil
}

// CheckIPLimit rejects registration when an IP has hit its quota.
func (s *Store) CheckIPLimit(_ context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	count := s.clientsPerIP[ip]
	s.mu.RUnlock()

	if count >= maxClientsPerIP {
		return storage.ErrRegistrationLimitReached
	}
	return nil
}

// TrackClientIP counts a registration against an IP.
func (s *Store) TrackClientIP(_ context.Context, ip string) error {
	s.mu.Lock()
	s.clientsPerIP[ip]++
	s.mu.Unlock()
	return nil
}

// ============================================================
// SessionStore
// ============================================================

func stateKey(clientID, state string) string {
	return clientID + "\x00" + state
}

// SaveSession persists a pending session under all three indexes. A new
// session for the same (client_id, state) displaces the previous one entirely;
// leaving it behind would keep it reachable through its provider state.
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) error {
	ctx, span := s.startSpan(ctx, "save_session")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	if prevID, ok := s.sessionsByState[stateKey(session.ClientID, session.State)]; ok && prevID != session.SessionID {
		s.deleteSessionLocked(prevID)
	}
	s.sessions[session.SessionID] = session
	s.sessionsByState[stateKey(session.ClientID, session.State)] = session.SessionID
	s.sessionsByProviderState[session.ProviderState] = session.SessionID
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	s.logger.Debug("Saved authorization session",
		"session_id", util.SafeTruncate(session.SessionID, tokenIDLogLength),
		"client_id", session.ClientID,
		"endpoint_id", session.EndpointID,
		"mode", string(session.Mode))
	s.recordOp(ctx, span, "save_session", nil, start)
	return nil
}

// GetSessionByState retrieves a session by the client's state value.
func (s *Store) GetSessionByState(ctx context.Context, clientID, state string) (*storage.AuthorizationSession, error) {
	_, span := s.startSpan(ctx, "get_session_by_state")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.sessionsByState[stateKey(clientID, state)]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return s.getSessionLocked(sessionID)
}

// GetSessionByProviderState retrieves a session by the proxy's provider
// state.
func (s *Store) GetSessionByProviderState(ctx context.Context, providerState string) (*storage.AuthorizationSession, error) {
	_, span := s.startSpan(ctx, "get_session_by_provider_state")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.sessionsByProviderState[providerState]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return s.getSessionLocked(sessionID)
}

// getSessionLocked resolves a session ID with expiry checking. Caller holds
// at least the read lock.
func (s *Store) getSessionLocked(sessionID string) (*storage.AuthorizationSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if security.IsTokenExpired(session.ExpiresAt) {
		return nil, storage.ErrSessionExpired
	}
	return session, nil
}

// MarkAuthorized moves a session from pending to authorized and stores its
// one-time code. Sessions only move forward.
func (s *Store) MarkAuthorized(ctx context.Context, sessionID, subject string, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "mark_authorized")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.recordOp(ctx, span, "mark_authorized", nil, start)
	}()

	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if security.IsTokenExpired(session.ExpiresAt) {
		return storage.ErrSessionExpired
	}
	if session.Status != storage.SessionPending {
		return fmt.Errorf("%w: cannot authorize session in status %q",
			storage.ErrInvalidTransition, session.Status)
	}

	session.Status = storage.SessionAuthorized
	session.Subject = subject

	encrypted, err := s.encryptCode(code)
	if err != nil {
		return err
	}
	s.codes[code.Code] = encrypted
	s.codesCountAtomic.Store(int64(len(s.codes)))

	s.logger.Debug("Session authorized",
		"session_id", util.SafeTruncate(sessionID, tokenIDLogLength),
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// MarkExchanged moves a session from authorized to exchanged.
func (s *Store) MarkExchanged(ctx context.Context, sessionID string) error {
	_, span := s.startSpan(ctx, "mark_exchanged")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if session.Status != storage.SessionAuthorized {
		return fmt.Errorf("%w: cannot exchange session in status %q",
			storage.ErrInvalidTransition, session.Status)
	}
	session.Status = storage.SessionExchanged
	return nil
}

// DeleteSession removes a session and its indexes.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, span := s.startSpan(ctx, "delete_session")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteSessionLocked(sessionID)
	return nil
}

func (s *Store) deleteSessionLocked(sessionID string) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessionsByState, stateKey(session.ClientID, session.State))
	delete(s.sessionsByProviderState, session.ProviderState)
	delete(s.sessions, sessionID)
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
}

// AtomicRedeemCode marks a code used; only the first caller wins. On reuse
// the decrypted code is still returned so the caller can revoke the tokens
// minted from it.
func (s *Store) AtomicRedeemCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "atomic_redeem_code")
	defer span.End()
	start := time.Now()

	s.mu.Lock() // write lock for the whole check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		s.recordOp(ctx, span, "atomic_redeem_code", storage.ErrCodeNotFound, start)
		return nil, storage.ErrCodeNotFound
	}
	if security.IsTokenExpired(authCode.ExpiresAt) {
		s.recordOp(ctx, span, "atomic_redeem_code", storage.ErrCodeExpired, start)
		return nil, storage.ErrCodeExpired
	}

	decrypted, err := s.decryptCode(authCode)
	if err != nil {
		s.recordOp(ctx, span, "atomic_redeem_code", err, start)
		return nil, err
	}

	if authCode.Used {
		s.logger.Warn("Authorization code reuse detected",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", authCode.ClientID)
		s.recordOp(ctx, span, "atomic_redeem_code", storage.ErrCodeAlreadyUsed, start)
		return decrypted, storage.ErrCodeAlreadyUsed
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	s.recordOp(ctx, span, "atomic_redeem_code", nil, start)
	return decrypted, nil
}

// UnredeemCode clears the used flag so a retry after a failed PKCE check can
// still redeem the code before it expires.
func (s *Store) UnredeemCode(ctx context.Context, code string) error {
	_, span := s.startSpan(ctx, "unredeem_code")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}
	authCode.Used = false
	s.logger.Debug("Rolled back authorization code redemption",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return nil
}

// DeleteCode removes an authorization code.
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	_, span := s.startSpan(ctx, "delete_code")
	defer span.End()

	s.mu.Lock()
	delete(s.codes, code)
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.mu.Unlock()
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveTokenRecord persists a token record, encrypting the embedded provider
// token material.
func (s *Store) SaveTokenRecord(ctx context.Context, record *storage.TokenRecord) error {
	ctx, span := s.startSpan(ctx, "save_token_record")
	defer span.End()
	start := time.Now()

	stored, err := s.encryptRecord(record)
	if err != nil {
		s.recordOp(ctx, span, "save_token_record", err, start)
		return err
	}

	s.mu.Lock()
	s.tokensByAccess[record.AccessToken] = stored
	if record.RefreshToken != "" {
		s.tokensByRefresh[record.RefreshToken] = record.AccessToken
	}
	s.tokensCountAtomic.Store(int64(len(s.tokensByAccess)))
	s.mu.Unlock()

	s.logger.Debug("Saved token record",
		"token_prefix", util.SafeTruncate(record.AccessToken, tokenIDLogLength),
		"endpoint_id", record.EndpointID,
		"has_refresh", record.RefreshToken != "")
	s.recordOp(ctx, span, "save_token_record", nil, start)
	return nil
}

// GetByAccessToken retrieves and decrypts a record by access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.TokenRecord, error) {
	ctx, span := s.startSpan(ctx, "get_by_access_token")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	record, ok := s.tokensByAccess[accessToken]
	s.mu.RUnlock()

	if !ok {
		s.recordOp(ctx, span, "get_by_access_token", storage.ErrTokenNotFound, start)
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		s.recordOp(ctx, span, "get_by_access_token", storage.ErrTokenExpired, start)
		return nil, storage.ErrTokenExpired
	}

	decrypted, err := s.decryptRecord(record)
	s.recordOp(ctx, span, "get_by_access_token", err, start)
	return decrypted, err
}

// AtomicRotateRefreshToken gets and deletes a record by refresh token in one
// critical section. Exactly one concurrent caller receives the record.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenRecord, error) {
	ctx, span := s.startSpan(ctx, "atomic_rotate_refresh_token")
	defer span.End()
	start := time.Now()

	s.mu.Lock() // write lock for the whole get-and-delete
	defer s.mu.Unlock()

	accessToken, ok := s.tokensByRefresh[refreshToken]
	if !ok {
		s.recordOp(ctx, span, "atomic_rotate_refresh_token", storage.ErrTokenNotFound, start)
		return nil, storage.ErrTokenNotFound
	}

	record, ok := s.tokensByAccess[accessToken]
	if !ok {
		// Index points at a record that was already removed.
		delete(s.tokensByRefresh, refreshToken)
		s.recordOp(ctx, span, "atomic_rotate_refresh_token", storage.ErrTokenNotFound, start)
		return nil, storage.ErrTokenNotFound
	}

	delete(s.tokensByRefresh, refreshToken)
	delete(s.tokensByAccess, accessToken)
	s.tokensCountAtomic.Store(int64(len(s.tokensByAccess)))

	decrypted, err := s.decryptRecord(record)
	if err != nil {
		s.recordOp(ctx, span, "atomic_rotate_refresh_token", err, start)
		return nil, err
	}

	s.logger.Debug("Rotated refresh token",
		"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength))
	s.recordOp(ctx, span, "atomic_rotate_refresh_token", nil, start)
	return decrypted, nil
}

// DeleteByAccessToken removes a record by access token.
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) error {
	_, span := s.startSpan(ctx, "delete_by_access_token")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokensByAccess[accessToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	s.deleteRecordLocked(accessToken, record)
	return nil
}

// DeleteByRefreshToken removes a record by refresh token.
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) error {
	_, span := s.startSpan(ctx, "delete_by_refresh_token")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.tokensByRefresh[refreshToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	record, ok := s.tokensByAccess[accessToken]
	if !ok {
		delete(s.tokensByRefresh, refreshToken)
		return storage.ErrTokenNotFound
	}
	s.deleteRecordLocked(accessToken, record)
	return nil
}

func (s *Store) deleteRecordLocked(accessToken string, record *storage.TokenRecord) {
	if record.RefreshToken != "" {
		delete(s.tokensByRefresh, record.RefreshToken)
	}
	delete(s.tokensByAccess, accessToken)
	s.tokensCountAtomic.Store(int64(len(s.tokensByAccess)))
}

// RevokeAllForSubject removes every record for a subject on an endpoint,
// optionally narrowed to one client.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject, endpointID, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "revoke_all_for_subject")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	revoked := 0
	for accessToken, record := range s.tokensByAccess {
		if record.Subject != subject {
			continue
		}
		if endpointID != "" && record.EndpointID != endpointID {
			continue
		}
		if clientID != "" && record.ClientID != clientID {
			continue
		}
		s.deleteRecordLocked(accessToken, record)
		revoked++
	}
	s.mu.Unlock()

	if revoked > 0 {
		s.logger.Info("Revoked all tokens for subject",
			"endpoint_id", endpointID,
			"client_id", clientID,
			"revoked", revoked)
	}
	s.recordOp(ctx, span, "revoke_all_for_subject", nil, start)
	return revoked, nil
}

// ============================================================
// APIKeyStore
// ============================================================

// SaveAPIKey persists an API key record.
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	_, span := s.startSpan(ctx, "save_api_key")
	defer span.End()

	s.mu.Lock()
	s.apiKeys[key.KeyHash] = key
	s.apiKeysCountAtomic.Store(int64(len(s.apiKeys)))
	s.mu.Unlock()

	s.logger.Debug("Saved API key",
		"key_hash_prefix", util.SafeTruncate(key.KeyHash, tokenIDLogLength),
		"endpoint_id", key.EndpointID)
	return nil
}

// GetAPIKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*storage.APIKey, error) {
	_, span := s.startSpan(ctx, "get_api_key")
	defer span.End()

	s.mu.RLock()
	key, ok := s.apiKeys[keyHash]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrAPIKeyNotFound
	}
	return key, nil
}

// RevokeAPIKey marks an API key revoked. The record stays for auditability;
// the sweep removes it once expired.
func (s *Store) RevokeAPIKey(ctx context.Context, keyHash string) error {
	_, span := s.startSpan(ctx, "revoke_api_key")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[keyHash]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	key.Revoked = true
	return nil
}

// ============================================================
// Encryption helpers
// ============================================================

// encryptRecord copies the record with provider token material encrypted.
// The proxy-facing access/refresh tokens stay plaintext: they are the map
// keys, and they are opaque random strings with no provider value.
func (s *Store) encryptRecord(record *storage.TokenRecord) (*storage.TokenRecord, error) {
	s.mu.RLock()
	enc := s.encryptor
	s.mu.RUnlock()

	if enc == nil || !enc.IsEnabled() || record.ProviderToken == nil {
		return record, nil
	}

	clone := *record
	provider := *record.ProviderToken

	var err error
	if provider.AccessToken, err = enc.Encrypt(provider.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt provider access token: %w", err)
	}
	if provider.RefreshToken != "" {
		if provider.RefreshToken, err = enc.Encrypt(provider.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt provider refresh token: %w", err)
		}
	}
	clone.ProviderToken = &provider
	return &clone, nil
}

func (s *Store) decryptRecord(record *storage.TokenRecord) (*storage.TokenRecord, error) {
	enc := s.encryptor

	if enc == nil || !enc.IsEnabled() || record.ProviderToken == nil {
		return record, nil
	}

	clone := *record
	provider := *record.ProviderToken

	var err error
	if provider.AccessToken, err = enc.Decrypt(provider.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt provider access token: %w", err)
	}
	if provider.RefreshToken != "" {
		if provider.RefreshToken, err = enc.Decrypt(provider.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt provider refresh token: %w", err)
		}
	}
	clone.ProviderToken = &provider
	return &clone, nil
}

// encryptCode encrypts the provider token attached to an authorization code
// (gateway mode holds the provider token through the exchange window).
func (s *Store) encryptCode(code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	enc := s.encryptor
	if enc == nil || !enc.IsEnabled() || code.ProviderToken == nil {
		return code, nil
	}

	clone := *code
	provider := *code.ProviderToken

	var err error
	if provider.AccessToken, err = enc.Encrypt(provider.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt provider access token: %w", err)
	}
	if provider.RefreshToken != "" {
		if provider.RefreshToken, err = enc.Encrypt(provider.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt provider refresh token: %w", err)
		}
	}
	clone.ProviderToken = &provider
	return &clone, nil
}

func (s *Store) decryptCode(code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	enc := s.encryptor
	if enc == nil || !enc.IsEnabled() || code.ProviderToken == nil {
		return code, nil
	}

	clone := *code
	provider := *code.ProviderToken

	var err error
	if provider.AccessToken, err = enc.Decrypt(provider.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt provider access token: %w", err)
	}
	if provider.RefreshToken != "" {
		if provider.RefreshToken, err = enc.Decrypt(provider.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt provider refresh token: %w", err)
		}
	}
	clone.ProviderToken = &provider
	return &clone, nil
}

// ============================================================
// Sweep
// ============================================================

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep removes expired sessions, codes, token records, and API keys.
// Correctness never depends on it: every read path re-checks expiry.
func (s *Store) Sweep(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for id, session := range s.sessions {
		if security.IsTokenExpired(session.ExpiresAt) {
			s.deleteSessionLocked(id)
			removed++
		}
	}

	for code, authCode := range s.codes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	s.codesCountAtomic.Store(int64(len(s.codes)))

	for accessToken, record := range s.tokensByAccess {
		if security.IsTokenExpired(record.ExpiresAt) {
			s.deleteRecordLocked(accessToken, record)
			removed++
		}
	}

	for hash, key := range s.apiKeys {
		if !key.ExpiresAt.IsZero() && security.IsTokenExpired(key.ExpiresAt) {
			delete(s.apiKeys, hash)
			removed++
		}
	}
	s.apiKeysCountAtomic.Store(int64(len(s.apiKeys)))

	if removed > 0 {
		s.logger.Debug("Storage sweep completed", "removed", removed)
	}
	return removed
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("backend", "memory"),
		))
}

func (s *Store) recordOp(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		// Expected misses are not backend failures; keep them separable.
		if strings.Contains(err.Error(), "not found") {
			result = "not_found"
		}
	}
	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}
