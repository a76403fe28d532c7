package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauthproxy:"

	// tokenIDLogLength is the number of characters to include when logging
	// token and code identifiers.
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys fetched per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second

	// clientIPTrackingTTL is the TTL for registration IP counters.
	clientIPTrackingTTL = 24 * time.Hour

	// refreshTokenRetention bounds how long a record with a refresh token
	// stays reachable for rotation.
	refreshTokenRetention = 30 * 24 * time.Hour

	// MaxTokenLength is the maximum allowed length for token strings.
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers.
	MaxIDLength = 256

	// MaxRecordSize is the maximum size of a serialized record (64KB).
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauthproxy:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces. The
// atomic operations run as Lua scripts so their guarantees hold across
// service instances sharing one Valkey.
//
// Expiry is delegated to Valkey TTLs, so Store does not implement
// storage.Sweeper: there is nothing to sweep.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks.
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.APIKeyStore  = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest for provider token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================
//
// Schema (all keys carry the configured prefix):
//
//	client:id:{clientID}                -> JSON(Client)
//	client:ip:{ip}                      -> registration count (TTL)
//	session:{sessionID}                 -> JSON(AuthorizationSession) (TTL)
//	session:state:{clientID}:{state}    -> sessionID (TTL)
//	session:provider:{providerState}    -> sessionID (TTL)
//	code:{code}                         -> JSON(AuthorizationCode) (TTL)
//	token:{accessToken}                 -> JSON(TokenRecord) (TTL)
//	refresh:{refreshToken}              -> accessToken (TTL)
//	subject:{subject}                   -> SET of access tokens
//	apikey:{keyHash}                    -> JSON(APIKey)

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:id:%s", s.prefix, clientID)
}

func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", s.prefix, ip)
}

func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, sessionID)
}

func (s *Store) sessionStateKey(clientID, state string) string {
	return fmt.Sprintf("%ssession:state:%s:%s", s.prefix, clientID, state)
}

func (s *Store) sessionProviderKey(providerState string) string {
	return fmt.Sprintf("%ssession:provider:%s", s.prefix, providerState)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) tokenKey(accessToken string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, accessToken)
}

func (s *Store) refreshKey(refreshToken string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, refreshToken)
}

func (s *Store) subjectKey(subject string) string {
	return fmt.Sprintf("%ssubject:%s", s.prefix, subject)
}

func (s *Store) apiKeyKey(keyHash string) string {
	return fmt.Sprintf("%sapikey:%s", s.prefix, keyHash)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// The check-and-set operations on codes and refresh tokens MUST be atomic
// across service instances; Lua scripts are how Valkey provides that.

// luaRedeemCode atomically checks that an authorization code is unused and
// marks it used, keeping the key's TTL.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns the original JSON on success, "NOT_FOUND", "EXPIRED", or
// "ALREADY_USED:<json>" (original data returned for revocation of whatever
// was issued from the code).
const luaRedeemCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaUnredeemCode clears the used flag, keeping the key's TTL.
//
// KEYS[1] = code key
//
// Returns "OK" or "NOT_FOUND".
const luaUnredeemCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
code.used = false
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return 'OK'
`

// luaRotateRefreshToken atomically resolves a refresh token to its record
// and deletes both keys. Only one concurrent caller gets the record back.
//
// KEYS[1] = refresh key (value is the access token)
// ARGV[1] = token key prefix, so the record key can be derived in-script
//
// Returns the record JSON, "NOT_FOUND", or "RECORD_NOT_FOUND" (index existed
// but the record is gone; both are treated as not-found by the caller).
const luaRotateRefreshToken = `
local accessToken = redis.call('GET', KEYS[1])
if not accessToken then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])

local recordKey = ARGV[1] .. accessToken
local data = redis.call('GET', recordKey)
if not data then
    return 'RECORD_NOT_FOUND'
end

redis.call('DEL', recordKey)
return data
`

// luaTransitionSession moves a session between statuses only when it is in
// the expected starting status, keeping the key's TTL.
//
// KEYS[1] = session key
// ARGV[1] = expected current status
// ARGV[2] = new status
// ARGV[3] = subject to set, or "" to leave unchanged
//
// Returns "OK", "NOT_FOUND", or "INVALID_STATUS:<current>".
const luaTransitionSession = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local session = cjson.decode(data)
if session.status ~= ARGV[1] then
    return 'INVALID_STATUS:' .. session.status
end

session.status = ARGV[2]
if ARGV[3] ~= '' then
    session.subject = ARGV[3]
end
redis.call('SET', KEYS[1], cjson.encode(session), 'KEEPTTL')

return 'OK'
`

// ============================================================
// JSON Serialization
// ============================================================

// serializableToken captures a provider token including the extra fields
// oauth2.Token hides in a private field (id_token in particular).
type serializableToken struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Expiry       int64          `json:"expiry,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func toSerializableToken(token *oauth2.Token) *serializableToken {
	if token == nil {
		return nil
	}
	st := &serializableToken{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Extra:        storage.ExtractTokenExtra(token),
	}
	if !token.Expiry.IsZero() {
		st.Expiry = token.Expiry.Unix()
	}
	return st
}

func fromSerializableToken(st *serializableToken) *oauth2.Token {
	if st == nil {
		return nil
	}
	token := &oauth2.Token{
		AccessToken:  st.AccessToken,
		TokenType:    st.TokenType,
		RefreshToken: st.RefreshToken,
	}
	if st.Expiry > 0 {
		token.Expiry = time.Unix(st.Expiry, 0)
	}
	if st.Extra != nil {
		token = token.WithExtra(st.Extra)
	}
	return token
}

// encryptSerializableToken encrypts the token material and sensitive extras
// in place. A nil or disabled encryptor is a no-op.
func (s *Store) encryptSerializableToken(st *serializableToken) error {
	enc := s.getEncryptor()
	if st == nil || enc == nil || !enc.IsEnabled() {
		return nil
	}

	var err error
	if st.AccessToken != "" {
		if st.AccessToken, err = enc.Encrypt(st.AccessToken); err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
	}
	if st.RefreshToken != "" {
		if st.RefreshToken, err = enc.Encrypt(st.RefreshToken); err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	if st.Extra, err = storage.EncryptExtraFields(st.Extra, enc); err != nil {
		return err
	}
	return nil
}

func (s *Store) decryptSerializableToken(st *serializableToken) error {
	enc := s.getEncryptor()
	if st == nil || enc == nil || !enc.IsEnabled() {
		return nil
	}

	var err error
	if st.AccessToken != "" {
		if st.AccessToken, err = enc.Decrypt(st.AccessToken); err != nil {
			return fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}
	if st.RefreshToken != "" {
		if st.RefreshToken, err = enc.Decrypt(st.RefreshToken); err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	if st.Extra, err = storage.DecryptExtraFields(st.Extra, enc); err != nil {
		return err
	}
	return nil
}

// clientJSON is the wire representation of a registered client.
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	EndpointID              string   `json:"endpoint_id"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		EndpointID:              client.EndpointID,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scopes:                  client.Scopes,
		CreatedAt:               client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		EndpointID:              j.EndpointID,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// sessionJSON is the wire representation of an authorization session. Field
// names are stable: the Lua transition script decodes them.
type sessionJSON struct {
	SessionID            string `json:"session_id"`
	State                string `json:"state"`
	ProviderState        string `json:"provider_state"`
	ClientID             string `json:"client_id"`
	EndpointID           string `json:"endpoint_id"`
	RedirectURI          string `json:"redirect_uri"`
	Scope                string `json:"scope,omitempty"`
	CodeChallenge        string `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string `json:"code_challenge_method,omitempty"`
	ProviderCodeVerifier string `json:"provider_code_verifier,omitempty"`
	Mode                 string `json:"mode"`
	Status               string `json:"status"`
	Subject              string `json:"subject,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

func toSessionJSON(session *storage.AuthorizationSession) *sessionJSON {
	return &sessionJSON{
		SessionID:            session.SessionID,
		State:                session.State,
		ProviderState:        session.ProviderState,
		ClientID:             session.ClientID,
		EndpointID:           session.EndpointID,
		RedirectURI:          session.RedirectURI,
		Scope:                session.Scope,
		CodeChallenge:        session.CodeChallenge,
		CodeChallengeMethod:  session.CodeChallengeMethod,
		ProviderCodeVerifier: session.ProviderCodeVerifier,
		Mode:                 string(session.Mode),
		Status:               string(session.Status),
		Subject:              session.Subject,
		CreatedAt:            session.CreatedAt.Unix(),
		ExpiresAt:            session.ExpiresAt.Unix(),
	}
}

func fromSessionJSON(j *sessionJSON) *storage.AuthorizationSession {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationSession{
		SessionID:            j.SessionID,
		State:                j.State,
		ProviderState:        j.ProviderState,
		ClientID:             j.ClientID,
		EndpointID:           j.EndpointID,
		RedirectURI:          j.RedirectURI,
		Scope:                j.Scope,
		CodeChallenge:        j.CodeChallenge,
		CodeChallengeMethod:  j.CodeChallengeMethod,
		ProviderCodeVerifier: j.ProviderCodeVerifier,
		Mode:                 storage.Mode(j.Mode),
		Status:               storage.SessionStatus(j.Status),
		Subject:              j.Subject,
		CreatedAt:            time.Unix(j.CreatedAt, 0),
		ExpiresAt:            time.Unix(j.ExpiresAt, 0),
	}
}

// codeJSON is the wire representation of an authorization code. Field names
// are stable: the redeem scripts decode them.
type codeJSON struct {
	Code                string             `json:"code"`
	SessionID           string             `json:"session_id"`
	ClientID            string             `json:"client_id"`
	EndpointID          string             `json:"endpoint_id"`
	RedirectURI         string             `json:"redirect_uri"`
	Scope               string             `json:"scope,omitempty"`
	CodeChallenge       string             `json:"code_challenge,omitempty"`
	CodeChallengeMethod string             `json:"code_challenge_method,omitempty"`
	Subject             string             `json:"subject"`
	ProviderToken       *serializableToken `json:"provider_token,omitempty"`
	CreatedAt           int64              `json:"created_at"`
	ExpiresAt           int64              `json:"expires_at"`
	Used                bool               `json:"used"`
}

func toCodeJSON(code *storage.AuthorizationCode) *codeJSON {
	return &codeJSON{
		Code:                code.Code,
		SessionID:           code.SessionID,
		ClientID:            code.ClientID,
		EndpointID:          code.EndpointID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Subject:             code.Subject,
		ProviderToken:       toSerializableToken(code.ProviderToken),
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromCodeJSON(j *codeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		SessionID:           j.SessionID,
		ClientID:            j.ClientID,
		EndpointID:          j.EndpointID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Subject:             j.Subject,
		ProviderToken:       fromSerializableToken(j.ProviderToken),
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// tokenRecordJSON is the wire representation of an issued token record.
type tokenRecordJSON struct {
	AccessToken   string             `json:"access_token"`
	RefreshToken  string             `json:"refresh_token,omitempty"`
	TokenType     string             `json:"token_type"`
	Scope         string             `json:"scope,omitempty"`
	Subject       string             `json:"subject"`
	EndpointID    string             `json:"endpoint_id"`
	ClientID      string             `json:"client_id"`
	IssuedAt      int64              `json:"issued_at"`
	ExpiresAt     int64              `json:"expires_at"`
	ProviderToken *serializableToken `json:"provider_token,omitempty"`
}

func toTokenRecordJSON(record *storage.TokenRecord) *tokenRecordJSON {
	return &tokenRecordJSON{
		AccessToken:   record.AccessToken,
		RefreshToken:  record.RefreshToken,
		TokenType:     record.TokenType,
		Scope:         record.Scope,
		Subject:       record.Subject,
		EndpointID:    record.EndpointID,
		ClientID:      record.ClientID,
		IssuedAt:      record.IssuedAt.Unix(),
		ExpiresAt:     record.ExpiresAt.Unix(),
		ProviderToken: toSerializableToken(record.ProviderToken),
	}
}

func fromTokenRecordJSON(j *tokenRecordJSON) *storage.TokenRecord {
	if j == nil {
		return nil
	}
	return &storage.TokenRecord{
		AccessToken:   j.AccessToken,
		RefreshToken:  j.RefreshToken,
		TokenType:     j.TokenType,
		Scope:         j.Scope,
		Subject:       j.Subject,
		EndpointID:    j.EndpointID,
		ClientID:      j.ClientID,
		IssuedAt:      time.Unix(j.IssuedAt, 0),
		ExpiresAt:     time.Unix(j.ExpiresAt, 0),
		ProviderToken: fromSerializableToken(j.ProviderToken),
	}
}

// apiKeyJSON is the wire representation of an API key record.
type apiKeyJSON struct {
	KeyHash    string   `json:"key_hash"`
	Subject    string   `json:"subject"`
	EndpointID string   `json:"endpoint_id"`
	Scopes     []string `json:"scopes,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	ExpiresAt  int64    `json:"expires_at,omitempty"`
	Revoked    bool     `json:"revoked"`
}

func toAPIKeyJSON(key *storage.APIKey) *apiKeyJSON {
	j := &apiKeyJSON{
		KeyHash:    key.KeyHash,
		Subject:    key.Subject,
		EndpointID: key.EndpointID,
		Scopes:     key.Scopes,
		CreatedAt:  key.CreatedAt.Unix(),
		Revoked:    key.Revoked,
	}
	if !key.ExpiresAt.IsZero() {
		j.ExpiresAt = key.ExpiresAt.Unix()
	}
	return j
}

func fromAPIKeyJSON(j *apiKeyJSON) *storage.APIKey {
	if j == nil {
		return nil
	}
	key := &storage.APIKey{
		KeyHash:    j.KeyHash,
		Subject:    j.Subject,
		EndpointID: j.EndpointID,
		Scopes:     j.Scopes,
		CreatedAt:  time.Unix(j.CreatedAt, 0),
		Revoked:    j.Revoked,
	}
	if j.ExpiresAt > 0 {
		key.ExpiresAt = time.Unix(j.ExpiresAt, 0)
	}
	return key
}

// ============================================================
// Helpers
// ============================================================

// getAndUnmarshal fetches a key, unmarshals its JSON, and converts to the
// domain type. Shared by the simple read paths.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// isNilError reports whether the error is Valkey's nil (key missing) result.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
