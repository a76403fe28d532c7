// Package valkey provides a Valkey storage backend for the OAuth proxy.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This backend is the right choice for multi-instance deployments:
// the security-critical check-and-set operations run as Lua scripts, so
// their single-winner guarantees hold across processes.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauthproxy:") to avoid
// conflicts with other applications sharing the instance:
//
//	{prefix}client:id:{clientID}             -> JSON(Client)
//	{prefix}client:ip:{ip}                   -> registration count (TTL)
//	{prefix}session:{sessionID}              -> JSON(AuthorizationSession) (TTL)
//	{prefix}session:state:{clientID}:{state} -> sessionID (TTL)
//	{prefix}session:provider:{state}         -> sessionID (TTL)
//	{prefix}code:{code}                      -> JSON(AuthorizationCode) (TTL)
//	{prefix}token:{accessToken}              -> JSON(TokenRecord) (TTL)
//	{prefix}refresh:{refreshToken}           -> accessToken (TTL)
//	{prefix}subject:{subject}                -> SET of access tokens
//	{prefix}apikey:{keyHash}                 -> JSON(APIKey)
//
// # Atomic Operations
//
// Three operations run as Lua scripts:
//
//   - AtomicRedeemCode: one-time code redemption (replay detection)
//   - AtomicRotateRefreshToken: single-winner refresh token rotation
//   - MarkAuthorized/MarkExchanged: forward-only session transitions
//
// # Expiry
//
// Expiry is delegated to Valkey TTLs, so this backend does not implement
// storage.Sweeper. Read paths still re-check expiry explicitly to guard
// against clock drift between the proxy and the server.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauthproxy:",
//	})
//
// Enable encryption at rest for provider token material:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
package valkey
