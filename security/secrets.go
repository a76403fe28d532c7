package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is a valid bcrypt hash of random material. Verification
// against it when a client has no stored secret keeps timing identical to the
// real comparison path, so callers cannot enumerate which client IDs exist or
// which are public.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashClientSecret hashes a client secret with bcrypt at the default cost.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// VerifyClientSecret compares a presented secret against a stored bcrypt
// hash. When storedHash is empty a dummy comparison runs anyway so the call
// takes the same time either way. Returns true only on a genuine match.
func VerifyClientSecret(storedHash, presented string) bool {
	if storedHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(presented))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil
}

// HashAPIKey returns the hex SHA-256 digest of an API key. Keys are high
// entropy random strings, so a fast unsalted hash is appropriate here where
// bcrypt would not be: lookups happen on every request.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret returns a URL-safe random string with the given number of
// random bytes (the encoded form is longer). Used for client secrets and
// pre-provisioned API keys.
func GenerateSecret(numBytes int) (string, error) {
	if numBytes <= 0 {
		numBytes = 32
	}
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
