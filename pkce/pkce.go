// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the
// S256 challenge method. The deprecated "plain" method is not supported:
// OAuth 2.1 removes it and this proxy offers no downgrade path.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// MethodS256 is the only supported code_challenge_method.
const MethodS256 = "S256"

// RFC 7636 section 4.1: code_verifier length bounds.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GenerateVerifier returns a fresh cryptographically random code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ValidateVerifier checks the RFC 7636 length and charset constraints.
// Malformed verifiers are rejected here, at authorize/registration time,
// rather than surfacing later as an opaque challenge mismatch.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxVerifierLength)
	}

	// RFC 7636: only [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// ValidateChallenge checks that a client-supplied code challenge is plausibly
// an S256 output: base64url without padding, fixed 43-character length.
func ValidateChallenge(challenge string) error {
	if len(challenge) != 43 {
		return fmt.Errorf("code_challenge must be 43 characters for S256")
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return fmt.Errorf("code_challenge is not valid base64url: %w", err)
	}
	return nil
}

// Challenge computes the S256 code challenge for a verifier: SHA-256,
// base64url-encoded without padding. Pure function.
func Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// Verify recomputes the challenge from the verifier and compares in constant
// time. The comparison must not leak how much of the challenge matched.
func Verify(verifier, challenge string) bool {
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// GeneratePair returns a fresh verifier and its S256 challenge.
func GeneratePair() (verifier, challenge string) {
	verifier = GenerateVerifier()
	return verifier, Challenge(verifier)
}
