// Package testutil provides fixtures and helpers shared by the test suites.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/storage"
)

// NewMockHTTPServer starts a test HTTP server with the given handler.
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// NewMockHTTPSServer starts a test TLS server with the given handler.
func NewMockHTTPSServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewTLSServer(handler)
}

// GenerateTestToken returns a provider token valid for an hour.
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestUserInfo returns a populated provider identity.
func GenerateTestUserInfo() *providers.UserInfo {
	return &providers.UserInfo{
		ID:            "test-user-123",
		Email:         "test@example.com",
		EmailVerified: true,
		Name:          "Test User",
	}
}

// GenerateTestClient returns a confidential client bound to endpoint "ep-1".
// The secret hash corresponds to the plaintext "secret".
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        "$2a$10$NMIbN6eQN.SqVDRfa01./ex77ZWF5NsU/Pm3YPrra.yK1c4Dv986O",
		ClientType:              "confidential",
		EndpointID:              "ep-1",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestSession returns a pending gateway-mode session for
// GenerateTestClient.
func GenerateTestSession() *storage.AuthorizationSession {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationSession{
		SessionID:            GenerateRandomString(32),
		State:                GenerateRandomString(32),
		ProviderState:        GenerateRandomString(32),
		ClientID:             "test-client-id",
		EndpointID:           "ep-1",
		RedirectURI:          "https://example.com/callback",
		Scope:                "openid email profile",
		CodeChallenge:        challenge,
		CodeChallengeMethod:  "S256",
		ProviderCodeVerifier: GenerateRandomString(50),
		Mode:                 storage.ModeGateway,
		Status:               storage.SessionPending,
		CreatedAt:            time.Now(),
		ExpiresAt:            time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestAuthorizationCode returns an unused code with a fresh PKCE
// challenge. The matching verifier is discarded; use GeneratePKCEPair when a
// test needs both halves.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		SessionID:           GenerateRandomString(32),
		ClientID:            "test-client-id",
		EndpointID:          "ep-1",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid email profile",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Subject:             "test-user-123",
		ProviderToken:       GenerateTestToken(),
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(60 * time.Second),
	}
}

// GenerateRandomString returns a random base64url string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns (challenge, verifier) where challenge is the S256
// hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
