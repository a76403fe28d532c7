package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newDiscoveryServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		doc := DiscoveryDocument{
			Issuer:                 "https://idp.example.com",
			AuthorizationEndpoint:  "https://idp.example.com/authorize",
			TokenEndpoint:          "https://idp.example.com/token",
			UserInfoEndpoint:       "https://idp.example.com/userinfo",
			JWKSUri:                "https://idp.example.com/keys",
			ResponseTypesSupported: []string{"code"},
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
}

func TestDiscoverCaches(t *testing.T) {
	var hits atomic.Int64
	srv := newDiscoveryServer(t, &hits)
	defer srv.Close()

	client := NewDiscoveryClient(srv.Client(), time.Hour, nil)
	client.skipValidation = true // test server is plain HTTP

	ctx := context.Background()
	doc, err := client.Discover(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if doc.TokenEndpoint != "https://idp.example.com/token" {
		t.Errorf("TokenEndpoint = %q", doc.TokenEndpoint)
	}

	// Second call comes from cache.
	if _, err := client.Discover(ctx, srv.URL); err != nil {
		t.Fatalf("cached Discover() error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (second lookup cached)", got)
	}

	// ClearCache forces a refetch.
	client.ClearCache()
	if _, err := client.Discover(ctx, srv.URL); err != nil {
		t.Fatalf("Discover() after ClearCache error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 after cache clear", got)
	}
}

func TestDiscoverRejectsInvalidIssuer(t *testing.T) {
	client := NewDiscoveryClient(nil, time.Hour, nil)

	if _, err := client.Discover(context.Background(), "http://plaintext.example.com"); err == nil {
		t.Error("Discover should reject non-HTTPS issuer")
	}
	if _, err := client.Discover(context.Background(), "https://169.254.169.254"); err == nil {
		t.Error("Discover should reject link-local issuer")
	}
}

func TestDiscoverRejectsBadDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Missing token_endpoint and jwks_uri.
		_ = json.NewEncoder(w).Encode(DiscoveryDocument{
			Issuer:                "https://idp.example.com",
			AuthorizationEndpoint: "https://idp.example.com/authorize",
		})
	}))
	defer srv.Close()

	client := NewDiscoveryClient(srv.Client(), time.Hour, nil)
	// Validate the document but not the issuer URL (test server is HTTP).
	client.skipValidation = true

	doc, err := client.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if err := client.validateDocument(doc); err == nil {
		t.Error("validateDocument should reject a document missing required endpoints")
	}
}

func TestValidateDocumentHTTPSEnforcement(t *testing.T) {
	client := NewDiscoveryClient(nil, 0, nil)

	doc := &DiscoveryDocument{
		Issuer:                "https://idp.example.com",
		AuthorizationEndpoint: "http://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/token",
		JWKSUri:               "https://idp.example.com/keys",
	}
	if err := client.validateDocument(doc); err == nil {
		t.Error("validateDocument should reject HTTP authorization_endpoint")
	}

	doc.AuthorizationEndpoint = "https://idp.example.com/authorize"
	doc.RevocationEndpoint = "http://idp.example.com/revoke"
	if err := client.validateDocument(doc); err == nil {
		t.Error("validateDocument should reject HTTP revocation_endpoint")
	}

	doc.RevocationEndpoint = ""
	if err := client.validateDocument(doc); err != nil {
		t.Errorf("validateDocument rejected a valid document: %v", err)
	}
}
