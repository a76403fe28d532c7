package oauth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/modelgate/oauth-proxy/pkce"
	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/providers/mock"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/server"
	"github.com/modelgate/oauth-proxy/storage"
	"github.com/modelgate/oauth-proxy/storage/memory"
)

func newTestHandler(t *testing.T) (*Handler, *mock.Provider) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	provider := mock.NewProvider()
	registry := providers.NewRegistry()
	if err := registry.Register("mock", provider); err != nil {
		t.Fatal(err)
	}

	cfg := &server.Config{
		Issuer: "https://proxy.example.com",
		Endpoints: []server.EndpointConfig{
			{
				EndpointID: "chat",
				Mode:       storage.ModeGateway,
				ProviderID: "mock",
				AllowedRedirectPatterns: []string{
					"https://app.example.com/callback",
				},
			},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(registry, server.Stores{
		Clients:  store,
		Sessions: store,
		Tokens:   store,
		APIKeys:  store,
	}, cfg, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(srv.Close)
	return NewHandler(srv, logger), provider
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func doForm(t *testing.T, mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func registerViaHTTP(t *testing.T, mux *http.ServeMux) ClientRegistrationResponse {
	t.Helper()
	rec := doJSON(t, mux, http.MethodPost, "/chat/register", `{
		"redirect_uris": ["https://app.example.com/callback"],
		"token_endpoint_auth_method": "none",
		"client_name": "test app"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHTTPFlowEndToEnd(t *testing.T) {
	h, provider := newTestHandler(t)
	mux := h.Routes()

	var providerState string
	provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		providerState = state
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
	}

	reg := registerViaHTTP(t, mux)
	if reg.ClientID == "" {
		t.Fatal("no client_id")
	}
	if reg.ClientSecret != "" {
		t.Fatal("public client got a secret")
	}
	// Registrants drive the flow from the response URLs directly.
	if reg.AuthorizationURL != "https://proxy.example.com/chat/authorize" {
		t.Errorf("authorization_url = %q", reg.AuthorizationURL)
	}
	if reg.TokenURL != "https://proxy.example.com/chat/token" {
		t.Errorf("token_url = %q", reg.TokenURL)
	}
	if reg.RevocationURL != "https://proxy.example.com/chat/revoke" {
		t.Errorf("revocation_url = %q", reg.RevocationURL)
	}

	// Authorize: expect a redirect to the provider.
	verifier, challenge := pkce.GeneratePair()
	authQuery := url.Values{
		"client_id":             {reg.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"state":                 {"st-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {pkce.MethodS256},
	}
	req := httptest.NewRequest(http.MethodGet, "/chat/authorize?"+authQuery.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://mock.example.com/authorize") {
		t.Fatalf("authorize redirected to %q", loc)
	}

	// Callback: expect a redirect back to the app with a code.
	req = httptest.NewRequest(http.MethodGet,
		"/chat/callback?state="+url.QueryEscape(providerState)+"&code=provider-code-1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	cbURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	code := cbURL.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in callback redirect %q", cbURL)
	}
	if got := cbURL.Query().Get("state"); got != "st-123" {
		t.Errorf("state = %q", got)
	}

	// Token exchange.
	rec = doForm(t, mux, "/chat/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
		"client_id":     {reg.ClientID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	var tok map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	accessToken, _ := tok["access_token"].(string)
	refreshToken, _ := tok["refresh_token"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatalf("incomplete token response: %v", tok)
	}
	if tok["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", tok["token_type"])
	}

	// Replay the code: generic invalid_grant.
	rec = doForm(t, mux, "/chat/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
		"client_id":     {reg.ClientID},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d", rec.Code)
	}
	var oerr ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "invalid_grant" {
		t.Errorf("replay error = %q, want invalid_grant", oerr.Error)
	}

	// Refresh.
	rec = doForm(t, mux, "/chat/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {reg.ClientID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Revoke the rotated-out access token: always 200.
	rec = doForm(t, mux, "/chat/revoke", url.Values{
		"token":     {accessToken},
		"client_id": {reg.ClientID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}
}

func TestHTTPAuthorizeErrorRedirect(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := h.Routes()
	reg := registerViaHTTP(t, mux)

	// Valid client and redirect URI, missing PKCE: the error goes back to
	// the app as a redirect.
	q := url.Values{
		"client_id":     {reg.ClientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
		"state":         {"st-1"},
	}
	req := httptest.NewRequest(http.MethodGet, "/chat/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want redirect", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Query().Get("error"); got != "invalid_request" {
		t.Errorf("error = %q", got)
	}
	if got := loc.Query().Get("state"); got != "st-1" {
		t.Errorf("state = %q", got)
	}

	// Unregistered redirect URI: direct 400, no redirect.
	q.Set("redirect_uri", "https://evil.example.com/cb")
	req = httptest.NewRequest(http.MethodGet, "/chat/authorize?"+q.Encode(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHTTPUnknownEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := h.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/nope/register", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHTTPMetadata(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := h.Routes()

	for _, path := range []string{
		MetadataPath,          // single endpoint: bare path resolves
		MetadataPath + "/chat",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		var meta AuthorizationServerMetadata
		if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
			t.Fatal(err)
		}
		if meta.Issuer != "https://proxy.example.com/chat" {
			t.Errorf("issuer = %q", meta.Issuer)
		}
		if meta.TokenEndpoint != "https://proxy.example.com/chat/token" {
			t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
		}
		if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
			t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
		}
	}
}

func TestHTTPBasicAuthClientCredentials(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := h.Routes()

	// Confidential client via Basic auth on an unknown grant: the client
	// authenticates, then fails on the grant itself.
	rec := doJSON(t, mux, http.MethodPost, "/chat/register", `{
		"redirect_uris": ["https://app.example.com/callback"]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}
	var reg ClientRegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatal(err)
	}
	if reg.ClientSecret == "" {
		t.Fatal("confidential client needs a secret")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"nonexistent"},
	}
	req := httptest.NewRequest(http.MethodPost, "/chat/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(reg.ClientID, reg.ClientSecret)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 invalid_grant (auth passed)", rec.Code)
	}

	// Wrong secret: 401 with WWW-Authenticate.
	req = httptest.NewRequest(http.MethodPost, "/chat/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(reg.ClientID, "wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}

func TestHTTPRateLimit(t *testing.T) {
	h, _ := newTestHandler(t)
	rl := security.NewRateLimiterWithConfig(1, 2, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	h.SetRateLimiter(rl)
	mux := h.Routes()

	var last int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/chat/authorize", nil)
		req.RemoteAddr = "198.51.100.10:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("burst of requests ended with %d, want 429", last)
	}
}

func TestHTTPPreflight(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := h.Routes()

	req := httptest.NewRequest(http.MethodOptions, "/chat/token", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS headers")
	}
}
