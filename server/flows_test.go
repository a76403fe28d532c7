package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/pkce"
	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/providers/mock"
	"github.com/modelgate/oauth-proxy/storage"
	"github.com/modelgate/oauth-proxy/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *mock.Provider) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	provider := mock.NewProvider()
	registry := providers.NewRegistry()
	if err := registry.Register("mock", provider); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		Issuer: "https://proxy.example.com",
		Endpoints: []EndpointConfig{
			{
				EndpointID: "chat",
				Mode:       storage.ModeGateway,
				ProviderID: "mock",
				AllowedRedirectPatterns: []string{
					"https://app.example.com/callback",
					"http://localhost:*/cb",
				},
				HybridAuthEnabled: true,
			},
			{
				EndpointID: "relay",
				Mode:       storage.ModeUpstream,
				ProviderID: "mock",
				AllowedRedirectPatterns: []string{
					"https://app.example.com/callback",
				},
			},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(registry, Stores{
		Clients:  store,
		Sessions: store,
		Tokens:   store,
		APIKeys:  store,
	}, cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, provider
}

// registerPublicClient registers a public client on an endpoint and returns
// its client ID.
func registerPublicClient(t *testing.T, srv *Server, endpointID string) string {
	t.Helper()
	resp, err := srv.RegisterClient(context.Background(), endpointID, &RegistrationRequest{
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: AuthMethodNone,
		ClientName:              "test app",
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if resp.ClientSecret != "" {
		t.Fatal("public client should not receive a secret")
	}
	return resp.ClientID
}

// authorizeAndCallback drives the flow up to the client-facing code and
// returns the code plus the PKCE verifier that redeems it.
func authorizeAndCallback(t *testing.T, srv *Server, provider *mock.Provider, endpointID, clientID string) (code, verifier string) {
	t.Helper()
	ctx := context.Background()

	var providerState string
	provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		providerState = state
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
	}

	verifier, challenge := pkce.GeneratePair()
	_, err := srv.StartAuthorization(ctx, endpointID, &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		State:               "client-state-1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	})
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}

	cb, err := srv.HandleProviderCallback(ctx, endpointID, providerState, "provider-code-1", "")
	if err != nil {
		t.Fatalf("HandleProviderCallback: %v", err)
	}
	redirect, err := url.Parse(cb.RedirectURL)
	if err != nil {
		t.Fatal(err)
	}
	code = redirect.Query().Get("code")
	if code == "" {
		t.Fatalf("callback redirect carries no code: %s", cb.RedirectURL)
	}
	if got := redirect.Query().Get("state"); got != "client-state-1" {
		t.Errorf("state = %q, want client-state-1", got)
	}
	return code, verifier
}

func TestGatewayFlowEndToEnd(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")

	// Capture what travels to the provider.
	var upstreamChallenge string
	provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		upstreamChallenge = opts.CodeChallenge
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
	}
	var upstreamVerifier string
	provider.ExchangeCodeFunc = func(_ context.Context, _ string, opts *providers.ExchangeOptions) (*oauth2.Token, error) {
		upstreamVerifier = opts.CodeVerifier
		return &oauth2.Token{AccessToken: "prov-at", RefreshToken: "prov-rt", TokenType: "Bearer"}, nil
	}

	verifier, challenge := pkce.GeneratePair()
	var providerState string
	orig := provider.AuthorizationURLFunc
	provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		providerState = state
		return orig(state, opts)
	}

	res, err := srv.StartAuthorization(ctx, "chat", &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		State:               "client-state-1",
		Scope:               "",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	})
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	if !strings.HasPrefix(res.RedirectURL, "https://mock.example.com/authorize") {
		t.Errorf("unexpected provider redirect: %s", res.RedirectURL)
	}

	// Dual PKCE: the provider leg must never see the client's challenge.
	if upstreamChallenge == "" {
		t.Fatal("gateway mode must send a PKCE challenge upstream")
	}
	if upstreamChallenge == challenge {
		t.Error("client challenge was forwarded upstream; gateway must generate its own pair")
	}

	cb, err := srv.HandleProviderCallback(ctx, "chat", providerState, "provider-code-1", "")
	if err != nil {
		t.Fatalf("HandleProviderCallback: %v", err)
	}
	if upstreamVerifier == verifier {
		t.Error("client verifier was sent to the provider")
	}
	if !pkce.Verify(upstreamVerifier, upstreamChallenge) {
		t.Error("provider-leg verifier does not match the challenge sent upstream")
	}

	redirect, _ := url.Parse(cb.RedirectURL)
	code := redirect.Query().Get("code")
	if code == "provider-code-1" {
		t.Error("gateway mode leaked the provider code to the client")
	}

	tok, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatal("gateway tokens missing")
	}
	if tok.AccessToken == "prov-at" {
		t.Error("gateway mode returned the provider token instead of minting its own")
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("token_type = %q", tok.TokenType)
	}

	id, err := srv.ValidateCredential(ctx, "chat", tok.AccessToken)
	if err != nil {
		t.Fatalf("ValidateCredential: %v", err)
	}
	if id.Subject != "mock-user-123" {
		t.Errorf("subject = %q, want mock-user-123", id.Subject)
	}
	if id.Source != SourceOAuth {
		t.Errorf("source = %q, want oauth", id.Source)
	}
}

func TestUpstreamFlowPassThrough(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.RegisterClient(ctx, "relay", &RegistrationRequest{
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: AuthMethodNone,
	})
	if err != nil {
		t.Fatal(err)
	}
	clientID := resp.ClientID

	var upstreamChallenge, providerState string
	provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		providerState = state
		upstreamChallenge = opts.CodeChallenge
		return "https://mock.example.com/authorize"
	}

	verifier, challenge := pkce.GeneratePair()
	if _, err := srv.StartAuthorization(ctx, "relay", &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		State:               "st-1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}

	// Single PKCE leg: the client's challenge goes upstream unchanged.
	if upstreamChallenge != challenge {
		t.Errorf("upstream challenge = %q, want the client's own", upstreamChallenge)
	}

	cb, err := srv.HandleProviderCallback(ctx, "relay", providerState, "provider-code-xyz", "")
	if err != nil {
		t.Fatalf("HandleProviderCallback: %v", err)
	}
	redirect, _ := url.Parse(cb.RedirectURL)
	if got := redirect.Query().Get("code"); got != "provider-code-xyz" {
		t.Errorf("upstream mode must relay the provider code, got %q", got)
	}
	if provider.CallCount("ExchangeCode") != 0 {
		t.Error("upstream callback must not exchange the code")
	}

	var forwardedVerifier string
	provider.ExchangeCodeFunc = func(_ context.Context, code string, opts *providers.ExchangeOptions) (*oauth2.Token, error) {
		if code != "provider-code-xyz" {
			t.Errorf("provider exchange got code %q", code)
		}
		forwardedVerifier = opts.CodeVerifier
		return (&oauth2.Token{
			AccessToken:  "prov-at",
			RefreshToken: "prov-rt",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}).WithExtra(map[string]any{"id_token": "header.payload.sig"}), nil
	}

	tok, err := srv.Token(ctx, "relay", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         "provider-code-xyz",
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if forwardedVerifier != verifier {
		t.Error("upstream exchange must forward the client's verifier")
	}
	if tok.AccessToken != "prov-at" || tok.RefreshToken != "prov-rt" {
		t.Errorf("provider token not passed through: %+v", tok)
	}
	if tok.Extra["id_token"] != "header.payload.sig" {
		t.Error("id_token not passed through")
	}

	// The pass-through token validates like any other.
	id, err := srv.ValidateCredential(ctx, "relay", "prov-at")
	if err != nil {
		t.Fatalf("ValidateCredential: %v", err)
	}
	if id.Subject != "mock-user-123" {
		t.Errorf("subject = %q", id.Subject)
	}
}

func TestStartAuthorizationValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")

	_, challenge := pkce.GeneratePair()
	valid := func() *AuthorizeRequest {
		return &AuthorizeRequest{
			ClientID:            clientID,
			RedirectURI:         "https://app.example.com/callback",
			ResponseType:        "code",
			State:               "st",
			CodeChallenge:       challenge,
			CodeChallengeMethod: pkce.MethodS256,
		}
	}

	tests := []struct {
		name         string
		mutate       func(*AuthorizeRequest)
		wantCode     string
		wantRedirect bool
	}{
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizeRequest) { r.ClientID = "nope" },
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "unregistered redirect uri",
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:         "missing state",
			mutate:       func(r *AuthorizeRequest) { r.State = "" },
			wantCode:     ErrCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "missing code challenge",
			mutate:       func(r *AuthorizeRequest) { r.CodeChallenge = "" },
			wantCode:     ErrCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "plain challenge method",
			mutate:       func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" },
			wantCode:     ErrCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "implicit response type",
			mutate:       func(r *AuthorizeRequest) { r.ResponseType = "token" },
			wantCode:     ErrCodeUnsupportedResponseType,
			wantRedirect: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(req)
			_, err := srv.StartAuthorization(ctx, "chat", req)
			if err == nil {
				t.Fatal("expected error")
			}
			oe := AsError(err)
			if oe.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", oe.Code, tc.wantCode)
			}
			if gotRedirect := oe.RedirectURL() != ""; gotRedirect != tc.wantRedirect {
				t.Errorf("redirect delivery = %v, want %v (url %q)", gotRedirect, tc.wantRedirect, oe.RedirectURL())
			}
		})
	}
}

func TestCallbackProviderDenial(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")

	var providerState string
	provider.AuthorizationURLFunc = func(state string, _ *providers.AuthOptions) string {
		providerState = state
		return "https://mock.example.com/authorize"
	}
	_, challenge := pkce.GeneratePair()
	if _, err := srv.StartAuthorization(ctx, "chat", &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		State:               "st",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}); err != nil {
		t.Fatal(err)
	}

	cb, err := srv.HandleProviderCallback(ctx, "chat", providerState, "", "access_denied")
	if err != nil {
		t.Fatalf("denial should redirect, not error: %v", err)
	}
	redirect, _ := url.Parse(cb.RedirectURL)
	if got := redirect.Query().Get("error"); got != ErrCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", got)
	}
	if got := redirect.Query().Get("state"); got != "st" {
		t.Errorf("state = %q", got)
	}

	// The session is gone; a replayed callback finds nothing.
	if _, err := srv.HandleProviderCallback(ctx, "chat", providerState, "code", ""); err == nil {
		t.Error("replayed callback after denial should fail")
	}
}

func TestCallbackUnknownState(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.HandleProviderCallback(context.Background(), "chat", "never-issued", "code", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if oe := AsError(err); oe.Code != ErrCodeInvalidRequest {
		t.Errorf("code = %q", oe.Code)
	}
}

func TestCallbackReplayAfterAuthorization(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")

	var providerState string
	provider.AuthorizationURLFunc = func(state string, _ *providers.AuthOptions) string {
		providerState = state
		return "https://mock.example.com/authorize"
	}
	_, challenge := pkce.GeneratePair()
	if _, err := srv.StartAuthorization(ctx, "chat", &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		State:               "st",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.HandleProviderCallback(ctx, "chat", providerState, "provider-code", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.HandleProviderCallback(ctx, "chat", providerState, "provider-code", ""); err == nil {
		t.Error("second callback for the same session should fail")
	}
}

func TestTokenPKCEFailureRollsBackCode(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)

	wrongVerifier, _ := pkce.GeneratePair()
	_, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: wrongVerifier,
		ClientID:     clientID,
	})
	if oe := AsError(err); err == nil || oe.Code != ErrCodeInvalidGrant {
		t.Fatalf("wrong verifier should yield invalid_grant, got %v", err)
	}

	// The grant survived the bad verifier: a correct retry succeeds.
	tok, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatalf("retry with correct verifier failed: %v", err)
	}
	if tok.AccessToken == "" {
		t.Fatal("no access token")
	}
}

func TestTokenCodeReuseRevokesTokens(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)

	req := &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	}
	tok, err := srv.Token(ctx, "chat", req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.ValidateCredential(ctx, "chat", tok.AccessToken); err != nil {
		t.Fatalf("token should validate before the replay: %v", err)
	}

	// Replay the code: invalid_grant, and the issued tokens die with it.
	if _, err := srv.Token(ctx, "chat", req); err == nil {
		t.Fatal("code replay should fail")
	}
	if _, err := srv.ValidateCredential(ctx, "chat", tok.AccessToken); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("token should be revoked after code reuse, got %v", err)
	}
}

func TestTokenBindingChecks(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	otherClient := registerPublicClient(t, srv, "chat")

	t.Run("wrong client", func(t *testing.T) {
		code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)
		_, err := srv.Token(ctx, "chat", &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         code,
			RedirectURI:  "https://app.example.com/callback",
			CodeVerifier: verifier,
			ClientID:     otherClient,
		})
		if oe := AsError(err); err == nil || oe.Code != ErrCodeInvalidGrant {
			t.Errorf("foreign client should get invalid_grant, got %v", err)
		}
	})

	t.Run("wrong redirect uri", func(t *testing.T) {
		code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)
		_, err := srv.Token(ctx, "chat", &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         code,
			RedirectURI:  "https://app.example.com/other",
			CodeVerifier: verifier,
			ClientID:     clientID,
		})
		if oe := AsError(err); err == nil || oe.Code != ErrCodeInvalidGrant {
			t.Errorf("redirect mismatch should get invalid_grant, got %v", err)
		}
	})

	t.Run("unknown grant type", func(t *testing.T) {
		_, err := srv.Token(ctx, "chat", &TokenRequest{GrantType: "password", ClientID: clientID})
		if oe := AsError(err); err == nil || oe.Code != ErrCodeUnsupportedGrantType {
			t.Errorf("got %v", err)
		}
	})
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)

	const goroutines = 20
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			_, err := srv.Token(ctx, "chat", &TokenRequest{
				GrantType:    GrantAuthorizationCode,
				Code:         code,
				RedirectURI:  "https://app.example.com/callback",
				CodeVerifier: verifier,
				ClientID:     clientID,
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestRefreshRotation(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)

	tok, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatal(err)
	}

	refreshed, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: tok.RefreshToken,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.AccessToken == tok.AccessToken || refreshed.RefreshToken == tok.RefreshToken {
		t.Error("rotation must mint a new pair")
	}

	// Old pair is dead.
	if _, err := srv.ValidateCredential(ctx, "chat", tok.AccessToken); err == nil {
		t.Error("old access token should be invalid after rotation")
	}
	if _, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: tok.RefreshToken,
		ClientID:     clientID,
	}); err == nil {
		t.Error("replaying the rotated-out refresh token should fail")
	}

	// New pair works.
	if _, err := srv.ValidateCredential(ctx, "chat", refreshed.AccessToken); err != nil {
		t.Errorf("new access token rejected: %v", err)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")

	var providerState string
	provider.AuthorizationURLFunc = func(state string, opts *providers.AuthOptions) string {
		providerState = state
		return "https://mock.example.com/authorize"
	}
	verifier, challenge := pkce.GeneratePair()
	if _, err := srv.StartAuthorization(ctx, "chat", &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		State:               "client-state-1",
		Scope:               "openid email",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	cb, err := srv.HandleProviderCallback(ctx, "chat", providerState, "provider-code-1", "")
	if err != nil {
		t.Fatalf("HandleProviderCallback: %v", err)
	}
	redirect, err := url.Parse(cb.RedirectURL)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         redirect.Query().Get("code"),
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Widening the grant is refused, and the refusal must not burn the
	// refresh token.
	_, err = srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: tok.RefreshToken,
		Scope:        "openid email admin",
		ClientID:     clientID,
	})
	if oe := AsError(err); oe == nil || oe.Code != ErrCodeInvalidScope {
		t.Fatalf("widened refresh error = %v, want invalid_scope", err)
	}

	narrowed, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: tok.RefreshToken,
		Scope:        "email",
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatalf("narrowed refresh after scope violation: %v", err)
	}
	if narrowed.Scope != "email" {
		t.Errorf("scope = %q, want email", narrowed.Scope)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)

	tok, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.Revoke(ctx, "chat", &RevokeRequest{
		Token:    tok.AccessToken,
		ClientID: clientID,
	}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := srv.ValidateCredential(ctx, "chat", tok.AccessToken); err == nil {
		t.Error("access token should be invalid after revocation")
	}

	// Provider-side revocation rode along.
	if provider.CallCount("RevokeToken") == 0 {
		t.Error("provider token revocation was not attempted")
	}

	// Unknown token: still success per RFC 7009.
	if err := srv.Revoke(ctx, "chat", &RevokeRequest{
		Token:    "never-issued",
		ClientID: clientID,
	}); err != nil {
		t.Errorf("unknown token revocation should succeed, got %v", err)
	}
}

func TestRevokeByRefreshToken(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv, "chat")
	code, verifier := authorizeAndCallback(t, srv, provider, "chat", clientID)

	tok, err := srv.Token(ctx, "chat", &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
		ClientID:     clientID,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.Revoke(ctx, "chat", &RevokeRequest{
		Token:         tok.RefreshToken,
		TokenTypeHint: "refresh_token",
		ClientID:      clientID,
	}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := srv.ValidateCredential(ctx, "chat", tok.AccessToken); err == nil {
		t.Error("access token should die with its refresh token")
	}
}
