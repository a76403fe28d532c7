package github

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/modelgate/oauth-proxy/providers"
)

func validConfig() *Config {
	return &Config{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "https://proxy.example.com/callback",
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(validConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != "github" {
		t.Errorf("Name() = %q", p.Name())
	}

	if _, err := NewProvider(&Config{ClientSecret: "s"}); err == nil {
		t.Error("NewProvider without client ID should fail")
	}
	if _, err := NewProvider(&Config{ClientID: "i"}); err == nil {
		t.Error("NewProvider without client secret should fail")
	}
}

func TestNewProviderOrgScope(t *testing.T) {
	cfg := validConfig()
	cfg.AllowedOrganizations = []string{"acme"}

	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatal(err)
	}

	u := p.AuthorizationURL("s", nil)
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(parsed.Query().Get("scope"), "read:org") {
		t.Errorf("scope = %q, want read:org added for org restriction", parsed.Query().Get("scope"))
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, err := NewProvider(validConfig())
	if err != nil {
		t.Fatal(err)
	}

	u := p.AuthorizationURL("state-1", &providers.AuthOptions{
		RedirectURI: "https://proxy.example.com/ep-2/callback",
	})
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Host != "github.com" {
		t.Errorf("host = %q, want github.com", parsed.Host)
	}
	if got := parsed.Query().Get("redirect_uri"); got != "https://proxy.example.com/ep-2/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
}

func TestRefreshNotSupported(t *testing.T) {
	p, err := NewProvider(validConfig())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.RefreshToken(context.Background(), "rt"); !errors.Is(err, ErrRefreshNotSupported) {
		t.Errorf("RefreshToken() error = %v, want ErrRefreshNotSupported", err)
	}
}

func TestRevokeIsNoOp(t *testing.T) {
	p, err := NewProvider(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RevokeToken(context.Background(), "tok"); err != nil {
		t.Errorf("RevokeToken() error = %v, want nil", err)
	}
}

func TestIntersects(t *testing.T) {
	if !intersects([]string{"a", "b"}, []string{"b", "c"}) {
		t.Error("intersects should find common element")
	}
	if intersects([]string{"a"}, []string{"b"}) {
		t.Error("intersects found a false match")
	}
	if intersects(nil, []string{"b"}) {
		t.Error("intersects with nil slice should be false")
	}
}
