package providers

import (
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

type stubProvider struct {
	Provider
	name string
}

func (s *stubProvider) Name() string { return s.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get("missing"); err == nil {
		t.Error("Get on empty registry should fail")
	}

	p := &stubProvider{name: "google"}
	if err := r.Register("google-prod", p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := r.Get("google-prod")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name() != "google" {
		t.Errorf("Get() returned provider %q, want %q", got.Name(), "google")
	}

	if err := r.Register("", p); err == nil {
		t.Error("Register with empty ID should fail")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("Register with nil provider should fail")
	}

	ids := r.IDs()
	if len(ids) != 1 || ids[0] != "google-prod" {
		t.Errorf("IDs() = %v, want [google-prod]", ids)
	}
}

func TestBuildAuthCodeURL(t *testing.T) {
	config := &oauth2.Config{
		ClientID:    "client-1",
		RedirectURL: "https://proxy.example.com/callback",
		Scopes:      []string{"openid"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://idp.example.com/authorize",
			TokenURL: "https://idp.example.com/token",
		},
	}

	t.Run("defaults", func(t *testing.T) {
		u := BuildAuthCodeURL(config, "state-1", nil)
		parsed, err := url.Parse(u)
		if err != nil {
			t.Fatal(err)
		}
		q := parsed.Query()
		if q.Get("state") != "state-1" {
			t.Errorf("state = %q", q.Get("state"))
		}
		if q.Get("redirect_uri") != "https://proxy.example.com/callback" {
			t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
		}
	})

	t.Run("pkce and overrides", func(t *testing.T) {
		u := BuildAuthCodeURL(config, "state-2", &AuthOptions{
			RedirectURI:         "https://proxy.example.com/ep-1/callback",
			Scopes:              []string{"openid", "email"},
			CodeChallenge:       "challenge-abc",
			CodeChallengeMethod: "S256",
		})
		q, err := url.Parse(u)
		if err != nil {
			t.Fatal(err)
		}
		query := q.Query()
		if query.Get("code_challenge") != "challenge-abc" {
			t.Errorf("code_challenge = %q", query.Get("code_challenge"))
		}
		if query.Get("code_challenge_method") != "S256" {
			t.Errorf("code_challenge_method = %q", query.Get("code_challenge_method"))
		}
		if query.Get("redirect_uri") != "https://proxy.example.com/ep-1/callback" {
			t.Errorf("redirect_uri = %q", query.Get("redirect_uri"))
		}
		if !strings.Contains(query.Get("scope"), "email") {
			t.Errorf("scope = %q, want email included", query.Get("scope"))
		}

		// The shared config must not be mutated by overrides.
		if config.RedirectURL != "https://proxy.example.com/callback" {
			t.Error("BuildAuthCodeURL mutated the shared config")
		}
	})
}
