package google

import (
	"net/url"
	"strings"
	"testing"

	"github.com/modelgate/oauth-proxy/providers"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: &Config{
				ClientID:     "id",
				ClientSecret: "secret",
				RedirectURL:  "https://proxy.example.com/callback",
			},
		},
		{
			name:    "missing client id",
			cfg:     &Config{ClientSecret: "secret"},
			wantErr: true,
		},
		{
			name:    "missing client secret",
			cfg:     &Config{ClientID: "id"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != "google" {
				t.Errorf("Name() = %q", p.Name())
			}
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "https://proxy.example.com/callback",
	})
	if err != nil {
		t.Fatal(err)
	}

	u := p.AuthorizationURL("state-xyz", &providers.AuthOptions{
		CodeChallenge:       "challenge-123",
		CodeChallengeMethod: "S256",
	})

	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "https://accounts.google.com/") {
		t.Errorf("authorization URL host = %q", parsed.Host)
	}
	q := parsed.Query()
	if q.Get("state") != "state-xyz" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") != "challenge-123" {
		t.Errorf("code_challenge = %q", q.Get("code_challenge"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	// Default scopes applied when none configured.
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("scope = %q, want openid included", q.Get("scope"))
	}
}
