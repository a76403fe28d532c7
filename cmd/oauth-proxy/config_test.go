package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
issuer: https://proxy.example.com
providers:
  - id: corp
    type: oidc
    issuer_url: https://login.example.com
    client_id: proxy-client
    client_secret: s3cret
endpoints:
  - id: chat
    mode: gateway
    provider: corp
    allowed_redirect_patterns:
      - https://app.example.com/callback
    hybrid_auth: true
`

func TestLoadConfigValid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen, "listen should default")
	assert.Equal(t, "memory", cfg.Storage.Backend, "backend should default to memory")
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerSecond)
	require.Len(t, cfg.Endpoints, 1)
	assert.True(t, cfg.Endpoints[0].HybridAuth)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_OAUTH_SECRET", "from-env")
	cfg, err := LoadConfig(writeConfig(t, `
issuer: https://proxy.example.com
providers:
  - id: corp
    type: oidc
    issuer_url: https://login.example.com
    client_id: proxy-client
    client_secret: ${TEST_OAUTH_SECRET}
endpoints:
  - id: chat
    mode: gateway
    provider: corp
    allowed_redirect_patterns: ["https://app.example.com/cb"]
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Providers[0].ClientSecret)
}

func TestLoadConfigRejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing issuer",
			yaml:    "listen: ':8080'",
			wantErr: "issuer is required",
		},
		{
			name: "no providers",
			yaml: `
issuer: https://p.example.com
endpoints:
  - id: chat
    mode: gateway
    provider: corp
`,
			wantErr: "at least one provider",
		},
		{
			name: "endpoint references unknown provider",
			yaml: `
issuer: https://p.example.com
providers:
  - id: corp
    type: oidc
    issuer_url: https://login.example.com
    client_id: x
endpoints:
  - id: chat
    mode: gateway
    provider: missing
`,
			wantErr: "unknown provider",
		},
		{
			name: "bad provider type",
			yaml: `
issuer: https://p.example.com
providers:
  - id: corp
    type: ldap
endpoints:
  - id: chat
    mode: gateway
    provider: corp
`,
			wantErr: "unknown type",
		},
		{
			name: "google without secret",
			yaml: `
issuer: https://p.example.com
providers:
  - id: g
    type: google
    client_id: x
endpoints:
  - id: chat
    mode: gateway
    provider: g
`,
			wantErr: "client_secret",
		},
		{
			name: "valkey without address",
			yaml: `
issuer: https://p.example.com
storage:
  backend: valkey
providers:
  - id: corp
    type: oidc
    issuer_url: https://login.example.com
    client_id: x
endpoints:
  - id: chat
    mode: gateway
    provider: corp
`,
			wantErr: "valkey.address",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestServerConfigTranslation(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	sc := cfg.ServerConfig()
	assert.Equal(t, "https://proxy.example.com", sc.Issuer)
	require.Len(t, sc.Endpoints, 1)
	assert.Equal(t, "chat", sc.Endpoints[0].EndpointID)
	assert.Equal(t, "corp", sc.Endpoints[0].ProviderID)
	assert.True(t, sc.Endpoints[0].HybridAuthEnabled)
	require.NoError(t, sc.Validate())
}
