package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  publicURL: https://broker.example.com/
connections:
  idleTimeout: 2m
inboundOAuth:
  enabled: true
  scopes: [tools]
mcpServers:
  - id: github
    name: GitHub
    transport: streamable-http
    url: https://mcp.example.com/mcp
    authMode: user-oauth
  - id: search
    transport: sse
    url: https://search.example.com/sse
    authMode: admin
    adminSecretEnv: SEARCH_API_KEY
  - id: files
    transport: stdio
    command: npx
    args: ["-y", "server-filesystem"]
    authMode: none
  - id: legacy
    transport: stdio
    command: legacy-server
    authMode: none
    enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeConfig(t, sampleConfig)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "https://broker.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "https://broker.example.com", cfg.InboundOAuth.Issuer)
	assert.Equal(t, 2*time.Minute, cfg.Connections.IdleTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Connections.SweepInterval, "unset values keep defaults")
	assert.Equal(t, []string{ScopeTools}, cfg.InboundOAuth.Scopes)
	assert.Equal(t, filepath.Join(dir, DefaultDatabaseFile), cfg.Database.Path)
	assert.Equal(t, "https://broker.example.com/oauth/servers/callback", cfg.CallbackURL())

	require.Len(t, cfg.MCPServers, 4)
	assert.Equal(t, TransportStreamableHTTP, cfg.MCPServers[0].Transport)
	assert.Equal(t, AuthModeUserOAuth, cfg.MCPServers[0].AuthMode)
	assert.Equal(t, "npx -y server-filesystem", cfg.MCPServers[2].Endpoint())
	assert.Len(t, cfg.EnabledServers(), 3)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.False(t, cfg.InboundOAuth.Enabled)
	assert.Empty(t, cfg.MCPServers)
}

func TestParse_RejectsUnknownEnumValues(t *testing.T) {
	tests := map[string]string{
		"transport": `
mcpServers:
  - id: x
    transport: websocket
    url: https://x.example.com
    authMode: none
`,
		"authMode": `
mcpServers:
  - id: x
    transport: sse
    url: https://x.example.com
    authMode: everyone
`,
		"unknown field": `
mcpServers:
  - id: x
    transprot: sse
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), GetDefaultConfig())
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	base := GetDefaultConfig()

	tests := []struct {
		name    string
		server  MCPServer
		wantErr string
	}{
		{
			name:    "stdio without command",
			server:  MCPServer{ID: "a", Transport: TransportStdio, AuthMode: AuthModeNone},
			wantErr: "command",
		},
		{
			name:    "remote without url",
			server:  MCPServer{ID: "a", Transport: TransportSSE, AuthMode: AuthModeNone},
			wantErr: "url",
		},
		{
			name:    "admin without secret env",
			server:  MCPServer{ID: "a", Transport: TransportSSE, URL: "https://a.example.com", AuthMode: AuthModeAdmin},
			wantErr: "adminSecretEnv",
		},
		{
			name:    "oauth over stdio",
			server:  MCPServer{ID: "a", Transport: TransportStdio, Command: "x", CredentialEnv: "TOKEN", AuthMode: AuthModeUserOAuth},
			wantErr: "remote transport",
		},
		{
			name:    "stdio api key without env",
			server:  MCPServer{ID: "a", Transport: TransportStdio, Command: "x", AuthMode: AuthModeTeamAPIKey},
			wantErr: "credentialEnv",
		},
		{
			name:    "bad id",
			server:  MCPServer{ID: "Has Spaces", Transport: TransportStdio, Command: "x", AuthMode: AuthModeNone},
			wantErr: "mcpServers[0].id",
		},
		{
			name:    "separator in id",
			server:  MCPServer{ID: "a__b", Transport: TransportStdio, Command: "x", AuthMode: AuthModeNone},
			wantErr: "__",
		},
		{
			name:   "valid",
			server: MCPServer{ID: "ok", Transport: TransportStreamableHTTP, URL: "https://ok.example.com/mcp", AuthMode: AuthModeUserAPIKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.MCPServers = []MCPServer{tt.server}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DuplicateIDs(t *testing.T) {
	cfg := GetDefaultConfig()
	s := MCPServer{ID: "dup", Transport: TransportStdio, Command: "x", AuthMode: AuthModeNone}
	cfg.MCPServers = []MCPServer{s, s}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLookupServer(t *testing.T) {
	disabled := false
	cfg := GetDefaultConfig()
	cfg.MCPServers = []MCPServer{
		{ID: "on", Transport: TransportStdio, Command: "x", AuthMode: AuthModeNone},
		{ID: "off", Transport: TransportStdio, Command: "x", AuthMode: AuthModeNone, Enabled: &disabled},
	}

	s, err := cfg.LookupServer("on")
	require.NoError(t, err)
	assert.Equal(t, "on", s.ID)

	_, err = cfg.LookupServer("off")
	assert.True(t, errors.Is(err, ErrServerDisabled))
	assert.True(t, IsConfigurationError(err))

	_, err = cfg.LookupServer("missing")
	assert.True(t, errors.Is(err, ErrUnknownServer))
}

func TestAuthModeMapping(t *testing.T) {
	for _, m := range AuthModes {
		scope, err := m.Scope()
		require.NoError(t, err, m)
		kind, err := m.CredentialKind()
		require.NoError(t, err, m)

		switch scope {
		case ScopeGlobal:
			assert.Equal(t, CredentialNone, kind, m)
		case ScopeUser, ScopeTeam:
			assert.NotEqual(t, CredentialNone, kind, m)
		}
	}

	_, err := AuthMode("bogus").Scope()
	assert.Error(t, err)
}

func TestValidate_InboundRequiresHTTPS(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.InboundOAuth.Enabled = true
	assert.NoError(t, cfg.Validate(), "loopback may use http")

	cfg.Server.PublicURL = "http://broker.example.com"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")

	cfg.Server.PublicURL = "https://broker.example.com"
	assert.NoError(t, cfg.Validate())
}
