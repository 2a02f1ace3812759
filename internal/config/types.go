package config

import (
	"strings"
	"time"
)

// Config is the top-level configuration structure for the broker.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Vault         VaultConfig         `yaml:"vault"`
	Connections   ConnectionsConfig   `yaml:"connections"`
	Auth          AuthContextConfig   `yaml:"auth"`
	OutboundOAuth OutboundOAuthConfig `yaml:"outboundOAuth"`
	InboundOAuth  InboundOAuthConfig  `yaml:"inboundOAuth"`
	Tasks         TasksConfig         `yaml:"tasks"`
	APIKeys       []APIKeyConfig      `yaml:"apiKeys,omitempty"`
	MCPServers    []MCPServer         `yaml:"mcpServers,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr,omitempty"`
	// PublicURL is the externally reachable base URL. It is used for OAuth
	// redirect URIs, the inbound issuer and protected resource metadata.
	PublicURL         string        `yaml:"publicURL,omitempty"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout,omitempty"`
	WriteTimeout      time.Duration `yaml:"writeTimeout,omitempty"`
	IdleTimeout       time.Duration `yaml:"idleTimeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout,omitempty"`
}

// DatabaseConfig configures the SQLite database holding credentials and
// authorization server state.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"`
}

// VaultConfig names the environment variable carrying the base64 master key.
type VaultConfig struct {
	KeyEnv string `yaml:"keyEnv,omitempty"`
}

// ConnectionsConfig tunes the connection pools.
type ConnectionsConfig struct {
	IdleTimeout     time.Duration `yaml:"idleTimeout,omitempty"`
	SweepInterval   time.Duration `yaml:"sweepInterval,omitempty"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout,omitempty"`
	CallTimeout     time.Duration `yaml:"callTimeout,omitempty"`
	StopGracePeriod time.Duration `yaml:"stopGracePeriod,omitempty"`
	ListConcurrency int           `yaml:"listConcurrency,omitempty"`
}

// AuthContextConfig describes the trusted headers an upstream session layer
// sets on requests to identify the signed-in user and active team.
type AuthContextConfig struct {
	UserHeader     string   `yaml:"userHeader,omitempty"`
	TeamHeader     string   `yaml:"teamHeader,omitempty"`
	RoleHeader     string   `yaml:"roleHeader,omitempty"`
	TeamAdminRoles []string `yaml:"teamAdminRoles,omitempty"`
}

// OutboundOAuthConfig configures OAuth flows against third-party tool servers.
type OutboundOAuthConfig struct {
	CallbackPath string `yaml:"callbackPath,omitempty"`
	// ReturnURL is where the browser is sent after the callback completes.
	ReturnURL  string `yaml:"returnURL,omitempty"`
	ClientName string `yaml:"clientName,omitempty"`
}

// InboundOAuthConfig configures the authorization server protecting the
// broker's own protocol endpoint.
type InboundOAuthConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Issuer          string          `yaml:"issuer,omitempty"`
	AccessTokenTTL  time.Duration   `yaml:"accessTokenTTL,omitempty"`
	RefreshTokenTTL time.Duration   `yaml:"refreshTokenTTL,omitempty"`
	CodeTTL         time.Duration   `yaml:"codeTTL,omitempty"`
	ConsentTTL      time.Duration   `yaml:"consentTTL,omitempty"`
	Scopes          []string        `yaml:"scopes,omitempty"`
	StaticClients   []StaticClient  `yaml:"staticClients,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
}

// StaticClient is an inbound client registered through configuration rather
// than dynamic registration.
type StaticClient struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirectURIs"`
	// SecretEnv names the environment variable holding the client secret.
	// Empty means a public client.
	SecretEnv string `yaml:"secretEnv,omitempty"`
}

// RateLimitConfig bounds requests per client IP on the registration and token
// endpoints.
type RateLimitConfig struct {
	Requests int           `yaml:"requests,omitempty"`
	Window   time.Duration `yaml:"window,omitempty"`
}

// TasksConfig tunes the background task queue.
type TasksConfig struct {
	Workers     int           `yaml:"workers,omitempty"`
	QueueSize   int           `yaml:"queueSize,omitempty"`
	MaxAttempts int           `yaml:"maxAttempts,omitempty"`
	MaxElapsed  time.Duration `yaml:"maxElapsed,omitempty"`
}

// APIKeyConfig is a static, unscoped API key for the protocol endpoint.
// Only the hex-encoded SHA-256 of the key is stored.
type APIKeyConfig struct {
	Name   string `yaml:"name"`
	UserID string `yaml:"userId"`
	TeamID string `yaml:"teamId,omitempty"`
	SHA256 string `yaml:"sha256"`
}

// MCPServer is the static definition of a tool server the broker can connect to.
type MCPServer struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Transport   Transport `yaml:"transport"`
	Enabled     *bool     `yaml:"enabled,omitempty"`
	AuthMode    AuthMode  `yaml:"authMode"`

	// Stdio fields.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Remote fields.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// AdminSecretEnv names the environment variable holding the secret used
	// by servers in admin mode.
	AdminSecretEnv string `yaml:"adminSecretEnv,omitempty"`
	// CredentialHeader is the HTTP header carrying the credential for remote
	// servers. The Authorization header gets a "Bearer " prefix.
	CredentialHeader string `yaml:"credentialHeader,omitempty"`
	// CredentialEnv is the environment variable carrying the credential for
	// stdio servers.
	CredentialEnv string `yaml:"credentialEnv,omitempty"`

	OAuth *StaticOAuth `yaml:"oauth,omitempty"`
}

// StaticOAuth is optional pre-registered OAuth client metadata for a server.
// When both endpoints and the client id are set, discovery is skipped.
type StaticOAuth struct {
	AuthorizationEndpoint string   `yaml:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string   `yaml:"tokenEndpoint,omitempty"`
	ClientID              string   `yaml:"clientId,omitempty"`
	ClientSecretEnv       string   `yaml:"clientSecretEnv,omitempty"`
	Scopes                []string `yaml:"scopes,omitempty"`
	Resource              string   `yaml:"resource,omitempty"`
}

// IsEnabled reports whether the server may be used. Servers are enabled
// unless explicitly disabled.
func (s MCPServer) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DisplayName returns the human readable name, falling back to the id.
func (s MCPServer) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Endpoint returns the URL for remote servers or the command line for stdio.
func (s MCPServer) Endpoint() string {
	if s.Transport == TransportStdio {
		return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
	}
	return s.URL
}
