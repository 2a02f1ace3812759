package config

import "time"

const (
	DefaultListenAddr        = "localhost:8090"
	DefaultPublicURL         = "http://localhost:8090"
	DefaultDatabaseFile      = "broker.db"
	DefaultVaultKeyEnv       = "BROKER_VAULT_KEY"
	DefaultOAuthCallbackPath = "/oauth/servers/callback"
	DefaultOAuthReturnURL    = "/"
	DefaultOAuthClientName   = "Tool Broker"

	DefaultIdleTimeout     = 5 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultConnectTimeout  = 15 * time.Second
	DefaultCallTimeout     = 30 * time.Second
	DefaultStopGracePeriod = 5 * time.Second
	DefaultListConcurrency = 4

	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultCodeTTL         = 10 * time.Minute
	DefaultConsentTTL      = 10 * time.Minute

	DefaultRateLimitRequests = 20
	DefaultRateLimitWindow   = time.Minute

	DefaultTaskWorkers     = 2
	DefaultTaskQueueSize   = 256
	DefaultTaskMaxAttempts = 5
	DefaultTaskMaxElapsed  = 2 * time.Minute

	// ScopeTools gates tools/call on the protocol endpoint.
	ScopeTools = "tools"
	// ScopeResources gates resources/read on the protocol endpoint.
	ScopeResources = "resources"
)

// GetDefaultConfig returns the configuration used when no config.yaml exists.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        DefaultListenAddr,
			PublicURL:         DefaultPublicURL,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Vault: VaultConfig{KeyEnv: DefaultVaultKeyEnv},
		Connections: ConnectionsConfig{
			IdleTimeout:     DefaultIdleTimeout,
			SweepInterval:   DefaultSweepInterval,
			ConnectTimeout:  DefaultConnectTimeout,
			CallTimeout:     DefaultCallTimeout,
			StopGracePeriod: DefaultStopGracePeriod,
			ListConcurrency: DefaultListConcurrency,
		},
		Auth: AuthContextConfig{
			UserHeader:     "X-User-Id",
			TeamHeader:     "X-Team-Id",
			RoleHeader:     "X-Team-Role",
			TeamAdminRoles: []string{"owner", "admin"},
		},
		OutboundOAuth: OutboundOAuthConfig{
			CallbackPath: DefaultOAuthCallbackPath,
			ReturnURL:    DefaultOAuthReturnURL,
			ClientName:   DefaultOAuthClientName,
		},
		InboundOAuth: InboundOAuthConfig{
			Enabled:         false,
			AccessTokenTTL:  DefaultAccessTokenTTL,
			RefreshTokenTTL: DefaultRefreshTokenTTL,
			CodeTTL:         DefaultCodeTTL,
			ConsentTTL:      DefaultConsentTTL,
			Scopes:          []string{ScopeTools, ScopeResources},
			RateLimit: RateLimitConfig{
				Requests: DefaultRateLimitRequests,
				Window:   DefaultRateLimitWindow,
			},
		},
		Tasks: TasksConfig{
			Workers:     DefaultTaskWorkers,
			QueueSize:   DefaultTaskQueueSize,
			MaxAttempts: DefaultTaskMaxAttempts,
			MaxElapsed:  DefaultTaskMaxElapsed,
		},
	}
}
