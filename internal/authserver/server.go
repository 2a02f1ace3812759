package authserver

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// Endpoint paths served by Routes.
const (
	PathAuthorize = "/oauth/authorize"
	PathDecision  = "/oauth/authorize/decision"
	PathToken     = "/oauth/token"
	PathRegister  = "/oauth/register"
	PathRevoke    = "/oauth/revoke"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Storage is the persistence the authorization server needs.
type Storage interface {
	store.ClientStore
	store.GrantStore
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server is the inbound OAuth 2.1 authorization server. It registers
// clients, runs the authorization code flow with PKCE and consent, issues
// JWT access tokens with rotating opaque refresh tokens, and verifies the
// access tokens presented to the protocol endpoint.
type Server struct {
	cfg        config.InboundOAuthConfig
	publicURL  string
	resource   string
	store      Storage
	signingKey []byte
	clock      Clock
	limiter    *RateLimiter
	consent    *template.Template

	mu      sync.Mutex
	pending map[string]*PendingAuthorization

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a Server from the application configuration. signingKey signs
// access tokens and must be at least 32 bytes when the server is enabled.
func New(cfg config.Config, st Storage, signingKey []byte, opts ...Option) (*Server, error) {
	in := cfg.InboundOAuth
	if in.Enabled && len(signingKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	if in.Issuer == "" {
		in.Issuer = cfg.Server.PublicURL
	}
	if in.AccessTokenTTL <= 0 {
		in.AccessTokenTTL = config.DefaultAccessTokenTTL
	}
	if in.RefreshTokenTTL <= 0 {
		in.RefreshTokenTTL = config.DefaultRefreshTokenTTL
	}
	if in.CodeTTL <= 0 {
		in.CodeTTL = config.DefaultCodeTTL
	}
	if in.ConsentTTL <= 0 {
		in.ConsentTTL = config.DefaultConsentTTL
	}
	if len(in.Scopes) == 0 {
		in.Scopes = []string{config.ScopeTools, config.ScopeResources}
	}

	tmpl, err := parseConsentTemplate()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        in,
		publicURL:  strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		resource:   cfg.ResourceURL(),
		store:      st,
		signingKey: signingKey,
		clock:      realClock{},
		consent:    tmpl,
		pending:    make(map[string]*PendingAuthorization),
		stopSweep:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimiter(in.RateLimit, s.clock.Now)
	return s, nil
}

// Enabled reports whether the server accepts requests.
func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Issuer returns the issuer identifier placed in tokens and metadata.
func (s *Server) Issuer() string { return s.cfg.Issuer }

// ResourceURL returns the protected resource tokens are issued for.
func (s *Server) ResourceURL() string { return s.resource }

// ResourceMetadataURL returns the RFC 9728 document describing ResourceURL,
// as advertised in WWW-Authenticate challenges.
func (s *Server) ResourceMetadataURL() string {
	return s.publicURL + oauth.WellKnownProtectedResource + "/mcp"
}

// Metadata returns the RFC 8414 authorization server metadata.
func (s *Server) Metadata() oauth.Metadata {
	return oauth.Metadata{
		Issuer:                s.cfg.Issuer,
		AuthorizationEndpoint: s.publicURL + PathAuthorize,
		TokenEndpoint:         s.publicURL + PathToken,
		RegistrationEndpoint:  s.publicURL + PathRegister,
		RevocationEndpoint:    s.publicURL + PathRevoke,
		ScopesSupported:       s.cfg.Scopes,
		ResponseTypesSupported: []string{
			oauth.ResponseTypeCode,
		},
		GrantTypesSupported: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{
			oauth.AuthMethodNone,
			oauth.AuthMethodClientSecretBasic,
			oauth.AuthMethodClientSecretPost,
		},
		CodeChallengeMethodsSupported: []string{oauth.CodeChallengeMethodS256},
	}
}

// ProtectedResourceMetadata returns the RFC 9728 metadata of the protocol
// endpoint.
func (s *Server) ProtectedResourceMetadata() oauth.ProtectedResourceMetadata {
	return oauth.ProtectedResourceMetadata{
		Resource:               s.resource,
		AuthorizationServers:   []string{s.cfg.Issuer},
		ScopesSupported:        s.cfg.Scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "Tool broker",
	}
}

// LoadStaticClients registers the clients listed in configuration. Static
// clients are upserted on every start so configuration changes apply.
func (s *Server) LoadStaticClients(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	for _, sc := range s.cfg.StaticClients {
		client := &store.Client{
			ID:           sc.ID,
			Name:         sc.Name,
			RedirectURIs: sc.RedirectURIs,
			GrantTypes:   []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			AuthMethod:   oauth.AuthMethodNone,
			Static:       true,
			CreatedAt:    s.clock.Now().UTC(),
		}
		if sc.SecretEnv != "" {
			secret := os.Getenv(sc.SecretEnv)
			if secret == "" {
				return fmt.Errorf("static client %s: environment variable %s is empty", sc.ID, sc.SecretEnv)
			}
			client.SecretHash = oauth.HashToken(secret)
			client.AuthMethod = oauth.AuthMethodClientSecretBasic
		}
		for _, uri := range sc.RedirectURIs {
			if err := validateRedirectURI(uri); err != nil {
				return fmt.Errorf("static client %s: %w", sc.ID, err)
			}
		}
		if err := s.store.CreateClient(ctx, client); err != nil {
			return fmt.Errorf("registering static client %s: %w", sc.ID, err)
		}
		logging.Info("AuthServer", "Registered static client %s (%s)", sc.ID, sc.Name)
	}
	return nil
}

// authenticateClient checks the client id and, for confidential clients,
// the secret.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret string) (*store.Client, error) {
	if clientID == "" {
		return nil, invalidClient("client_id is required")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidClient("unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}
	if client.IsPublic() {
		return client, nil
	}
	if secret == "" || !hashesEqual(oauth.HashToken(secret), client.SecretHash) {
		return nil, invalidClient("client authentication failed")
	}
	return client, nil
}

// Start launches the periodic sweep of expired codes, consent requests and
// rate limiter entries. Stop ends it.
func (s *Server) Start(interval time.Duration) {
	if !s.cfg.Enabled {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.Sweep(ctx)
				cancel()
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// Stop ends the sweep started by Start.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	s.sweepWG.Wait()
}

// Sweep removes expired authorization codes and consent requests and trims
// the rate limiter.
func (s *Server) Sweep(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	expired := 0
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
			expired++
		}
	}
	s.mu.Unlock()

	codes, err := s.store.DeleteExpiredAuthorizationCodes(ctx, now)
	if err != nil {
		logging.Warn("AuthServer", "Failed to delete expired authorization codes: %v", err)
	}
	limited := s.limiter.Cleanup()

	if expired > 0 || codes > 0 || limited > 0 {
		logging.Debug("AuthServer", "Swept %d consent requests, %d codes, %d rate limit entries", expired, codes, limited)
	}
}
