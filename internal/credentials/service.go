package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

var (
	// ErrAuthModeMismatch is returned when the requested credential kind does
	// not match the server's auth mode, or the server takes no per-principal
	// credential at all.
	ErrAuthModeMismatch = errors.New("credential kind does not match the server's auth mode")
	// ErrEmptyAPIKey is returned when an API key is blank.
	ErrEmptyAPIKey = errors.New("api key must not be empty")
)

// Catalog resolves configured servers. config.Config satisfies it.
type Catalog interface {
	LookupServer(id string) (config.MCPServer, error)
	EnabledServers() []config.MCPServer
}

// Authorizer runs outbound OAuth flows. *oauth.Flow satisfies it.
type Authorizer interface {
	StartAuthorization(ctx context.Context, owner principal.Owner, server config.MCPServer) (string, error)
	CompleteAuthorization(ctx context.Context, code, rawState string) (oauth.Target, error)
	FailAuthorization(ctx context.Context, rawState, code, description string) (oauth.Target, error)
}

// WarmFunc is called after a credential was written so the connection can be
// opened ahead of the first call.
type WarmFunc func(owner principal.Owner, serverID string)

// Status describes the credential state of one server for the caller.
type Status struct {
	ServerID    string                `json:"serverId"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	AuthMode    config.AuthMode       `json:"authMode"`
	Scope       config.PoolScope      `json:"scope"`
	Kind        config.CredentialKind `json:"kind"`
	Configured  bool                  `json:"configured"`
	Pending     bool                  `json:"pending,omitempty"`
	CanManage   bool                  `json:"canManage"`
	UpdatedAt   *time.Time            `json:"updatedAt,omitempty"`
}

// Service manages the credentials principals store for tool servers. Every
// write invalidates the affected pooled connection before returning.
type Service struct {
	catalog     Catalog
	store       store.CredentialStore
	vault       *vault.Vault
	flow        Authorizer
	invalidator oauth.Invalidator
	teams       principal.TeamAuthorizer
	warm        WarmFunc
}

// NewService creates a Service.
func NewService(catalog Catalog, credStore store.CredentialStore, v *vault.Vault, flow Authorizer, invalidator oauth.Invalidator, teams principal.TeamAuthorizer) *Service {
	return &Service{
		catalog:     catalog,
		store:       credStore,
		vault:       v,
		flow:        flow,
		invalidator: invalidator,
		teams:       teams,
	}
}

// SetWarmFunc registers the hook run after successful writes.
func (s *Service) SetWarmFunc(fn WarmFunc) {
	s.warm = fn
}

// List reports, for every enabled server, whether the caller (or the
// caller's team, for team servers) has a credential configured.
func (s *Service) List(ctx context.Context, who principal.Principal) ([]Status, error) {
	userCreds, err := s.byServer(ctx, who.UserOwner())
	if err != nil {
		return nil, err
	}
	teamCreds := map[string]*store.Credential{}
	if teamOwner, ok := who.TeamOwner(); ok {
		if teamCreds, err = s.byServer(ctx, teamOwner); err != nil {
			return nil, err
		}
	}
	canManageTeam := who.HasTeam() && s.teams.CanManageTeamCredentials(ctx, who)

	servers := s.catalog.EnabledServers()
	out := make([]Status, 0, len(servers))
	for _, server := range servers {
		scope, err := server.AuthMode.Scope()
		if err != nil {
			return nil, err
		}
		kind, err := server.AuthMode.CredentialKind()
		if err != nil {
			return nil, err
		}
		st := Status{
			ServerID:    server.ID,
			Name:        server.DisplayName(),
			Description: server.Description,
			AuthMode:    server.AuthMode,
			Scope:       scope,
			Kind:        kind,
		}

		var cred *store.Credential
		switch scope {
		case config.ScopeGlobal:
			st.Configured = true
		case config.ScopeUser:
			cred = userCreds[server.ID]
			st.CanManage = true
		case config.ScopeTeam:
			cred = teamCreds[server.ID]
			st.CanManage = canManageTeam
		}
		if cred != nil {
			st.Configured = cred.HasPayload() && cred.Kind == kind
			st.Pending = cred.PendingOAuth()
			updated := cred.UpdatedAt
			st.UpdatedAt = &updated
		}
		out = append(out, st)
	}
	return out, nil
}

// SetAPIKey stores apiKey for serverID, for the caller or the caller's team
// depending on the server's auth mode.
func (s *Service) SetAPIKey(ctx context.Context, who principal.Principal, serverID, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyAPIKey
	}
	server, owner, err := s.resolve(ctx, who, serverID, config.CredentialAPIKey)
	if err != nil {
		return err
	}

	sealed, err := s.vault.Encrypt(vault.APIKeyPayload(apiKey))
	if err != nil {
		return err
	}
	if _, err := s.store.PutCredential(ctx, owner, server.ID, config.CredentialAPIKey, sealed); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	s.invalidator.Invalidate(owner, server.ID)

	logging.Info("Credentials", "Stored API key for %s on server %s", owner, server.ID)
	s.warmUp(owner, server.ID)
	return nil
}

// StartOAuth begins an outbound OAuth flow and returns the provider URL the
// caller's browser must visit.
func (s *Service) StartOAuth(ctx context.Context, who principal.Principal, serverID string) (string, error) {
	server, owner, err := s.resolve(ctx, who, serverID, config.CredentialOAuth)
	if err != nil {
		return "", err
	}
	return s.flow.StartAuthorization(ctx, owner, server)
}

// CompleteOAuth finishes a flow from the provider callback. A non-empty
// providerError means the provider refused the authorization.
func (s *Service) CompleteOAuth(ctx context.Context, code, state, providerError, providerErrorDescription string) (oauth.Target, error) {
	if providerError != "" {
		return s.flow.FailAuthorization(ctx, state, providerError, providerErrorDescription)
	}
	target, err := s.flow.CompleteAuthorization(ctx, code, state)
	if err != nil {
		return target, err
	}
	s.warmUp(target.Owner, target.ServerID)
	return target, nil
}

// Delete removes the caller's (or team's) credential for serverID. Deleting
// a credential that does not exist succeeds.
func (s *Service) Delete(ctx context.Context, who principal.Principal, serverID string) error {
	server, err := s.catalog.LookupServer(serverID)
	if err != nil {
		return err
	}
	owner, err := s.ownerFor(ctx, who, server)
	if err != nil {
		return err
	}

	if err := s.store.DeleteCredential(ctx, owner, server.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.invalidator.Invalidate(owner, server.ID)

	logging.Info("Credentials", "Deleted credential for %s on server %s", owner, server.ID)
	return nil
}

// resolve looks up serverID, checks it takes a credential of kind and
// returns the owner the credential belongs to.
func (s *Service) resolve(ctx context.Context, who principal.Principal, serverID string, kind config.CredentialKind) (config.MCPServer, principal.Owner, error) {
	server, err := s.catalog.LookupServer(serverID)
	if err != nil {
		return config.MCPServer{}, principal.Owner{}, err
	}
	want, err := server.AuthMode.CredentialKind()
	if err != nil {
		return config.MCPServer{}, principal.Owner{}, err
	}
	if want != kind {
		return config.MCPServer{}, principal.Owner{}, fmt.Errorf("%w: server %s uses %s, not %s",
			ErrAuthModeMismatch, server.ID, server.AuthMode, kind)
	}
	owner, err := s.ownerFor(ctx, who, server)
	if err != nil {
		return config.MCPServer{}, principal.Owner{}, err
	}
	return server, owner, nil
}

// ownerFor maps the server's pool scope onto the caller's user or team.
func (s *Service) ownerFor(ctx context.Context, who principal.Principal, server config.MCPServer) (principal.Owner, error) {
	if who.UserID == "" {
		return principal.Owner{}, principal.ErrUnauthenticated
	}
	scope, err := server.AuthMode.Scope()
	if err != nil {
		return principal.Owner{}, err
	}
	switch scope {
	case config.ScopeUser:
		return who.UserOwner(), nil
	case config.ScopeTeam:
		owner, ok := who.TeamOwner()
		if !ok {
			return principal.Owner{}, principal.ErrTeamContextRequired
		}
		if !s.teams.CanManageTeamCredentials(ctx, who) {
			return principal.Owner{}, principal.ErrForbidden
		}
		return owner, nil
	case config.ScopeGlobal:
		return principal.Owner{}, fmt.Errorf("%w: server %s uses %s and takes no per-principal credential",
			ErrAuthModeMismatch, server.ID, server.AuthMode)
	default:
		return principal.Owner{}, fmt.Errorf("unsupported pool scope %q", scope)
	}
}

func (s *Service) byServer(ctx context.Context, owner principal.Owner) (map[string]*store.Credential, error) {
	creds, err := s.store.ListCredentials(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make(map[string]*store.Credential, len(creds))
	for _, c := range creds {
		out[c.ServerID] = c
	}
	return out, nil
}

func (s *Service) warmUp(owner principal.Owner, serverID string) {
	if s.warm != nil {
		s.warm(owner, serverID)
	}
}
