package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/authserver"
	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/protocol"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/internal/server"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/tasks"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// authServerSweepInterval is how often expired authorization codes and
// consent requests are purged.
const authServerSweepInterval = 5 * time.Minute

// Services holds all initialized services used by the application. Every
// pool and every piece of OAuth state lives on one of these values; nothing
// is kept in package-level variables.
type Services struct {
	Config      config.Config
	Store       *store.SQLiteStore
	Vault       *vault.Vault
	Flow        *oauth.Flow
	Connections *connection.Manager
	Tasks       *tasks.Runner
	Credentials *credentials.Service
	Proxy       *proxy.Proxy
	AuthServer  *authserver.Server
	Protocol    *protocol.Handler
	Server      *server.Server
}

// InitializeServices creates and wires all services. Nothing is started.
//
// Initialization Sequence:
//  1. Master key from the environment, credential vault and signing key
//  2. SQLite store
//  3. Outbound OAuth discovery and flow
//  4. Connection manager, registered as the flow's invalidator
//  5. Task runner, credential service and tool proxy
//  6. Authorization server, protocol handler and HTTP server
func InitializeServices(cfg config.Config, version string) (*Services, error) {
	master, err := vault.LoadMasterKeyFromEnv(cfg.Vault.KeyEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault master key: %w", err)
	}
	v, err := vault.New(master)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	signingKey, err := master.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive token signing key: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}

	discoverer := oauth.NewDiscoverer(nil, cfg.CallbackURL(), cfg.OutboundOAuth.ClientName)
	flow := oauth.NewFlow(cfg, st, v, discoverer, nil, cfg.CallbackURL())

	manager := connection.NewManager(st, v, flow, cfg.Connections)
	flow.SetInvalidator(manager)

	runner := tasks.NewRunner(cfg.Tasks)

	creds := credentials.NewService(cfg, st, v, flow, manager, principal.NewRoleAuthorizer(cfg.Auth.TeamAdminRoles))
	creds.SetWarmFunc(func(owner principal.Owner, serverID string) {
		srv, err := cfg.LookupServer(serverID)
		if err != nil {
			return
		}
		_ = runner.Submit(tasks.WarmConnection(manager, srv, owner))
	})

	px := proxy.New(cfg, manager, cfg.Connections.CallTimeout)

	as, err := authserver.New(cfg, st, signingKey)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}

	handler := protocol.New(protocol.Options{
		Broker:              px,
		Statuses:            creds,
		Tokens:              as,
		APIKeys:             cfg.APIKeys,
		ResourceMetadataURL: as.ResourceMetadataURL(),
		ServerName:          "broker",
		ServerVersion:       version,
	})

	srv := server.New(server.Options{
		Config:      cfg,
		Resolver:    principal.NewHeaderResolver(cfg.Auth),
		Broker:      px,
		Credentials: creds,
		AuthServer:  as,
		Protocol:    handler,
		Pool:        manager,
	})

	logging.Debug("Bootstrap", "Initialized services (%d tool servers, inbound OAuth enabled: %t)",
		len(cfg.EnabledServers()), as.Enabled())

	return &Services{
		Config:      cfg,
		Store:       st,
		Vault:       v,
		Flow:        flow,
		Connections: manager,
		Tasks:       runner,
		Credentials: creds,
		Proxy:       px,
		AuthServer:  as,
		Protocol:    handler,
		Server:      srv,
	}, nil
}

// Start loads static clients, starts the background loops, queues the
// global-pool connects and starts listening.
func (s *Services) Start(ctx context.Context) error {
	if err := s.AuthServer.LoadStaticClients(ctx); err != nil {
		return fmt.Errorf("failed to load static OAuth clients: %w", err)
	}

	s.Tasks.Start(ctx)
	s.Connections.Start()
	s.AuthServer.Start(authServerSweepInterval)

	for _, srv := range s.Config.EnabledServers() {
		scope, err := srv.AuthMode.Scope()
		if err != nil || scope != config.ScopeGlobal {
			continue
		}
		if err := s.Tasks.Submit(tasks.ConnectGlobal(s.Connections, srv)); err != nil {
			logging.Warn("Bootstrap", "Could not queue connect for server %s: %v", srv.ID, err)
		}
	}

	return s.Server.Start()
}

// Shutdown stops the services in reverse dependency order: the HTTP
// listener first so no new work arrives, the database last.
func (s *Services) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.Server.Shutdown(ctx); err != nil {
		logging.Error("Bootstrap", err, "Failed to stop HTTP server")
		firstErr = err
	}
	s.AuthServer.Stop()
	s.Tasks.Stop()
	s.Connections.Shutdown()
	if err := s.Store.Close(); err != nil {
		logging.Error("Bootstrap", err, "Failed to close database")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
