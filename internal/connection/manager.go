package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/mcpclient"
	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// maxConnectAttempts bounds retries when invalidations keep racing a connect.
const maxConnectAttempts = 3

var (
	// ErrNotConfigured is returned when the broker itself lacks what a server
	// needs, e.g. the admin secret environment variable is empty.
	ErrNotConfigured = errors.New("server credential is not configured")

	// ErrWrongPool is returned when a server is requested from a pool its
	// auth mode does not belong to.
	ErrWrongPool = errors.New("server does not belong to this pool")

	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("connection manager is shut down")

	errStale = errors.New("connection invalidated while connecting")
)

// Clock abstracts time for idle tracking.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CredentialSource loads stored credentials. store.CredentialStore satisfies it.
type CredentialSource interface {
	GetCredential(ctx context.Context, owner principal.Owner, serverID string) (*store.Credential, error)
}

// TokenRefresher returns a usable token set for an OAuth credential.
// *oauth.Flow satisfies it.
type TokenRefresher interface {
	RefreshIfExpired(ctx context.Context, server config.MCPServer, cred *store.Credential) (*vault.TokenSet, error)
}

// ClientFactory creates an unconnected client. mcpclient.New is the default.
type ClientFactory func(server config.MCPServer, opts mcpclient.Options) (mcpclient.Client, error)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for idle tracking.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithClientFactory replaces mcpclient.New.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// Manager owns the three connection pools (global, user, team). It never
// holds more than one live connection per key.
type Manager struct {
	creds     CredentialSource
	vault     *vault.Vault
	tokens    TokenRefresher
	cfg       config.ConnectionsConfig
	clock     Clock
	newClient ClientFactory

	mu          sync.Mutex
	conns       map[Key]*ManagedConnection
	generations map[Key]uint64
	connecting  map[Key]int
	closed      bool
	group       singleflight.Group

	stopSweep chan struct{}
	sweepOnce sync.Once
	sweepWG   sync.WaitGroup
}

// NewManager creates a Manager. Zero values in cfg fall back to defaults.
func NewManager(creds CredentialSource, v *vault.Vault, tokens TokenRefresher, cfg config.ConnectionsConfig, opts ...Option) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultSweepInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultConnectTimeout
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = config.DefaultStopGracePeriod
	}
	if cfg.ListConcurrency <= 0 {
		cfg.ListConcurrency = config.DefaultListConcurrency
	}

	m := &Manager{
		creds:       creds,
		vault:       v,
		tokens:      tokens,
		cfg:         cfg,
		clock:       realClock{},
		newClient:   mcpclient.New,
		conns:       make(map[Key]*ManagedConnection),
		generations: make(map[Key]uint64),
		connecting:  make(map[Key]int),
		stopSweep:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect returns the global-pool connection for a none or admin server,
// opening it if needed.
func (m *Manager) Connect(ctx context.Context, server config.MCPServer) (*ManagedConnection, error) {
	if err := checkPool(server, config.ScopeGlobal); err != nil {
		return nil, err
	}
	key := Key{Scope: config.ScopeGlobal, ServerID: server.ID}
	return m.getOrCreate(ctx, key, server, principal.System)
}

// Global returns the existing global-pool connection without connecting.
func (m *Manager) Global(serverID string) (*ManagedConnection, bool) {
	conn := m.lookup(Key{Scope: config.ScopeGlobal, ServerID: serverID})
	return conn, conn != nil
}

// Disconnect closes the global-pool connection of a server.
func (m *Manager) Disconnect(serverID string) {
	m.evict(func(k Key) bool {
		return k.Scope == config.ScopeGlobal && k.ServerID == serverID
	}, Key{Scope: config.ScopeGlobal, ServerID: serverID}, "disconnected")
}

// GetForUser returns the user's connection to a user-apikey or user-oauth
// server. It returns nil, nil when the user has no usable credential.
func (m *Manager) GetForUser(ctx context.Context, server config.MCPServer, userID string) (*ManagedConnection, error) {
	if err := checkPool(server, config.ScopeUser); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, principal.ErrUnauthenticated
	}
	key := Key{Scope: config.ScopeUser, OwnerID: userID, ServerID: server.ID}
	return m.getOrCreate(ctx, key, server, principal.User(userID))
}

// GetForTeam returns the team's connection to a team-apikey or team-oauth
// server. It returns nil, nil when the team has no usable credential.
func (m *Manager) GetForTeam(ctx context.Context, server config.MCPServer, teamID string) (*ManagedConnection, error) {
	if err := checkPool(server, config.ScopeTeam); err != nil {
		return nil, err
	}
	if teamID == "" {
		return nil, principal.ErrTeamContextRequired
	}
	key := Key{Scope: config.ScopeTeam, OwnerID: teamID, ServerID: server.ID}
	return m.getOrCreate(ctx, key, server, principal.Team(teamID))
}

// DisconnectUser evicts the user's connection to serverID, or all of the
// user's connections when serverID is empty. It returns after the entries
// are gone from the pool, so the next call connects with fresh credentials.
func (m *Manager) DisconnectUser(userID, serverID string) {
	m.evictOwner(config.ScopeUser, userID, serverID)
}

// DisconnectTeam is DisconnectUser for the team pool.
func (m *Manager) DisconnectTeam(teamID, serverID string) {
	m.evictOwner(config.ScopeTeam, teamID, serverID)
}

// Invalidate evicts the connection bound to owner's credential for serverID.
// It satisfies oauth.Invalidator.
func (m *Manager) Invalidate(owner principal.Owner, serverID string) {
	switch owner.Kind {
	case principal.KindUser:
		m.DisconnectUser(owner.ID, serverID)
	case principal.KindTeam:
		m.DisconnectTeam(owner.ID, serverID)
	case principal.KindSystem:
		m.Disconnect(serverID)
	default:
		logging.Warn("Connection", "Ignoring invalidation for unknown owner kind %q", string(owner.Kind))
	}
}

func (m *Manager) evictOwner(scope config.PoolScope, ownerID, serverID string) {
	exact := Key{Scope: scope, OwnerID: ownerID, ServerID: serverID}
	if serverID == "" {
		exact = Key{}
	}
	m.evict(func(k Key) bool {
		return k.Scope == scope && k.OwnerID == ownerID && (serverID == "" || k.ServerID == serverID)
	}, exact, "invalidated")
}

// evict removes every connection matching match and bumps the generation of
// each removed key and of exact, so connects racing the eviction discard
// their result.
func (m *Manager) evict(match func(Key) bool, exact Key, reason string) {
	m.mu.Lock()
	if exact != (Key{}) {
		m.generations[exact]++
	}
	var removed []*ManagedConnection
	for key := range m.conns {
		if !match(key) {
			continue
		}
		if key != exact {
			m.generations[key]++
		}
		removed = append(removed, m.removeLocked(key, reason))
	}
	if exact == (Key{}) {
		for key := range m.generations {
			if match(key) {
				m.generations[key]++
			}
		}
	}
	m.mu.Unlock()

	for _, conn := range removed {
		conn.retire()
	}
}

// lookup returns the pooled connection for key. Connections whose token has
// expired or whose process died are evicted and reported as absent.
func (m *Manager) lookup(key Key) *ManagedConnection {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	reason := ""
	switch {
	case conn.tokenExpired(m.clock.Now(), oauth.ExpiryMargin):
		reason = "expired"
	case conn.processDead():
		reason = "process_exited"
	}
	if reason == "" {
		m.mu.Unlock()
		return conn
	}
	m.removeLocked(key, reason)
	m.mu.Unlock()

	logging.Debug("Connection", "Dropping connection %s (%s)", key, reason)
	conn.retire()
	return nil
}

func (m *Manager) getOrCreate(ctx context.Context, key Key, server config.MCPServer, owner principal.Owner) (*ManagedConnection, error) {
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if conn := m.lookup(key); conn != nil {
			return conn, nil
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShutdown
		}
		gen := m.generations[key]
		m.connecting[key]++
		m.mu.Unlock()

		result, err, _ := m.group.Do(key.String(), func() (interface{}, error) {
			if conn := m.lookup(key); conn != nil {
				return conn, nil
			}
			conn, err := m.connect(ctx, key, server, owner, gen)
			if conn == nil || err != nil {
				return nil, err
			}
			return conn, nil
		})
		m.doneConnecting(key)
		if errors.Is(err, errStale) {
			logging.Debug("Connection", "Connection %s was invalidated while connecting, retrying", key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		return result.(*ManagedConnection), nil
	}
	return nil, fmt.Errorf("connection %s was invalidated %d times while connecting", key, maxConnectAttempts)
}

func (m *Manager) doneConnecting(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connecting[key] <= 1 {
		delete(m.connecting, key)
		return
	}
	m.connecting[key]--
}

// connect resolves the credential and opens a session. It returns nil, nil
// when the owner has no usable credential.
func (m *Manager) connect(ctx context.Context, key Key, server config.MCPServer, owner principal.Owner, gen uint64) (conn *ManagedConnection, err error) {
	defer func() {
		if conn != nil || err != nil {
			metrics.ConnectsTotal.WithLabelValues(string(key.Scope), string(server.Transport), metrics.Result(err)).Inc()
		}
	}()

	// Callers sharing this connect must not fail because the first caller's
	// request was cancelled.
	connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ConnectTimeout)
	defer cancel()

	opts, expiresAt, found, err := m.resolveCredential(connectCtx, server, owner)
	if err != nil {
		return nil, err
	}
	if !found {
		logging.Debug("Connection", "No usable credential for %s on server %s", owner, server.ID)
		return nil, nil
	}
	opts.StopGracePeriod = m.cfg.StopGracePeriod

	client, err := m.newClient(server, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(connectCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to server %s: %w", server.ID, err)
	}
	tools, err := client.ListTools(connectCtx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to list tools of server %s: %w", server.ID, err)
	}

	conn = &ManagedConnection{
		Key:         key,
		Server:      server,
		client:      client,
		tools:       tools,
		connectedAt: m.clock.Now(),
		expiresAt:   expiresAt,
		clock:       m.clock,
		onBroken:    m.dropBroken,
	}
	conn.touch()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = client.Close()
		return nil, ErrShutdown
	}
	if m.generations[key] != gen {
		m.mu.Unlock()
		_ = client.Close()
		return nil, errStale
	}
	m.conns[key] = conn
	metrics.ConnectionsOpen.WithLabelValues(string(key.Scope)).Inc()
	m.mu.Unlock()

	logging.Info("Connection", "Connected %s via %s with %d tools", key, server.Transport, len(tools))
	return conn, nil
}

// resolveCredential turns the server's auth mode and the owner's stored
// credential into client options.
func (m *Manager) resolveCredential(ctx context.Context, server config.MCPServer, owner principal.Owner) (opts mcpclient.Options, expiresAt time.Time, found bool, err error) {
	switch server.AuthMode {
	case config.AuthModeNone:
		return opts, expiresAt, true, nil

	case config.AuthModeAdmin:
		secret := os.Getenv(server.AdminSecretEnv)
		if secret == "" {
			return opts, expiresAt, false, fmt.Errorf("%w: %s is empty for server %s", ErrNotConfigured, server.AdminSecretEnv, server.ID)
		}
		opts.Secret = secret
		return opts, expiresAt, true, nil

	case config.AuthModeUserAPIKey, config.AuthModeTeamAPIKey:
		cred, err := m.loadCredential(ctx, server, owner)
		if err != nil || cred == nil {
			return opts, expiresAt, false, err
		}
		payload, err := m.vault.Decrypt(cred.Payload)
		if err != nil {
			return opts, expiresAt, false, err
		}
		if payload.Kind != vault.PayloadAPIKey || payload.APIKey == "" {
			return opts, expiresAt, false, fmt.Errorf("credential for server %s is not an API key", server.ID)
		}
		opts.Secret = payload.APIKey
		return opts, expiresAt, true, nil

	case config.AuthModeUserOAuth, config.AuthModeTeamOAuth:
		cred, err := m.loadCredential(ctx, server, owner)
		if err != nil || cred == nil {
			return opts, expiresAt, false, err
		}
		ts, err := m.tokens.RefreshIfExpired(ctx, server, cred)
		if err != nil {
			return opts, expiresAt, false, err
		}
		opts.Secret = ts.AccessToken
		opts.Bearer = true
		return opts, ts.Expiry, true, nil

	default:
		return opts, expiresAt, false, fmt.Errorf("unsupported auth mode %q for server %s", string(server.AuthMode), server.ID)
	}
}

// loadCredential returns nil, nil when no usable payload is stored. A row
// holding only a pending OAuth flow counts as absent.
func (m *Manager) loadCredential(ctx context.Context, server config.MCPServer, owner principal.Owner) (*store.Credential, error) {
	cred, err := m.creds.GetCredential(ctx, owner, server.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cred.HasPayload() {
		return nil, nil
	}
	return cred, nil
}

// dropBroken evicts a connection that failed its health check, unless it was
// already replaced.
func (m *Manager) dropBroken(conn *ManagedConnection) {
	m.mu.Lock()
	if current, ok := m.conns[conn.Key]; !ok || current != conn {
		m.mu.Unlock()
		return
	}
	m.removeLocked(conn.Key, "broken")
	m.mu.Unlock()
	conn.retire()
}

// removeLocked drops key from the pool and returns the connection. The
// caller must hold mu and retire the connection after unlocking.
func (m *Manager) removeLocked(key Key, reason string) *ManagedConnection {
	conn := m.conns[key]
	delete(m.conns, key)
	metrics.ConnectionsOpen.WithLabelValues(string(key.Scope)).Dec()
	metrics.EvictionsTotal.WithLabelValues(string(key.Scope), reason).Inc()
	return conn
}

func checkPool(server config.MCPServer, want config.PoolScope) error {
	scope, err := server.AuthMode.Scope()
	if err != nil {
		return err
	}
	if scope != want {
		return fmt.Errorf("%w: server %s uses %s (pool %s), requested from the %s pool",
			ErrWrongPool, server.ID, server.AuthMode, scope, want)
	}
	return nil
}
