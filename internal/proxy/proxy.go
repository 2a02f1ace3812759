package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/mcpclient"
	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Catalog resolves configured servers. config.Config satisfies it.
type Catalog interface {
	LookupServer(id string) (config.MCPServer, error)
	EnabledServers() []config.MCPServer
}

// Pool hands out pooled connections. *connection.Manager satisfies it.
type Pool interface {
	Global(serverID string) (*connection.ManagedConnection, bool)
	Connect(ctx context.Context, server config.MCPServer) (*connection.ManagedConnection, error)
	GetForUser(ctx context.Context, server config.MCPServer, userID string) (*connection.ManagedConnection, error)
	GetForTeam(ctx context.Context, server config.MCPServer, teamID string) (*connection.ManagedConnection, error)
	ListAllToolsForPrincipal(ctx context.Context, userID, teamID string, servers []config.MCPServer) []connection.ServerTool
}

// errNoCredential is reported when the principal has not configured a
// credential for a user or team server.
var errNoCredential = errors.New("no credential configured")

// Proxy routes tool calls and resource reads to the connection owned by the
// calling principal and converts results into the neutral shape.
type Proxy struct {
	catalog     Catalog
	pool        Pool
	callTimeout time.Duration
}

// New creates a Proxy. A non-positive callTimeout falls back to
// config.DefaultCallTimeout.
func New(catalog Catalog, pool Pool, callTimeout time.Duration) *Proxy {
	if callTimeout <= 0 {
		callTimeout = config.DefaultCallTimeout
	}
	return &Proxy{catalog: catalog, pool: pool, callTimeout: callTimeout}
}

// ListTools returns every tool the principal can call, across servers.
func (p *Proxy) ListTools(ctx context.Context, who principal.Principal) []connection.ServerTool {
	return p.pool.ListAllToolsForPrincipal(ctx, who.UserID, who.TeamID, p.catalog.EnabledServers())
}

// CallTool invokes toolName on serverID on behalf of who. It never returns
// an error: failures come back as a ToolResult with IsError and a Failure
// kind.
func (p *Proxy) CallTool(ctx context.Context, who principal.Principal, serverID, toolName string, args map[string]interface{}) *ToolResult {
	start := time.Now()
	logging.Debug("Proxy", "Calling tool %s on server %s for user %s with args %s",
		toolName, serverID, logging.TruncateID(who.UserID), FormatArgs(args))

	result := p.callTool(ctx, who, serverID, toolName, args)

	outcome := metrics.ResultSuccess
	if result.IsError {
		outcome = string(result.Failure)
	}
	metrics.ToolCallsTotal.WithLabelValues(serverID, outcome).Inc()
	metrics.ToolCallDuration.WithLabelValues(serverID).Observe(time.Since(start).Seconds())
	return result
}

func (p *Proxy) callTool(ctx context.Context, who principal.Principal, serverID, toolName string, args map[string]interface{}) *ToolResult {
	server, err := p.catalog.LookupServer(serverID)
	if err != nil {
		return p.fail(serverID, toolName, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var raw *mcp.CallToolResult
	err = p.withConnection(ctx, server, who, func(conn *connection.ManagedConnection) error {
		var callErr error
		raw, callErr = conn.CallTool(ctx, toolName, args)
		return callErr
	})
	if err != nil {
		return p.fail(serverID, toolName, err)
	}

	result := convertToolResult(raw)
	if result.IsError {
		result.Failure = FailureTool
		logging.Debug("Proxy", "Tool %s on server %s reported an error", toolName, serverID)
	}
	return result
}

// ReadResource reads uri from serverID on behalf of who. Failures are
// returned as *Failure.
func (p *Proxy) ReadResource(ctx context.Context, who principal.Principal, serverID, uri string) (*ResourceResult, error) {
	server, err := p.catalog.LookupServer(serverID)
	if err != nil {
		return nil, &Failure{Kind: classify(err), ServerID: serverID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var raw *mcp.ReadResourceResult
	err = p.withConnection(ctx, server, who, func(conn *connection.ManagedConnection) error {
		var readErr error
		raw, readErr = conn.ReadResource(ctx, uri)
		return readErr
	})
	if err != nil {
		kind := classify(err)
		logging.Warn("Proxy", "Reading resource %s from server %s failed (%s): %v", uri, serverID, kind, err)
		return nil, &Failure{Kind: kind, ServerID: serverID, Err: err}
	}
	return convertResourceResult(raw), nil
}

// withConnection runs op on the principal's connection to server. An
// operation that hit a connection evicted underneath it is retried once on
// a fresh connection.
func (p *Proxy) withConnection(ctx context.Context, server config.MCPServer, who principal.Principal, op func(*connection.ManagedConnection) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var conn *connection.ManagedConnection
		conn, err = p.connectionFor(ctx, server, who)
		if err != nil {
			return err
		}
		err = op(conn)
		if !connection.IsRetired(err) {
			return deadlineAware(ctx, err)
		}
		logging.Debug("Proxy", "Connection to server %s was evicted during the call, retrying", server.ID)
	}
	return err
}

// deadlineAware marks err as a timeout when the call's deadline passed,
// whatever error the transport reported.
func deadlineAware(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// connectionFor routes by auth mode: global servers share one connection,
// team servers need team context, user servers need an authenticated user.
func (p *Proxy) connectionFor(ctx context.Context, server config.MCPServer, who principal.Principal) (*connection.ManagedConnection, error) {
	scope, err := server.AuthMode.Scope()
	if err != nil {
		return nil, err
	}

	var conn *connection.ManagedConnection
	switch scope {
	case config.ScopeGlobal:
		if existing, ok := p.pool.Global(server.ID); ok {
			return existing, nil
		}
		return p.pool.Connect(ctx, server)
	case config.ScopeTeam:
		if !who.HasTeam() {
			return nil, principal.ErrTeamContextRequired
		}
		conn, err = p.pool.GetForTeam(ctx, server, who.TeamID)
	case config.ScopeUser:
		if who.UserID == "" {
			return nil, ErrAuthenticationRequired
		}
		conn, err = p.pool.GetForUser(ctx, server, who.UserID)
	default:
		return nil, fmt.Errorf("unsupported pool scope %q", scope)
	}
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w for server %s", errNoCredential, server.ID)
	}
	return conn, nil
}

func (p *Proxy) fail(serverID, toolName string, err error) *ToolResult {
	kind := classify(err)
	logging.Warn("Proxy", "Tool %s on server %s failed (%s): %v", toolName, serverID, kind, err)
	return failureResult(kind, failureMessage(kind, serverID, err))
}

// classify maps an error to the failure kind shown to callers.
func classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, errNoCredential),
		errors.Is(err, principal.ErrUnauthenticated),
		errors.Is(err, principal.ErrTeamContextRequired),
		errors.Is(err, oauth.ErrReauthorizationRequired),
		errors.Is(err, vault.ErrDecrypt),
		errors.Is(err, vault.ErrInvalidPayload),
		mcpclient.IsAuthRequired(err):
		return FailureNeedsAuthorization
	case config.IsConfigurationError(err),
		errors.Is(err, connection.ErrNotConfigured),
		errors.Is(err, connection.ErrWrongPool):
		return FailureNotConfigured
	default:
		return FailureTransport
	}
}

func failureMessage(kind FailureKind, serverID string, err error) string {
	switch kind {
	case FailureNeedsAuthorization:
		switch {
		case errors.Is(err, principal.ErrTeamContextRequired):
			return fmt.Sprintf("Server %s requires a team context", serverID)
		case errors.Is(err, principal.ErrUnauthenticated):
			return fmt.Sprintf("Server %s requires an authenticated user", serverID)
		default:
			return fmt.Sprintf("Server %s needs authorization: configure or reauthorize its credential", serverID)
		}
	case FailureNotConfigured:
		return fmt.Sprintf("Server %s is not available: %v", serverID, err)
	case FailureTimeout:
		return fmt.Sprintf("Call to server %s timed out", serverID)
	default:
		return fmt.Sprintf("Call to server %s failed: %v", serverID, err)
	}
}
