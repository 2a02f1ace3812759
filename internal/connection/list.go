package connection

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// ServerTool is a tool descriptor tagged with the server exposing it.
type ServerTool struct {
	ServerID string
	Tool     mcp.Tool
}

// ListAllToolsForPrincipal returns the union of tools the principal can use
// across servers, in server order. Global servers contribute only when their
// connection is already open; team servers need teamID; user and team
// servers need a stored credential. Per-server failures are logged and
// skipped.
func (m *Manager) ListAllToolsForPrincipal(ctx context.Context, userID, teamID string, servers []config.MCPServer) []ServerTool {
	perServer := make([][]mcp.Tool, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ListConcurrency)

	for i, server := range servers {
		if !server.IsEnabled() {
			continue
		}
		g.Go(func() error {
			conn, err := m.connectionFor(gctx, server, userID, teamID)
			if err != nil {
				logging.Warn("Connection", "Skipping tools of server %s: %v", server.ID, err)
				return nil
			}
			if conn != nil {
				perServer[i] = conn.Tools()
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []ServerTool
	for i, tools := range perServer {
		for _, tool := range tools {
			out = append(out, ServerTool{ServerID: servers[i].ID, Tool: tool})
		}
	}
	return out
}

// connectionFor routes one server by auth mode for listing. It returns
// nil, nil when the server contributes nothing for this principal.
func (m *Manager) connectionFor(ctx context.Context, server config.MCPServer, userID, teamID string) (*ManagedConnection, error) {
	scope, err := server.AuthMode.Scope()
	if err != nil {
		return nil, err
	}
	switch scope {
	case config.ScopeGlobal:
		conn, _ := m.Global(server.ID)
		return conn, nil
	case config.ScopeUser:
		if userID == "" {
			return nil, nil
		}
		return m.GetForUser(ctx, server, userID)
	case config.ScopeTeam:
		if teamID == "" {
			return nil, nil
		}
		return m.GetForTeam(ctx, server, teamID)
	default:
		return nil, nil
	}
}
