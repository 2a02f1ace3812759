package mcpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientName and ClientVersion identify the broker in the initialize handshake.
const (
	ClientName    = "tool-broker"
	ClientVersion = "1.0.0"
)

// Client is a protocol session with one tool server. All transports
// (stdio, SSE, streamable-http) implement it.
type Client interface {
	// Initialize establishes the connection and performs the protocol handshake
	Initialize(ctx context.Context) error
	// Close shuts the session down, terminating an owned process
	Close() error
	// ListTools returns all tools the server exposes
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes a tool and returns the native result
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// ListResources returns all resources the server exposes
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	// ReadResource retrieves one resource
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	// Ping checks that the server still answers
	Ping(ctx context.Context) error
}

// ProcessOwner is implemented by clients that own a local child process.
type ProcessOwner interface {
	// PID returns the child process id, or 0 before Initialize.
	PID() int
	// Alive reports whether the child process can still be signalled.
	Alive() bool
}

var (
	_ Client       = (*StdioClient)(nil)
	_ Client       = (*SSEClient)(nil)
	_ Client       = (*StreamableHTTPClient)(nil)
	_ ProcessOwner = (*StdioClient)(nil)
)

// baseClient implements the protocol operations shared by every transport.
type baseClient struct {
	client    client.MCPClient
	mu        sync.RWMutex
	connected bool
}

// checkConnected must be called with at least a read lock on mu.
func (b *baseClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return ErrNotConnected
	}
	return nil
}

// detach marks the client closed and returns the session to close, if any.
func (b *baseClient) detach() client.MCPClient {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}
	c := b.client
	b.connected = false
	b.client = nil
	return c
}

func (b *baseClient) closeClient() error {
	if c := b.detach(); c != nil {
		return c.Close()
	}
	return nil
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return result.Resources, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	result, err := b.client.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	return result, nil
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}
	return b.client.Ping(ctx)
}

// initializeRequest builds the handshake request sent by every transport.
func initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: ClientVersion,
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}
	return req
}
