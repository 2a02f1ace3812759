package mcpclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/testing/mock"
)

func TestMain(m *testing.M) {
	if mock.StdioRequested() {
		os.Exit(mock.ServeStdio())
	}
	os.Exit(m.Run())
}

func echoTool() mock.ToolConfig {
	return mock.ToolConfig{
		Name:        "echo",
		Description: "Echoes input",
		Responses:   []mock.ToolResponse{{Response: "echo: {{.message}}"}},
	}
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		server      config.MCPServer
		opts        Options
		wantType    interface{}
		errContains string
	}{
		{
			name:     "stdio",
			server:   config.MCPServer{ID: "s", Transport: config.TransportStdio, Command: "echo"},
			wantType: &StdioClient{},
		},
		{
			name:        "stdio without command",
			server:      config.MCPServer{ID: "s", Transport: config.TransportStdio},
			errContains: "command is required",
		},
		{
			name:        "stdio secret without credential env",
			server:      config.MCPServer{ID: "s", Transport: config.TransportStdio, Command: "echo"},
			opts:        Options{Secret: "k"},
			errContains: "credentialEnv",
		},
		{
			name:     "streamable-http",
			server:   config.MCPServer{ID: "h", Transport: config.TransportStreamableHTTP, URL: "http://localhost/mcp"},
			wantType: &StreamableHTTPClient{},
		},
		{
			name:     "sse",
			server:   config.MCPServer{ID: "e", Transport: config.TransportSSE, URL: "http://localhost/sse"},
			wantType: &SSEClient{},
		},
		{
			name:        "sse without url",
			server:      config.MCPServer{ID: "e", Transport: config.TransportSSE},
			errContains: "url is required",
		},
		{
			name:        "unknown transport",
			server:      config.MCPServer{ID: "x", Transport: "carrier-pigeon"},
			errContains: "unsupported transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.server, tt.opts)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, c)
		})
	}
}

func TestCredentialHeaders(t *testing.T) {
	server := config.MCPServer{Headers: map[string]string{"X-Static": "1"}}

	assert.Equal(t, map[string]string{"X-Static": "1"}, credentialHeaders(server, Options{}))
	assert.Equal(t, "Bearer k", credentialHeaders(server, Options{Secret: "k"})["Authorization"])

	server.CredentialHeader = "X-API-Key"
	h := credentialHeaders(server, Options{Secret: "k"})
	assert.Equal(t, "k", h["X-API-Key"])
	assert.NotContains(t, h, "Authorization")

	h = credentialHeaders(server, Options{Secret: "tok", Bearer: true})
	assert.Equal(t, "Bearer tok", h["Authorization"])
	assert.Equal(t, "1", h["X-Static"])

	// The server definition is never mutated.
	assert.Len(t, server.Headers, 1)
}

func TestStreamableHTTPClient(t *testing.T) {
	srv := mock.NewMCPServer(t, mock.MCPServerConfig{
		Tools:          []mock.ToolConfig{echoTool()},
		Resources:      []mock.ResourceConfig{{URI: "docs://readme", Name: "readme", MIMEType: "text/plain", Text: "hello"}},
		RequiredHeader: "X-API-Key",
		RequiredValue:  "k1",
	})
	ctx := context.Background()

	c, err := New(config.MCPServer{ID: "h", Transport: config.TransportStreamableHTTP, URL: srv.URL(), CredentialHeader: "X-API-Key"}, Options{Secret: "k1"})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))
	defer c.Close()

	// Initialize is idempotent.
	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, int64(1), srv.Initializations())

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	res, err := c.CallTool(ctx, "echo", map[string]interface{}{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", textOf(t, res))

	resources, err := c.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)

	read, err := c.ReadResource(ctx, "docs://readme")
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "hello", read.Contents[0].(mcp.TextResourceContents).Text)

	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, "k1", srv.LastHeaders().Get("X-API-Key"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.ListTools(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStreamableHTTPClient_Unauthorized(t *testing.T) {
	srv := mock.NewMCPServer(t, mock.MCPServerConfig{RequiredHeader: "X-API-Key", RequiredValue: "right"})

	c, err := New(config.MCPServer{ID: "h", Transport: config.TransportStreamableHTTP, URL: srv.URL(), CredentialHeader: "X-API-Key"}, Options{Secret: "wrong"})
	require.NoError(t, err)

	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthRequired(err), "expected AuthRequiredError, got %v", err)
}

func TestSSEClient(t *testing.T) {
	srv := mock.NewMCPServer(t, mock.MCPServerConfig{
		Transport: mock.HTTPTransportSSE,
		Tools:     []mock.ToolConfig{echoTool()},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(config.MCPServer{ID: "e", Transport: config.TransportSSE, URL: srv.URL()}, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))
	defer c.Close()

	res, err := c.CallTool(ctx, "echo", map[string]interface{}{"message": "over sse"})
	require.NoError(t, err)
	assert.Equal(t, "echo: over sse", textOf(t, res))
}

func TestStdioClient(t *testing.T) {
	command, env := mock.StdioCommand("SERVICE_TOKEN")
	server := config.MCPServer{
		ID:            "local",
		Transport:     config.TransportStdio,
		Command:       command,
		Env:           env,
		CredentialEnv: "SERVICE_TOKEN",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c, err := New(server, Options{Secret: "s3cret", StopGracePeriod: time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))

	owner, ok := c.(ProcessOwner)
	require.True(t, ok)
	assert.NotZero(t, owner.PID())
	assert.True(t, owner.Alive())

	res, err := c.CallTool(ctx, "echo", map[string]interface{}{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", textOf(t, res))

	res, err = c.CallTool(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", textOf(t, res))

	require.NoError(t, c.Close())
	assert.False(t, owner.Alive())
}

func TestStdioClient_CrashedProcessFailsPing(t *testing.T) {
	command, env := mock.StdioCommand("")
	c := NewStdioClient("local", command, nil, env, time.Second)
	require.NoError(t, c.Initialize(context.Background()))
	defer c.Close()

	callCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.CallTool(callCtx, "crash", nil)
	require.Error(t, err)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelPing()
	assert.Error(t, c.Ping(pingCtx))
}

func TestStdioClient_StartFailure(t *testing.T) {
	c := NewStdioClient("missing", "/nonexistent/binary", nil, nil, time.Second)
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Zero(t, c.PID())
	assert.False(t, c.Alive())
}
