package mock

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// StdioEnv makes a test binary act as a stdio MCP server when set.
	StdioEnv = "BROKER_MOCK_STDIO_SERVER"
	// StdioEchoEnv names an environment variable the "whoami" tool reports,
	// so tests can check credential injection.
	StdioEchoEnv = "BROKER_MOCK_ECHO_ENV"
)

// StdioRequested reports whether the current process was started as a
// stdio fixture. Call it from TestMain:
//
//	func TestMain(m *testing.M) {
//		if mock.StdioRequested() {
//			os.Exit(mock.ServeStdio())
//		}
//		os.Exit(m.Run())
//	}
func StdioRequested() bool {
	return os.Getenv(StdioEnv) != ""
}

// StdioCommand returns the command and environment that start the current
// test binary as a stdio fixture.
func StdioCommand(echoEnv string) (command string, env map[string]string) {
	env = map[string]string{StdioEnv: "1"}
	if echoEnv != "" {
		env[StdioEchoEnv] = echoEnv
	}
	return os.Args[0], env
}

// ServeStdio serves the stdio fixture until stdin closes and returns an exit
// code.
func ServeStdio() int {
	mcpServer := NewProtocolServer(MCPServerConfig{
		Name: "stdio",
		Tools: []ToolConfig{{
			Name:        "echo",
			Description: "Echoes the message argument",
			Responses:   []ToolResponse{{Response: "{{.message}}"}},
		}},
	})
	mcpServer.AddTool(
		mcp.NewTool("whoami", mcp.WithDescription("Reports the injected credential")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(os.Getenv(os.Getenv(StdioEchoEnv))), nil
		},
	)
	mcpServer.AddTool(
		mcp.NewTool("crash", mcp.WithDescription("Exits the process")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			os.Exit(3)
			return nil, nil
		},
	)

	if err := server.ServeStdio(mcpServer); err != nil {
		fmt.Fprintf(os.Stderr, "mock stdio server: %v\n", err)
		return 1
	}
	return 0
}
