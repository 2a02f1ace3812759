package mcpclient

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// DefaultStdioInitTimeout covers starting the subprocess and completing the
// handshake when the caller's context has no deadline.
const DefaultStdioInitTimeout = 10 * time.Second

// DefaultStopGracePeriod is how long a child gets after stdin is closed and
// again after SIGTERM before it is killed.
const DefaultStopGracePeriod = 5 * time.Second

// StdioClient runs a tool server as a child process speaking over
// stdin/stdout. The client owns the process: Close terminates it.
type StdioClient struct {
	baseClient
	serverID    string
	command     string
	args        []string
	env         map[string]string
	stopGrace   time.Duration
	procMu      sync.Mutex
	cmd         *exec.Cmd
	processGone bool
}

// NewStdioClient creates a stdio client. env is added to the broker's own
// environment for the child.
func NewStdioClient(serverID, command string, args []string, env map[string]string, stopGrace time.Duration) *StdioClient {
	if stopGrace <= 0 {
		stopGrace = DefaultStopGracePeriod
	}
	return &StdioClient{
		serverID:  serverID,
		command:   command,
		args:      args,
		env:       env,
		stopGrace: stopGrace,
	}
}

// Initialize starts the process and performs the handshake
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	// Only variable names are logged; values may carry credentials.
	logging.Debug("StdioClient", "Starting %s for server %s with env keys %v", c.command, c.serverID, envKeys(c.env))

	t := transport.NewStdioWithOptions(c.command, envList(c.env), c.args,
		transport.WithCommandFunc(func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			// The process must outlive the context of the request that
			// happened to open the connection, so no CommandContext here.
			cmd := exec.Command(command, args...)
			cmd.Env = append(os.Environ(), env...)
			c.procMu.Lock()
			c.cmd = cmd
			c.processGone = false
			c.procMu.Unlock()
			return cmd, nil
		}),
	)
	mcpClient := client.NewClient(t)

	if err := mcpClient.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.command, err)
	}
	c.drainStderr(mcpClient)

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, initializeRequest())
	if err != nil {
		logging.Error("StdioClient", err, "Failed to initialize MCP protocol for server %s", c.serverID)
		if closeErr := c.stop(mcpClient); closeErr != nil {
			logging.Debug("StdioClient", "Error stopping failed process for %s: %v", c.serverID, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("StdioClient", "Server %s initialized (pid %d, %s %s)",
		c.serverID, c.PID(), initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close closes stdin and terminates the process if it does not exit.
func (c *StdioClient) Close() error {
	mcpClient := c.detach()
	if mcpClient == nil {
		return nil
	}
	return c.stop(mcpClient)
}

// stop closes the session and escalates to SIGTERM and SIGKILL, waiting
// stopGrace after each step.
func (c *StdioClient) stop(mcpClient client.MCPClient) error {
	done := make(chan error, 1)
	go func() { done <- mcpClient.Close() }()

	finish := func(err error) error {
		c.procMu.Lock()
		c.processGone = true
		c.procMu.Unlock()
		return err
	}

	select {
	case err := <-done:
		return finish(err)
	case <-time.After(c.stopGrace):
	}

	proc := c.process()
	if proc == nil {
		return finish(<-done)
	}

	logging.Debug("StdioClient", "Process %d for server %s did not exit, sending SIGTERM", proc.Pid, c.serverID)
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case err := <-done:
		return finish(err)
	case <-time.After(c.stopGrace):
	}

	logging.Warn("StdioClient", "Process %d for server %s ignored SIGTERM, killing it", proc.Pid, c.serverID)
	_ = proc.Kill()
	select {
	case err := <-done:
		return finish(err)
	case <-time.After(c.stopGrace):
		return finish(fmt.Errorf("process %d for server %s did not exit after SIGKILL", proc.Pid, c.serverID))
	}
}

// PID returns the child process id, or 0 when no process was started.
func (c *StdioClient) PID() int {
	if p := c.process(); p != nil {
		return p.Pid
	}
	return 0
}

// Alive reports whether the child can still be signalled. An exited child
// that has not been reaped yet still counts as alive; a failing Ping is what
// catches that case.
func (c *StdioClient) Alive() bool {
	c.procMu.Lock()
	gone := c.processGone
	c.procMu.Unlock()
	if gone {
		return false
	}
	proc := c.process()
	if proc == nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (c *StdioClient) process() *os.Process {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.cmd == nil {
		return nil
	}
	return c.cmd.Process
}

// drainStderr forwards the child's stderr to the debug log so the pipe never
// fills up and blocks the process.
func (c *StdioClient) drainStderr(mcpClient *client.Client) {
	stderr, ok := client.GetStderr(mcpClient)
	if !ok || stderr == nil {
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debug("StdioClient", "[%s] %s", c.serverID, scanner.Text())
		}
	}()
}

// ListTools returns all available tools from the server
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

// CallTool executes a specific tool and returns the result
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

// ListResources returns all available resources from the server
func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

// ReadResource retrieves a specific resource
func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

// Ping checks if the server is responsive
func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range envKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
