package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/mcpclient"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// healthCheckTimeout bounds the ping sent after a failed call.
const healthCheckTimeout = 5 * time.Second

// errRetired is returned by operations on a connection that was evicted
// after the caller obtained it. Callers fetch a fresh connection.
var errRetired = errors.New("connection was evicted")

// IsRetired reports whether err means the connection was evicted underneath
// the caller and the operation may be retried on a fresh connection.
func IsRetired(err error) bool {
	return errors.Is(err, errRetired)
}

// Key identifies one pooled connection. OwnerID is empty in the global pool.
type Key struct {
	Scope    config.PoolScope
	OwnerID  string
	ServerID string
}

func (k Key) String() string {
	if k.OwnerID == "" {
		return string(k.Scope) + "/" + k.ServerID
	}
	return string(k.Scope) + ":" + k.OwnerID + "/" + k.ServerID
}

// ManagedConnection is a live protocol session with one tool server, owned by
// one pool key. The tool list is fetched once at connect time.
type ManagedConnection struct {
	Key    Key
	Server config.MCPServer

	client      mcpclient.Client
	tools       []mcp.Tool
	connectedAt time.Time
	// expiresAt is the access token expiry for OAuth connections.
	expiresAt time.Time

	clock    Clock
	lastUsed atomic.Int64
	inFlight atomic.Int32
	retired  atomic.Bool
	closing  sync.Once
	onBroken func(*ManagedConnection)
}

// Tools returns the tools discovered when the connection was opened.
func (c *ManagedConnection) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Transport returns the transport of the underlying session.
func (c *ManagedConnection) Transport() config.Transport {
	return c.Server.Transport
}

// PID returns the id of the owned local process, or 0 for remote servers.
func (c *ManagedConnection) PID() int {
	if p, ok := c.client.(mcpclient.ProcessOwner); ok {
		return p.PID()
	}
	return 0
}

// ConnectedAt returns when the handshake completed.
func (c *ManagedConnection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastUsed returns the time the connection last started or finished a call.
func (c *ManagedConnection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// InFlight returns the number of calls currently running.
func (c *ManagedConnection) InFlight() int {
	return int(c.inFlight.Load())
}

// CallTool runs a tool on the server. A failed call is followed by a ping;
// a connection that does not answer is evicted.
func (c *ManagedConnection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	result, err := c.client.CallTool(ctx, name, args)
	if err != nil {
		c.checkHealth()
	}
	return result, err
}

// ReadResource reads a resource from the server.
func (c *ManagedConnection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	result, err := c.client.ReadResource(ctx, uri)
	if err != nil {
		c.checkHealth()
	}
	return result, err
}

// ListResources lists the server's resources.
func (c *ManagedConnection) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()
	return c.client.ListResources(ctx)
}

func (c *ManagedConnection) acquire() error {
	c.inFlight.Add(1)
	if c.retired.Load() {
		c.release()
		return errRetired
	}
	c.touch()
	return nil
}

func (c *ManagedConnection) release() {
	c.touch()
	if c.inFlight.Add(-1) == 0 && c.retired.Load() {
		c.close()
	}
}

func (c *ManagedConnection) touch() {
	c.lastUsed.Store(c.clock.Now().UnixNano())
}

// idleSince reports whether no call is running and none has since cutoff.
func (c *ManagedConnection) idleSince(cutoff time.Time) bool {
	return c.inFlight.Load() == 0 && c.LastUsed().Before(cutoff)
}

// tokenExpired reports whether the OAuth access token is past its expiry
// minus margin.
func (c *ManagedConnection) tokenExpired(now time.Time, margin time.Duration) bool {
	return !c.expiresAt.IsZero() && !now.Add(margin).Before(c.expiresAt)
}

// processDead reports whether an owned local process is gone.
func (c *ManagedConnection) processDead() bool {
	p, ok := c.client.(mcpclient.ProcessOwner)
	return ok && !p.Alive()
}

func (c *ManagedConnection) checkHealth() {
	if c.retired.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	if err := c.client.Ping(ctx); err != nil {
		logging.Warn("Connection", "Connection %s failed health check after call error: %v", c.Key, err)
		if c.onBroken != nil {
			c.onBroken(c)
		}
	}
}

// retire marks the connection evicted and closes it once no call is running.
func (c *ManagedConnection) retire() {
	c.retired.Store(true)
	if c.inFlight.Load() == 0 {
		c.close()
	}
}

func (c *ManagedConnection) close() {
	c.closing.Do(func() {
		if err := c.client.Close(); err != nil {
			logging.Debug("Connection", "Error closing connection %s: %v", c.Key, err)
		}
		logging.Debug("Connection", "Closed connection %s", c.Key)
	})
}
