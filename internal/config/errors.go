package config

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownServer is returned for server ids that are not configured.
	ErrUnknownServer = errors.New("unknown tool server")
	// ErrServerDisabled is returned for configured servers with enabled: false.
	ErrServerDisabled = errors.New("tool server is disabled")
)

// ServerLookupError carries the server id of a failed lookup.
type ServerLookupError struct {
	ServerID string
	Err      error
}

func (e *ServerLookupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.ServerID)
}

func (e *ServerLookupError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is a server lookup failure. These
// are surfaced to callers immediately and never retried.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnknownServer) || errors.Is(err, ErrServerDisabled)
}

// LookupServer returns the enabled server with the given id.
func (c Config) LookupServer(id string) (MCPServer, error) {
	for _, s := range c.MCPServers {
		if s.ID != id {
			continue
		}
		if !s.IsEnabled() {
			return MCPServer{}, &ServerLookupError{ServerID: id, Err: ErrServerDisabled}
		}
		return s, nil
	}
	return MCPServer{}, &ServerLookupError{ServerID: id, Err: ErrUnknownServer}
}

// EnabledServers returns the enabled servers in configuration order.
func (c Config) EnabledServers() []MCPServer {
	out := make([]MCPServer, 0, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
