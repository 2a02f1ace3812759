package mcpclient

import (
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
)

// Options carries the per-connection inputs that are not part of the static
// server definition.
type Options struct {
	// Secret is the resolved credential (admin secret, API key or access
	// token). Empty for servers without authentication.
	Secret string
	// Bearer forces "Authorization: Bearer" regardless of the configured
	// credential header. OAuth access tokens always travel this way.
	Bearer bool
	// HTTPClient is used by the streamable HTTP transport when set.
	HTTPClient *http.Client
	// StopGracePeriod bounds each step of stopping a stdio child.
	StopGracePeriod time.Duration
}

// New creates the client for server's transport with the credential from
// opts injected as an environment variable (stdio) or header (remote).
func New(server config.MCPServer, opts Options) (Client, error) {
	switch server.Transport {
	case config.TransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("command is required for stdio server %s", server.ID)
		}
		env := make(map[string]string, len(server.Env)+1)
		maps.Copy(env, server.Env)
		if opts.Secret != "" {
			if server.CredentialEnv == "" {
				return nil, fmt.Errorf("stdio server %s has no credentialEnv to pass its credential", server.ID)
			}
			env[server.CredentialEnv] = opts.Secret
		}
		return NewStdioClient(server.ID, server.Command, server.Args, env, opts.StopGracePeriod), nil

	case config.TransportStreamableHTTP:
		if server.URL == "" {
			return nil, fmt.Errorf("url is required for streamable-http server %s", server.ID)
		}
		return NewStreamableHTTPClient(server.URL, credentialHeaders(server, opts), opts.HTTPClient), nil

	case config.TransportSSE:
		if server.URL == "" {
			return nil, fmt.Errorf("url is required for sse server %s", server.ID)
		}
		return NewSSEClient(server.URL, credentialHeaders(server, opts)), nil

	default:
		return nil, fmt.Errorf("unsupported transport %q for server %s (supported: %s, %s, %s)",
			string(server.Transport), server.ID, config.TransportStdio, config.TransportStreamableHTTP, config.TransportSSE)
	}
}

// credentialHeaders merges the static headers with the credential header.
func credentialHeaders(server config.MCPServer, opts Options) map[string]string {
	headers := make(map[string]string, len(server.Headers)+1)
	maps.Copy(headers, server.Headers)
	if opts.Secret == "" {
		return headers
	}

	name := server.CredentialHeader
	if name == "" || opts.Bearer {
		name = "Authorization"
	}
	if strings.EqualFold(name, "Authorization") {
		headers[name] = "Bearer " + opts.Secret
	} else {
		headers[name] = opts.Secret
	}
	return headers
}
