package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, format string, args ...interface{}) {
	*ve = append(*ve, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

var serverIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Validate checks the configuration for structural errors. All problems are
// collected and returned together.
func (c Config) Validate() error {
	var errs ValidationErrors

	if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
		errs.Add("server.publicURL", "must be an absolute URL")
	}
	if c.Vault.KeyEnv == "" {
		errs.Add("vault.keyEnv", "is required")
	}
	if !strings.HasPrefix(c.OutboundOAuth.CallbackPath, "/") {
		errs.Add("outboundOAuth.callbackPath", "must start with /")
	}
	if c.Connections.IdleTimeout <= 0 {
		errs.Add("connections.idleTimeout", "must be positive")
	}
	if c.Connections.SweepInterval <= 0 {
		errs.Add("connections.sweepInterval", "must be positive")
	}
	if c.Connections.CallTimeout <= 0 {
		errs.Add("connections.callTimeout", "must be positive")
	}

	if c.InboundOAuth.Enabled {
		if err := requireHTTPS(c.Server.PublicURL); err != nil {
			errs.Add("server.publicURL", "%v", err)
		}
		if c.InboundOAuth.AccessTokenTTL <= 0 || c.InboundOAuth.RefreshTokenTTL <= 0 || c.InboundOAuth.CodeTTL <= 0 {
			errs.Add("inboundOAuth", "token and code lifetimes must be positive")
		}
		for i, sc := range c.InboundOAuth.StaticClients {
			field := fmt.Sprintf("inboundOAuth.staticClients[%d]", i)
			if sc.ID == "" {
				errs.Add(field+".id", "is required")
			}
			if len(sc.RedirectURIs) == 0 {
				errs.Add(field+".redirectURIs", "must have at least one entry")
			}
		}
	}

	for i, k := range c.APIKeys {
		field := fmt.Sprintf("apiKeys[%d]", i)
		if k.UserID == "" {
			errs.Add(field+".userId", "is required")
		}
		if len(k.SHA256) != 64 {
			errs.Add(field+".sha256", "must be a hex encoded SHA-256 digest")
		}
	}

	seen := make(map[string]bool, len(c.MCPServers))
	for i, s := range c.MCPServers {
		field := fmt.Sprintf("mcpServers[%d]", i)
		if !serverIDPattern.MatchString(s.ID) {
			errs.Add(field+".id", "must match %s", serverIDPattern.String())
		} else if strings.Contains(s.ID, "__") {
			errs.Add(field+".id", "must not contain \"__\", it separates server and tool names")
		} else if seen[s.ID] {
			errs.Add(field+".id", "duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		validateServer(&errs, field, s)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(errs *ValidationErrors, field string, s MCPServer) {
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			errs.Add(field+".command", "is required for stdio transport")
		}
	case TransportSSE, TransportStreamableHTTP:
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs.Add(field+".url", "must be an absolute URL for %s transport", s.Transport)
		}
	default:
		errs.Add(field+".transport", "unsupported transport %q", string(s.Transport))
	}

	switch s.AuthMode {
	case AuthModeNone:
	case AuthModeAdmin:
		if s.AdminSecretEnv == "" {
			errs.Add(field+".adminSecretEnv", "is required for admin auth mode")
		}
	case AuthModeUserAPIKey, AuthModeTeamAPIKey:
	case AuthModeUserOAuth, AuthModeTeamOAuth:
		if s.Transport == TransportStdio {
			errs.Add(field+".authMode", "%s requires a remote transport", s.AuthMode)
		}
	default:
		errs.Add(field+".authMode", "unsupported auth mode %q", string(s.AuthMode))
	}

	if s.Transport == TransportStdio && s.AuthMode != AuthModeNone && s.CredentialEnv == "" {
		errs.Add(field+".credentialEnv", "is required for stdio servers with credentials")
	}

	if s.OAuth != nil && s.AuthMode != AuthModeUserOAuth && s.AuthMode != AuthModeTeamOAuth {
		errs.Add(field+".oauth", "is only valid with an oauth auth mode")
	}
}

// requireHTTPS rejects plain HTTP base URLs except on loopback hosts, as
// OAuth 2.1 requires.
func requireHTTPS(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("must use https when inbound OAuth is enabled (got %s)", baseURL)
	default:
		return fmt.Errorf("invalid URL scheme %q", u.Scheme)
	}
}
