package config

import (
	"fmt"
	"strings"
)

// Transport is the wire transport used to reach a tool server.
type Transport string

const (
	// TransportStdio runs the server as a child process speaking over stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportSSE is the one-way Server-Sent Events stream transport.
	TransportSSE Transport = "sse"
	// TransportStreamableHTTP is the bidirectional streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable-http"
)

// Transports lists every supported transport.
var Transports = []Transport{TransportStdio, TransportSSE, TransportStreamableHTTP}

// ParseTransport validates a transport name.
func ParseTransport(s string) (Transport, error) {
	t := Transport(strings.TrimSpace(s))
	switch t {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported transport %q (supported: %s, %s, %s)",
			s, TransportStdio, TransportSSE, TransportStreamableHTTP)
	}
}

// UnmarshalText rejects unknown transports while decoding configuration.
func (t *Transport) UnmarshalText(text []byte) error {
	parsed, err := ParseTransport(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// IsRemote reports whether the transport talks HTTP to a URL.
func (t Transport) IsRemote() bool {
	switch t {
	case TransportSSE, TransportStreamableHTTP:
		return true
	case TransportStdio:
		return false
	default:
		return false
	}
}

// AuthMode describes whose credential is used when talking to a server.
type AuthMode string

const (
	AuthModeNone       AuthMode = "none"
	AuthModeAdmin      AuthMode = "admin"
	AuthModeUserAPIKey AuthMode = "user-apikey"
	AuthModeUserOAuth  AuthMode = "user-oauth"
	AuthModeTeamAPIKey AuthMode = "team-apikey"
	AuthModeTeamOAuth  AuthMode = "team-oauth"
)

// AuthModes lists every supported auth mode.
var AuthModes = []AuthMode{
	AuthModeNone, AuthModeAdmin,
	AuthModeUserAPIKey, AuthModeUserOAuth,
	AuthModeTeamAPIKey, AuthModeTeamOAuth,
}

// ParseAuthMode validates an auth mode name.
func ParseAuthMode(s string) (AuthMode, error) {
	m := AuthMode(strings.TrimSpace(s))
	for _, known := range AuthModes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unsupported auth mode %q", s)
}

// UnmarshalText rejects unknown auth modes while decoding configuration.
func (m *AuthMode) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PoolScope identifies which connection pool serves a server.
type PoolScope string

const (
	ScopeGlobal PoolScope = "global"
	ScopeUser   PoolScope = "user"
	ScopeTeam   PoolScope = "team"
)

// CredentialKind is the kind of stored credential an auth mode consumes.
type CredentialKind string

const (
	CredentialNone   CredentialKind = ""
	CredentialAPIKey CredentialKind = "api_key"
	CredentialOAuth  CredentialKind = "oauth"
)

// Scope maps the auth mode to the pool that owns its connections.
func (m AuthMode) Scope() (PoolScope, error) {
	switch m {
	case AuthModeNone, AuthModeAdmin:
		return ScopeGlobal, nil
	case AuthModeUserAPIKey, AuthModeUserOAuth:
		return ScopeUser, nil
	case AuthModeTeamAPIKey, AuthModeTeamOAuth:
		return ScopeTeam, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q", string(m))
	}
}

// CredentialKind maps the auth mode to the credential it expects.
func (m AuthMode) CredentialKind() (CredentialKind, error) {
	switch m {
	case AuthModeNone, AuthModeAdmin:
		return CredentialNone, nil
	case AuthModeUserAPIKey, AuthModeTeamAPIKey:
		return CredentialAPIKey, nil
	case AuthModeUserOAuth, AuthModeTeamOAuth:
		return CredentialOAuth, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q", string(m))
	}
}
