package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrReauthorizationRequired means the stored token cannot be refreshed
	// and the owner must go through the authorization flow again.
	ErrReauthorizationRequired = errors.New("re-authorization required")

	// ErrInvalidState is returned for callbacks whose state is malformed,
	// unknown or does not match the pending flow.
	ErrInvalidState = errors.New("invalid or expired OAuth state")

	// ErrNotOAuthServer is returned when a flow is started for a server
	// whose auth mode is not OAuth, or for the wrong owner kind.
	ErrNotOAuthServer = errors.New("server does not use OAuth for this owner")
)

// DiscoveryError reports that endpoints or a client identity could not be
// resolved for a server. It is never fatal to the caller.
type DiscoveryError struct {
	ServerID string
	Stage    string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("OAuth discovery for server %s failed at %s: %v", e.ServerID, e.Stage, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// IsDiscoveryError reports whether err wraps a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// ProviderError is an error returned by the provider on the callback or
// from the token endpoint.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %s", e.Code)
}
