package mcpclient

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations on a client that was never
// initialized or has been closed.
var ErrNotConnected = errors.New("client not connected")

// AuthRequiredError reports that a remote server rejected the handshake with
// 401, i.e. the credential is missing, expired or revoked.
type AuthRequiredError struct {
	URL string
	Err error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for %s: %v", e.URL, e.Err)
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// IsAuthRequired reports whether err wraps an AuthRequiredError.
func IsAuthRequired(err error) bool {
	var ae *AuthRequiredError
	return errors.As(err, &ae)
}
