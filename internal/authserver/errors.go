package authserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

var (
	// ErrDisabled is returned by every operation when the inbound
	// authorization server is not enabled.
	ErrDisabled = errors.New("inbound OAuth is not enabled")

	// ErrInvalidToken is returned by Authenticate for tokens that are
	// malformed, expired, issued for another audience, or whose grant was
	// revoked.
	ErrInvalidToken = errors.New("invalid access token")
)

// errorInvalidTarget is the RFC 8707 error for an unacceptable resource.
const errorInvalidTarget = "invalid_target"

// Error is an RFC 6749 error returned to the client as JSON.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newError(status int, code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...), Status: status}
}

func invalidGrant(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, oauth.ErrorInvalidGrant, format, args...)
}

func invalidRequest(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, oauth.ErrorInvalidRequest, format, args...)
}

func invalidClient(format string, args ...any) *Error {
	return newError(http.StatusUnauthorized, oauth.ErrorInvalidClient, format, args...)
}

// RedirectError is an authorization endpoint error that is reported to the
// client through its verified redirect URI rather than to the user agent.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         *Error
}

func (e *RedirectError) Error() string {
	return "authorization request rejected: " + e.Err.Error()
}

func (e *RedirectError) Unwrap() error { return e.Err }

// Location returns the redirect URI carrying the error parameters.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return withQuery(e.RedirectURI, params)
}

// IsOAuthError reports whether err carries an RFC 6749 error code and returns it.
func IsOAuthError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// withQuery appends params to rawURL, keeping any query it already has.
func withQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
