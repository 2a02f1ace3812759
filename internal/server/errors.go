package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ferrants/ChaasKit-sub001/internal/authserver"
	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Error codes of the application API.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeNeedsAuthorization  = "needs_authorization"
	CodeTeamContextRequired = "team_context_required"
	CodeUpstream            = "upstream_error"
	CodeTimeout             = "timeout"
	CodeInternal            = "internal_error"
)

// ErrorResponse is the JSON body of every failed API request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor maps a service error onto an HTTP status and API error code.
// Configuration errors are client errors and never retried. Missing or
// unusable credentials ask the caller to authorize again.
func statusFor(err error) (int, string) {
	var provider *oauth.ProviderError

	switch proxy.FailureKindOf(err) {
	case proxy.FailureNeedsAuthorization:
		return http.StatusConflict, CodeNeedsAuthorization
	case proxy.FailureNotConfigured:
		return http.StatusNotFound, CodeNotFound
	case proxy.FailureTimeout:
		return http.StatusGatewayTimeout, CodeTimeout
	case proxy.FailureTransport, proxy.FailureTool:
		return http.StatusBadGateway, CodeUpstream
	}

	switch {
	case errors.Is(err, principal.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, principal.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, principal.ErrTeamContextRequired):
		return http.StatusBadRequest, CodeTeamContextRequired
	case errors.Is(err, config.ErrUnknownServer),
		errors.Is(err, config.ErrServerDisabled),
		errors.Is(err, authserver.ErrDisabled):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, credentials.ErrAuthModeMismatch),
		errors.Is(err, credentials.ErrEmptyAPIKey),
		errors.Is(err, oauth.ErrNotOAuthServer),
		errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, oauth.ErrReauthorizationRequired),
		errors.Is(err, vault.ErrDecrypt),
		errors.Is(err, store.ErrNotFound):
		return http.StatusConflict, CodeNeedsAuthorization
	case oauth.IsDiscoveryError(err), errors.As(err, &provider):
		return http.StatusBadGateway, CodeUpstream
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError writes the mapped error. Internal errors are logged and their
// message withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error("Server", err, "%s %s failed", r.Method, r.URL.Path)
		message = "internal server error"
	} else {
		logging.Debug("Server", "%s %s rejected with %d: %v", r.Method, r.URL.Path, status, err)
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: CodeInvalidRequest, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Server", "Failed to encode response: %v", err)
	}
}
