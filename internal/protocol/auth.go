package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/ferrants/ChaasKit-sub001/internal/authserver"
	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errInvalidBearer = errors.New("invalid bearer token")
)

// TokenVerifier verifies inbound access tokens. *authserver.Server
// satisfies it.
type TokenVerifier interface {
	Authenticate(ctx context.Context, token string) (*authserver.Identity, error)
}

// Caller is the authenticated principal behind a request.
type Caller struct {
	Principal principal.Principal
	// Scopes granted to the token. Empty means unrestricted, as for static
	// API keys.
	Scopes []string
}

// Allows reports whether the caller may use scope.
func (c Caller) Allows(scope string) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, scope)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticate resolves the caller from the bearer token: a static API key
// first, then an access token of the authorization server.
func (h *Handler) authenticate(r *http.Request) (Caller, error) {
	token := bearerToken(r)
	if token == "" {
		return Caller{}, errMissingBearer
	}

	if key, ok := h.matchAPIKey(token); ok {
		return Caller{Principal: principal.Principal{UserID: key.UserID, TeamID: key.TeamID}}, nil
	}

	if h.tokens == nil {
		return Caller{}, errInvalidBearer
	}
	id, err := h.tokens.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, authserver.ErrInvalidToken) || errors.Is(err, authserver.ErrDisabled) {
			return Caller{}, errInvalidBearer
		}
		return Caller{}, err
	}
	return Caller{Principal: id.Principal(), Scopes: id.Scopes}, nil
}

func (h *Handler) matchAPIKey(token string) (config.APIKeyConfig, bool) {
	sum := oauth.HashToken(token)
	for _, key := range h.apiKeys {
		if subtle.ConstantTimeCompare([]byte(sum), []byte(strings.ToLower(key.SHA256))) == 1 {
			return key, true
		}
	}
	return config.APIKeyConfig{}, false
}

// challenge writes a 401 pointing the client at the protected resource
// metadata so it can start the authorization flow.
func (h *Handler) challenge(w http.ResponseWriter, err error) {
	errCode, description := "", ""
	if errors.Is(err, errInvalidBearer) {
		errCode, description = oauth.ErrorInvalidToken, "the access token is invalid or expired"
	}
	w.Header().Set("WWW-Authenticate", oauth.BuildWWWAuthenticate(h.resourceMetadataURL, errCode, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
