package authserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// RegisterClient performs RFC 7591 dynamic client registration. Clients
// that ask for token_endpoint_auth_method "none" are public and get no
// secret; all others receive a secret that is only returned here.
func (s *Server) RegisterClient(ctx context.Context, md oauth.ClientMetadata) (*oauth.ClientMetadata, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	resp, err := s.registerClient(ctx, md)
	metrics.AuthServerRequestsTotal.WithLabelValues("register", resultOf(err)).Inc()
	return resp, err
}

func (s *Server) registerClient(ctx context.Context, md oauth.ClientMetadata) (*oauth.ClientMetadata, error) {
	name := strings.TrimSpace(md.ClientName)
	if name == "" {
		return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "client_name is required")
	}
	if len(md.RedirectURIs) == 0 {
		return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidRedirectURI, "at least one redirect_uri is required")
	}
	for _, uri := range md.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidRedirectURI, "%v", err)
		}
	}

	grantTypes := md.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != oauth.GrantTypeAuthorizationCode && gt != oauth.GrantTypeRefreshToken {
			return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "unsupported grant_type %q", gt)
		}
	}
	if !slices.Contains(grantTypes, oauth.GrantTypeAuthorizationCode) {
		return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "grant_types must include authorization_code")
	}

	responseTypes := md.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{oauth.ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != oauth.ResponseTypeCode {
			return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "unsupported response_type %q", rt)
		}
	}

	if md.Scope != "" {
		if _, err := narrowScope(md.Scope, s.cfg.Scopes); err != nil {
			return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "%s", err.Description)
		}
	}

	authMethod := md.TokenEndpointAuthMethod
	switch authMethod {
	case "":
		authMethod = oauth.AuthMethodClientSecretBasic
	case oauth.AuthMethodNone, oauth.AuthMethodClientSecretBasic, oauth.AuthMethodClientSecretPost:
	default:
		return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "unsupported token_endpoint_auth_method %q", authMethod)
	}

	now := s.clock.Now().UTC()
	client := &store.Client{
		ID:           uuid.New().String(),
		Name:         name,
		RedirectURIs: md.RedirectURIs,
		GrantTypes:   grantTypes,
		AuthMethod:   authMethod,
		CreatedAt:    now,
	}

	var secret string
	if authMethod != oauth.AuthMethodNone {
		var err error
		secret, err = oauth.RandomToken()
		if err != nil {
			return nil, err
		}
		client.SecretHash = oauth.HashToken(secret)
	}

	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("storing client: %w", err)
	}
	logging.Info("AuthServer", "Registered client %s (%s, auth method %s)", logging.TruncateID(client.ID), name, authMethod)

	resp := &oauth.ClientMetadata{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientName:              name,
		ClientURI:               md.ClientURI,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   md.Scope,
	}
	if secret != "" {
		never := int64(0)
		resp.ClientSecretExpiresAt = &never
	}
	return resp, nil
}

// validateRedirectURI accepts absolute https URIs and http URIs on a
// loopback host. Fragments are not allowed.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri %q is not a valid URI", raw)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect_uri %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri %q must use https unless it targets a loopback address", raw)
	default:
		return fmt.Errorf("redirect_uri %q has unsupported scheme %q", raw, u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// resultOf labels a metric with the OAuth error code of err, or success.
func resultOf(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	if oe, ok := IsOAuthError(err); ok {
		return oe.Code
	}
	return metrics.ResultError
}
