package authserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// ExchangeRequest holds the authorization_code grant parameters.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// RefreshRequest holds the refresh_token grant parameters. A non-empty Scope
// narrows the scope of the new access token.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Scope        string
}

// RevokeRequest holds RFC 7009 revocation parameters.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// Exchange redeems an authorization code for a token pair. The code is
// consumed before any check, so a failed exchange still burns it.
func (s *Server) Exchange(ctx context.Context, req ExchangeRequest) (*oauth.TokenResponse, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	resp, err := s.exchange(ctx, req)
	metrics.AuthServerRequestsTotal.WithLabelValues("token_exchange", resultOf(err)).Inc()
	return resp, err
}

func (s *Server) exchange(ctx context.Context, req ExchangeRequest) (*oauth.TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}
	if req.CodeVerifier == "" {
		return nil, invalidRequest("code_verifier is required")
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, oauth.HashToken(req.Code))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, invalidGrant("unknown authorization code")
	case errors.Is(err, store.ErrAlreadyConsumed):
		logging.Warn("AuthServer", "Authorization code replayed by client %s", logging.TruncateID(client.ID))
		return nil, invalidGrant("authorization code was already used")
	case err != nil:
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if s.clock.Now().After(code.ExpiresAt) {
		return nil, invalidGrant("authorization code expired")
	}
	if code.ClientID != client.ID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	// redirect_uri may be omitted here only if it was omitted at authorize.
	if (code.RedirectGiven || req.RedirectURI != "") && code.RedirectURI != req.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if !oauth.VerifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		return nil, invalidGrant("code_verifier does not match the code challenge")
	}

	grant := &store.Grant{
		ClientID:  code.ClientID,
		UserID:    code.UserID,
		TeamID:    code.TeamID,
		Scope:     code.Scope,
		Resource:  code.Resource,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("storing grant: %w", err)
	}

	refresh, record, err := s.newRefreshToken(grant)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, record); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	logging.Info("AuthServer", "Issued grant %s to client %s for user %s",
		logging.TruncateID(grant.ID), logging.TruncateID(client.ID), logging.TruncateID(grant.UserID))
	return s.tokenResponse(grant, grant.Scope, refresh)
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// rotated; presenting a rotated token again revokes the whole grant.
// Access tokens issued earlier stay valid until they expire.
func (s *Server) Refresh(ctx context.Context, req RefreshRequest) (*oauth.TokenResponse, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	resp, err := s.refresh(ctx, req)
	metrics.AuthServerRequestsTotal.WithLabelValues("token_refresh", resultOf(err)).Inc()
	return resp, err
}

func (s *Server) refresh(ctx context.Context, req RefreshRequest) (*oauth.TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	current, err := s.store.GetRefreshToken(ctx, oauth.HashToken(req.RefreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidGrant("unknown refresh token")
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	switch {
	case current.ClientID != client.ID:
		return nil, invalidGrant("refresh token was issued to another client")
	case current.RevokedAt != nil:
		return nil, invalidGrant("refresh token was revoked")
	case current.RotatedAt != nil:
		s.revokeOnReuse(ctx, current.GrantID)
		return nil, invalidGrant("refresh token was already used")
	case s.clock.Now().After(current.ExpiresAt):
		return nil, invalidGrant("refresh token expired")
	}

	grant, err := s.store.GetGrant(ctx, current.GrantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidGrant("grant no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("loading grant: %w", err)
	}
	if !grant.Active() {
		return nil, invalidGrant("grant was revoked")
	}

	scope := grant.Scope
	if req.Scope != "" {
		narrowed, serr := narrowScope(req.Scope, grant.Scope)
		if serr != nil {
			return nil, serr
		}
		scope = narrowed
	}

	refresh, next, err := s.newRefreshToken(grant)
	if err != nil {
		return nil, err
	}
	err = s.store.RotateRefreshToken(ctx, current.TokenHash, next)
	if errors.Is(err, store.ErrAlreadyConsumed) {
		s.revokeOnReuse(ctx, current.GrantID)
		return nil, invalidGrant("refresh token was already used")
	}
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	logging.Debug("AuthServer", "Rotated refresh token of grant %s", logging.TruncateID(grant.ID))
	return s.tokenResponse(grant, scope, refresh)
}

func (s *Server) revokeOnReuse(ctx context.Context, grantID string) {
	logging.Warn("AuthServer", "Refresh token reuse detected, revoking grant %s", logging.TruncateID(grantID))
	if err := s.store.RevokeGrant(ctx, grantID); err != nil {
		logging.Error("AuthServer", err, "Failed to revoke grant %s after refresh token reuse", logging.TruncateID(grantID))
	}
}

// Revoke implements RFC 7009. It revokes the grant behind a refresh or
// access token presented by the client it was issued to. Unknown tokens,
// tokens of other clients and failed client authentication are ignored, so
// the endpoint always reports success.
func (s *Server) Revoke(ctx context.Context, req RevokeRequest) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	grantID := s.revocableGrant(ctx, req)
	if grantID == "" {
		metrics.AuthServerRequestsTotal.WithLabelValues("revoke", "ignored").Inc()
		return nil
	}
	if err := s.store.RevokeGrant(ctx, grantID); err != nil {
		logging.Error("AuthServer", err, "Failed to revoke grant %s", logging.TruncateID(grantID))
		metrics.AuthServerRequestsTotal.WithLabelValues("revoke", metrics.ResultError).Inc()
		return nil
	}
	logging.Info("AuthServer", "Revoked grant %s on client request", logging.TruncateID(grantID))
	metrics.AuthServerRequestsTotal.WithLabelValues("revoke", metrics.ResultSuccess).Inc()
	return nil
}

func (s *Server) revocableGrant(ctx context.Context, req RevokeRequest) string {
	if req.Token == "" {
		return ""
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		logging.Debug("AuthServer", "Ignoring revocation request: %v", err)
		return ""
	}

	if req.TokenTypeHint != "access_token" {
		rt, err := s.store.GetRefreshToken(ctx, oauth.HashToken(req.Token))
		if err == nil {
			if rt.ClientID == client.ID {
				return rt.GrantID
			}
			return ""
		}
	}

	claims, err := s.parseAccessToken(req.Token, false)
	if err != nil || claims.ClientID != client.ID {
		return ""
	}
	return claims.GrantID
}

// RevokeClient revokes every grant, and so every refresh token, that
// clientID holds for userID. Calling it again is a no-op.
func (s *Server) RevokeClient(ctx context.Context, clientID, userID string) (int64, error) {
	if !s.cfg.Enabled {
		return 0, ErrDisabled
	}
	n, err := s.store.RevokeGrantsForClient(ctx, clientID, userID)
	metrics.AuthServerRequestsTotal.WithLabelValues("revoke_client", metrics.Result(err)).Inc()
	return n, err
}

func (s *Server) newRefreshToken(g *store.Grant) (string, *store.RefreshToken, error) {
	value, err := oauth.RandomToken()
	if err != nil {
		return "", nil, err
	}
	now := s.clock.Now().UTC()
	return value, &store.RefreshToken{
		TokenHash: oauth.HashToken(value),
		GrantID:   g.ID,
		ClientID:  g.ClientID,
		UserID:    g.UserID,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt: now,
	}, nil
}

func (s *Server) tokenResponse(g *store.Grant, scope []string, refresh string) (*oauth.TokenResponse, error) {
	access, err := s.signAccessToken(g, scope)
	if err != nil {
		return nil, err
	}
	return &oauth.TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        strings.Join(scope, " "),
	}, nil
}
