package authserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// AccessClaims are the claims of an issued access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	GrantID  string `json:"gid"`
	TeamID   string `json:"tid,omitempty"`
}

// Identity is the verified caller behind an access token.
type Identity struct {
	UserID    string
	TeamID    string
	ClientID  string
	GrantID   string
	Scopes    []string
	ExpiresAt time.Time
}

// Principal returns the principal the token acts for.
func (i *Identity) Principal() principal.Principal {
	return principal.Principal{UserID: i.UserID, TeamID: i.TeamID}
}

// HasScope reports whether the token was granted scope.
func (i *Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

func (s *Server) signAccessToken(g *store.Grant, scope []string) (string, error) {
	now := s.clock.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   g.UserID,
			Audience:  jwt.ClaimStrings{s.resource},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		ClientID: g.ClientID,
		Scope:    strings.Join(scope, " "),
		GrantID:  g.ID,
		TeamID:   g.TeamID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// parseAccessToken verifies the signature and, when validate is set, the
// issuer, audience and lifetime claims.
func (s *Server) parseAccessToken(token string, validate bool) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if validate {
		opts = append(opts,
			jwt.WithIssuer(s.cfg.Issuer),
			jwt.WithAudience(s.resource),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(s.clock.Now),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.GrantID == "" {
		return nil, errors.New("token is missing subject or grant")
	}
	return claims, nil
}

// Authenticate verifies an access token presented to the protected resource:
// signature, issuer, audience, expiry, and that its grant is still active.
func (s *Server) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	claims, err := s.parseAccessToken(token, true)
	if err != nil {
		logging.Debug("AuthServer", "Rejected access token: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	grant, err := s.store.GetGrant(ctx, claims.GrantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown grant", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("loading grant: %w", err)
	}
	if !grant.Active() || grant.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: grant revoked", ErrInvalidToken)
	}

	id := &Identity{
		UserID:   claims.Subject,
		TeamID:   claims.TeamID,
		ClientID: claims.ClientID,
		GrantID:  claims.GrantID,
		Scopes:   strings.Fields(claims.Scope),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
