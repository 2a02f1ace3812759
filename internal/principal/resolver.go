package principal

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
)

// Resolver extracts the caller identity from an inbound HTTP request.
type Resolver interface {
	Resolve(r *http.Request) (Principal, error)
}

// TeamAuthorizer answers whether a caller may manage credentials for their
// active team.
type TeamAuthorizer interface {
	CanManageTeamCredentials(ctx context.Context, p Principal) bool
}

// HeaderResolver trusts identity headers set by the session layer in front
// of the broker. It must only be exposed behind that layer.
type HeaderResolver struct {
	userHeader string
	teamHeader string
	roleHeader string
}

// NewHeaderResolver builds a resolver from the auth context configuration.
func NewHeaderResolver(cfg config.AuthContextConfig) *HeaderResolver {
	return &HeaderResolver{
		userHeader: cfg.UserHeader,
		teamHeader: cfg.TeamHeader,
		roleHeader: cfg.RoleHeader,
	}
}

// Resolve implements Resolver.
func (h *HeaderResolver) Resolve(r *http.Request) (Principal, error) {
	p := Principal{
		UserID:   strings.TrimSpace(r.Header.Get(h.userHeader)),
		TeamID:   strings.TrimSpace(r.Header.Get(h.teamHeader)),
		TeamRole: strings.TrimSpace(r.Header.Get(h.roleHeader)),
	}
	if p.UserID == "" {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

// RoleAuthorizer grants team credential management to a fixed set of roles.
type RoleAuthorizer struct {
	roles []string
}

// NewRoleAuthorizer returns an authorizer accepting the given roles.
func NewRoleAuthorizer(roles []string) *RoleAuthorizer {
	normalized := make([]string, 0, len(roles))
	for _, r := range roles {
		normalized = append(normalized, strings.ToLower(r))
	}
	return &RoleAuthorizer{roles: normalized}
}

// CanManageTeamCredentials implements TeamAuthorizer.
func (a *RoleAuthorizer) CanManageTeamCredentials(_ context.Context, p Principal) bool {
	if !p.HasTeam() {
		return false
	}
	return slices.Contains(a.roles, strings.ToLower(p.TeamRole))
}

// Middleware resolves the principal and stores it on the request context.
// Requests without an identity are rejected with 401.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolver.Resolve(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
