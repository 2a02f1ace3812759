package principal

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies who a connection or credential belongs to.
type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "user"
	KindTeam   Kind = "team"
)

// ParseKind validates a credential owner kind. Only user and team own
// credentials; the system principal uses admin secrets from the environment.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindUser, KindTeam:
		return Kind(s), nil
	case KindSystem:
		return "", fmt.Errorf("system principal cannot own credentials")
	default:
		return "", fmt.Errorf("unknown principal kind %q", s)
	}
}

// Owner is the principal a credential row or pooled connection belongs to.
type Owner struct {
	Kind Kind
	ID   string
}

// System is the owner of global pool connections.
var System = Owner{Kind: KindSystem, ID: "system"}

// User returns the owner for a user id.
func User(id string) Owner { return Owner{Kind: KindUser, ID: id} }

// Team returns the owner for a team id.
func Team(id string) Owner { return Owner{Kind: KindTeam, ID: id} }

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// Validate rejects owners with no id or an unknown kind.
func (o Owner) Validate() error {
	switch o.Kind {
	case KindSystem, KindUser, KindTeam:
	default:
		return fmt.Errorf("unknown principal kind %q", string(o.Kind))
	}
	if o.ID == "" {
		return fmt.Errorf("%s principal requires an id", o.Kind)
	}
	return nil
}

// Principal is the authenticated caller of a request: a signed-in user and,
// optionally, the team they are acting in.
type Principal struct {
	UserID   string
	TeamID   string
	TeamRole string
}

// HasTeam reports whether the caller acts within a team.
func (p Principal) HasTeam() bool { return p.TeamID != "" }

// UserOwner returns the caller's user owner.
func (p Principal) UserOwner() Owner { return User(p.UserID) }

// TeamOwner returns the caller's team owner, or false without a team.
func (p Principal) TeamOwner() (Owner, bool) {
	if !p.HasTeam() {
		return Owner{}, false
	}
	return Team(p.TeamID), true
}

var (
	// ErrUnauthenticated is returned when a request carries no user identity.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrTeamContextRequired is returned for team operations without a team.
	ErrTeamContextRequired = errors.New("team context required")
	// ErrForbidden is returned when the caller may not manage team credentials.
	ErrForbidden = errors.New("not permitted to manage team credentials")
)

type contextKey struct{}

// WithPrincipal stores p on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok && p.UserID != ""
}
