package store

import (
	"context"
	"errors"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyConsumed is returned when an authorization code or refresh
	// token has already been used.
	ErrAlreadyConsumed = errors.New("already consumed")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("already exists")
	// ErrChanged is returned by conditional updates when the row no longer
	// holds the expected value.
	ErrChanged = errors.New("changed concurrently")
)

// Credential is a stored credential for one (owner, server) pair.
//
// Payload holds the vault ciphertext and is nil while the first OAuth flow is
// still pending. OAuthState and CodeVerifier exist only between the redirect
// to the provider and the callback.
type Credential struct {
	ID           string
	Owner        principal.Owner
	ServerID     string
	Kind         config.CredentialKind
	Payload      []byte
	OAuthState   string
	CodeVerifier []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPayload reports whether a usable credential has been stored.
func (c *Credential) HasPayload() bool { return len(c.Payload) > 0 }

// PendingOAuth reports whether an OAuth flow is awaiting its callback.
func (c *Credential) PendingOAuth() bool { return c.OAuthState != "" }

// CredentialStore persists encrypted tool server credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, owner principal.Owner, serverID string) (*Credential, error)
	ListCredentials(ctx context.Context, owner principal.Owner) ([]*Credential, error)
	// PutCredential stores a payload and clears any pending OAuth state.
	PutCredential(ctx context.Context, owner principal.Owner, serverID string, kind config.CredentialKind, payload []byte) (*Credential, error)
	// ReplacePayload swaps the payload of an existing row, identified by id,
	// only while it still holds expected. Pending OAuth state is kept. It
	// returns ErrNotFound when the row is gone and ErrChanged when another
	// write replaced the payload.
	ReplacePayload(ctx context.Context, owner principal.Owner, serverID, id string, expected, payload []byte) error
	// BeginOAuth records pending OAuth state, creating the row if needed.
	// An existing payload is kept so the old token stays usable meanwhile.
	BeginOAuth(ctx context.Context, owner principal.Owner, serverID, state string, verifier []byte) error
	// ClearOAuth drops pending OAuth state. Rows left without a payload are deleted.
	ClearOAuth(ctx context.Context, owner principal.Owner, serverID string) error
	DeleteCredential(ctx context.Context, owner principal.Owner, serverID string) error
}

// Client is an OAuth client registered with the inbound authorization server.
type Client struct {
	ID           string
	SecretHash   string
	Name         string
	RedirectURIs []string
	GrantTypes   []string
	AuthMethod   string
	Static       bool
	CreatedAt    time.Time
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool { return c.SecretHash == "" }

// ClientStore persists registered inbound clients.
type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
}

// AuthorizationCode is a single-use inbound authorization code, stored by
// the SHA-256 of the code value.
type AuthorizationCode struct {
	CodeHash      string
	ClientID      string
	UserID        string
	TeamID        string
	RedirectURI   string
	// RedirectGiven is false when the authorization request omitted
	// redirect_uri and the single registered URI was used.
	RedirectGiven bool
	Scope         []string
	Resource      string
	CodeChallenge string
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	CreatedAt     time.Time
}

// Grant ties issued tokens to a (client, user, scope) authorization.
// Revoking a grant invalidates its refresh tokens and its access tokens.
type Grant struct {
	ID        string
	ClientID  string
	UserID    string
	TeamID    string
	Scope     []string
	Resource  string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the grant has not been revoked.
func (g *Grant) Active() bool { return g.RevokedAt == nil }

// RefreshToken is an opaque refresh token, stored by the SHA-256 of its value.
type RefreshToken struct {
	TokenHash string
	GrantID   string
	ClientID  string
	UserID    string
	ExpiresAt time.Time
	RotatedAt *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// GrantStore persists authorization codes, grants and refresh tokens.
type GrantStore interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeAuthorizationCode marks the code used and returns it. A second
	// call for the same code returns ErrAlreadyConsumed.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error)

	CreateGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)
	RevokeGrant(ctx context.Context, id string) error
	// RevokeGrantsForClient revokes every active grant of a client for a user
	// and returns the number revoked.
	RevokeGrantsForClient(ctx context.Context, clientID, userID string) (int64, error)

	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken marks oldHash rotated and stores next atomically.
	// Returns ErrAlreadyConsumed if oldHash was rotated or revoked meanwhile.
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
}

// Store is the full persistence surface.
type Store interface {
	CredentialStore
	ClientStore
	GrantStore
	Close() error
}
