package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ferrants/ChaasKit-sub001/pkg/logging"

	"github.com/google/uuid"
)

// CreateAuthorizationCode stores a new code.
func (s *SQLiteStore) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_codes (code_hash, client_id, user_id, team_id, redirect_uri, redirect_given, scope, resource, code_challenge, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, code.CodeHash, code.ClientID, code.UserID, code.TeamID, code.RedirectURI, code.RedirectGiven,
		strings.Join(code.Scope, " "), code.Resource, code.CodeChallenge,
		toMillis(code.ExpiresAt), toMillis(code.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode marks the code consumed with a conditional update,
// so concurrent exchanges of one code cannot both succeed.
func (s *SQLiteStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_codes SET consumed_at = ? WHERE code_hash = ? AND consumed_at IS NULL`,
		toMillis(time.Now()), codeHash)
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	code, err := s.getAuthorizationCode(ctx, codeHash)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrAlreadyConsumed
	}
	return code, nil
}

func (s *SQLiteStore) getAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	var (
		c                    AuthorizationCode
		scope                string
		expiresAt, createdAt int64
		consumedAt           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code_hash, client_id, user_id, team_id, redirect_uri, redirect_given, scope, resource, code_challenge, expires_at, consumed_at, created_at
		FROM oauth_codes WHERE code_hash = ?
	`, codeHash).Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.TeamID, &c.RedirectURI, &c.RedirectGiven, &scope,
		&c.Resource, &c.CodeChallenge, &expiresAt, &consumedAt, &createdAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization code: %w", err)
	}
	c.Scope = strings.Fields(scope)
	c.ExpiresAt = fromMillis(expiresAt)
	c.ConsumedAt = timePtr(consumedAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// DeleteExpiredAuthorizationCodes removes codes that expired before the
// given time, consumed or not.
func (s *SQLiteStore) DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_codes WHERE expires_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired codes: %w", err)
	}
	return res.RowsAffected()
}

// CreateGrant stores a grant, assigning an id if needed.
func (s *SQLiteStore) CreateGrant(ctx context.Context, g *Grant) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_grants (id, client_id, user_id, team_id, scope, resource, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.ClientID, g.UserID, g.TeamID, strings.Join(g.Scope, " "), g.Resource, toMillis(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

// GetGrant returns the grant with the given id, or ErrNotFound.
func (s *SQLiteStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	var (
		g         Grant
		scope     string
		createdAt int64
		revokedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, user_id, team_id, scope, resource, created_at, revoked_at
		FROM oauth_grants WHERE id = ?
	`, id).Scan(&g.ID, &g.ClientID, &g.UserID, &g.TeamID, &scope, &g.Resource, &createdAt, &revokedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying grant: %w", err)
	}
	g.Scope = strings.Fields(scope)
	g.CreatedAt = fromMillis(createdAt)
	g.RevokedAt = timePtr(revokedAt)
	return &g, nil
}

// RevokeGrant revokes one grant and its refresh tokens.
func (s *SQLiteStore) RevokeGrant(ctx context.Context, id string) error {
	now := toMillis(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE oauth_grants SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, now, id); err != nil {
		return fmt.Errorf("revoking grant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE oauth_refresh_tokens SET revoked_at = ? WHERE grant_id = ? AND revoked_at IS NULL`, now, id); err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return tx.Commit()
}

// RevokeGrantsForClient revokes all active grants of a client for a user.
func (s *SQLiteStore) RevokeGrantsForClient(ctx context.Context, clientID, userID string) (int64, error) {
	now := toMillis(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE oauth_refresh_tokens SET revoked_at = ?
		WHERE revoked_at IS NULL AND grant_id IN (
			SELECT id FROM oauth_grants WHERE client_id = ? AND user_id = ? AND revoked_at IS NULL
		)`, now, clientID, userID); err != nil {
		return 0, fmt.Errorf("revoking refresh tokens: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE oauth_grants SET revoked_at = ? WHERE client_id = ? AND user_id = ? AND revoked_at IS NULL`,
		now, clientID, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing revocation: %w", err)
	}

	logging.Info("Store", "Revoked %d grants of client %s for user %s", n, logging.TruncateID(clientID), logging.TruncateID(userID))
	return n, nil
}

// CreateRefreshToken stores a refresh token.
func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	return insertRefreshToken(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, t *RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO oauth_refresh_tokens (token_hash, grant_id, client_id, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.TokenHash, t.GrantID, t.ClientID, t.UserID, toMillis(t.ExpiresAt), toMillis(t.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the refresh token with the given hash, or ErrNotFound.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var (
		t                    RefreshToken
		expiresAt, createdAt int64
		rotatedAt, revokedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, grant_id, client_id, user_id, expires_at, rotated_at, revoked_at, created_at
		FROM oauth_refresh_tokens WHERE token_hash = ?
	`, tokenHash).Scan(&t.TokenHash, &t.GrantID, &t.ClientID, &t.UserID, &expiresAt, &rotatedAt, &revokedAt, &createdAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	t.ExpiresAt = fromMillis(expiresAt)
	t.RotatedAt = timePtr(rotatedAt)
	t.RevokedAt = timePtr(revokedAt)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

// RotateRefreshToken retires oldHash and stores next in one transaction.
func (s *SQLiteStore) RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET rotated_at = ? WHERE token_hash = ? AND rotated_at IS NULL AND revoked_at IS NULL`,
		toMillis(time.Now()), oldHash)
	if err != nil {
		return fmt.Errorf("rotating refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyConsumed
	}
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRefreshToken revokes a single refresh token. Unknown hashes are ignored.
func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		toMillis(time.Now()), tokenHash)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}
