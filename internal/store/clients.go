package store

import (
	"context"
	"fmt"
	"time"
)

// CreateClient inserts a registered client. Static clients are upserted so
// configuration changes apply on restart.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *Client) error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO oauth_clients (id, secret_hash, name, redirect_uris, grant_types, auth_method, static, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if c.Static {
		query += `
		ON CONFLICT(id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			name = excluded.name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			auth_method = excluded.auth_method
		`
	}

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.SecretHash, c.Name,
		encodeList(c.RedirectURIs), encodeList(c.GrantTypes),
		c.AuthMethod, c.Static, toMillis(c.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient returns the client with the given id, or ErrNotFound.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	var (
		c                 Client
		redirects, grants string
		createdAt         int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, name, redirect_uris, grant_types, auth_method, static, created_at
		FROM oauth_clients WHERE id = ?
	`, id).Scan(&c.ID, &c.SecretHash, &c.Name, &redirects, &grants, &c.AuthMethod, &c.Static, &createdAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	c.RedirectURIs = decodeList(redirects)
	c.GrantTypes = decodeList(grants)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}
