package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"

	"github.com/google/uuid"
)

const credentialColumns = `id, owner_kind, owner_id, server_id, kind, payload, oauth_state, code_verifier, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*Credential, error) {
	var (
		c                    Credential
		ownerKind, kind      string
		state                sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &ownerKind, &c.Owner.ID, &c.ServerID, &kind, &c.Payload, &state, &c.CodeVerifier, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Owner.Kind = principal.Kind(ownerKind)
	c.Kind = config.CredentialKind(kind)
	c.OAuthState = state.String
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func validateOwner(owner principal.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if owner.Kind == principal.KindSystem {
		return fmt.Errorf("system principal cannot own credentials")
	}
	return nil
}

// GetCredential returns the credential for owner and server, or ErrNotFound.
func (s *SQLiteStore) GetCredential(ctx context.Context, owner principal.Owner, serverID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_kind = ? AND owner_id = ? AND server_id = ?`,
		string(owner.Kind), owner.ID, serverID)
	c, err := scanCredential(row)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns every credential row owned by owner.
func (s *SQLiteStore) ListCredentials(ctx context.Context, owner principal.Owner) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_kind = ? AND owner_id = ? ORDER BY server_id`,
		string(owner.Kind), owner.ID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutCredential upserts the payload for owner and server and clears pending
// OAuth state.
func (s *SQLiteStore) PutCredential(ctx context.Context, owner principal.Owner, serverID string, kind config.CredentialKind, payload []byte) (*Credential, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("credential payload is empty")
	}
	now := toMillis(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner_kind, owner_id, server_id, kind, payload, oauth_state, code_verifier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(owner_kind, owner_id, server_id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			oauth_state = NULL,
			code_verifier = NULL,
			updated_at = excluded.updated_at
	`, uuid.New().String(), string(owner.Kind), owner.ID, serverID, string(kind), payload, now, now)
	if err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	logging.Debug("Store", "Stored %s credential for %s on server %s", kind, owner.Kind, serverID)
	return s.GetCredential(ctx, owner, serverID)
}

// ReplacePayload updates the payload of row id while it still holds expected.
func (s *SQLiteStore) ReplacePayload(ctx context.Context, owner principal.Owner, serverID, id string, expected, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("credential payload is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE credentials SET payload = ?, updated_at = ?
		WHERE id = ? AND owner_kind = ? AND owner_id = ? AND server_id = ? AND payload = ?
	`, payload, toMillis(time.Now()), id, string(owner.Kind), owner.ID, serverID, expected)
	if err != nil {
		return fmt.Errorf("replacing credential payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replacing credential payload: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credentials WHERE id = ? AND owner_kind = ? AND owner_id = ? AND server_id = ?`,
			id, string(owner.Kind), owner.ID, serverID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking credential: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrChanged
	}
	return tx.Commit()
}

// BeginOAuth records pending OAuth state for owner and server.
func (s *SQLiteStore) BeginOAuth(ctx context.Context, owner principal.Owner, serverID, state string, verifier []byte) error {
	if err := validateOwner(owner); err != nil {
		return err
	}
	now := toMillis(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner_kind, owner_id, server_id, kind, payload, oauth_state, code_verifier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
		ON CONFLICT(owner_kind, owner_id, server_id) DO UPDATE SET
			kind = excluded.kind,
			oauth_state = excluded.oauth_state,
			code_verifier = excluded.code_verifier,
			updated_at = excluded.updated_at
	`, uuid.New().String(), string(owner.Kind), owner.ID, serverID, string(config.CredentialOAuth), state, verifier, now, now)
	if err != nil {
		return fmt.Errorf("storing oauth state: %w", err)
	}
	return nil
}

// ClearOAuth drops pending OAuth state; rows that never received a payload
// are removed entirely.
func (s *SQLiteStore) ClearOAuth(ctx context.Context, owner principal.Owner, serverID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM credentials WHERE owner_kind = ? AND owner_id = ? AND server_id = ? AND payload IS NULL`,
		string(owner.Kind), owner.ID, serverID); err != nil {
		return fmt.Errorf("deleting pending credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET oauth_state = NULL, code_verifier = NULL, updated_at = ? WHERE owner_kind = ? AND owner_id = ? AND server_id = ?`,
		toMillis(time.Now()), string(owner.Kind), owner.ID, serverID); err != nil {
		return fmt.Errorf("clearing oauth state: %w", err)
	}
	return tx.Commit()
}

// DeleteCredential removes the credential row. Missing rows are not an error.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, owner principal.Owner, serverID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE owner_kind = ? AND owner_id = ? AND server_id = ?`,
		string(owner.Kind), owner.ID, serverID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
