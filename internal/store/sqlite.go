package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferrants/ChaasKit-sub001/pkg/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates, if needed) the database at path and
// ensures the schema exists. Parent directories are created.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logging.Info("Store", "SQLite store initialized at %s", path)
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			id            TEXT PRIMARY KEY,
			owner_kind    TEXT NOT NULL,
			owner_id      TEXT NOT NULL,
			server_id     TEXT NOT NULL,
			kind          TEXT NOT NULL,
			payload       BLOB,
			oauth_state   TEXT,
			code_verifier BLOB,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,

			CHECK (owner_kind IN ('user', 'team')),
			CHECK (kind IN ('api_key', 'oauth'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_owner_server
			ON credentials(owner_kind, owner_id, server_id);

		CREATE TABLE IF NOT EXISTS oauth_clients (
			id            TEXT PRIMARY KEY,
			secret_hash   TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL,
			redirect_uris TEXT NOT NULL,
			grant_types   TEXT NOT NULL,
			auth_method   TEXT NOT NULL,
			static        INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_codes (
			code_hash      TEXT PRIMARY KEY,
			client_id      TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			team_id        TEXT NOT NULL DEFAULT '',
			redirect_uri   TEXT NOT NULL,
			redirect_given INTEGER NOT NULL DEFAULT 1,
			scope          TEXT NOT NULL,
			resource       TEXT NOT NULL DEFAULT '',
			code_challenge TEXT NOT NULL,
			expires_at     INTEGER NOT NULL,
			consumed_at    INTEGER,
			created_at     INTEGER NOT NULL,
			FOREIGN KEY (client_id) REFERENCES oauth_clients(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires ON oauth_codes(expires_at);

		CREATE TABLE IF NOT EXISTS oauth_grants (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			team_id    TEXT NOT NULL DEFAULT '',
			scope      TEXT NOT NULL,
			resource   TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			revoked_at INTEGER,
			FOREIGN KEY (client_id) REFERENCES oauth_clients(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_grants_client_user ON oauth_grants(client_id, user_id);

		CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
			token_hash TEXT PRIMARY KEY,
			grant_id   TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			rotated_at INTEGER,
			revoked_at INTEGER,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (grant_id) REFERENCES oauth_grants(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_refresh_tokens_grant ON oauth_refresh_tokens(grant_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func decodeList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
