package vault

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS content_keys (
    id         INTEGER NOT NULL UNIQUE,
    service    TEXT NOT NULL COLLATE NOCASE,
    title_id   TEXT NOT NULL,
    kid        TEXT NOT NULL COLLATE NOCASE,
    key_       TEXT NOT NULL COLLATE NOCASE,
    title      TEXT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY("id" AUTOINCREMENT),
    UNIQUE(service, title_id, kid)
);
`

// SQLite is a local embedded vault backed by a SQLite database file.
// SQLite serializes write transactions itself, which is what keeps
// concurrent inserts from violating the uniqueness constraint.
type SQLite struct {
	name string
	caps Capabilities
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates a local vault at path.
func OpenSQLite(path, name string, caps Capabilities) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{name: name, caps: caps, db: db, path: path}, nil
}

func (v *SQLite) Name() string               { return v.name }
func (v *SQLite) Kind() Kind                 { return KindLocal }
func (v *SQLite) Capabilities() Capabilities { return v.caps }

// Close closes the underlying database connection.
func (v *SQLite) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *SQLite) Get(ctx context.Context, service, titleID string, keyID []byte) ([]byte, bool, error) {
	var keyHex string
	err := v.db.QueryRowContext(ctx,
		`SELECT key_ FROM content_keys WHERE service = ? AND title_id = ? AND kid = ?`,
		service, titleID, hex.EncodeToString(keyID),
	).Scan(&keyHex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: select key: %v", ErrVaultUnavailable, err)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, false, fmt.Errorf("%w: stored key is not hex: %v", ErrVaultUnavailable, err)
	}
	return key, true, nil
}

func (v *SQLite) Put(ctx context.Context, service, titleID, title string, keyID, key []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	// Upsert: re-inserting an existing (service, title_id, kid) only
	// refreshes the title text, never a second row.
	_, err := v.db.ExecContext(ctx,
		`INSERT INTO content_keys (service, title_id, kid, key_, title, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(service, title_id, kid)
         DO UPDATE SET title = excluded.title`,
		service,
		titleID,
		hex.EncodeToString(keyID),
		hex.EncodeToString(key),
		nullableString(title),
		now,
	)
	if err != nil {
		return fmt.Errorf("%w: insert key: %v", ErrVaultUnavailable, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
