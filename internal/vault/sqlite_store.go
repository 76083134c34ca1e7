package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ppomes/tokenshield/internal/scanner"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS card_records (
	token TEXT PRIMARY KEY,
	fingerprint TEXT UNIQUE NOT NULL,
	pan_ciphertext BLOB NOT NULL,
	first_six TEXT NOT NULL,
	last_four TEXT NOT NULL,
	brand TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS token_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL,
	kind TEXT NOT NULL,
	source_addr TEXT NOT NULL,
	destination_url TEXT NOT NULL,
	http_status INTEGER NOT NULL,
	ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_token_events_token ON token_events(token);
`

// SQLiteStore is the file/in-memory Store backend for local development
// and tests, selected via VAULT_URL=sqlite://<path>.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite-backed Store at
// path, which may be ":memory:".
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" is a separate, empty database, so
		// the pool is held to the one connection the schema is created on.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, rec *CardRecord) error {
	const q = `
		INSERT INTO card_records
			(token, fingerprint, pan_ciphertext, first_six, last_four, brand, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, q,
		rec.Token, rec.Fingerprint, rec.PANCiphertext, rec.FirstSix, rec.LastFour,
		string(rec.Brand), rec.Active, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrFingerprintExists
		}
		return fmt.Errorf("%w: insert card record: %v", ErrStorageFailed, err)
	}
	return nil
}

func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fingerprint string) (*CardRecord, error) {
	const q = `
		SELECT token, fingerprint, pan_ciphertext, first_six, last_four, brand, active, created_at, updated_at
		FROM card_records WHERE fingerprint = ?
	`
	return scanCardRecord(s.db.QueryRowContext(ctx, q, fingerprint))
}

func (s *SQLiteStore) FindByToken(ctx context.Context, token string) (*CardRecord, error) {
	const q = `
		SELECT token, fingerprint, pan_ciphertext, first_six, last_four, brand, active, created_at, updated_at
		FROM card_records WHERE token = ?
	`
	return scanCardRecord(s.db.QueryRowContext(ctx, q, token))
}

func (s *SQLiteStore) TouchUpdatedAt(ctx context.Context, token string) error {
	const q = `UPDATE card_records SET updated_at = ? WHERE token = ?`
	if _, err := s.db.ExecContext(ctx, q, time.Now().UTC(), token); err != nil {
		return fmt.Errorf("%w: touch updated_at: %v", ErrStorageFailed, err)
	}
	return nil
}

func (s *SQLiteStore) SetActive(ctx context.Context, token string, active bool) error {
	const q = `UPDATE card_records SET active = ?, updated_at = ? WHERE token = ?`
	res, err := s.db.ExecContext(ctx, q, active, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("%w: set active: %v", ErrStorageFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrStorageFailed, err)
	}
	if n == 0 {
		return ErrUnknownToken
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *TokenEvent) error {
	const q = `
		INSERT INTO token_events (token, kind, source_addr, destination_url, http_status, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, q, ev.Token, string(ev.Kind), ev.SourceAddr, ev.DestinationURL, ev.HTTPStatus, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append event: %v", ErrStorageFailed, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCardRecord(row rowScanner) (*CardRecord, error) {
	var rec CardRecord
	var brand string
	var active bool
	err := row.Scan(&rec.Token, &rec.Fingerprint, &rec.PANCiphertext, &rec.FirstSix, &rec.LastFour,
		&brand, &active, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownToken
		}
		return nil, fmt.Errorf("%w: scan card record: %v", ErrStorageFailed, err)
	}
	rec.Brand = scanner.Brand(brand)
	rec.Active = active
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations with this substring
	// rather than a typed sentinel exposed across driver versions.
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
