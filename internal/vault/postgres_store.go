package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ppomes/tokenshield/internal/scanner"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS card_records (
	token TEXT PRIMARY KEY,
	fingerprint TEXT UNIQUE NOT NULL,
	pan_ciphertext BYTEA NOT NULL,
	first_six TEXT NOT NULL,
	last_four TEXT NOT NULL,
	brand TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS token_events (
	id BIGSERIAL PRIMARY KEY,
	token TEXT NOT NULL,
	kind TEXT NOT NULL,
	source_addr TEXT NOT NULL,
	destination_url TEXT NOT NULL,
	http_status INTEGER NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_token_events_token ON token_events(token);
`

// PostgresStore is the production Store backend, selected via
// VAULT_URL=postgres://..., pooling connections with pgxpool so each vault
// operation leases one connection for its duration rather than holding it
// across a request.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to url and runs the vault schema migration.
func OpenPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, rec *CardRecord) error {
	const q = `
		INSERT INTO card_records
			(token, fingerprint, pan_ciphertext, first_six, last_four, brand, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, q,
		rec.Token, rec.Fingerprint, rec.PANCiphertext, rec.FirstSix, rec.LastFour,
		string(rec.Brand), rec.Active, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrFingerprintExists
		}
		return fmt.Errorf("%w: insert card record: %v", ErrStorageFailed, err)
	}
	return nil
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string) (*CardRecord, error) {
	const q = `
		SELECT token, fingerprint, pan_ciphertext, first_six, last_four, brand, active, created_at, updated_at
		FROM card_records WHERE fingerprint = $1
	`
	return scanPgCardRecord(s.pool.QueryRow(ctx, q, fingerprint))
}

func (s *PostgresStore) FindByToken(ctx context.Context, token string) (*CardRecord, error) {
	const q = `
		SELECT token, fingerprint, pan_ciphertext, first_six, last_four, brand, active, created_at, updated_at
		FROM card_records WHERE token = $1
	`
	return scanPgCardRecord(s.pool.QueryRow(ctx, q, token))
}

func (s *PostgresStore) TouchUpdatedAt(ctx context.Context, token string) error {
	const q = `UPDATE card_records SET updated_at = $1 WHERE token = $2`
	if _, err := s.pool.Exec(ctx, q, time.Now().UTC(), token); err != nil {
		return fmt.Errorf("%w: touch updated_at: %v", ErrStorageFailed, err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, token string, active bool) error {
	const q = `UPDATE card_records SET active = $1, updated_at = $2 WHERE token = $3`
	tag, err := s.pool.Exec(ctx, q, active, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("%w: set active: %v", ErrStorageFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownToken
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *TokenEvent) error {
	const q = `
		INSERT INTO token_events (token, kind, source_addr, destination_url, http_status, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, q, ev.Token, string(ev.Kind), ev.SourceAddr, ev.DestinationURL, ev.HTTPStatus, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append event: %v", ErrStorageFailed, err)
	}
	return nil
}

func scanPgCardRecord(row pgx.Row) (*CardRecord, error) {
	var rec CardRecord
	var brand string
	err := row.Scan(&rec.Token, &rec.Fingerprint, &rec.PANCiphertext, &rec.FirstSix, &rec.LastFour,
		&brand, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownToken
		}
		return nil, fmt.Errorf("%w: scan card record: %v", ErrStorageFailed, err)
	}
	rec.Brand = scanner.Brand(brand)
	return &rec, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
