package vault

import (
	"context"
	"errors"
)

// Store is the relational persistence contract for CardRecord rows. A
// unique index on fingerprint is the concurrency source of truth: two
// concurrent InsertIfAbsent calls for the same fingerprint must leave
// exactly one row behind, with the loser observing ErrFingerprintExists
// and falling back to FindByFingerprint.
type Store interface {
	// InsertIfAbsent inserts rec. It returns ErrFingerprintExists if a
	// row with the same fingerprint already exists.
	InsertIfAbsent(ctx context.Context, rec *CardRecord) error
	FindByFingerprint(ctx context.Context, fingerprint string) (*CardRecord, error)
	FindByToken(ctx context.Context, token string) (*CardRecord, error)
	TouchUpdatedAt(ctx context.Context, token string) error
	SetActive(ctx context.Context, token string, active bool) error
	AppendEvent(ctx context.Context, ev *TokenEvent) error
}

// ErrFingerprintExists signals a unique-index collision on insert; callers
// retry with FindByFingerprint rather than treating this as a storage
// failure.
var ErrFingerprintExists = errors.New("fingerprint already exists")
