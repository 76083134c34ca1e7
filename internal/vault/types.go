// Package vault implements the encrypted, deduplicating PAN/token store:
// tokenize, detokenize, revoke and info, backed by a pluggable relational
// Store and an optional read-through Cache.
package vault

import (
	"errors"
	"time"

	"github.com/ppomes/tokenshield/internal/scanner"
)

// CardRecord is a vault entry binding a token to an encrypted PAN.
type CardRecord struct {
	Token         string
	Fingerprint   string
	PANCiphertext []byte
	FirstSix      string
	LastFour      string
	Brand         scanner.Brand
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventKind classifies a TokenEvent.
type EventKind string

const (
	EventTokenize   EventKind = "tokenize"
	EventDetokenize EventKind = "detokenize"
	EventRevoke     EventKind = "revoke"
	EventMiss       EventKind = "miss"
)

// TokenEvent is an append-only audit row.
type TokenEvent struct {
	Token          string
	Kind           EventKind
	SourceAddr     string
	DestinationURL string
	HTTPStatus     int
	Timestamp      time.Time
}

// CardInfo is the non-sensitive metadata returned by Info.
type CardInfo struct {
	Brand     scanner.Brand
	FirstSix  string
	LastFour  string
	Active    bool
	CreatedAt time.Time
}

// Error taxonomy per the vault's failure semantics. Callers use
// errors.Is against these sentinels; wrapped context is added with %w.
var (
	ErrInvalidPAN    = errors.New("invalid PAN")
	ErrUnknownToken  = errors.New("unknown token")
	ErrCryptoFailed  = errors.New("cryptographic verification failed")
	ErrStorageFailed = errors.New("storage backend failed")
)
