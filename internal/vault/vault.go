package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ppomes/tokenshield/internal/audit"
	"github.com/ppomes/tokenshield/internal/crypto"
	"github.com/ppomes/tokenshield/internal/scanner"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Vault ties together the Store, the AEAD encryptor, the fingerprint
// pepper and an optional read-through Cache, implementing tokenize,
// detokenize, revoke and info per the vault's data model and failure
// semantics.
type Vault struct {
	store       Store
	cache       *Cache
	encryptor   *crypto.AEADEncryptor
	fingerprint *crypto.Fingerprinter
	keyID       string
	logger      *slog.Logger
	audit       *audit.Logger
}

// New builds a Vault. logger may be nil, in which case slog.Default() is
// used. The returned Vault owns an audit.Logger with a 4096-entry queue;
// callers must call Run(ctx) once (typically from main) to start its
// consumer goroutine, and Stop() during shutdown to drain it.
func New(store Store, cache *Cache, encryptor *crypto.AEADEncryptor, fingerprinter *crypto.Fingerprinter, keyID string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:       store,
		cache:       cache,
		encryptor:   encryptor,
		fingerprint: fingerprinter,
		keyID:       keyID,
		logger:      logger,
		audit:       audit.NewLogger(4096, storeAuditSink{store: store}, logger),
	}
}

// AuditLogger exposes the Vault's audit.Logger so main can start its
// consumer goroutine and stop it during graceful shutdown.
func (v *Vault) AuditLogger() *audit.Logger {
	return v.audit
}

// Tokenize canonicalizes pan, looks it up by fingerprint, and either
// returns the existing active token or mints and stores a new one.
// Concurrent calls for the same PAN converge on one token: the loser of
// the unique-index race discards its freshly generated token and returns
// the winner's.
func (v *Vault) Tokenize(ctx context.Context, pan string) (string, error) {
	pan = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, pan)
	if !scanner.LuhnValid(pan) || len(pan) < 13 || len(pan) > 19 {
		return "", fmt.Errorf("%w: failed Luhn or length check", ErrInvalidPAN)
	}

	fp := v.fingerprint.Fingerprint(pan)

	if cached, ok := v.cache.Get(ctx, fingerprintCacheKey(fp)); ok && cached.Active {
		return cached.Token, nil
	}

	existing, err := v.withRetry(ctx, func(ctx context.Context) (*CardRecord, error) {
		return v.store.FindByFingerprint(ctx, fp)
	})
	if err == nil && existing.Active {
		v.cache.Set(ctx, fingerprintCacheKey(fp), existing)
		_ = v.store.TouchUpdatedAt(ctx, existing.Token)
		return existing.Token, nil
	}
	if err != nil && !errors.Is(err, ErrUnknownToken) {
		return "", err
	}

	rec, err := v.newCardRecord(ctx, pan, fp)
	if err != nil {
		return "", err
	}

	insertErr := v.withRetryVoid(ctx, func(ctx context.Context) error {
		return v.store.InsertIfAbsent(ctx, rec)
	})
	if insertErr != nil {
		if errors.Is(insertErr, ErrFingerprintExists) {
			winner, err := v.withRetry(ctx, func(ctx context.Context) (*CardRecord, error) {
				return v.store.FindByFingerprint(ctx, fp)
			})
			if err != nil {
				return "", err
			}
			v.cache.Set(ctx, fingerprintCacheKey(fp), winner)
			return winner.Token, nil
		}
		return "", insertErr
	}

	v.cache.Set(ctx, fingerprintCacheKey(fp), rec)
	return rec.Token, nil
}

// Detokenize resolves token back to its canonical PAN.
func (v *Vault) Detokenize(ctx context.Context, token string) (string, error) {
	rec, ok := v.cache.Get(ctx, tokenCacheKey(token))
	if !ok {
		var err error
		rec, err = v.withRetry(ctx, func(ctx context.Context) (*CardRecord, error) {
			return v.store.FindByToken(ctx, token)
		})
		if err != nil {
			return "", err
		}
		v.cache.Set(ctx, tokenCacheKey(token), rec)
	}

	if !rec.Active {
		return "", fmt.Errorf("%w: token revoked", ErrUnknownToken)
	}

	enc, err := unpackPANCiphertext(rec.PANCiphertext, v.keyID, rec.Token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}

	plaintext, err := v.encryptor.Decrypt(ctx, enc)
	if err != nil {
		v.logger.Error("vault: decrypt failed, possible tamper", "token", redactToken(token))
		return "", fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	return string(plaintext), nil
}

// Revoke flips a CardRecord's active flag to false. Idempotent: revoking
// an already-revoked token succeeds.
func (v *Vault) Revoke(ctx context.Context, token string) error {
	rec, err := v.withRetry(ctx, func(ctx context.Context) (*CardRecord, error) {
		return v.store.FindByToken(ctx, token)
	})
	if err != nil {
		return err
	}
	if !rec.Active {
		return nil
	}
	if err := checkTransition(StateActive, StateRevoked); err != nil {
		return err
	}
	if err := v.withRetryVoid(ctx, func(ctx context.Context) error {
		return v.store.SetActive(ctx, token, false)
	}); err != nil {
		return err
	}
	v.cache.Invalidate(ctx, tokenCacheKey(token), fingerprintCacheKey(rec.Fingerprint))
	v.LogEvent(ctx, &TokenEvent{Token: token, Kind: EventRevoke, Timestamp: time.Now().UTC()})
	return nil
}

// Info returns non-sensitive metadata for token.
func (v *Vault) Info(ctx context.Context, token string) (*CardInfo, error) {
	rec, err := v.store.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &CardInfo{
		Brand:     rec.Brand,
		FirstSix:  rec.FirstSix,
		LastFour:  rec.LastFour,
		Active:    rec.Active,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// LogEvent enqueues an audit row on the multi-producer/single-consumer
// audit queue. It never blocks: a full queue drops its oldest entry, per
// the vault's error handling design, which requires audit-log failures
// to degrade silently rather than block adaptation.
func (v *Vault) LogEvent(ctx context.Context, ev *TokenEvent) {
	v.audit.Record(toAuditRecord(ev))
}

func (v *Vault) newCardRecord(ctx context.Context, pan, fingerprint string) (*CardRecord, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	enc, err := v.encryptor.Encrypt(ctx, []byte(pan), v.keyID, []byte(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}

	now := time.Now().UTC()
	return &CardRecord{
		Token:         token,
		Fingerprint:   fingerprint,
		PANCiphertext: packPANCiphertext(enc),
		FirstSix:      pan[:6],
		LastFour:      pan[len(pan)-4:],
		Brand:         scanner.ClassifyBrand(pan),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// packPANCiphertext bundles the envelope-encryption fields the KMS/AEAD
// abstraction produces (nonce, per-record encrypted data key, ciphertext)
// into the single blob the card_records.pan_ciphertext column holds:
// [4-byte big-endian encrypted-data-key length][encrypted data key][nonce][ciphertext].
func packPANCiphertext(enc *crypto.EncryptedData) []byte {
	buf := make([]byte, 4+len(enc.EncryptedDataKey)+len(enc.Nonce)+len(enc.Ciphertext))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(enc.EncryptedDataKey)))
	off := 4
	off += copy(buf[off:], enc.EncryptedDataKey)
	off += copy(buf[off:], enc.Nonce)
	copy(buf[off:], enc.Ciphertext)
	return buf
}

func unpackPANCiphertext(blob []byte, keyID, token string) (*crypto.EncryptedData, error) {
	if len(blob) < 4 {
		return nil, errors.New("pan ciphertext blob too short")
	}
	dkLen := int(binary.BigEndian.Uint32(blob[:4]))
	rest := blob[4:]
	if len(rest) < dkLen+nonceLen {
		return nil, errors.New("pan ciphertext blob truncated")
	}
	encryptedDataKey := rest[:dkLen]
	nonce := rest[dkLen : dkLen+nonceLen]
	ciphertext := rest[dkLen+nonceLen:]
	return &crypto.EncryptedData{
		Ciphertext:       ciphertext,
		EncryptedDataKey: encryptedDataKey,
		Nonce:            nonce,
		KeyID:            keyID,
		AdditionalData:   []byte(token),
	}, nil
}

const nonceLen = 12

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tok_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "tok_***"
	}
	return token[:8] + "***"
}

// withRetry runs fn up to retryAttempts times with bounded exponential
// backoff, surfacing ErrStorageFailed only after exhaustion; a not-found
// result (ErrUnknownToken) short-circuits immediately since it is not
// transient.
func (v *Vault) withRetry(ctx context.Context, fn func(context.Context) (*CardRecord, error)) (*CardRecord, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		rec, err := fn(ctx)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ErrUnknownToken) || errors.Is(err, ErrFingerprintExists) {
			return nil, err
		}
		lastErr = err
		if !errors.Is(err, ErrStorageFailed) {
			return nil, err
		}
		select {
		case <-time.After(retryBase * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (v *Vault) withRetryVoid(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrFingerprintExists) || errors.Is(err, ErrUnknownToken) {
			return err
		}
		lastErr = err
		if !errors.Is(err, ErrStorageFailed) {
			return err
		}
		select {
		case <-time.After(retryBase * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
