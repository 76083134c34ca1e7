package vault

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(token, fingerprint string) *CardRecord {
	now := time.Now().UTC()
	return &CardRecord{
		Token:         token,
		Fingerprint:   fingerprint,
		PANCiphertext: []byte("ciphertext-placeholder"),
		FirstSix:      "453201",
		LastFour:      "0366",
		Brand:         "visa",
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSQLiteStoreInsertAndFind(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("tok_abc", "fp_abc")
	if err := store.InsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	byToken, err := store.FindByToken(ctx, "tok_abc")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if byToken.Fingerprint != "fp_abc" {
		t.Errorf("unexpected fingerprint: %s", byToken.Fingerprint)
	}

	byFP, err := store.FindByFingerprint(ctx, "fp_abc")
	if err != nil {
		t.Fatalf("FindByFingerprint: %v", err)
	}
	if byFP.Token != "tok_abc" {
		t.Errorf("unexpected token: %s", byFP.Token)
	}
}

func TestSQLiteStoreDuplicateFingerprintRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.InsertIfAbsent(ctx, sampleRecord("tok_a", "fp_same")); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := store.InsertIfAbsent(ctx, sampleRecord("tok_b", "fp_same"))
	if err != ErrFingerprintExists {
		t.Errorf("expected ErrFingerprintExists, got %v", err)
	}
}

func TestSQLiteStoreFindMissingToken(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.FindByToken(ctx, "tok_missing"); err != ErrUnknownToken {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestSQLiteStoreSetActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("tok_abc", "fp_abc")
	if err := store.InsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	if err := store.SetActive(ctx, "tok_abc", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	got, err := store.FindByToken(ctx, "tok_abc")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if got.Active {
		t.Error("expected record to be inactive after SetActive(false)")
	}
}

func TestSQLiteStoreSetActiveUnknownToken(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetActive(ctx, "tok_missing", false); err != ErrUnknownToken {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestSQLiteStoreAppendEvent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ev := &TokenEvent{
		Token:          "tok_abc",
		Kind:           EventTokenize,
		SourceAddr:     "10.0.0.1",
		DestinationURL: "https://gateway.internal/charge",
		HTTPStatus:     200,
		Timestamp:      time.Now().UTC(),
	}
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
}
