package vault

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ppomes/tokenshield/internal/crypto"
)

func testVault(t *testing.T) (*Vault, *SQLiteStore) {
	t.Helper()
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	masterKey := make([]byte, 32)
	kms, err := crypto.NewStaticKMS("vault-master-1", masterKey)
	require.NoError(t, err)
	encryptor := crypto.NewAEADEncryptor(kms)

	pepper := make([]byte, 32)
	for i := range pepper {
		pepper[i] = byte(i + 1)
	}
	fp, err := crypto.NewFingerprinter(pepper)
	require.NoError(t, err)

	return New(store, nil, encryptor, fp, "vault-master-1", nil), store
}

func TestTokenizeDetokenizeRoundTrip(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	token, err := v.Tokenize(ctx, "4532015112830366")
	require.NoError(t, err)
	require.Contains(t, token, "tok_")

	pan, err := v.Detokenize(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "4532015112830366", pan)
}

func TestTokenizeIsIdempotentPerPAN(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	tokenA, err := v.Tokenize(ctx, "4532015112830366")
	require.NoError(t, err)
	tokenB, err := v.Tokenize(ctx, "4532015112830366")
	require.NoError(t, err)

	require.Equal(t, tokenA, tokenB)
}

func TestTokenizeRejectsInvalidPAN(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.Tokenize(ctx, "4532015112830367") // Luhn-invalid
	require.ErrorIs(t, err, ErrInvalidPAN)
}

func TestDetokenizeUnknownToken(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := v.Detokenize(ctx, "tok_doesnotexist")
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestRevokeThenDetokenizeFails(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	token, err := v.Tokenize(ctx, "4532015112830366")
	require.NoError(t, err)

	require.NoError(t, v.Revoke(ctx, token))

	_, err = v.Detokenize(ctx, token)
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestRevokeIsIdempotent(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	token, err := v.Tokenize(ctx, "4532015112830366")
	require.NoError(t, err)

	require.NoError(t, v.Revoke(ctx, token))
	require.NoError(t, v.Revoke(ctx, token))
}

func TestInfoReturnsMetadataNotPAN(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	token, err := v.Tokenize(ctx, "4532015112830366")
	require.NoError(t, err)

	info, err := v.Info(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "453201", info.FirstSix)
	require.Equal(t, "0366", info.LastFour)
	require.True(t, info.Active)
}

func TestConcurrentTokenizeConverges(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	const n = 50
	tokens := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = v.Tokenize(ctx, "4532015112830366")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, tokens[0], tokens[i])
	}
}
