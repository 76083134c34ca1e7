package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// KMS defines the interface for key management operations used to derive
// per-record data keys for envelope encryption.
type KMS interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, ciphertext []byte, err error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error)
	GetKeyID(ctx context.Context) (string, error)
}

// StaticKMS derives data keys from a single master key supplied at process
// start (VAULT_KEY), encrypting each data key with AES-256-GCM under that
// master key. This is the production KMS used by the vault: the master key
// itself is expected to come from an external secret store or KMS-wrapped
// environment injection, not from this package.
type StaticKMS struct {
	keyID string
	gcm   cipher.AEAD
}

// NewStaticKMS builds a StaticKMS from a 32-byte master key.
func NewStaticKMS(keyID string, masterKey []byte) (*StaticKMS, error) {
	if len(masterKey) != 32 {
		return nil, errors.New("master key must be 32 bytes")
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &StaticKMS{keyID: keyID, gcm: gcm}, nil
}

// GenerateDataKey produces a fresh random 256-bit data key and returns it
// alongside its ciphertext form (nonce-prefixed, encrypted under the master
// key).
func (s *StaticKMS) GenerateDataKey(ctx context.Context, keyID string) (plaintext, ciphertext []byte, err error) {
	plaintext = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, nil, fmt.Errorf("generate data key: %w", err)
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nil, nonce, plaintext, []byte(keyID))
	ciphertext = append(nonce, sealed...)
	return plaintext, ciphertext, nil
}

// Decrypt recovers the plaintext data key from its ciphertext form.
func (s *StaticKMS) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("decrypt data key: %w", err)
	}
	return plaintext, nil
}

// GetKeyID returns the configured master key identifier.
func (s *StaticKMS) GetKeyID(ctx context.Context) (string, error) {
	return s.keyID, nil
}

// FileBasedKMSConfig holds configuration for the file-based KMS fixture.
type FileBasedKMSConfig struct {
	KeyStorePath string
}

// FileBasedKMS implements KMS using local file storage, for tests and local
// development where no master key material is supplied.
type FileBasedKMS struct {
	keyStorePath string
	keys         map[string][]byte
	mu           sync.RWMutex
}

// NewFileBasedKMS creates a new file-based KMS fixture, loading any master
// keys already persisted under KeyStorePath.
func NewFileBasedKMS(cfg FileBasedKMSConfig) (*FileBasedKMS, error) {
	kms := &FileBasedKMS{
		keyStorePath: cfg.KeyStorePath,
		keys:         make(map[string][]byte),
	}

	if err := os.MkdirAll(cfg.KeyStorePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	entries, _ := os.ReadDir(cfg.KeyStorePath)
	for _, e := range entries {
		keyID, ok := strings.CutSuffix(e.Name(), ".key")
		if !ok {
			continue
		}
		raw, err := os.ReadFile(fmt.Sprintf("%s/%s", cfg.KeyStorePath, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to load master key %s: %w", keyID, err)
		}
		if kms.keys[keyID], err = hex.DecodeString(string(raw)); err != nil {
			return nil, fmt.Errorf("failed to load master key %s: %w", keyID, err)
		}
	}

	return kms, nil
}

// GenerateDataKey generates a data key and encrypts it with the master key.
// Returns plaintext data key and encrypted data key.
func (f *FileBasedKMS) GenerateDataKey(ctx context.Context, keyID string) (plaintext, ciphertext []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	masterKey, exists := f.keys[keyID]
	if !exists {
		if keyID == "" {
			return nil, nil, errors.New("key ID must not be empty")
		}
		masterKey = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
			return nil, nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		f.keys[keyID] = masterKey

		if err := f.persistKey(keyID, masterKey); err != nil {
			return nil, nil, fmt.Errorf("failed to persist master key: %w", err)
		}
	}

	plaintext = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	ciphertext = xorEncrypt(plaintext, masterKey)

	return plaintext, ciphertext, nil
}

// Decrypt decrypts an encrypted data key using the master key.
func (f *FileBasedKMS) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	masterKey, exists := f.keys[keyID]
	if !exists {
		return nil, fmt.Errorf("master key not found for key ID: %s", keyID)
	}

	plaintext := xorEncrypt(ciphertext, masterKey)
	return plaintext, nil
}

// GetKeyID returns a fixture key ID.
func (f *FileBasedKMS) GetKeyID(ctx context.Context) (string, error) {
	return "test-key-1", nil
}

func (f *FileBasedKMS) persistKey(keyID string, key []byte) error {
	filename := fmt.Sprintf("%s/%s.key", f.keyStorePath, keyID)
	hexKey := hex.EncodeToString(key)
	return os.WriteFile(filename, []byte(hexKey), 0600)
}

// xorEncrypt performs simple XOR encryption. Used only by FileBasedKMS,
// which is a test/dev fixture, never by StaticKMS.
func xorEncrypt(data, key []byte) []byte {
	result := make([]byte, len(data))
	for i := range data {
		result[i] = data[i] ^ key[i%len(key)]
	}
	return result
}
