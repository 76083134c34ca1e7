// Package config loads and validates TokenShield's environment-variable
// configuration, following the fail-fast, combined-error style of the
// teacher's original config loader.
package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// FailMode controls what the Adapter does when the Vault reports
// StorageFailed.
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// Config holds TokenShield's full runtime configuration.
type Config struct {
	ICAPBind     string
	ICAPMaxBody  int64
	ICAPDeadline time.Duration

	VaultURL    string
	VaultKey    []byte // 32 bytes, AEAD master key material
	VaultPepper []byte // 32 bytes, fingerprint HMAC pepper

	FailMode FailMode

	IgnoreContentTypes []string

	VaultCacheAddr string

	ICAPRateLimitCapacity   int
	ICAPRateLimitRefillRate float64
	ICAPAllowedProxies      []string

	AdminBind string

	EgressPatterns []string
}

// LoadFromEnv loads configuration from the environment, applying the
// defaults from spec.md section 6 and section 12 of SPEC_FULL.md and
// validating all required fields up front.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ICAPBind:     getenv("ICAP_BIND", "0.0.0.0:1344"),
		ICAPMaxBody:  int64(getenvInt("ICAP_MAX_BODY", 1<<20)),
		ICAPDeadline: time.Duration(getenvInt("ICAP_DEADLINE_MS", 10_000)) * time.Millisecond,

		VaultURL: os.Getenv("VAULT_URL"),

		FailMode: FailMode(getenv("FAIL_MODE", string(FailClosed))),

		VaultCacheAddr: os.Getenv("VAULT_CACHE_ADDR"),

		ICAPRateLimitCapacity:   getenvInt("ICAP_RATE_LIMIT_CAPACITY", 0),
		ICAPRateLimitRefillRate: float64(getenvInt("ICAP_RATE_LIMIT_REFILL_PER_SEC", 0)),

		AdminBind: getenv("ADMIN_BIND", "127.0.0.1:9090"),
	}

	if v := os.Getenv("IGNORE_CONTENT_TYPES"); v != "" {
		cfg.IgnoreContentTypes = splitAndTrim(v)
	}
	if v := os.Getenv("ICAP_ALLOWED_PROXIES"); v != "" {
		cfg.ICAPAllowedProxies = splitAndTrim(v)
	}
	if v := os.Getenv("ICAP_EGRESS_PATTERNS"); v != "" {
		cfg.EgressPatterns = splitAndTrim(v)
	}

	var missing []string
	keyB64 := os.Getenv("VAULT_KEY")
	pepperB64 := os.Getenv("VAULT_PEPPER")
	if keyB64 == "" {
		missing = append(missing, "VAULT_KEY")
	}
	if pepperB64 == "" {
		missing = append(missing, "VAULT_PEPPER")
	}
	if cfg.VaultURL == "" {
		missing = append(missing, "VAULT_URL")
	}
	if len(missing) > 0 {
		return nil, errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	key, err := decodeKey("VAULT_KEY", keyB64)
	if err != nil {
		return nil, err
	}
	pepper, err := decodeKey("VAULT_PEPPER", pepperB64)
	if err != nil {
		return nil, err
	}
	cfg.VaultKey = key
	cfg.VaultPepper = pepper

	if cfg.FailMode != FailClosed && cfg.FailMode != FailOpen {
		return nil, errors.New("FAIL_MODE must be 'closed' or 'open'")
	}

	return cfg, nil
}

func decodeKey(name, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.New(name + " must be base64-encoded")
	}
	if len(raw) != 32 {
		return nil, errors.New(name + " must decode to exactly 32 bytes")
	}
	return raw, nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
