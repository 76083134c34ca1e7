package vault

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheTTL bounds how long a fingerprint→token or token→record mapping is
// trusted from cache before falling back to the Store. Revocations always
// go through Store.SetActive directly and invalidate both cache entries.
const cacheTTL = 5 * time.Minute

// Cache is an optional read-through layer in front of the Store, keyed by
// fingerprint (for tokenize lookups) and by token (for detokenize
// lookups). A nil *Cache is valid and behaves as a pure miss on every
// operation, so Vault can use one unconditionally.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps an existing redis client. Pass nil to disable caching.
func NewCache(rdb *redis.Client) *Cache {
	if rdb == nil {
		return nil
	}
	return &Cache{rdb: rdb}
}

func (c *Cache) Get(ctx context.Context, key string) (*CardRecord, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var rec CardRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (c *Cache) Set(ctx context.Context, key string, rec *CardRecord) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, raw, cacheTTL)
}

func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	c.rdb.Del(ctx, keys...)
}

func fingerprintCacheKey(fingerprint string) string { return "fp:" + fingerprint }
func tokenCacheKey(token string) string             { return "tok:" + token }
