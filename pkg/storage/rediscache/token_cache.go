package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// RecordTTL is the longest a cached token record may live. Store clamps
// any requested TTL to this bound.
const RecordTTL = 5 * time.Minute

// maxRecordAge is the oldest ciphertext Get will accept, allowing slack
// for Redis expiry lag.
const maxRecordAge = RecordTTL + time.Minute

// TokenCache stores encrypted token records keyed by token key. It is
// the authoritative fast path for authentication lookups and must be
// invalidated before any token mutation is acknowledged.
type TokenCache struct {
	client    redis.UniversalClient
	keyPrefix string
	encryptor *crypto.Encryptor
}

var _ storage.TokenCache = (*TokenCache)(nil)

// NewTokenCache connects to Redis at redisURL and returns a token cache
// namespaced under keyPrefix.
func NewTokenCache(
	ctx context.Context, redisURL, keyPrefix string, encryptor *crypto.Encryptor,
) (*TokenCache, error) {
	client, err := NewClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return NewTokenCacheWithClient(client, keyPrefix, encryptor), nil
}

// NewTokenCacheWithClient creates a TokenCache with a pre-configured
// client. This is useful for testing with miniredis.
func NewTokenCacheWithClient(
	client redis.UniversalClient, keyPrefix string, encryptor *crypto.Encryptor,
) *TokenCache {
	return &TokenCache{
		client:    client,
		keyPrefix: keyPrefix,
		encryptor: encryptor,
	}
}

// Store writes an encrypted token record. The TTL is clamped to
// RecordTTL so revoked tokens cannot outlive the cache bound.
func (c *TokenCache) Store(ctx context.Context, data *token.Data, ttl time.Duration) error {
	if data == nil || data.Key == "" {
		return fmt.Errorf("token record must have a key")
	}
	if ttl <= 0 || ttl > RecordTTL {
		ttl = RecordTTL
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	blob, err := c.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt token record: %w", err)
	}

	key := cacheKey(c.keyPrefix, tokenKeyType, data.Key)
	if err := c.client.Set(ctx, key, blob, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token record: %w", err)
	}
	return nil
}

// Get returns the cached record for a token key. Records that cannot be
// decrypted or parsed are evicted and reported as a miss.
func (c *TokenCache) Get(ctx context.Context, key string) (*token.Data, error) {
	redisKey := cacheKey(c.keyPrefix, tokenKeyType, key)

	blob, err := c.client.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: token %s not cached", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	plaintext, err := c.encryptor.Decrypt(blob, maxRecordAge)
	if err != nil {
		logger.Warnw("evicting undecryptable token cache record", "key", key, "error", err)
		_ = c.client.Del(ctx, redisKey).Err()
		return nil, fmt.Errorf("%w: token %s not cached", storage.ErrNotFound, key)
	}
	var data token.Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		logger.Warnw("evicting unparseable token cache record", "key", key, "error", err)
		_ = c.client.Del(ctx, redisKey).Err()
		return nil, fmt.Errorf("%w: token %s not cached", storage.ErrNotFound, key)
	}
	return &data, nil
}

// Delete evicts a token record. Deleting an absent key is not an error.
func (c *TokenCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, cacheKey(c.keyPrefix, tokenKeyType, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	return nil
}

// Keys lists the token keys currently cached, sorted.
func (c *TokenCache) Keys(ctx context.Context) ([]string, error) {
	pattern := cacheKey(c.keyPrefix, tokenKeyType, "*")
	strip := cacheKey(c.keyPrefix, tokenKeyType, "")

	keys := make([]string, 0)
	iter := c.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), strip))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan token keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks Redis connectivity.
func (c *TokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *TokenCache) Close() error {
	return c.client.Close()
}
