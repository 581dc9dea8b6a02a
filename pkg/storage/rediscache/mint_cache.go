package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// LockTTL bounds how long a mint lock may be held, so a crashed worker
// releases it by expiry.
const LockTTL = 5 * time.Second

// maxMintAge is the oldest mint ciphertext Get will accept. Minted child
// tokens never live longer than token.ChildLifetime.
const maxMintAge = token.ChildLifetime + time.Minute

// MintCache stores the wire form of freshly minted internal and notebook
// tokens so concurrent requests reuse one child instead of minting
// duplicates. Internal tokens are keyed by mint fingerprint, notebook
// tokens by parent token key. Values are encrypted before storage.
type MintCache struct {
	client    redis.UniversalClient
	keyPrefix string
	encryptor *crypto.Encryptor
}

var _ storage.MintCache = (*MintCache)(nil)

// NewMintCache connects to Redis at redisURL and returns a mint cache
// namespaced under keyPrefix.
func NewMintCache(
	ctx context.Context, redisURL, keyPrefix string, encryptor *crypto.Encryptor,
) (*MintCache, error) {
	client, err := NewClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return NewMintCacheWithClient(client, keyPrefix, encryptor), nil
}

// NewMintCacheWithClient creates a MintCache with a pre-configured
// client. This is useful for testing with miniredis.
func NewMintCacheWithClient(
	client redis.UniversalClient, keyPrefix string, encryptor *crypto.Encryptor,
) *MintCache {
	return &MintCache{
		client:    client,
		keyPrefix: keyPrefix,
		encryptor: encryptor,
	}
}

// GetInternal returns the cached wire token for a mint fingerprint.
func (c *MintCache) GetInternal(ctx context.Context, fingerprint string) (string, error) {
	return c.getWire(ctx, internalKeyType, fingerprint)
}

// StoreInternal caches a minted internal token under its fingerprint.
func (c *MintCache) StoreInternal(ctx context.Context, fingerprint, wire string, ttl time.Duration) error {
	return c.storeWire(ctx, internalKeyType, fingerprint, wire, ttl)
}

// DeleteInternal evicts a fingerprint entry. Deleting an absent entry is
// not an error.
func (c *MintCache) DeleteInternal(ctx context.Context, fingerprint string) error {
	return c.deleteWire(ctx, internalKeyType, fingerprint)
}

// GetNotebook returns the cached wire token for a parent token key.
func (c *MintCache) GetNotebook(ctx context.Context, parentKey string) (string, error) {
	return c.getWire(ctx, notebookKeyType, parentKey)
}

// StoreNotebook caches a minted notebook token under its parent key.
func (c *MintCache) StoreNotebook(ctx context.Context, parentKey, wire string, ttl time.Duration) error {
	return c.storeWire(ctx, notebookKeyType, parentKey, wire, ttl)
}

// DeleteNotebook evicts a parent key entry. Deleting an absent entry is
// not an error.
func (c *MintCache) DeleteNotebook(ctx context.Context, parentKey string) error {
	return c.deleteWire(ctx, notebookKeyType, parentKey)
}

// Lock tries to take the named mint lock. SetNX is atomic, so exactly
// one worker wins a contended lock.
func (c *MintCache) Lock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = LockTTL
	}
	won, err := c.client.SetNX(ctx, cacheKey(c.keyPrefix, lockKeyType, name), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to take mint lock: %w", err)
	}
	return won, nil
}

// Unlock releases a mint lock. Releasing an expired or absent lock is
// not an error.
func (c *MintCache) Unlock(ctx context.Context, name string) error {
	if err := c.client.Del(ctx, cacheKey(c.keyPrefix, lockKeyType, name)).Err(); err != nil {
		return fmt.Errorf("failed to release mint lock: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *MintCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *MintCache) Close() error {
	return c.client.Close()
}

func (c *MintCache) storeWire(ctx context.Context, keyType, id, wire string, ttl time.Duration) error {
	if id == "" || wire == "" {
		return fmt.Errorf("mint cache entries must have a key and a value")
	}
	if ttl <= 0 || ttl > token.ChildLifetime {
		ttl = token.ChildLifetime
	}

	blob, err := c.encryptor.Encrypt([]byte(wire))
	if err != nil {
		return fmt.Errorf("failed to encrypt minted token: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(c.keyPrefix, keyType, id), blob, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store minted token: %w", err)
	}
	return nil
}

func (c *MintCache) getWire(ctx context.Context, keyType, id string) (string, error) {
	key := cacheKey(c.keyPrefix, keyType, id)

	blob, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: no cached mint for %s", storage.ErrNotFound, id)
		}
		return "", fmt.Errorf("failed to get minted token: %w", err)
	}

	plaintext, err := c.encryptor.Decrypt(blob, maxMintAge)
	if err != nil {
		logger.Warnw("evicting undecryptable mint cache record", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return "", fmt.Errorf("%w: no cached mint for %s", storage.ErrNotFound, id)
	}
	return string(plaintext), nil
}

func (c *MintCache) deleteWire(ctx context.Context, keyType, id string) error {
	if err := c.client.Del(ctx, cacheKey(c.keyPrefix, keyType, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete minted token: %w", err)
	}
	return nil
}
