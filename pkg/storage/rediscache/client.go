// Package rediscache implements the Redis side of the two-tier token
// store: the encrypted token record cache that serves the authentication
// fast path, and the mint cache that deduplicates internal and notebook
// token creation across workers.
//
// All values are sealed with an Encryptor before they reach Redis, so a
// compromised cache never yields usable secrets. Keys are namespaced as
// <prefix><type>:<id> where type is one of token, internal, notebook, or
// lock.
package rediscache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyType    = "token"
	internalKeyType = "internal"
	notebookKeyType = "notebook"
	lockKeyType     = "lock"
)

// scanCount is the batch size hint for SCAN iteration.
const scanCount = 100

// NewClient connects to Redis using a redis:// or rediss:// URL and
// verifies connectivity before returning.
func NewClient(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// cacheKey builds a namespaced Redis key of the form
// <prefix><keyType>:<id>.
func cacheKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}
