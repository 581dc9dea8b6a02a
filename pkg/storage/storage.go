// Package storage defines the persistence interfaces for tokens, admins,
// and the token change history, together with the sentinel errors and the
// transient-failure retry policy shared by their implementations.
//
// The SQL store (pkg/storage/sqlite) is the source of truth for
// enumeration and history. The cache (pkg/storage/rediscache) is the
// authoritative fast path for authentication lookups and must be
// invalidated before any mutation is acknowledged.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a uniqueness constraint rejects a
	// write.
	ErrAlreadyExists = errors.New("record already exists")
)

// TokenStore is the canonical SQL store for token rows. Mutations take
// the history entry to record so that the row change and its history are
// committed in one transaction.
type TokenStore interface {
	// Create inserts a new token row. A live duplicate of
	// (username, kind=user, token_name) returns ErrAlreadyExists.
	Create(ctx context.Context, data *token.Data, history *token.HistoryEntry) error

	// Get returns the stored record for a token key, without user info,
	// or ErrNotFound.
	Get(ctx context.Context, key string) (*token.Data, error)

	// GetInfo returns the public projection for a token key, or
	// ErrNotFound.
	GetInfo(ctx context.Context, key string) (*token.Info, error)

	// List returns token info for one user, or for all users when
	// username is empty, newest first.
	List(ctx context.Context, username string) ([]*token.Info, error)

	// Children returns the keys of the direct children of a token.
	Children(ctx context.Context, key string) ([]string, error)

	// FindChild returns a live child of parentKey matching kind, service,
	// and exact scope set, expiring no earlier than notBefore, or
	// ErrNotFound.
	FindChild(ctx context.Context, parentKey string, kind token.Kind, service string,
		scopes []string, notBefore time.Time) (*token.Data, error)

	// Update rewrites the mutable fields of an existing row, or returns
	// ErrNotFound. A name collision returns ErrAlreadyExists.
	Update(ctx context.Context, data *token.Data, history *token.HistoryEntry) error

	// Delete removes a token row, reporting whether it existed. The
	// history entry is only written when a row was deleted.
	Delete(ctx context.Context, key string, history *token.HistoryEntry) (bool, error)

	// History returns the change history for a token key, oldest first.
	History(ctx context.Context, key string) ([]*token.HistoryEntry, error)
}

// AdminStore persists the set of token administrators.
type AdminStore interface {
	// Add inserts a username, or returns ErrAlreadyExists.
	Add(ctx context.Context, username string) error

	// Remove deletes a username, or returns ErrNotFound.
	Remove(ctx context.Context, username string) error

	// List returns all admin usernames, sorted.
	List(ctx context.Context) ([]string, error)

	// IsAdmin reports whether the username is an admin.
	IsAdmin(ctx context.Context, username string) (bool, error)
}

// TokenCache is the encrypted fast path for token records, keyed by token
// key.
type TokenCache interface {
	// Store writes a token record with the given TTL.
	Store(ctx context.Context, data *token.Data, ttl time.Duration) error

	// Get returns the cached record for a token key, or ErrNotFound.
	Get(ctx context.Context, key string) (*token.Data, error)

	// Delete evicts a token record. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Keys lists the token keys currently cached.
	Keys(ctx context.Context) ([]string, error)
}

// MintCache deduplicates internal and notebook token minting across
// workers. Values are the wire form of the minted child token.
type MintCache interface {
	// GetInternal returns the cached wire token for a mint fingerprint,
	// or ErrNotFound.
	GetInternal(ctx context.Context, fingerprint string) (string, error)

	// StoreInternal caches a minted internal token under its fingerprint.
	StoreInternal(ctx context.Context, fingerprint, wire string, ttl time.Duration) error

	// DeleteInternal evicts a fingerprint entry.
	DeleteInternal(ctx context.Context, fingerprint string) error

	// GetNotebook returns the cached wire token for a parent key, or
	// ErrNotFound.
	GetNotebook(ctx context.Context, parentKey string) (string, error)

	// StoreNotebook caches a minted notebook token under its parent key.
	StoreNotebook(ctx context.Context, parentKey, wire string, ttl time.Duration) error

	// DeleteNotebook evicts a parent key entry.
	DeleteNotebook(ctx context.Context, parentKey string) error

	// Lock tries to take the cross-worker mint lock for a key, reporting
	// whether this caller won it.
	Lock(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Unlock releases a mint lock.
	Unlock(ctx context.Context, name string) error
}
