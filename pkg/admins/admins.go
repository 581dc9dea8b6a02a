// Package admins manages the set of token administrators.
//
// Admins may operate on any user's tokens and maintain the admin set
// itself. The initial set is seeded from configuration at startup and
// mutated through the API afterwards.
package admins

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Manager enforces admin-set rules over the backing store.
type Manager struct {
	store storage.AdminStore
}

// NewManager creates a Manager backed by the given store.
func NewManager(store storage.AdminStore) *Manager {
	return &Manager{store: store}
}

// Seed ensures every configured initial admin is present. Usernames that
// are already admins are left untouched, so repeated startups are
// idempotent.
func (m *Manager) Seed(ctx context.Context, usernames []string) error {
	for _, username := range usernames {
		if err := m.Add(ctx, username); err != nil {
			return fmt.Errorf("failed to seed admin %s: %w", username, err)
		}
	}
	return nil
}

// Add makes username an admin. Adding an existing admin succeeds without
// effect.
func (m *Manager) Add(ctx context.Context, username string) error {
	if !token.ValidUsername(username) {
		return errors.NewValidationError(fmt.Sprintf("invalid username %q", username), nil)
	}

	err := storage.RetryNoValue(ctx, func() error { return m.store.Add(ctx, username) })
	if err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return nil
		}
		return errors.NewStorageUnavailableError("failed to add admin", err)
	}

	logger.Infow("added token administrator", "username", username)
	return nil
}

// Remove deletes username from the admin set. The last admin cannot be
// removed, since that would leave no one able to manage tokens.
func (m *Manager) Remove(ctx context.Context, username string) error {
	current, err := m.List(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(current, username) {
		return errors.NewNotFoundError(fmt.Sprintf("%s is not an admin", username), nil)
	}
	if len(current) == 1 {
		return errors.NewForbiddenError("cannot remove the last admin", nil)
	}

	err = storage.RetryNoValue(ctx, func() error { return m.store.Remove(ctx, username) })
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NewNotFoundError(fmt.Sprintf("%s is not an admin", username), nil)
		}
		return errors.NewStorageUnavailableError("failed to remove admin", err)
	}

	logger.Infow("removed token administrator", "username", username)
	return nil
}

// List returns all admin usernames, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	admins, err := storage.Retry(ctx, func() ([]string, error) { return m.store.List(ctx) })
	if err != nil {
		return nil, errors.NewStorageUnavailableError("failed to list admins", err)
	}
	return admins, nil
}

// IsAdmin reports whether username is an admin.
func (m *Manager) IsAdmin(ctx context.Context, username string) (bool, error) {
	isAdmin, err := storage.Retry(ctx, func() (bool, error) { return m.store.IsAdmin(ctx, username) })
	if err != nil {
		return false, errors.NewStorageUnavailableError("failed to check admin status", err)
	}
	return isAdmin, nil
}
