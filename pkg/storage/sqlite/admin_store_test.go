package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

func TestAdminStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAdminStore(newTestDatabase(t))

	admins, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, admins)

	require.NoError(t, store.Add(ctx, "some-admin"))
	require.NoError(t, store.Add(ctx, "other-admin"))

	err = store.Add(ctx, "some-admin")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	admins, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-admin", "some-admin"}, admins)

	isAdmin, err := store.IsAdmin(ctx, "some-admin")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	isAdmin, err = store.IsAdmin(ctx, "stranger")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	require.NoError(t, store.Remove(ctx, "some-admin"))
	err = store.Remove(ctx, "some-admin")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	admins, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-admin"}, admins)
}
