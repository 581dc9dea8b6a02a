package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func TestMintInternalCreatesChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "read:tap", "user:token"})

	tok, err := tm.MintInternal(ctx, auth, "wobbly", []string{"read:tap", "read:all"}, testIP)
	require.NoError(t, err)

	data, err := tm.Get(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.KindInternal, data.Kind)
	assert.Equal(t, "wobbly", data.Service)
	assert.Equal(t, auth.Key, data.Parent)
	assert.Equal(t, "rra", data.Username)
	assert.Equal(t, "Russ Allbery", data.Name)
	assert.Equal(t, []string{"read:all", "read:tap"}, data.Scopes)
	require.NotNil(t, data.Expires)
	assert.True(t, data.Expires.Equal(data.Created.Add(token.ChildLifetime)))

	entries, err := tm.History(ctx, auth, tok.Key, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, token.ActionCreate, entries[0].Action)
	assert.Equal(t, "rra", entries[0].Actor)
}

func TestMintInternalReusesCachedChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "read:tap", "user:token"})

	first, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)
	second, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Scope order does not matter, only the set.
	_, err = tm.MintInternal(ctx, auth, "portal", []string{"read:tap", "read:all"}, testIP)
	require.NoError(t, err)
	reordered, err := tm.MintInternal(ctx, auth, "portal", []string{"read:all", "read:tap"}, testIP)
	require.NoError(t, err)

	// A different service or scope set gets its own child.
	assert.NotEqual(t, first, reordered)
	narrower, err := tm.MintInternal(ctx, auth, "tap", []string{}, testIP)
	require.NoError(t, err)
	assert.NotEqual(t, first, narrower)

	children, err := tm.store.Children(ctx, auth.Key)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestMintInternalConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "user:token"})

	const callers = 10
	tokens := make([]token.Token, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}

	// Exactly one child row was created for all ten callers.
	children, err := tm.store.Children(ctx, auth.Key)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestMintInternalValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "user:token"})

	_, err := tm.MintInternal(ctx, auth, "", []string{"read:all"}, testIP)
	assert.True(t, errors.IsValidation(err), "service is required")

	_, err = tm.MintInternal(ctx, auth, "tap", []string{"read:tap"}, testIP)
	assert.True(t, errors.IsInsufficientScope(err), "scope beyond the parent's")

	_, odd := sessionAuth(t, tm, "eve", []string{"made:up"})
	_, err = tm.MintInternal(ctx, odd, "tap", []string{"made:up"}, testIP)
	assert.True(t, errors.IsValidation(err), "unknown scope")

	bogus := &token.Data{UserInfo: token.UserInfo{Username: "Not A User"}}
	_, err = tm.MintInternal(ctx, bogus, "tap", nil, testIP)
	assert.True(t, errors.IsForbidden(err), "invalid username")
}

func TestMintInternalRespectsParentExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	base := time.Now().UTC().Truncate(time.Second)
	tm.now = func() time.Time { return base }

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "user:token"})

	// A parent with ten minutes left can only delegate five, keeping the
	// safety margin between the child's end and its own.
	expires := base.Add(10 * time.Minute)
	parentTok, err := tm.CreateUser(ctx, auth, "rra", "short-lived", []string{"read:all"}, &expires, testIP)
	require.NoError(t, err)
	parent, err := tm.Get(ctx, parentTok)
	require.NoError(t, err)

	childTok, err := tm.MintInternal(ctx, parent, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)
	child, err := tm.Get(ctx, childTok)
	require.NoError(t, err)
	require.NotNil(t, child.Expires)
	assert.True(t, child.Expires.Equal(parent.Expires.Add(-token.MinimumLifetime)),
		"child %s must end the margin before parent %s", child.Expires, parent.Expires)

	// A parent at the margin cannot delegate at all.
	edge := base.Add(token.MinimumLifetime)
	edgeTok, err := tm.CreateUser(ctx, auth, "rra", "at the margin", []string{"read:all"}, &edge, testIP)
	require.NoError(t, err)
	edgeParent, err := tm.Get(ctx, edgeTok)
	require.NoError(t, err)
	_, err = tm.MintInternal(ctx, edgeParent, "tap", []string{"read:all"}, testIP)
	assert.True(t, errors.IsTokenExpired(err))
}

func TestMintRefreshesNearExpiryChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	base := time.Now().UTC().Truncate(time.Second)
	tm.now = func() time.Time { return base }

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "user:token"})
	first, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)

	// Once the cached child is within the minimum lifetime of expiry it
	// is replaced rather than handed out.
	tm.now = func() time.Time { return base.Add(11 * time.Minute) }
	second, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	data, err := tm.Get(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, data.Expires)
	assert.True(t, data.Expires.Equal(base.Add(11*time.Minute+token.ChildLifetime)))
}

func TestMintNotebook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"exec:notebook", "read:all", "user:token"})

	tok, err := tm.MintNotebook(ctx, auth, testIP)
	require.NoError(t, err)
	data, err := tm.Get(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.KindNotebook, data.Kind)
	assert.Empty(t, data.Service)
	assert.Equal(t, auth.Key, data.Parent)

	// Notebook tokens carry all of the parent's scopes.
	assert.Equal(t, []string{"exec:notebook", "read:all", "user:token"}, data.Scopes)

	again, err := tm.MintNotebook(ctx, auth, testIP)
	require.NoError(t, err)
	assert.Equal(t, tok, again)
}

func TestMintNotebookTracksParentScopes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "read:tap", "user:token"})
	userTok, err := tm.CreateUser(ctx, auth, "rra", "notebooks", []string{"read:all"}, nil, testIP)
	require.NoError(t, err)
	parent, err := tm.Get(ctx, userTok)
	require.NoError(t, err)

	first, err := tm.MintNotebook(ctx, parent, testIP)
	require.NoError(t, err)

	// Widening the parent's scopes invalidates the cached notebook
	// token, which would otherwise serve the stale scope set.
	_, err = tm.Modify(ctx, auth, userTok.Key, "rra", &ModifyRequest{
		Scopes: []string{"read:all", "read:tap"},
	}, testIP)
	require.NoError(t, err)
	parent, err = tm.Get(ctx, userTok)
	require.NoError(t, err)

	second, err := tm.MintNotebook(ctx, parent, testIP)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	data, err := tm.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []string{"read:all", "read:tap"}, data.Scopes)
}

func TestMintWaitsForLockWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "user:token"})
	fp := token.Fingerprint(auth.Key, "tap", []string{"read:all"})

	// Hold the mint lock as another replica would while minting.
	won, err := tm.mints.Lock(ctx, fp, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	type result struct {
		tok token.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
		done <- result{tok, err}
	}()

	// Publish the winner's child while the loser is polling.
	time.Sleep(50 * time.Millisecond)
	winner := token.Generate()
	now := tm.currentTime()
	expires := now.Add(token.ChildLifetime)
	data := &token.Data{
		UserInfo:   auth.UserInfo,
		Key:        winner.Key,
		SecretHash: winner.Hash(),
		Kind:       token.KindInternal,
		Scopes:     []string{"read:all"},
		Created:    now,
		Expires:    &expires,
		Service:    "tap",
		Parent:     auth.Key,
	}
	entry := &token.HistoryEntry{
		TokenKey:  winner.Key,
		Username:  "rra",
		Action:    token.ActionCreate,
		Actor:     "rra",
		EventTime: now,
		New:       token.ChangeFrom(data),
	}
	require.NoError(t, tm.store.Create(ctx, data, entry))
	require.NoError(t, tm.mints.StoreInternal(ctx, fp, winner.String(), token.ChildLifetime-token.MinimumLifetime))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, winner, got.tok, "the loser should adopt the winner's child")
	case <-time.After(10 * time.Second):
		t.Fatal("mint did not resolve")
	}

	// No duplicate child was created.
	children, err := tm.store.Children(ctx, auth.Key)
	require.NoError(t, err)
	assert.Len(t, children, 1)
	require.NoError(t, tm.mints.Unlock(ctx, fp))
}

func TestMintReplacesChildWithLostCacheEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tm := newTestManager(t)

	_, auth := sessionAuth(t, tm, "rra", []string{"read:all", "user:token"})
	fp := token.Fingerprint(auth.Key, "tap", []string{"read:all"})

	first, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)

	// Losing the cache entry loses the child's secret, so the next mint
	// creates a successor even though the first child is still live.
	require.NoError(t, tm.mints.DeleteInternal(ctx, fp))
	second, err := tm.MintInternal(ctx, auth, "tap", []string{"read:all"}, testIP)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	children, err := tm.store.Children(ctx, auth.Key)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}
