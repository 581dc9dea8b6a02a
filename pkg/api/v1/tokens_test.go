package v1

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func TestCreateAndGetUserToken(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:all", "read:tap", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
		"scopes":     []string{"read:tap"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[map[string]string](t, rec)
	wire := created["token"]
	tok, err := token.Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, base+"/tokens/"+tok.Key, rec.Header().Get("Location"))

	// The new token authenticates and carries the caller's identity.
	data, err := ta.manager.Get(t.Context(), tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "rra", data.Username)
	assert.Equal(t, "rra@example.com", data.Email)

	rec = ta.request(t, http.MethodGet, base+"/tokens/"+tok.Key, sess, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[token.Info](t, rec)
	assert.Equal(t, tok.Key, info.Token)
	assert.Equal(t, "rra", info.Username)
	assert.Equal(t, token.KindUser, info.Kind)
	assert.Equal(t, "laptop token", info.TokenName)
	assert.Equal(t, []string{"read:tap"}, info.Scopes)
	assert.Nil(t, info.Expires)

	// The wire form never appears in the info record.
	assert.NotContains(t, rec.Body.String(), wire)
}

func TestCreateUserTokenValidation(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:tap", "user:token"})

	tests := []struct {
		name   string
		body   any
		status int
		errTyp string
	}{
		{
			name:   "invalid JSON",
			body:   `{"username": "rra"`,
			status: http.StatusUnprocessableEntity,
			errTyp: "validation",
		},
		{
			name: "missing token name",
			body: map[string]any{
				"username":   "rra",
				"token_type": "user",
			},
			status: http.StatusUnprocessableEntity,
			errTyp: "validation",
		},
		{
			name: "scope escalation",
			body: map[string]any{
				"username":   "rra",
				"token_type": "user",
				"token_name": "sneaky",
				"scopes":     []string{"read:all"},
			},
			status: http.StatusForbidden,
			errTyp: "insufficient_scope",
		},
		{
			name: "expires too soon",
			body: map[string]any{
				"username":   "rra",
				"token_type": "user",
				"token_name": "short lived",
				"expires":    time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
			},
			status: http.StatusUnprocessableEntity,
			errTyp: "validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ta.request(t, http.MethodPost, base+"/tokens", sess, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errTyp, decodeAPIError(t, rec).Type)
		})
	}
}

func TestCreateDuplicateTokenName(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:tap", "user:token"})

	body := map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	}
	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.request(t, http.MethodPost, base+"/tokens", sess, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_token_name", decodeAPIError(t, rec).Type)
}

func TestCreateForOtherUserRequiresAdmin(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:tap", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "wlm",
		"token_type": "user",
		"token_name": "not mine",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeAPIError(t, rec).Type)
}

func TestAdminCreatesServiceToken(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	admin := ta.newSession(t, "rra", []string{"admin:token", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", admin, map[string]any{
		"username":   "bot-tap",
		"token_type": "service",
		"scopes":     []string{"read:all"},
		"name":       "TAP query runner",
		"uid":        90000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	wire := decodeBody[map[string]string](t, rec)["token"]
	tok, err := token.Parse(wire)
	require.NoError(t, err)

	data, err := ta.manager.Get(t.Context(), tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.KindService, data.Kind)
	assert.Equal(t, "bot-tap", data.Username)
	assert.Equal(t, int64(90000), data.UID)
	// Admin grants are bound by known scopes, not the admin's own.
	assert.Equal(t, []string{"read:all"}, data.Scopes)
}

func TestAdminCreateValidation(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	admin := ta.newSession(t, "rra", []string{"admin:token", "user:token"})

	tests := []struct {
		name string
		body map[string]any
		msg  string
	}{
		{
			name: "service token with a name",
			body: map[string]any{
				"username":   "bot-tap",
				"token_type": "service",
				"token_name": "nope",
			},
			msg: "service tokens do not take a token name",
		},
		{
			name: "unmintable kind",
			body: map[string]any{
				"username":   "bot-tap",
				"token_type": "session",
			},
			msg: "cannot create tokens of type",
		},
		{
			name: "unknown scope",
			body: map[string]any{
				"username":   "bot-tap",
				"token_type": "service",
				"scopes":     []string{"launch:rockets"},
			},
			msg: "unknown scope",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ta.request(t, http.MethodPost, base+"/tokens", admin, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Contains(t, decodeAPIError(t, rec).Msg, tt.msg)
		})
	}
}

func TestListTokens(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	rra := ta.newSession(t, "rra", []string{"read:tap", "user:token"})
	admin := ta.newSession(t, "wlm", []string{"admin:token", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", rra, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Users see their own tokens.
	rec = ta.request(t, http.MethodGet, base+"/tokens?username=rra", rra, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decodeBody[[]token.Info](t, rec)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, "rra", info.Username)
	}

	// Listing everything takes admin rights.
	rec = ta.request(t, http.MethodGet, base+"/tokens", rra, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ta.request(t, http.MethodGet, base+"/tokens?username=wlm", rra, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ta.request(t, http.MethodGet, base+"/tokens", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos = decodeBody[[]token.Info](t, rec)
	assert.Len(t, infos, 3)
}

func TestGetTokenAccess(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	rra := ta.newSession(t, "rra", []string{"read:tap", "user:token"})
	wlm := ta.newSession(t, "wlm", []string{"read:tap", "user:token"})
	admin := ta.newSession(t, "afausti", []string{"admin:token", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", rra, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	tok, err := token.Parse(decodeBody[map[string]string](t, rec)["token"])
	require.NoError(t, err)

	rec = ta.request(t, http.MethodGet, base+"/tokens/"+tok.Key, wlm, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ta.request(t, http.MethodGet, base+"/tokens/"+tok.Key, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.request(t, http.MethodGet, base+"/tokens/nosuchkey", rra, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModifyToken(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:all", "read:tap", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
		"scopes":     []string{"read:tap"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	tok, err := token.Parse(decodeBody[map[string]string](t, rec)["token"])
	require.NoError(t, err)
	target := base + "/tokens/" + tok.Key

	rec = ta.request(t, http.MethodPatch, target, sess, map[string]any{
		"token_name": "desktop token",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[token.Info](t, rec)
	assert.Equal(t, "desktop token", info.TokenName)
	assert.Equal(t, []string{"read:tap"}, info.Scopes, "scopes must survive a rename")

	rec = ta.request(t, http.MethodPatch, target, sess, map[string]any{
		"scopes": []string{"read:all"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"read:all"}, decodeBody[token.Info](t, rec).Scopes)

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	rec = ta.request(t, http.MethodPatch, target, sess, map[string]any{
		"expires": expires.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	info = decodeBody[token.Info](t, rec)
	require.NotNil(t, info.Expires)
	assert.True(t, info.Expires.Equal(expires))

	// A literal null clears the expiration again.
	rec = ta.request(t, http.MethodPatch, target, sess, `{"expires": null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[token.Info](t, rec).Expires)
}

func TestModifyTokenValidation(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:tap", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	tok, err := token.Parse(decodeBody[map[string]string](t, rec)["token"])
	require.NoError(t, err)

	rec = ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "phone token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	other, err := token.Parse(decodeBody[map[string]string](t, rec)["token"])
	require.NoError(t, err)

	target := base + "/tokens/" + tok.Key
	tests := []struct {
		name   string
		target string
		body   any
		status int
		loc    []string
	}{
		{
			name:   "empty token_name",
			target: target,
			body:   map[string]any{"token_name": ""},
			status: http.StatusUnprocessableEntity,
			loc:    []string{"body", "token_name"},
		},
		{
			name:   "immutable field",
			target: target,
			body:   map[string]any{"username": "someone-else"},
			status: http.StatusUnprocessableEntity,
			loc:    []string{"body"},
		},
		{
			name:   "unparseable expires",
			target: target,
			body:   `{"expires": "potato"}`,
			status: http.StatusUnprocessableEntity,
			loc:    []string{"body", "expires"},
		},
		{
			name:   "duplicate name",
			target: base + "/tokens/" + other.Key,
			body:   map[string]any{"token_name": "laptop token"},
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "session tokens are immutable",
			target: base + "/tokens/" + sess.Key,
			body:   map[string]any{"token_name": "renamed session"},
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "unknown token",
			target: base + "/tokens/nosuchkey",
			body:   map[string]any{"token_name": "anything"},
			status: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ta.request(t, http.MethodPatch, tt.target, sess, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.loc != nil {
				assert.Equal(t, tt.loc, decodeAPIError(t, rec).Loc)
			}
		})
	}
}

func TestRevokeToken(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:tap", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	tok, err := token.Parse(decodeBody[map[string]string](t, rec)["token"])
	require.NoError(t, err)

	rec = ta.request(t, http.MethodDelete, base+"/tokens/"+tok.Key, sess, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	// The token stops authenticating immediately.
	data, err := ta.manager.Get(t.Context(), tok)
	require.NoError(t, err)
	assert.Nil(t, data)

	rec = ta.request(t, http.MethodGet, base+"/tokens/"+tok.Key, sess, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.request(t, http.MethodDelete, base+"/tokens/"+tok.Key, sess, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenChangeHistory(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"read:tap", "user:token"})
	wlm := ta.newSession(t, "wlm", []string{"read:tap", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	tok, err := token.Parse(decodeBody[map[string]string](t, rec)["token"])
	require.NoError(t, err)
	target := base + "/tokens/" + tok.Key

	rec = ta.request(t, http.MethodPatch, target, sess, map[string]any{
		"token_name": "desktop token",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ta.request(t, http.MethodDelete, target, sess, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Another user cannot read it even though the token is gone.
	rec = ta.request(t, http.MethodGet, target+"/change-history", wlm, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// History outlives revocation, oldest first.
	rec = ta.request(t, http.MethodGet, target+"/change-history", sess, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]token.HistoryEntry](t, rec)
	require.Len(t, entries, 3)
	assert.Equal(t, token.ActionCreate, entries[0].Action)
	assert.Equal(t, token.ActionEdit, entries[1].Action)
	assert.Equal(t, token.ActionRevoke, entries[2].Action)
	for _, entry := range entries {
		assert.Equal(t, tok.Key, entry.TokenKey)
		assert.Equal(t, "rra", entry.Actor)
		assert.Equal(t, "192.0.2.1", entry.IP)
	}
	require.NotNil(t, entries[1].Old)
	assert.Equal(t, "laptop token", entries[1].Old.TokenName)
	require.NotNil(t, entries[1].New)
	assert.Equal(t, "desktop token", entries[1].New.TokenName)

	rec = ta.request(t, http.MethodGet, base+"/tokens/nosuchkey/change-history", sess, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTokenLocationHeader(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	sess := ta.newSession(t, "rra", []string{"user:token"})

	rec := ta.request(t, http.MethodPost, base+"/tokens", sess, map[string]any{
		"username":   "rra",
		"token_type": "user",
		"token_name": "laptop token",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, base+"/tokens/"))

	// The Location is immediately fetchable.
	rec = ta.request(t, http.MethodGet, location, sess, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
