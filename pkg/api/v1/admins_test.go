package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminsListAndAdd(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	require.NoError(t, ta.admins.Seed(t.Context(), []string{"rra"}))
	admin := ta.newSession(t, "rra", []string{"admin:token", "user:token"})

	rec := ta.request(t, http.MethodGet, base+"/admins", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []map[string]string{{"username": "rra"}},
		decodeBody[[]map[string]string](t, rec))

	rec = ta.request(t, http.MethodPost, base+"/admins", admin,
		map[string]string{"username": "wlm"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, map[string]string{"username": "wlm"},
		decodeBody[map[string]string](t, rec))

	// Re-adding is harmless.
	rec = ta.request(t, http.MethodPost, base+"/admins", admin,
		map[string]string{"username": "wlm"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.request(t, http.MethodGet, base+"/admins", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []map[string]string{{"username": "rra"}, {"username": "wlm"}},
		decodeBody[[]map[string]string](t, rec))
}

func TestAdminsAddValidation(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	require.NoError(t, ta.admins.Seed(t.Context(), []string{"rra"}))
	admin := ta.newSession(t, "rra", []string{"admin:token", "user:token"})

	rec := ta.request(t, http.MethodPost, base+"/admins", admin,
		map[string]string{"username": "Not A Username"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation", decodeAPIError(t, rec).Type)

	rec = ta.request(t, http.MethodPost, base+"/admins", admin, `{"username"`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminsRemove(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	require.NoError(t, ta.admins.Seed(t.Context(), []string{"rra", "wlm"}))
	admin := ta.newSession(t, "rra", []string{"admin:token", "user:token"})

	rec := ta.request(t, http.MethodDelete, base+"/admins/wlm", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ta.request(t, http.MethodDelete, base+"/admins/wlm", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeAPIError(t, rec).Msg, "is not an admin")

	// The deployment must never end up with zero administrators.
	rec = ta.request(t, http.MethodDelete, base+"/admins/rra", admin, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeAPIError(t, rec).Msg, "cannot remove the last admin")
}

func TestAdminsRequireAdminScope(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, "")
	require.NoError(t, ta.admins.Seed(t.Context(), []string{"rra"}))
	user := ta.newSession(t, "wlm", []string{"read:tap", "user:token"})

	for _, tc := range []struct {
		method string
		target string
		body   any
	}{
		{http.MethodGet, base + "/admins", nil},
		{http.MethodPost, base + "/admins", map[string]string{"username": "wlm"}},
		{http.MethodDelete, base + "/admins/rra", nil},
	} {
		rec := ta.request(t, tc.method, tc.target, user, tc.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.target)
		assert.Equal(t, "admin:token scope is required", decodeAPIError(t, rec).Msg)
	}
}
