package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

func TestParseAuthType(t *testing.T) {
	t.Parallel()

	got, err := ParseAuthType("")
	require.NoError(t, err)
	assert.Equal(t, AuthTypeBearer, got)

	got, err = ParseAuthType("bearer")
	require.NoError(t, err)
	assert.Equal(t, AuthTypeBearer, got)

	got, err = ParseAuthType("basic")
	require.NoError(t, err)
	assert.Equal(t, AuthTypeBasic, got)

	_, err = ParseAuthType("digest")
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "digest")
}

func TestChallenge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		authType     AuthType
		realm        string
		includeError bool
		description  string
		want         string
	}{
		{
			name:     "bearer without error",
			authType: AuthTypeBearer,
			realm:    "example.org",
			want:     `Bearer realm="example.org"`,
		},
		{
			name:         "bearer with error and description",
			authType:     AuthTypeBearer,
			realm:        "example.org",
			includeError: true,
			description:  "token is invalid or expired",
			want:         `Bearer realm="example.org", error="invalid_token", error_description="token is invalid or expired"`,
		},
		{
			name:         "bearer with error only",
			authType:     AuthTypeBearer,
			realm:        "example.org",
			includeError: true,
			want:         `Bearer realm="example.org", error="invalid_token"`,
		},
		{
			name:         "basic never carries error attributes",
			authType:     AuthTypeBasic,
			realm:        "example.org",
			includeError: true,
			description:  "ignored",
			want:         `Basic realm="example.org"`,
		},
		{
			name:         "quotes and backslashes are escaped",
			authType:     AuthTypeBearer,
			realm:        `rubin "science" platform`,
			includeError: true,
			description:  `bad \ token`,
			want:         `Bearer realm="rubin \"science\" platform", error="invalid_token", error_description="bad \\ token"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Challenge(tt.authType, tt.realm, tt.includeError, tt.description)
			assert.Equal(t, tt.want, got)
		})
	}
}
