package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"04:a1:b2:c3", "04A1B2C3"},
		{"0x04a1b2c3", "04A1B2C3"},
		{" 04-A1-B2-C3 \n", "04A1B2C3"},
		{"04 a1 b2 c3", "04A1B2C3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeUID(tt.in), tt.in)
	}
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.jsonl")

	registry, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Empty(t, registry.List())

	_, err = registry.Register("04a1b2c3", "primary")
	require.NoError(t, err)
	_, err = registry.Register("11223344", "spare")
	require.NoError(t, err)
	revoked, err := registry.Revoke("11:22:33:44")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
	require.NotNil(t, revoked.RevokedAt)

	reloaded, err := LoadRegistry(path)
	require.NoError(t, err)
	list := reloaded.List()
	require.Len(t, list, 2, "revoked records are kept")

	rec, ok := reloaded.Lookup("04A1B2C3")
	require.True(t, ok)
	assert.Equal(t, "primary", rec.Label)
	assert.False(t, rec.Revoked)

	rec, ok = reloaded.Lookup("11223344")
	require.True(t, ok)
	assert.True(t, rec.Revoked)
}

func TestRegistry_Errors(t *testing.T) {
	registry, err := LoadRegistry(filepath.Join(t.TempDir(), "tokens.jsonl"))
	require.NoError(t, err)

	_, err = registry.Register("not-hex!", "bad")
	assert.ErrorIs(t, err, ErrInvalidUID)

	_, err = registry.Register("AABB", "one")
	require.NoError(t, err)
	_, err = registry.Register("aa:bb", "dup")
	assert.ErrorIs(t, err, ErrTokenExists)

	_, err = registry.Revoke("CCDD")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = registry.Revoke("AABB")
	require.NoError(t, err)
	_, err = registry.Revoke("AABB")
	assert.NoError(t, err, "revoking twice is a no-op")

	_, err = registry.Register("AABB", "again")
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestLoadRegistry_CorruptFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0600))

	_, err := LoadRegistry(path)
	assert.Error(t, err)
}

func TestSnapshot_Authorize(t *testing.T) {
	registry, err := LoadRegistry(filepath.Join(t.TempDir(), "tokens.jsonl"))
	require.NoError(t, err)
	_, err = registry.Register("0102", "ok")
	require.NoError(t, err)
	_, err = registry.Register("0304", "revoked")
	require.NoError(t, err)
	_, err = registry.Revoke("0304")
	require.NoError(t, err)

	snap := registry.Snapshot()
	_, ok := snap.Authorize("01:02")
	assert.True(t, ok)
	_, ok = snap.Authorize("0304")
	assert.False(t, ok)
	_, ok = snap.Authorize("0506")
	assert.False(t, ok)
}
