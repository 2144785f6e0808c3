package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the tests fast
var testParams = CredentialParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashAndVerifyCredential(t *testing.T) {
	encoded, err := HashCredential("correct horse battery staple", testParams)
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$v=19$m=1024,t=1,p=1$")

	ok, err := VerifyCredential(encoded, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyCredential(encoded, "Correct horse battery staple")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashCredential("correct horse battery staple", testParams)
	require.NoError(t, err)
	assert.NotEqual(t, encoded, other, "salts differ")
}

func TestVerifyCredential_Malformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!$a2V5",
	} {
		_, err := VerifyCredential(encoded, "secret")
		assert.ErrorIs(t, err, ErrInvalidCredentialHash, encoded)
	}
}

func TestRecoveryVerifier(t *testing.T) {
	encoded, err := HashCredential("operator-secret", testParams)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "recovery.hash")
	require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0600))

	v, err := LoadRecoveryVerifier(path)
	require.NoError(t, err)
	assert.True(t, v.Verify("operator-secret"))
	assert.False(t, v.Verify("04A1B2C3"))
	assert.False(t, v.Verify(""))

	var missing *RecoveryVerifier
	assert.False(t, missing.Verify("operator-secret"))

	_, err = NewRecoveryVerifier("garbage")
	assert.Error(t, err)
}
