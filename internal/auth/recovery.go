package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidCredentialHash is returned for a malformed encoded hash
var ErrInvalidCredentialHash = errors.New("invalid recovery credential hash")

// CredentialParams are the argon2id cost parameters
type CredentialParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultCredentialParams follows the RFC 9106 second recommended option
var DefaultCredentialParams = CredentialParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// HashCredential encodes secret as $argon2id$v=19$m=..,t=..,p=..$salt$key
func HashCredential(secret string, params CredentialParams) (string, error) {
	if secret == "" {
		return "", errors.New("recovery credential cannot be empty")
	}
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.Memory, params.Iterations, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

type decodedHash struct {
	params CredentialParams
	salt   []byte
	key    []byte
}

func decodeHash(encoded string) (*decodedHash, error) {
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, ErrInvalidCredentialHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, ErrInvalidCredentialHash
	}

	var d decodedHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &d.params.Memory, &d.params.Iterations, &d.params.Parallelism); err != nil {
		return nil, ErrInvalidCredentialHash
	}

	var err error
	if d.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, ErrInvalidCredentialHash
	}
	if d.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(d.key) == 0 {
		return nil, ErrInvalidCredentialHash
	}
	return &d, nil
}

// VerifyCredential checks secret against an encoded hash in constant time
func VerifyCredential(encoded, secret string) (bool, error) {
	d, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(secret), d.salt, d.params.Iterations, d.params.Memory, d.params.Parallelism, uint32(len(d.key)))
	return subtle.ConstantTimeCompare(got, d.key) == 1, nil
}

// RecoveryVerifier holds the operator credential hash loaded at startup
type RecoveryVerifier struct {
	encoded string
}

// LoadRecoveryVerifier reads the encoded hash from path
func LoadRecoveryVerifier(path string) (*RecoveryVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recovery hash: %w", err)
	}
	return NewRecoveryVerifier(string(data))
}

// NewRecoveryVerifier validates and wraps an encoded hash
func NewRecoveryVerifier(encoded string) (*RecoveryVerifier, error) {
	encoded = strings.TrimSpace(encoded)
	if _, err := decodeHash(encoded); err != nil {
		return nil, err
	}
	return &RecoveryVerifier{encoded: encoded}, nil
}

// Verify reports whether secret matches. A nil verifier accepts nothing.
func (v *RecoveryVerifier) Verify(secret string) bool {
	if v == nil || secret == "" {
		return false
	}
	ok, err := VerifyCredential(v.encoded, secret)
	return err == nil && ok
}
