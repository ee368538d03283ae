package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// Opaque tokens are base64url(id ‖ secret). The id locates the stored
// record; only SHA-256(secret) is persisted, so a store dump cannot be
// replayed as live tokens.

const (
	// IDSize is the byte length of a token record identifier.
	IDSize = 16
	// SecretSize is the byte length of a token secret.
	SecretSize = 32

	rawSize = IDSize + SecretSize
)

// ErrMalformed is returned for tokens that do not decode to id ‖ secret.
var ErrMalformed = errors.New("malformed token")

// ID identifies a stored token record.
type ID [IDSize]byte

// NewID returns a random record identifier.
func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// ParseID decodes the string form produced by [ID.String].
func ParseID(s string) (ID, error) {
	var id ID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrMalformed
	}
	if len(raw) != IDSize {
		return id, ErrMalformed
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret returns a random token secret.
func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// Hash returns the stored form of a secret.
func Hash(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashBytes hashes an arbitrary byte slice, used for backup codes.
func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Encode joins an id and secret into the wire form handed to callers.
func Encode(id ID, secret [SecretSize]byte) string {
	var raw [rawSize]byte
	copy(raw[:IDSize], id[:])
	copy(raw[IDSize:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// Decode splits a wire-form token back into id and secret.
func Decode(s string) (ID, [SecretSize]byte, error) {
	var (
		id     ID
		secret [SecretSize]byte
	)

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, secret, ErrMalformed
	}
	if len(raw) != rawSize {
		return id, secret, ErrMalformed
	}

	copy(id[:], raw[:IDSize])
	copy(secret[:], raw[IDSize:])
	return id, secret, nil
}
