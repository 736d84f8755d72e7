// Package crypto implements key derivation and authenticated encryption for
// vault payloads.
//
// Keys are derived from a master passphrase with PBKDF2-HMAC-SHA256 and a
// per-vault random salt, then used as fernet keys. Fernet tokens bundle the
// IV, ciphertext, and HMAC into one opaque string, so a tampered payload or a
// key derived from the wrong passphrase fails verification deterministically
// instead of decoding to garbage.
//
// The package has no knowledge of what the payloads contain. It never logs
// keys or plaintext.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count for new vaults.
	// High enough to make offline brute force expensive while keeping
	// interactive unlock under a couple of seconds on current hardware.
	DefaultIterations = 480000

	// SaltSize is the size in bytes of the per-vault derivation salt.
	SaltSize = 16

	keySize = 32
)

// ErrInvalidToken is returned when a token fails authentication: the payload
// was tampered with or the key is wrong. The two cases are indistinguishable
// by construction.
var ErrInvalidToken = errors.New("crypto: invalid token")

// NewSalt generates a random key-derivation salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a fernet key from a master passphrase and salt.
// Deterministic: the same (passphrase, salt, iterations) always yields the
// same key. CPU-bound; callers should run it off any interactive
// path that must stay responsive.
func DeriveKey(passphrase string, salt []byte, iterations int) *fernet.Key {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	raw := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)

	var key fernet.Key
	copy(key[:], raw)
	for i := range raw {
		raw[i] = 0
	}
	return &key
}

// Encrypt encrypts and signs plaintext under key, returning a fernet token.
func Encrypt(key *fernet.Key, plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a fernet token. Returns ErrInvalidToken if
// the token's HMAC does not verify under key.
func Decrypt(key *fernet.Key, token string) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// Zero overwrites the key material in place. Called on vault lock so the
// derived key does not linger in process memory longer than necessary.
func Zero(key *fernet.Key) {
	if key == nil {
		return
	}
	for i := range key {
		key[i] = 0
	}
}

// Wipe overwrites a plaintext buffer in place. Used for decrypted payloads
// that must not outlive the operation that needed them.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Mask returns a display-safe form of a secret, keeping only the last four
// characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
