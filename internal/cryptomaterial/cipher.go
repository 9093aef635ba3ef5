// Package cryptomaterial encrypts API-key material at rest. It uses
// AES-256-GCM with a key derived from a process-wide secret via Argon2id.
// The secret is supplied through the environment at startup; the derived key
// lives only in memory.
package cryptomaterial

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommended minimums).
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
)

// derivationSalt is a fixed application salt. The process secret is a
// machine-level credential, not a user password, so the salt's job here is
// domain separation rather than rainbow-table defense; a fixed salt keeps
// ciphertexts decryptable across restarts with the same secret.
var derivationSalt = []byte("routekeeper.material.v1")

// ErrNoSecret is returned by NewCipher when the process-wide secret is empty.
var ErrNoSecret = errors.New("cryptomaterial: empty encryption secret")

// Cipher seals and opens key material with AES-256-GCM. The AES key is
// derived once at construction; derivation cost is paid at startup, not on
// the routing path.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from secret and prepares the AEAD.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	key := argon2.IDKey([]byte(secret), derivationSalt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Encrypt seals plaintext and returns nonce‖ciphertext‖tag. A fresh nonce is
// drawn per call, so encrypting the same material twice yields different
// blobs.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Authentication failure (wrong
// secret, truncated or tampered blob) returns an error; the plaintext is
// never partially revealed.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := blob[:c.aead.NonceSize()]
	data := blob[c.aead.NonceSize():]

	plain, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
