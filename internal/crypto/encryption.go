// Package crypto provides the AES-256-GCM payload cipher used to protect
// data at rest in the offline message queue (spec §4.8), keyed by a
// PBKDF2-derived secret rather than auth's HKDF-derived frame-signing key:
// confidentiality of a message sitting in the queue is a different concern
// from the ambient in-flight integrity auth.Sign/Verify provides, and the
// spec's non-goal only excludes per-node end-to-end authentication, not a
// shared-secret confidentiality layer over queued payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard nonce size
	SaltSize  = 16
)

// DeriveKey stretches password+salt into an AES-256 key via PBKDF2-SHA256.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, 100000, KeySize, sha256.New)
}

// Encrypt seals plaintext under key with a fresh random nonce, returning
// nonce||ciphertext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, splitting the leading nonce off ciphertext.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, errors.New("crypto: ciphertext shorter than nonce")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, body := ciphertext[:NonceSize], ciphertext[NonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}
