package queue

import "github.com/Alteriom/meshnet/internal/crypto"

// PayloadCipher optionally encrypts queued payloads at rest, independent of
// auth's HMAC frame-integrity signing of in-flight lines. Derived from the
// mesh's own password and prefix, the same two inputs auth.DeriveKey salts
// by, so the two keys stay unrelated even though they share an input.
type PayloadCipher struct {
	key []byte
}

// NewPayloadCipher derives an AES-256 key from meshPassword. An empty
// password returns nil, and a nil *PayloadCipher makes Seal/Open no-ops, so
// an unpassworded mesh queues plaintext exactly as before this existed.
func NewPayloadCipher(meshPassword, meshPrefix string) *PayloadCipher {
	if meshPassword == "" {
		return nil
	}
	salt := make([]byte, crypto.SaltSize)
	copy(salt, meshPrefix)
	return &PayloadCipher{key: crypto.DeriveKey([]byte(meshPassword), salt)}
}

// Seal encrypts payload for storage. A nil receiver returns payload as-is.
func (c *PayloadCipher) Seal(payload []byte) ([]byte, error) {
	if c == nil {
		return payload, nil
	}
	return crypto.Encrypt(payload, c.key)
}

// Open decrypts a payload previously returned by Seal. A nil receiver
// returns payload as-is.
func (c *PayloadCipher) Open(payload []byte) ([]byte, error) {
	if c == nil {
		return payload, nil
	}
	return crypto.Decrypt(payload, c.key)
}
