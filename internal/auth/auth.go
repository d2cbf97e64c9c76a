// Package auth provides optional ambient frame integrity checking keyed by
// the mesh's shared meshPassword (spec §6), generalized from the teacher's
// gossip.SignBody/VerifyBody HMAC signing. This is not the end-to-end
// cryptographic authentication the spec's non-goals exclude: there is no
// per-node identity or key exchange, only a per-mesh derived key guarding
// against accidental cross-mesh frame delivery and bit-level corruption.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "meshnet-frame-v1"

// DeriveKey derives a 32-byte signing key from meshPassword, salted with
// meshPrefix so two meshes sharing a password still sign with different
// keys.
func DeriveKey(meshPassword, meshPrefix string) []byte {
	if meshPassword == "" {
		return nil
	}
	r := hkdf.New(sha256.New, []byte(meshPassword), []byte(meshPrefix), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf.New with a sha256 hash and a 32-byte output never errors in
		// practice; fall back to an unsigned mesh rather than panic.
		return nil
	}
	return key
}

// Sign computes the hex-encoded HMAC-SHA256 of body under key.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that signature is a valid HMAC-SHA256 of body under key.
func Verify(key, body []byte, signature string) bool {
	if len(key) == 0 {
		return true
	}
	expected := Sign(key, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

const sigField = "sig"

// SignLine adds a "sig" field to a JSON object line, computed over the
// object's canonical (sorted-key) encoding without that field. A nil key
// leaves the line untouched (unsigned mesh).
func SignLine(line []byte, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return line, nil
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	sig := Sign(key, canonical)
	sigJSON, _ := json.Marshal(sig)
	obj[sigField] = sigJSON
	return json.Marshal(obj)
}

// VerifyLine checks a line's "sig" field (if key is non-nil) and returns
// the line with that field stripped, ready for ordinary envelope parsing.
// A nil key always succeeds and returns the line unmodified.
func VerifyLine(line []byte, key []byte) (stripped []byte, ok bool, err error) {
	if len(key) == 0 {
		return line, true, nil
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, false, fmt.Errorf("verify: %w", err)
	}
	sigRaw, present := obj[sigField]
	if !present {
		return nil, false, nil
	}
	var sig string
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return nil, false, err
	}
	delete(obj, sigField)
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, false, err
	}
	if !Verify(key, canonical, sig) {
		return nil, false, nil
	}
	return canonical, true, nil
}
