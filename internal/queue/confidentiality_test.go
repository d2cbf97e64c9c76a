package queue

import (
	"bytes"
	"testing"

	"github.com/Alteriom/meshnet/internal/wire"
)

func TestNewPayloadCipherEmptyPasswordYieldsNilCipher(t *testing.T) {
	if c := NewPayloadCipher("", "mesh-"); c != nil {
		t.Fatalf("expected nil cipher for empty password, got %+v", c)
	}
}

func TestNilCipherSealOpenAreNoops(t *testing.T) {
	var c *PayloadCipher
	payload := []byte("plaintext")

	sealed, err := c.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sealed, payload) {
		t.Fatalf("expected nil cipher Seal to pass payload through unchanged")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, payload) {
		t.Fatalf("expected nil cipher Open to pass payload through unchanged")
	}
}

func TestPayloadCipherSealProducesDifferentBytesOpenRecoversOriginal(t *testing.T) {
	c := NewPayloadCipher("hunter2", "mesh-")
	if c == nil {
		t.Fatal("expected non-nil cipher for non-empty password")
	}
	payload := []byte("secret payload")

	sealed, err := c.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sealed, payload) {
		t.Fatal("expected sealed payload to differ from plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, payload) {
		t.Fatalf("expected Open(Seal(x))==x, got %q", opened)
	}
}

// TestQueueEnqueueFlushRoundTripsUnderCipher confirms the queue transparently
// seals on Enqueue and opens on Flush, so callers never see ciphertext.
func TestQueueEnqueueFlushRoundTripsUnderCipher(t *testing.T) {
	q := New(10, nil, nil)
	q.SetCipher(NewPayloadCipher("hunter2", "mesh-"))

	if _, err := q.Enqueue([]byte("hello"), "dest", wire.Normal); err != nil {
		t.Fatal(err)
	}

	flushed := q.Flush()
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed message, got %d", len(flushed))
	}
	if string(flushed[0].Payload) != "hello" {
		t.Fatalf("expected decrypted payload %q, got %q", "hello", flushed[0].Payload)
	}
}

// TestQueueWithoutCipherStoresPlaintext guards against a regression where
// SetCipher(nil) (the default, unpassworded mesh) would start encrypting.
func TestQueueWithoutCipherStoresPlaintext(t *testing.T) {
	q := New(10, nil, nil)

	if _, err := q.Enqueue([]byte("hello"), "dest", wire.Normal); err != nil {
		t.Fatal(err)
	}
	if string(q.entries[0].Payload) != "hello" {
		t.Fatalf("expected plaintext stored without a cipher, got %q", q.entries[0].Payload)
	}
}
