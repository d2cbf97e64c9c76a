package transport

import (
	"testing"
	"time"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	server := NewTCPTransport()
	defer server.Close()

	received := make(chan []byte, 1)
	if err := server.Listen(18573, func(ep Endpoint, h *Handlers) {
		h.OnReceive = func(line []byte) { received <- line }
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewTCPTransport()
	defer client.Close()

	var clientEp Endpoint
	if err := client.Dial("127.0.0.1", 18573, func(ep Endpoint, h *Handlers) {
		clientEp = ep
	}); err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := clientEp.Send([]byte("hello\n")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case line := <-received:
		if string(line) != "hello" {
			t.Fatalf("expected %q, got %q", "hello", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to receive the frame")
	}
}

func TestTCPTransportOversizeFrameClosesConnection(t *testing.T) {
	server := NewTCPTransport()
	defer server.Close()

	closed := make(chan string, 1)
	if err := server.Listen(18574, func(ep Endpoint, h *Handlers) {
		h.OnClose = func(reason string) { closed <- reason }
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := NewTCPTransport()
	defer client.Close()

	var clientEp Endpoint
	if err := client.Dial("127.0.0.1", 18574, func(ep Endpoint, h *Handlers) {
		clientEp = ep
	}); err != nil {
		t.Fatalf("dial: %v", err)
	}

	big := make([]byte, MaxFrameSize+1024)
	for i := range big {
		big[i] = 'x'
	}
	big[len(big)-1] = '\n'
	clientEp.Send(big)

	select {
	case reason := <-closed:
		if reason != "oversize" {
			t.Fatalf("expected close reason=oversize, got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to close on an oversize frame")
	}
}
