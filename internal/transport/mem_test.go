package transport

import "testing"

func TestMemTransportDialDeliversToListener(t *testing.T) {
	reg := NewMemRegistry()
	server := NewMemTransport(reg, "server")

	var received [][]byte
	if err := server.Listen(5555, func(ep Endpoint, h *Handlers) {
		h.OnReceive = func(line []byte) { received = append(received, line) }
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	client := NewMemTransport(reg, "client")
	var clientEp Endpoint
	if err := client.Dial("server", 5555, func(ep Endpoint, h *Handlers) {
		clientEp = ep
	}); err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := clientEp.Send([]byte("hi\n")); err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || string(received[0]) != "hi" {
		t.Fatalf("expected one delivered line %q, got %v", "hi", received)
	}
}

func TestMemTransportOversizeClosesBothSides(t *testing.T) {
	reg := NewMemRegistry()
	server := NewMemTransport(reg, "server")
	serverClosed := make(chan string, 1)
	if err := server.Listen(5556, func(ep Endpoint, h *Handlers) {
		h.OnClose = func(reason string) { serverClosed <- reason }
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	client := NewMemTransport(reg, "client")
	var clientEp Endpoint
	clientClosed := make(chan string, 1)
	if err := client.Dial("server", 5556, func(ep Endpoint, h *Handlers) {
		clientEp = ep
		h.OnClose = func(reason string) { clientClosed <- reason }
	}); err != nil {
		t.Fatalf("dial: %v", err)
	}

	big := make([]byte, MaxFrameSize+1)
	if err := clientEp.Send(big); err != ErrOversize {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
	if reason := <-serverClosed; reason != "oversize" {
		t.Fatalf("expected server-side close reason=oversize, got %q", reason)
	}
	if reason := <-clientClosed; reason != "oversize" {
		t.Fatalf("expected client-side close reason=oversize, got %q", reason)
	}
}

func TestMemTransportListenDuplicateAddrFails(t *testing.T) {
	reg := NewMemRegistry()
	a := NewMemTransport(reg, "dup")
	b := NewMemTransport(reg, "dup")
	if err := a.Listen(9000, func(Endpoint, *Handlers) {}); err != nil {
		t.Fatal(err)
	}
	if err := b.Listen(9000, func(Endpoint, *Handlers) {}); err == nil {
		t.Fatal("expected a second Listen on the same addr:port to fail")
	}
}
