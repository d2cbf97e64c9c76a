package transport

import (
	"bytes"
	"fmt"
	"sync"
)

// MemRegistry is a shared in-process directory of listening MemTransports,
// keyed by "addr:port". It lets multiple MemTransport instances (one per
// simulated node) dial each other without any real sockets, the way the
// teacher's tests substitute a mockTransport for gossip.Transport.
type MemRegistry struct {
	mu        sync.Mutex
	listeners map[string]*MemTransport
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{listeners: make(map[string]*MemTransport)}
}

// MemTransport is an in-process Transport implementation for deterministic
// tests. Every instance shares a MemRegistry so Dial can find the target's
// Listen.
type MemTransport struct {
	registry *MemRegistry
	addr     string
	mu       sync.Mutex
	port     int
	accept   func(Endpoint, *Handlers)
	closed   bool
}

func NewMemTransport(registry *MemRegistry, addr string) *MemTransport {
	return &MemTransport{registry: registry, addr: addr}
}

func (m *MemTransport) Listen(port int, accept func(Endpoint, *Handlers)) error {
	m.mu.Lock()
	m.port = port
	m.accept = accept
	m.mu.Unlock()

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	key := fmt.Sprintf("%s:%d", m.addr, port)
	if _, exists := m.registry.listeners[key]; exists {
		return fmt.Errorf("address in use: %s", key)
	}
	m.registry.listeners[key] = m
	return nil
}

func (m *MemTransport) Dial(addr string, port int, connected func(Endpoint, *Handlers)) error {
	key := fmt.Sprintf("%s:%d", addr, port)
	m.registry.mu.Lock()
	target := m.registry.listeners[key]
	m.registry.mu.Unlock()
	if target == nil {
		return fmt.Errorf("no listener at %s", key)
	}
	target.mu.Lock()
	acceptFn := target.accept
	target.mu.Unlock()
	if acceptFn == nil {
		return fmt.Errorf("listener %s has no accept handler", key)
	}

	a, b := newMemPipe(fmt.Sprintf("%s:dial", m.addr), fmt.Sprintf("%s:%d", addr, port))

	// Wire both endpoints' handlers pointers before either callback runs,
	// and register the accept side first: a handshake sent as a
	// side-effect of the dial callback (on a goroutine, via the
	// Connection's own drain loop) must never race ahead of the peer's
	// handlers being ready to receive it.
	hLocal := &Handlers{}
	hRemote := &Handlers{}
	a.handlers = hLocal
	b.handlers = hRemote

	acceptFn(b, hRemote)
	connected(a, hLocal)

	return nil
}

func (m *MemTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.registry.mu.Lock()
	delete(m.registry.listeners, fmt.Sprintf("%s:%d", m.addr, m.port))
	m.registry.mu.Unlock()
	return nil
}

// memEndpoint is one side of an in-process pipe. Sends on one side are
// delivered, line by line, to the other side's OnReceive.
type memEndpoint struct {
	mu        sync.Mutex
	peer      *memEndpoint
	self      string
	remote    string
	handlers  *Handlers
	buf       bytes.Buffer
	closed    bool
	closeOnce sync.Once
}

func newMemPipe(aName, bName string) (*memEndpoint, *memEndpoint) {
	a := &memEndpoint{self: aName, remote: bName}
	b := &memEndpoint{self: bName, remote: aName}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *memEndpoint) Send(frame []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	peer := e.peer
	e.mu.Unlock()

	if len(frame) > MaxFrameSize {
		go peer.Close("oversize")
		go e.Close("oversize")
		return ErrOversize
	}

	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	h := peer.handlers
	peer.mu.Unlock()
	if h != nil && h.OnReceive != nil {
		// Deliver a copy, with the trailing LF stripped, exactly once.
		line := bytes.TrimSuffix(frame, []byte("\n"))
		cp := append([]byte(nil), line...)
		h.OnReceive(cp)
	}
	return nil
}

func (e *memEndpoint) Close(reason string) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		h := e.handlers
		e.mu.Unlock()
		if h != nil && h.OnClose != nil {
			h.OnClose(reason)
		}
	})
	return nil
}

func (e *memEndpoint) RemoteAddr() string { return e.remote }
