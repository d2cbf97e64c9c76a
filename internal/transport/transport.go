// Package transport is the byte-stream collaborator the core consumes
// (spec §4.1). The physical radio/link layer is out of scope; this package
// treats it as discrete connection endpoints delivering ordered, framed
// text messages, the way the teacher treats gossip delivery as an
// interchangeable Transport (gossip.Transport: Start/Stop/Send/Broadcast)
// behind HTTPTransport/SimpleTransport implementations.
package transport

import "errors"

// MaxFrameSize is the recommended oversize cutoff (spec §4.1): a line
// exceeding this closes the connection with reason "oversize".
const MaxFrameSize = 8 * 1024

// ErrOversize is returned/reported when a frame exceeds MaxFrameSize.
var ErrOversize = errors.New("oversize")

// ErrClosed is returned when an operation is attempted on a closed endpoint.
var ErrClosed = errors.New("transport_closed")

// Endpoint is one bidirectional byte-stream connection to a neighbor.
// Send is non-blocking and best-effort queued (spec §4.1); delivery and
// close notifications arrive via the handler functions set on the Endpoint
// at accept/connect time.
type Endpoint interface {
	// Send queues bytes for transmission. Framing (the caller is
	// responsible for appending the LF terminator) is the caller's job;
	// Send itself never blocks on the network.
	Send(frame []byte) error
	// Close tears down the endpoint with the given reason.
	Close(reason string) error
	// RemoteAddr identifies the peer for logging/debugging.
	RemoteAddr() string
}

// Handlers are the callbacks a Transport invokes for a given Endpoint.
// OnReceive is called once per assembled, LF-delimited line (the LF itself
// stripped). OnClose is called exactly once, with the reason the endpoint
// went away ("oversize", "eof", "write_error", or an explicit caller reason).
type Handlers struct {
	OnReceive func(line []byte)
	OnClose   func(reason string)
}

// Transport accepts and initiates byte-stream endpoints (spec §4.1:
// listen(port)/connect(addr,port)).
type Transport interface {
	// Listen starts accepting inbound connections on port. accept is
	// invoked once per accepted Endpoint so the caller can register
	// Handlers before any bytes are delivered.
	Listen(port int, accept func(Endpoint, *Handlers)) error
	// Dial initiates an outbound connection. On success connected is
	// invoked with the new Endpoint (after which the caller must set
	// Handlers via the same *Handlers pointer pattern as Listen); on
	// failure an error is returned instead.
	Dial(addr string, port int, connected func(Endpoint, *Handlers)) error
	// Close stops accepting/initiating and tears down all endpoints.
	Close() error
}
