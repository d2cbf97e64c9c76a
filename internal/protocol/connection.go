// Package protocol implements the per-peer connection state machine and
// the protocol engine that drives handshakes and message dispatch (spec
// §4.2). It generalizes the teacher's gossip.Protocol — which owns a flat
// peer map and talks to a pluggable gossip.Transport — into a per-Connection
// state machine with a priority-aware outbound FIFO, since the spec treats
// each peer link (not the whole mesh) as the unit of backpressure.
package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/scheduler"
	"github.com/Alteriom/meshnet/internal/transport"
	"github.com/Alteriom/meshnet/internal/wire"
)

// State is the per-connection handshake state machine (spec §4.2).
type State int

const (
	StateInit State = iota
	StateHandshakeSent
	StateHandshakeComplete
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateHandshakeComplete:
		return "HANDSHAKE_COMPLETE"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// outboundFIFOFrames/outboundFIFOBytes are the recommended FIFO bounds from
// spec §4.2/§5.
const (
	outboundFIFOFrames = 64
	outboundFIFOBytes  = 32 * 1024
	latencyWindow      = 10
)

type outboundFrame struct {
	data     []byte
	priority wire.Priority
}

// Connection is an active bidirectional byte-stream to a neighbor,
// exclusively owned by the protocol Engine and referenced elsewhere only by
// NodeID (spec §3's "weak handle").
type Connection struct {
	mu sync.Mutex

	endpoint  transport.Endpoint
	isStation bool // true: this node initiated (station side); false: AP/acceptor side

	peerNodeID   wire.NodeID
	capabilities []string
	subtree      wire.SubtreeDescriptor

	state        State
	lastRecvMono time.Time

	outbound     []outboundFrame
	outboundSize int
	signal       chan struct{}
	done         chan struct{}

	rxCount, txCount, dropCount uint64
	latency                     [latencyWindow]int64
	latencyCount                int
	latencyPos                  int

	handshakeTimeoutHandle scheduler.Handle
	onDropped              func(reason string)
}

func newConnection(ep transport.Endpoint, isStation bool) *Connection {
	c := &Connection{
		endpoint:     ep,
		isStation:    isStation,
		state:        StateInit,
		lastRecvMono: time.Now(),
		signal:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go c.drainLoop()
	return c
}

// drainLoop is the Connection's own FIFO drain: it owns the outbound slice
// and is the only goroutine that calls endpoint.Send, so eviction in
// evictLocked always acts on frames that are genuinely still queued.
func (c *Connection) drainLoop() {
	for {
		c.mu.Lock()
		for len(c.outbound) == 0 && c.state != StateClosing {
			c.mu.Unlock()
			select {
			case <-c.signal:
			case <-c.done:
				return
			}
			c.mu.Lock()
		}
		if len(c.outbound) == 0 {
			c.mu.Unlock()
			return
		}
		frame := c.outbound[0]
		c.outbound = c.outbound[1:]
		c.outboundSize -= len(frame.data)
		c.mu.Unlock()

		if err := c.endpoint.Send(frame.data); err != nil {
			logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: send failed: %v", c.RemoteAddr(), err)
		}
	}
}

func (c *Connection) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// PeerNodeID returns the peer's advertised NodeID (zero until handshake
// completes).
func (c *Connection) PeerNodeID() wire.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerNodeID
}

// IsStation reports whether this node is the station (initiator) side of
// the link (spec invariant iii: exactly one side is station, one is AP).
func (c *Connection) IsStation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isStation
}

// Subtree returns the peer's last-advertised subtree view.
func (c *Connection) Subtree() wire.SubtreeDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subtree
}

func (c *Connection) setSubtree(s wire.SubtreeDescriptor) {
	c.mu.Lock()
	c.subtree = s
	c.mu.Unlock()
}

// State returns the connection's handshake state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enqueue pushes a framed line onto the per-peer outbound FIFO (spec
// §4.2). When the FIFO exceeds its bound, the oldest LOW-priority frames
// are dropped (and counted) to make room; CRITICAL/HIGH frames are never
// dropped by this backpressure.
func (c *Connection) Enqueue(frame []byte, priority wire.Priority) error {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if len(frame) > transport.MaxFrameSize {
		c.mu.Unlock()
		if c.onDropped != nil {
			c.onDropped("oversize")
		}
		return transport.ErrOversize
	}

	c.outbound = append(c.outbound, outboundFrame{data: frame, priority: priority})
	c.outboundSize += len(frame)
	c.evictLocked()
	c.txCount++
	c.mu.Unlock()

	c.wake()
	return nil
}

// evictLocked drops the oldest LOW-priority frames while the FIFO exceeds
// its bound. Must be called with c.mu held.
func (c *Connection) evictLocked() {
	for len(c.outbound) > outboundFIFOFrames || c.outboundSize > outboundFIFOBytes {
		idx := -1
		for i, f := range c.outbound {
			if f.priority == wire.Low {
				idx = i
				break
			}
		}
		if idx == -1 {
			return // nothing left we're allowed to drop
		}
		c.outboundSize -= len(c.outbound[idx].data)
		c.outbound = append(c.outbound[:idx], c.outbound[idx+1:]...)
		c.dropCount++
		if c.onDropped != nil {
			c.onDropped("fifo_backpressure")
		}
	}
}

// RecordRTT folds one round-trip latency sample (milliseconds) into the
// bounded 10-sample ring (spec §4.2).
func (c *Connection) RecordRTT(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency[c.latencyPos] = ms
	c.latencyPos = (c.latencyPos + 1) % latencyWindow
	if c.latencyCount < latencyWindow {
		c.latencyCount++
	}
}

func (c *Connection) avgLatencyLocked() float64 {
	if c.latencyCount == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < c.latencyCount; i++ {
		sum += c.latency[i]
	}
	return float64(sum) / float64(c.latencyCount)
}

// AvgLatencyMs returns the average of the bounded latency ring.
func (c *Connection) AvgLatencyMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgLatencyLocked()
}

// QualityScore approximates spec §4.2's 0-100 score: 100 minus penalties
// for high latency and dropped-frame loss. RSSI is not available at this
// layer (the radio link is an out-of-scope collaborator behind the
// byte-stream Transport abstraction per spec §1), so no RSSI<-80 penalty
// is applied to the score.
func (c *Connection) QualityScore() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	score := 100
	if avg := c.avgLatencyLocked(); avg > 100 {
		score -= 20
	}
	total := c.txCount + c.dropCount
	if total > 0 {
		lossPct := float64(c.dropCount) / float64(total) * 100
		score -= int(lossPct)
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Counters returns the rx/tx/drop counters (spec §4.2).
func (c *Connection) Counters() (rx, tx, drop uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxCount, c.txCount, c.dropCount
}

func (c *Connection) recordRx() {
	c.mu.Lock()
	c.rxCount++
	c.lastRecvMono = time.Now()
	c.mu.Unlock()
}

// LastReceived returns the monotonic time of the last received frame.
func (c *Connection) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecvMono
}

// Close tears down the connection's transport endpoint with reason.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()
	close(c.done)
	if c.handshakeTimeoutHandle != nil {
		c.handshakeTimeoutHandle.Cancel()
	}
	return c.endpoint.Close(reason)
}

// RemoteAddr identifies the connection's peer endpoint for logging.
func (c *Connection) RemoteAddr() string { return c.endpoint.RemoteAddr() }

func (c *Connection) String() string {
	return fmt.Sprintf("conn(peer=%d station=%v state=%s)", c.PeerNodeID(), c.IsStation(), c.State())
}
