package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/auth"
	"github.com/Alteriom/meshnet/internal/config"
	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/scheduler"
	"github.com/Alteriom/meshnet/internal/transport"
	"github.com/Alteriom/meshnet/internal/wire"
)

// Inbound is invoked once per non-handshake envelope received on a
// completed connection. Handlers above this layer (router, plugin
// dispatcher) never see raw bytes, only parsed Envelopes plus the peer
// NodeID the frame arrived from.
type Inbound func(from wire.NodeID, e wire.Envelope)

// HandshakeObserver is notified when a connection's handshake completes or
// the connection is dropped, so the topology engine can react without the
// Engine importing it directly (spec §4.3's "topology change" trigger).
type HandshakeObserver interface {
	OnHandshakeComplete(conn *Connection)
	OnConnectionClosed(peer wire.NodeID, reason string)
}

// Metrics is the subset of admin.Metrics the engine touches, kept as an
// interface so protocol has no dependency on admin.
type Metrics interface {
	IncFrameTx()
	IncFrameRx()
	IncFrameDropped(reason string)
}

// Engine owns every Connection to a neighbor, drives the handshake FSM
// (spec §4.2/§4.3), and enforces the single-connection-per-peer invariant.
// It generalizes the teacher's gossip.Protocol, which keeps a flat
// map[string]*Peer behind one mutex and special-cases the first message on
// a socket as a hello; here the special-cased first message is the
// HANDSHAKE envelope and the map key is the numeric NodeID the handshake
// reveals, not the transport address.
type Engine struct {
	cfg       *config.NodeConfig
	tr        transport.Transport
	scheduler scheduler.Scheduler
	observer  HandshakeObserver
	inbound   Inbound
	key       []byte
	metrics   Metrics

	localSubtree func() wire.SubtreeDescriptor

	mu    sync.Mutex
	byID  map[wire.NodeID]*Connection
	msgID uint32
}

// New builds an Engine. localSubtree is called fresh for every outgoing
// HANDSHAKE so the advertised view always reflects the current topology.
func New(cfg *config.NodeConfig, tr transport.Transport, sch scheduler.Scheduler, observer HandshakeObserver, inbound Inbound, localSubtree func() wire.SubtreeDescriptor) *Engine {
	return &Engine{
		cfg:          cfg,
		tr:           tr,
		scheduler:    sch,
		observer:     observer,
		inbound:      inbound,
		key:          auth.DeriveKey(cfg.MeshPassword, cfg.MeshPrefix),
		localSubtree: localSubtree,
		byID:         make(map[wire.NodeID]*Connection),
	}
}

// SetMetrics wires a Prometheus-backed Metrics sink; nil (the default)
// leaves frame tx/rx/drop counting disabled.
func (e *Engine) SetMetrics(m Metrics) {
	e.mu.Lock()
	e.metrics = m
	e.mu.Unlock()
}

// Listen starts accepting inbound station connections (this node acting as
// AP side).
func (e *Engine) Listen() error {
	return e.tr.Listen(e.cfg.MeshPort, func(ep transport.Endpoint, h *transport.Handlers) {
		e.accept(ep, h, false)
	})
}

// Connect dials a neighbor AP (this node acting as station side) and kicks
// off the handshake by sending ours first.
func (e *Engine) Connect(addr string) error {
	return e.tr.Dial(addr, e.cfg.MeshPort, func(ep transport.Endpoint, h *transport.Handlers) {
		conn := e.accept(ep, h, true)
		e.sendHandshake(conn)
	})
}

func (e *Engine) accept(ep transport.Endpoint, h *transport.Handlers, isStation bool) *Connection {
	conn := newConnection(ep, isStation)
	conn.onDropped = func(reason string) {
		e.mu.Lock()
		m := e.metrics
		e.mu.Unlock()
		if m != nil {
			m.IncFrameDropped(reason)
		}
	}
	conn.handshakeTimeoutHandle = e.scheduler.Schedule(e.cfg.HandshakeTimeout, 0, func() {
		if conn.State() != StateHandshakeComplete {
			logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: handshake timed out", conn.RemoteAddr())
			conn.Close("handshake_timeout")
		}
	})

	h.OnReceive = func(line []byte) { e.onReceive(conn, line) }
	h.OnClose = func(reason string) { e.onClose(conn, reason) }

	if !isStation {
		// AP side waits for the station's HANDSHAKE before replying.
	}
	return conn
}

func (e *Engine) nextMsgID() uint32 {
	e.mu.Lock()
	e.msgID++
	id := e.msgID
	e.mu.Unlock()
	return id
}

func (e *Engine) sendHandshake(conn *Connection) {
	body := wire.HandshakeBody{
		NodeID:           wire.NodeID(e.cfg.NodeID),
		Subtree:          e.localSubtree(),
		MeshTimeEstimate: time.Now().UnixMilli(),
	}
	env, err := wire.Build(wire.TypeHandshake, wire.NodeID(e.cfg.NodeID), wire.BroadcastDest, wire.RoutingNeighbour, e.nextMsgID(), body)
	if err != nil {
		logging.Error("build handshake: %v", err)
		return
	}
	if err := e.sendEnvelope(conn, env, wire.Critical); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: send handshake: %v", conn.RemoteAddr(), err)
		return
	}
	conn.mu.Lock()
	conn.state = StateHandshakeSent
	conn.mu.Unlock()
}

func (e *Engine) sendEnvelope(conn *Connection, env wire.Envelope, priority wire.Priority) error {
	line, err := wire.MarshalLine(env)
	if err != nil {
		return err
	}
	line, err = auth.SignLine(line, e.key)
	if err != nil {
		return err
	}
	if err := conn.Enqueue(line, priority); err != nil {
		return err
	}
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m != nil {
		m.IncFrameTx()
	}
	return nil
}

func (e *Engine) onReceive(conn *Connection, line []byte) {
	stripped, ok, err := auth.VerifyLine(line, e.key)
	if err != nil || !ok {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: signature rejected", conn.RemoteAddr())
		conn.Close("bad_signature")
		return
	}
	env, err := wire.ParseLine(stripped)
	if err != nil {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: malformed frame: %v", conn.RemoteAddr(), err)
		return
	}
	conn.recordRx()
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m != nil {
		m.IncFrameRx()
	}

	if env.Type == wire.TypeHandshake {
		e.onHandshake(conn, env)
		return
	}

	if conn.State() != StateHandshakeComplete {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: frame before handshake complete, dropping", conn.RemoteAddr())
		return
	}
	if e.inbound != nil {
		e.inbound(conn.PeerNodeID(), env)
	}
}

func (e *Engine) onHandshake(conn *Connection, env wire.Envelope) {
	var body wire.HandshakeBody
	if err := wire.DecodeBody(env, &body); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: malformed handshake: %v", conn.RemoteAddr(), err)
		conn.Close("malformed_handshake")
		return
	}

	self := wire.NodeID(e.cfg.NodeID)
	if body.NodeID == self {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: peer advertised our own NodeID, rejecting", conn.RemoteAddr())
		conn.Close("self_loop")
		return
	}
	if body.Subtree.Contains(self) {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: peer subtree contains us, rejecting (would form a cycle)", conn.RemoteAddr())
		conn.Close("would_cycle")
		return
	}

	e.mu.Lock()
	existing, dup := e.byID[body.NodeID]
	e.byID[body.NodeID] = conn
	e.mu.Unlock()

	if dup && existing != conn {
		// Spec invariant (i): at most one Connection per peer NodeId, and a
		// reconnect replaces the previous record rather than being rejected
		// in its favor — the old record may simply not have noticed its
		// link died yet. onClose's own e.byID[peer]==conn guard means
		// existing's eventual close won't clobber the mapping we just set.
		logging.Cat(logging.LevelWarn, logging.CatConnection, "connection %s: peer %d reconnected, replacing stale connection", conn.RemoteAddr(), body.NodeID)
		existing.Close("replaced_by_reconnect")
	}

	conn.mu.Lock()
	conn.peerNodeID = body.NodeID
	conn.capabilities = body.Capabilities
	conn.subtree = body.Subtree
	wasSent := conn.state == StateHandshakeSent
	conn.state = StateHandshakeComplete
	conn.mu.Unlock()

	if conn.handshakeTimeoutHandle != nil {
		conn.handshakeTimeoutHandle.Cancel()
	}

	// The AP side (station==false) replies with its own HANDSHAKE; the
	// station side already sent its HANDSHAKE before the peer's could have
	// arrived, so it only replies if this is somehow the first frame it's
	// received (defensive: a correct peer never triggers this branch).
	if !wasSent {
		e.sendHandshake(conn)
	}

	logging.Cat(logging.LevelInfo, logging.CatConnection, "handshake complete with peer %d (station=%v)", body.NodeID, conn.IsStation())
	if e.observer != nil {
		e.observer.OnHandshakeComplete(conn)
	}
}

func (e *Engine) onClose(conn *Connection, reason string) {
	peer := conn.PeerNodeID()
	e.mu.Lock()
	if e.byID[peer] == conn {
		delete(e.byID, peer)
	}
	e.mu.Unlock()

	if peer != 0 && e.observer != nil {
		e.observer.OnConnectionClosed(peer, reason)
	}
}

// Send looks up the live connection to peer and enqueues env on it,
// signing per the mesh's configured key. Returns an error if no connection
// to peer currently exists (the router is responsible for route
// resolution; the Engine only knows direct neighbors).
func (e *Engine) Send(peer wire.NodeID, env wire.Envelope, priority wire.Priority) error {
	e.mu.Lock()
	conn, ok := e.byID[peer]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("protocol: no connection to neighbor %d", peer)
	}
	return e.sendEnvelope(conn, env, priority)
}

// Connection returns the live connection to a direct neighbor, or nil.
func (e *Engine) Connection(peer wire.NodeID) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[peer]
}

// Neighbors returns every direct neighbor's NodeID with a completed
// handshake.
func (e *Engine) Neighbors() []wire.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]wire.NodeID, 0, len(e.byID))
	for id, c := range e.byID {
		if c.State() == StateHandshakeComplete {
			ids = append(ids, id)
		}
	}
	return ids
}

// NextMsgID exposes the Engine's per-origin monotonic message counter
// (spec §9) to callers building envelopes outside the handshake path, such
// as mesh.Node's time-sync, bridge and application send helpers.
func (e *Engine) NextMsgID() uint32 { return e.nextMsgID() }
