// Package mesh wires together every subsystem (transport, protocol engine,
// router, plugin dispatcher, topology, time sync, bridge coordination,
// message queue, admin HTTP surface) behind a single lifecycle owner,
// generalized from the teacher's cluster.ClusterNode — which similarly
// owns a gossip.Node + gossip.Protocol + Store behind one Start/Stop
// surface, with an explicit transport swapped in at Start rather than
// construction.
package mesh

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Alteriom/meshnet/internal/admin"
	"github.com/Alteriom/meshnet/internal/bridge"
	"github.com/Alteriom/meshnet/internal/config"
	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/plugin"
	"github.com/Alteriom/meshnet/internal/protocol"
	"github.com/Alteriom/meshnet/internal/queue"
	"github.com/Alteriom/meshnet/internal/router"
	"github.com/Alteriom/meshnet/internal/scheduler"
	"github.com/Alteriom/meshnet/internal/timesync"
	"github.com/Alteriom/meshnet/internal/topology"
	"github.com/Alteriom/meshnet/internal/transport"
	"github.com/Alteriom/meshnet/internal/wire"
)

// AppHandler processes a plugin-range (100+) typed message that has no
// registered internal handler.
type AppHandler func(from wire.NodeID, e wire.Envelope)

// Node is the top-level mesh instance: init/shutdown owns every
// sub-component explicitly (spec §9's "no lazy statics" guidance).
type Node struct {
	cfg *config.NodeConfig

	sched     scheduler.Scheduler
	tr        transport.Transport
	engine    *protocol.Engine
	router    *router.Router
	dispatch  *plugin.Dispatcher
	topo      *topology.Engine
	sync      *timesync.Sync
	bridgeCo  *bridge.Coordinator
	outQueue  *queue.Queue
	metrics   *admin.Metrics
	adminSrv  *admin.Server
	httpSrv   *http.Server

	mu   sync.Mutex
	role string
}

// Deps bundles the out-of-scope external collaborators (spec §1): the
// physical transport, a topology Scanner, a ChannelSwitcher, and a bridge
// RouterAssociator. Production builds supply real radio-backed
// implementations; tests supply MemTransport/FakeScheduler-friendly
// fakes.
type Deps struct {
	Transport   transport.Transport
	Scanner     topology.Scanner
	Switcher    topology.ChannelSwitcher
	Associator  bridge.RouterAssociator
	Scheduler   scheduler.Scheduler
	AppHandler  AppHandler
	HasBridgeCredentials bool
	FailoverEnabled      bool
	// Registry overrides where Prometheus metrics are registered. Nil uses
	// prometheus.DefaultRegisterer; tests constructing more than one Node
	// in the same process should supply a fresh prometheus.NewRegistry().
	Registry prometheus.Registerer
}

// New builds a Node with every subsystem wired together but not yet
// started (spec §9's explicit-lifecycle guidance).
func New(cfg *config.NodeConfig, deps Deps) *Node {
	self := wire.NodeID(cfg.NodeID)
	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.NewTimerScheduler()
	}

	n := &Node{cfg: cfg, sched: sched, tr: deps.Transport, role: "AP"}

	n.router = router.New(self, n.neighbors)
	n.router.SetDedup(cfg.DedupCapacity, cfg.DedupWindow)

	n.dispatch = plugin.New(self, n.router, deps.AppHandler)

	n.engine = protocol.New(cfg, deps.Transport, sched, n, n.dispatch.Dispatch, n.localSubtree)

	n.topo = topology.New(self, cfg.MeshPrefix, 1, deps.Scanner, deps.Switcher, n.engine, sched,
		cfg.ScanIntervalFast, cfg.ScanIntervalSlow, cfg.EmptyScanThreshold, n.onSubtreeChanged, n.onChannelSettled)

	n.sync = timesync.New(self, n, nil)

	n.outQueue = queue.New(cfg.Queue.MaxSize, n.onQueueStateChanged, nil)
	n.outQueue.SetCipher(queue.NewPayloadCipher(cfg.MeshPassword, cfg.MeshPrefix))

	n.bridgeCo = bridge.New(self, cfg, deps.Associator, n, sched, bridge.Callbacks{
		OnBridgeRoleChanged:   n.onBridgeRoleChanged,
		OnBridgeStatusChanged: n.onBridgeStatusChanged,
	}, deps.HasBridgeCredentials, deps.FailoverEnabled, nil)

	n.metrics = admin.NewMetrics(deps.Registry)
	n.engine.SetMetrics(n.metrics)
	n.router.SetMetrics(n.metrics)
	n.bridgeCo.SetMetrics(n.metrics)
	n.adminSrv = admin.NewServer(n, n.metrics)

	n.registerInternalHandlers()
	return n
}

// registerInternalHandlers installs the plugin dispatcher entries for
// NODE_SYNC, TIME_SYNC and the bridge status/election/coordination types
// (spec §4.5). HANDSHAKE is handled by the protocol engine; no handler is
// registered for BRIDGE_TAKEOVER or NTP_TIME_SYNC, so those reach the
// AppHandler.
func (n *Node) registerInternalHandlers() {
	n.dispatch.Register(wire.TypeNodeSyncRequest, n.handleNodeSync)
	n.dispatch.Register(wire.TypeNodeSyncReply, n.handleNodeSync)

	n.dispatch.Register(wire.TypeTimeSyncRequest, n.handleTimeSyncRequest)
	n.dispatch.Register(wire.TypeTimeSyncReply, n.handleTimeSyncReply)

	n.dispatch.Register(wire.TypeBridgeStatus, n.handleBridgeStatus)
	n.dispatch.Register(wire.TypeBridgeElection, n.handleBridgeElection)
	n.dispatch.Register(wire.TypeBridgeCoordination, n.handleBridgeCoordination)
}

func (n *Node) handleNodeSync(from wire.NodeID, e wire.Envelope) bool {
	var body wire.NodeSyncBody
	if err := wire.DecodeBody(e, &body); err != nil {
		logging.Warn("mesh: malformed node sync from %d: %v", from, err)
		return true
	}
	n.topo.OnSubtreeUpdate(from, body.Subtree)
	return true
}

func (n *Node) handleTimeSyncRequest(from wire.NodeID, e wire.Envelope) bool {
	var body wire.TimeSyncBody
	if err := wire.DecodeBody(e, &body); err != nil {
		return true
	}
	reply := wire.TimeSyncBody{T1: body.T1, T2: time.Now().UnixMicro(), SubtreeSize: n.topo.LocalSubtree().Size}
	env, err := wire.Build(wire.TypeTimeSyncReply, wire.NodeID(n.cfg.NodeID), from, wire.RoutingNeighbour, n.engine.NextMsgID(), reply)
	if err == nil {
		n.engine.Send(from, env, wire.Normal)
	}
	return true
}

func (n *Node) handleTimeSyncReply(from wire.NodeID, e wire.Envelope) bool {
	var body wire.TimeSyncBody
	if err := wire.DecodeBody(e, &body); err != nil {
		return true
	}
	if rtt, ok := n.sync.HandleReply(from, body.T1, body.T2); ok {
		if conn := n.engine.Connection(from); conn != nil {
			conn.RecordRTT(rtt.Milliseconds())
		}
	}
	return true
}

func (n *Node) handleBridgeStatus(from wire.NodeID, e wire.Envelope) bool {
	var body wire.BridgeStatusBody
	if wire.DecodeBody(e, &body) == nil {
		n.bridgeCo.OnBridgeStatusSeen(from, body)
	}
	return true
}

func (n *Node) handleBridgeElection(from wire.NodeID, e wire.Envelope) bool {
	var body wire.BridgeElectionBody
	if wire.DecodeBody(e, &body) == nil {
		n.bridgeCo.OnElectionAdvert(from, body)
	}
	return true
}

func (n *Node) handleBridgeCoordination(from wire.NodeID, e wire.Envelope) bool {
	var body wire.BridgeCoordinationBody
	if wire.DecodeBody(e, &body) == nil {
		n.bridgeCo.OnCoordinationAdvert(from, body)
	}
	return true
}

// SendTimeSyncRequest implements timesync.Exchanger.
func (n *Node) SendTimeSyncRequest(to wire.NodeID, t1 int64) error {
	body := wire.TimeSyncBody{T1: t1, SubtreeSize: n.topo.LocalSubtree().Size}
	env, err := wire.Build(wire.TypeTimeSyncRequest, wire.NodeID(n.cfg.NodeID), to, wire.RoutingNeighbour, n.engine.NextMsgID(), body)
	if err != nil {
		return err
	}
	return n.engine.Send(to, env, wire.Normal)
}

// BroadcastElection/BroadcastTakeover/BroadcastStatus/BroadcastCoordination
// implement bridge.Announcer by building the envelope and handing it to
// the router's broadcast path with no excluded neighbor (self-originated).
func (n *Node) BroadcastElection(body wire.BridgeElectionBody) error {
	return n.broadcastBridge(wire.TypeBridgeElection, body)
}
func (n *Node) BroadcastTakeover(body wire.BridgeTakeoverBody) error {
	return n.broadcastBridge(wire.TypeBridgeTakeover, body)
}
func (n *Node) BroadcastStatus(body wire.BridgeStatusBody) error {
	return n.broadcastBridge(wire.TypeBridgeStatus, body)
}
func (n *Node) BroadcastCoordination(body wire.BridgeCoordinationBody) error {
	return n.broadcastBridge(wire.TypeBridgeCoordination, body)
}

func (n *Node) broadcastBridge(typ uint16, body any) error {
	self := wire.NodeID(n.cfg.NodeID)
	env, err := wire.Build(typ, self, wire.BroadcastDest, wire.RoutingBroadcast, n.engine.NextMsgID(), body)
	if err != nil {
		return err
	}
	return n.router.SendBroadcast(env, 0)
}

// OnHandshakeComplete implements protocol.HandshakeObserver.
func (n *Node) OnHandshakeComplete(conn *protocol.Connection) {
	n.topo.OnHandshakeComplete(conn.PeerNodeID(), conn.Subtree(), conn.IsStation())
}

// OnConnectionClosed implements protocol.HandshakeObserver.
func (n *Node) OnConnectionClosed(peer wire.NodeID, reason string) {
	n.topo.OnConnectionClosed(peer)
	logging.Cat(logging.LevelInfo, logging.CatConnection, "mesh: connection to %d closed (%s)", peer, reason)
}

func (n *Node) onSubtreeChanged(sub wire.SubtreeDescriptor) {
	n.sync.SetLocalSubtreeSize(sub.Size)
	self := wire.NodeID(n.cfg.NodeID)
	body := wire.NodeSyncBody{Subtree: sub}
	env, err := wire.Build(wire.TypeNodeSyncRequest, self, wire.BroadcastDest, wire.RoutingBroadcast, n.engine.NextMsgID(), body)
	if err != nil {
		return
	}
	if err := n.router.SendBroadcast(env, 0); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "mesh: subtree broadcast failed: %v", err)
	}
}

// onChannelSettled completes spec §4.7's dual-announcement discipline: once
// topology.Engine actually switches channel during a re-sync, the bridge
// coordinator re-announces on the new channel with the candidate's RSSI so
// peers don't treat the move as a silent disappearance.
func (n *Node) onChannelSettled(rssi int) {
	n.bridgeCo.AnnounceChannelSettled(rssi)
}

func (n *Node) onBridgeRoleChanged(isBridge bool, reason string) {
	n.mu.Lock()
	if isBridge {
		n.role = "BRIDGE"
	} else {
		n.role = "AP"
	}
	n.mu.Unlock()
	n.metrics.BridgeRoleTransitions.WithLabelValues(n.role).Inc()
	logging.Cat(logging.LevelInfo, logging.CatRemote, "mesh: bridge role changed isBridge=%v reason=%s", isBridge, reason)

	if isBridge {
		n.flushQueueOnUplink(true)
	}
}

func (n *Node) onBridgeStatusChanged(bridgeID wire.NodeID, hasInternet bool) {
	if hasInternet {
		n.flushQueueOnUplink(true)
	}
}

// flushQueueOnUplink runs when the bridge subsystem reports internet
// access (a bridge role gained, or onBridgeStatusChanged with
// hasInternet=true). It calls Flush() and logs how many messages are
// queued; the flushed messages are not transmitted or handed to any
// caller from here, and they stay in the queue until Queue.Remove is
// called for each delivered id.
func (n *Node) flushQueueOnUplink(hasInternet bool) {
	if !hasInternet {
		return
	}
	msgs := n.outQueue.Flush()
	logging.Cat(logging.LevelInfo, logging.CatGeneral, "mesh: uplink restored, flushing %d queued messages", len(msgs))
}

func (n *Node) onQueueStateChanged(state queue.ThresholdState) {
	for _, p := range []wire.Priority{wire.Critical, wire.High, wire.Normal, wire.Low} {
		n.metrics.QueueSize.WithLabelValues(p.String()).Set(float64(n.outQueue.Size(int(p))))
	}
	logging.Cat(logging.LevelDebug, logging.CatGeneral, "mesh: queue threshold state changed to %v", state)
}

// neighbors adapts the protocol engine's live connection set into
// router.Neighbor handles.
func (n *Node) neighbors() []router.Neighbor {
	ids := n.engine.Neighbors()
	out := make([]router.Neighbor, 0, len(ids))
	for _, id := range ids {
		if conn := n.engine.Connection(id); conn != nil {
			out = append(out, connNeighbor{engine: n.engine, conn: conn})
		}
	}
	return out
}

func (n *Node) localSubtree() wire.SubtreeDescriptor {
	return n.topo.LocalSubtree()
}

type connNeighbor struct {
	engine *protocol.Engine
	conn   *protocol.Connection
}

func (c connNeighbor) PeerNodeID() wire.NodeID                 { return c.conn.PeerNodeID() }
func (c connNeighbor) Subtree() wire.SubtreeDescriptor         { return c.conn.Subtree() }
func (c connNeighbor) Send(env wire.Envelope, priority wire.Priority) error {
	return c.engine.Send(c.conn.PeerNodeID(), env, priority)
}

// --- admin.StatusProvider ---

func (n *Node) NodeID() uint32 { return n.cfg.NodeID }

func (n *Node) Role() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) PeerCount() int { return len(n.engine.Neighbors()) }

func (n *Node) BridgeRole() string { return n.bridgeCo.State().String() }

func (n *Node) QueueStats() (queued int, sent, dropped uint64) {
	st := n.outQueue.Stats()
	return st.Queued, st.Sent, st.Dropped
}

// Neighbors implements admin.StatusProvider, surfacing each connection's
// spec §4.2 latency/quality sample (populated by handleTimeSyncReply's
// Connection.RecordRTT calls).
func (n *Node) Neighbors() []admin.NeighborStatus {
	ids := n.engine.Neighbors()
	out := make([]admin.NeighborStatus, 0, len(ids))
	for _, id := range ids {
		conn := n.engine.Connection(id)
		if conn == nil {
			continue
		}
		out = append(out, admin.NeighborStatus{
			NodeID:       uint32(id),
			AvgLatencyMs: conn.AvgLatencyMs(),
			QualityScore: conn.QualityScore(),
		})
	}
	return out
}

// Enqueue offers payload to the offline message queue (spec §4.8),
// surfacing ErrQueueSaturatedCritical per spec §7 when applicable.
func (n *Node) Enqueue(payload []byte, destination string, priority wire.Priority) (uint64, error) {
	return n.outQueue.Enqueue(payload, destination, priority)
}

// SendSingle/SendBroadcast/SendNeighbour expose the router's send
// operations to the application layer (spec §4.4).
func (n *Node) SendSingle(dest wire.NodeID, typ uint16, body any, priority wire.Priority) error {
	env, err := wire.Build(typ, wire.NodeID(n.cfg.NodeID), dest, wire.RoutingSingle, n.engine.NextMsgID(), body)
	if err != nil {
		return err
	}
	return n.router.SendSingle(dest, env, priority)
}

func (n *Node) SendBroadcast(typ uint16, body any) error {
	env, err := wire.Build(typ, wire.NodeID(n.cfg.NodeID), wire.BroadcastDest, wire.RoutingBroadcast, n.engine.NextMsgID(), body)
	if err != nil {
		return err
	}
	return n.router.SendBroadcast(env, 0)
}

func (n *Node) SendNeighbour(dest wire.NodeID, typ uint16, body any, priority wire.Priority) error {
	env, err := wire.Build(typ, wire.NodeID(n.cfg.NodeID), dest, wire.RoutingNeighbour, n.engine.NextMsgID(), body)
	if err != nil {
		return err
	}
	return n.router.SendNeighbour(dest, env, priority)
}

// Connect dials a neighbor directly, bypassing the topology engine's own
// scan-and-join loop — used by operators that already know a peer address
// (e.g. a configured seed node) rather than relying on discovery alone.
func (n *Node) Connect(addr string) error {
	return n.engine.Connect(addr)
}

// Start brings the node up: begins accepting connections, starts the
// topology scan loop, and serves the admin HTTP surface on adminAddr (spec
// §9's explicit init/shutdown lifecycle owner).
func (n *Node) Start(adminAddr string) error {
	if err := n.engine.Listen(); err != nil {
		return fmt.Errorf("mesh: listen: %w", err)
	}
	n.topo.Start()

	if adminAddr != "" {
		n.httpSrv = &http.Server{Addr: adminAddr, Handler: n.adminSrv.Router()}
		go func() {
			if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("mesh: admin server stopped: %v", err)
			}
		}()
	}
	return nil
}

// Shutdown tears the node down: stops the scheduler (cancelling every
// outstanding task) and closes the transport (spec §9's explicit
// lifecycle).
func (n *Node) Shutdown() error {
	n.sched.Stop()
	if n.httpSrv != nil {
		n.httpSrv.Close()
	}
	return n.tr.Close()
}
