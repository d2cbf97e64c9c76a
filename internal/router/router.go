// Package router implements source-routed unicast, broadcast-with-suppression,
// and neighbor-only delivery over the tree of advertised subtrees (spec
// §4.4). It holds only weak NodeID handles into the protocol engine's
// connection set (spec §3 invariant on ownership), mirroring the way the
// teacher's gossip layer never owns a Peer, only the address used to look
// one up in Protocol's map.
package router

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/wire"
)

// ErrUnreachable is returned by SendSingle when no known subtree contains
// the destination.
var ErrUnreachable = errors.New("unreachable")

// Neighbor is the router's view of one direct connection: its advertised
// subtree and the means to push a line onto its outbound FIFO. Defined as
// an interface (rather than importing *protocol.Connection) to keep router
// free of a dependency on protocol, consistent with the "weak handle" only
// language in spec §3.
type Neighbor interface {
	PeerNodeID() wire.NodeID
	Subtree() wire.SubtreeDescriptor
	Send(env wire.Envelope, priority wire.Priority) error
}

// Metrics is the subset of admin.Metrics the router touches, kept as an
// interface so router has no dependency on admin.
type Metrics interface {
	IncBroadcastDedupHit()
	IncRouteUnreachable()
}

const (
	dedupCapacityDefault = 500
	dedupTTLDefault      = 60 * time.Second
)

type dedupKey struct {
	from  wire.NodeID
	msgID uint32
}

type dedupEntry struct {
	key    dedupKey
	expiry time.Time
}

// Router computes routes on demand from a live neighbor set and a self
// NodeID; it never persists a routing table (spec §4.4/invariant iv).
type Router struct {
	self wire.NodeID

	mu        sync.Mutex
	neighbors func() []Neighbor

	dedupCap int
	dedupTTL time.Duration
	dedupSet map[dedupKey]*list.Element
	dedupLRU *list.List

	metrics Metrics
}

// New builds a Router. neighbors is called fresh on every route query so
// the Router always sees the protocol engine's current connection set.
func New(self wire.NodeID, neighbors func() []Neighbor) *Router {
	return &Router{
		self:      self,
		neighbors: neighbors,
		dedupCap:  dedupCapacityDefault,
		dedupTTL:  dedupTTLDefault,
		dedupSet:  make(map[dedupKey]*list.Element),
		dedupLRU:  list.New(),
	}
}

// SetDedup overrides the broadcast dedup LRU's capacity and TTL (spec §4.4
// defaults: 500 entries, 60s).
func (r *Router) SetDedup(capacity int, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dedupCap = capacity
	r.dedupTTL = ttl
}

// SetMetrics wires a Prometheus-backed Metrics sink; nil (the default)
// leaves dedup-hit/unreachable counting disabled.
func (r *Router) SetMetrics(m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Route computes [self, ..., dest] by DFS over {self} ∪ {each neighbor's
// advertised subtree}. Returns an empty slice if dest is unreachable.
func (r *Router) Route(dest wire.NodeID) []wire.NodeID {
	if dest == r.self {
		return []wire.NodeID{r.self}
	}
	var path func(s *wire.SubtreeDescriptor) []wire.NodeID
	path = func(s *wire.SubtreeDescriptor) []wire.NodeID {
		if s.Root == dest {
			return []wire.NodeID{s.Root}
		}
		for i := range s.Children {
			if p := path(&s.Children[i]); p != nil {
				return append([]wire.NodeID{s.Root}, p...)
			}
		}
		return nil
	}
	for _, n := range r.neighbors() {
		sub := n.Subtree()
		if p := path(&sub); p != nil {
			return append([]wire.NodeID{r.self}, p...)
		}
	}
	return nil
}

// nextHop finds the neighbor whose advertised subtree contains dest.
func (r *Router) nextHop(dest wire.NodeID) Neighbor {
	for _, n := range r.neighbors() {
		if sub := n.Subtree(); sub.Contains(dest) {
			return n
		}
	}
	return nil
}

// SendSingle source-routes payload to dest (spec §4.4). On an intermediate
// node this is called again with the same envelope by the plugin
// dispatcher (Dispatch forwards a SINGLE whose dest is another node);
// Router itself does not retain history, it
// only ever looks at the envelope's dest field and the current subtrees.
func (r *Router) SendSingle(dest wire.NodeID, env wire.Envelope, priority wire.Priority) error {
	hop := r.nextHop(dest)
	if hop == nil {
		r.mu.Lock()
		m := r.metrics
		r.mu.Unlock()
		if m != nil {
			m.IncRouteUnreachable()
		}
		return ErrUnreachable
	}
	env.Dest = dest
	env.Routing = wire.RoutingSingle
	return hop.Send(env, priority)
}

// SendBroadcast emits env to every neighbor except the one whose
// PeerNodeID equals excludeID (the direction the broadcast arrived from).
// It does not touch the dedup LRU: receivers record (from, msgID) through
// SeenRecently, which the plugin dispatcher calls before it delivers or
// re-forwards a broadcast (spec §4.4).
func (r *Router) SendBroadcast(env wire.Envelope, excludeID wire.NodeID) error {
	env.Routing = wire.RoutingBroadcast
	env.Dest = wire.BroadcastDest
	var firstErr error
	for _, n := range r.neighbors() {
		if n.PeerNodeID() == excludeID {
			continue
		}
		if err := n.Send(env, wire.Normal); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendNeighbour delivers env only to the direct neighbor identified by
// dest (routing=NEIGHBOUR per spec §4.4); never forwarded further.
func (r *Router) SendNeighbour(dest wire.NodeID, env wire.Envelope, priority wire.Priority) error {
	for _, n := range r.neighbors() {
		if n.PeerNodeID() == dest {
			env.Dest = dest
			env.Routing = wire.RoutingNeighbour
			return n.Send(env, priority)
		}
	}
	return ErrUnreachable
}

// SeenRecently reports whether (from, msgID) was already recorded within
// the dedup window, and records it if not — an atomic check-and-set so two
// concurrent deliveries of the same broadcast can't both be treated as
// novel (spec §4.4/§9's bounded LRU with TTL sweep on insert).
func (r *Router) SeenRecently(from wire.NodeID, msgID uint32) bool {
	key := dedupKey{from: from, msgID: msgID}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepExpiredLocked(now)

	if el, ok := r.dedupSet[key]; ok {
		el.Value.(*dedupEntry).expiry = now.Add(r.dedupTTL)
		r.dedupLRU.MoveToFront(el)
		if r.metrics != nil {
			r.metrics.IncBroadcastDedupHit()
		}
		return true
	}

	entry := &dedupEntry{key: key, expiry: now.Add(r.dedupTTL)}
	el := r.dedupLRU.PushFront(entry)
	r.dedupSet[key] = el

	for len(r.dedupSet) > r.dedupCap {
		oldest := r.dedupLRU.Back()
		if oldest == nil {
			break
		}
		r.dedupLRU.Remove(oldest)
		delete(r.dedupSet, oldest.Value.(*dedupEntry).key)
	}
	return false
}

// sweepExpiredLocked drops TTL-expired entries from the back of the LRU.
// Must be called with r.mu held.
func (r *Router) sweepExpiredLocked(now time.Time) {
	for {
		oldest := r.dedupLRU.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*dedupEntry)
		if entry.expiry.After(now) {
			return
		}
		r.dedupLRU.Remove(oldest)
		delete(r.dedupSet, entry.key)
	}
}
