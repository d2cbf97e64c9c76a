// Package timesync estimates a single logical mesh time via a four-
// timestamp NTP-style exchange with a damped offset and drift correction
// (spec §4.6). Grounded on the teacher's cluster heartbeat exchange
// (cluster.Node's periodic ping loop) for the "periodic exchange with a
// chosen peer" shape, generalized with the offset/drift math the teacher
// has no equivalent of.
package timesync

import (
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/wire"
)

// minDamping is the spec's floor on the offset damping factor (spec
// §4.6: "damping factor (>= 0.125)").
const minDamping = 0.125

// maxStepPerSecond bounds backward clock corrections (spec §4.6: "no more
// than 100ms per second").
const maxStepPerSecond = 100 * time.Millisecond

// Peer is the subset of a neighbor's identity the synchronizer needs: its
// NodeID and advertised subtree size, to pick the sync root (spec §4.6:
// "largest known subtreeSize... ties broken by lowest NodeId").
type Peer struct {
	NodeID      wire.NodeID
	SubtreeSize int
}

// Exchanger sends a TIME_SYNC_REQUEST to a peer and is later fed the
// matching reply via Sync.HandleReply; kept as a thin seam so the
// synchronizer doesn't import protocol directly.
type Exchanger interface {
	SendTimeSyncRequest(to wire.NodeID, t1 int64) error
}

// Sync maintains this node's offset/drift estimate and picks which peer
// to sync against.
type Sync struct {
	self        wire.NodeID
	localSize   int
	exchanger   Exchanger
	now         func() time.Time

	mu           sync.Mutex
	offset       time.Duration // meshTime - localMonotonic
	drift        float64       // ppm-equivalent, expressed as duration/duration over the last interval
	lastSyncAt   time.Time
	lastOffset   time.Duration
	pendingT1    int64
	pendingPeer  wire.NodeID
}

// New builds a Sync. now defaults to time.Now when nil; tests may override
// it for determinism.
func New(self wire.NodeID, exchanger Exchanger, now func() time.Time) *Sync {
	if now == nil {
		now = time.Now
	}
	return &Sync{self: self, exchanger: exchanger, now: now}
}

// SetLocalSubtreeSize updates this node's own advertised subtree size,
// used when choosing between itself and its neighbors as sync root.
func (s *Sync) SetLocalSubtreeSize(size int) {
	s.mu.Lock()
	s.localSize = size
	s.mu.Unlock()
}

// ChooseRoot selects a sync target among self and its neighbors: the
// largest subtreeSize, ties broken by lowest NodeId (spec §4.6). Returns
// (0, true) if self is the root (no sync needed).
func ChooseRoot(self Peer, neighbors []Peer) (wire.NodeID, bool) {
	best := self
	for _, p := range neighbors {
		if p.SubtreeSize > best.SubtreeSize || (p.SubtreeSize == best.SubtreeSize && p.NodeID < best.NodeID) {
			best = p
		}
	}
	return best.NodeID, best.NodeID == self.NodeID
}

// BeginExchange sends a TIME_SYNC_REQUEST to peer, recording t1 (spec
// §4.6's "periodic... exchange with its parent").
func (s *Sync) BeginExchange(peer wire.NodeID) error {
	t1 := s.now().UnixMicro()
	s.mu.Lock()
	s.pendingT1 = t1
	s.pendingPeer = peer
	s.mu.Unlock()
	return s.exchanger.SendTimeSyncRequest(peer, t1)
}

// HandleReply applies a three-timestamp NTP-style estimate to a
// TIME_SYNC_REPLY carrying t1 (echoed), t2 (peer's reply-send time), and
// uses the local receive time as t3: offset = ((t2-t1) + (t2-t3)) / 2, which
// treats t2 as both the peer's receive and send time (request-send,
// reply-send, reply-recv). No separate one-way delay is computed. Returns
// the measured round trip (t3-t1, spec
// §4.2's ping/pong latency sample) and whether the reply was applied; a
// stale or mismatched reply returns ok=false with an unspecified rtt.
func (s *Sync) HandleReply(from wire.NodeID, t1, t2 int64) (rtt time.Duration, ok bool) {
	t3 := s.now().UnixMicro()

	s.mu.Lock()
	if from != s.pendingPeer || t1 != s.pendingT1 {
		s.mu.Unlock()
		return 0, false // stale or mismatched reply, ignore
	}
	measuredOffset := time.Duration((t2-t1)+(t2-t3)) / 2 * time.Microsecond

	prevOffset := s.lastOffset
	prevAt := s.lastSyncAt
	now := s.now()

	s.applyOffsetLocked(measuredOffset, now)

	if !prevAt.IsZero() {
		elapsed := now.Sub(prevAt)
		if elapsed > 0 {
			delta := s.offset - prevOffset
			s.drift = float64(delta) / float64(elapsed)
		}
	}
	s.lastOffset = s.offset
	s.lastSyncAt = now
	s.mu.Unlock()

	return time.Duration(t3-t1) * time.Microsecond, true
}

// applyOffsetLocked folds a freshly measured offset into the running
// estimate, damped per spec §4.6. A backward correction larger than
// maxStepPerSecond is applied as a single step of maxStepPerSecond per
// call; the time elapsed since the previous call is not taken into
// account, so the rate per second depends on how often it is called.
// Must be called with s.mu held.
func (s *Sync) applyOffsetLocked(measured time.Duration, now time.Time) {
	delta := measured - s.offset
	if delta < 0 && -delta > maxStepPerSecond {
		// Large backward correction: step at the capped rate instead of
		// jumping (spec §4.6/invariant v).
		step := -maxStepPerSecond
		logging.Cat(logging.LevelInfo, logging.CatSync, "timesync: stepping backward correction by %v (full delta %v)", step, delta)
		s.offset += step
		return
	}
	s.offset += time.Duration(float64(delta) * minDamping)
}

// Now returns the current estimate of mesh time (local monotonic plus
// offset and drift-projected correction since the last sync).
func (s *Sync) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.now().Add(s.offset)
	if !s.lastSyncAt.IsZero() {
		elapsed := s.now().Sub(s.lastSyncAt)
		base = base.Add(time.Duration(float64(elapsed) * s.drift))
	}
	return base
}

// Offset returns the current localOffset estimate (spec §3's MeshTime
// attribute).
func (s *Sync) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}
