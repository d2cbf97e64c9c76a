// Package topology implements tree discovery, join/drop handling, and
// channel re-synchronization (spec §4.3). It generalizes the teacher's
// gossip bootstrap loop (bootstrap.go's periodic seed-retry ticker) into a
// scan-and-join loop with an explicit fast/slow interval and an
// empty-scan counter driving a channel re-sync, since the teacher's
// bootstrap has no notion of "wrong channel" to recover from.
package topology

import (
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/scheduler"
	"github.com/Alteriom/meshnet/internal/wire"
)

// Candidate is one scan result: a visible network matching the mesh
// prefix, on some channel, with a signal strength and the subtree its
// advertisement (if any) carries — used to avoid joining a peer whose
// subtree already contains us (spec §4.3's loop-prevention join rule).
type Candidate struct {
	Addr    string
	Channel int
	RSSI    int
	Subtree wire.SubtreeDescriptor
}

// Scanner is the out-of-scope radio-scan collaborator (spec §1): given the
// mesh prefix, it returns every matching visible network. A nil/empty
// result is a valid "no candidates found" scan.
type Scanner interface {
	Scan(prefix string) ([]Candidate, error)
}

// ChannelSwitcher restarts the local access endpoint on a new channel
// during re-sync (spec §4.3's "update local channel and restart the local
// access endpoint").
type ChannelSwitcher interface {
	SwitchChannel(channel int) error
}

// Joiner attempts to connect to a scan candidate (delegates to the
// protocol engine's Connect, kept abstract here to avoid an import cycle).
type Joiner interface {
	Connect(addr string) error
}

// Engine drives the scan loop, tracks the local subtree, and reacts to
// connection drops per spec §4.3.
type Engine struct {
	self       wire.NodeID
	meshPrefix string

	scanner  Scanner
	switcher ChannelSwitcher
	joiner   Joiner
	sched    scheduler.Scheduler

	fastInterval, slowInterval time.Duration
	emptyScanThreshold         int

	mu            sync.Mutex
	channel       int
	hasParent     bool
	parentID      wire.NodeID
	emptyScans    int
	scanHandle    scheduler.Handle
	localSubtree  wire.SubtreeDescriptor
	children      map[wire.NodeID]wire.SubtreeDescriptor
	onSubtreeChanged func(wire.SubtreeDescriptor)
	onChannelSettled func(rssi int)
}

// New builds a topology Engine. onSubtreeChanged, if non-nil, is invoked
// whenever the locally-advertised subtree is recomputed (join, drop, or a
// child's own subtree update), so the owner can re-broadcast NODE_SYNC.
// onChannelSettled, if non-nil, is invoked with the chosen candidate's RSSI
// once a channel re-sync actually switches channel, completing the second
// half of spec §4.7's dual-announcement discipline
// (bridge.Coordinator.AnnounceChannelSettled).
func New(self wire.NodeID, meshPrefix string, initialChannel int, scanner Scanner, switcher ChannelSwitcher, joiner Joiner, sched scheduler.Scheduler, fastInterval, slowInterval time.Duration, emptyScanThreshold int, onSubtreeChanged func(wire.SubtreeDescriptor), onChannelSettled func(rssi int)) *Engine {
	e := &Engine{
		self:               self,
		meshPrefix:         meshPrefix,
		scanner:            scanner,
		switcher:           switcher,
		joiner:             joiner,
		sched:              sched,
		fastInterval:       fastInterval,
		slowInterval:       slowInterval,
		emptyScanThreshold: emptyScanThreshold,
		channel:            initialChannel,
		children:           make(map[wire.NodeID]wire.SubtreeDescriptor),
		onSubtreeChanged:   onSubtreeChanged,
		onChannelSettled:   onChannelSettled,
	}
	e.recomputeLocalSubtreeLocked()
	return e
}

// Start schedules the first scan. The scan loop re-schedules itself after
// every run, at the fast interval while disconnected and the slow
// interval once a parent (or any neighbor, for the AP-only root case) is
// known, per spec §4.3.
func (e *Engine) Start() {
	e.mu.Lock()
	interval := e.currentIntervalLocked()
	e.mu.Unlock()
	e.scanHandle = e.sched.Schedule(interval, 0, e.runScan)
}

func (e *Engine) currentIntervalLocked() time.Duration {
	if e.hasParent || len(e.children) > 0 {
		return e.slowInterval
	}
	return e.fastInterval
}

func (e *Engine) runScan() {
	candidates, err := e.scanner.Scan(e.meshPrefix)
	if err != nil {
		logging.Cat(logging.LevelWarn, logging.CatConnection, "topology: scan failed: %v", err)
	}

	e.mu.Lock()
	if e.hasParent {
		e.mu.Unlock()
		e.scheduleNext()
		return
	}

	if len(candidates) == 0 {
		e.emptyScans++
		empty := e.emptyScans
		threshold := e.emptyScanThreshold
		e.mu.Unlock()
		if empty >= threshold {
			e.channelReSync()
		}
		e.scheduleNext()
		return
	}
	e.emptyScans = 0

	best := pickJoinCandidate(candidates, e.self)
	e.mu.Unlock()

	if best != nil {
		if err := e.joiner.Connect(best.Addr); err != nil {
			logging.Cat(logging.LevelWarn, logging.CatConnection, "topology: join %s failed: %v", best.Addr, err)
		}
	}
	e.scheduleNext()
}

func (e *Engine) scheduleNext() {
	e.mu.Lock()
	interval := e.currentIntervalLocked()
	e.mu.Unlock()
	e.scanHandle = e.sched.Schedule(interval, 0, e.runScan)
}

// pickJoinCandidate selects the strongest-signal candidate whose
// advertised subtree does not already contain self (spec §4.3's
// loop-avoiding join rule).
func pickJoinCandidate(candidates []Candidate, self wire.NodeID) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if c.Subtree.Contains(self) {
			continue
		}
		if best == nil || c.RSSI > best.RSSI {
			best = c
		}
	}
	return best
}

// channelReSync performs the mandatory multi-channel scan after
// EMPTY_SCAN_THRESHOLD consecutive empty single-channel scans (spec
// §4.3). A real Scanner implementation is expected to interpret a
// multi-channel request however its Scan contract defines it (e.g. prefix
// search across all channels); here it is simply "scan again" since the
// Scanner interface already abstracts the radio away.
func (e *Engine) channelReSync() {
	candidates, err := e.scanner.Scan(e.meshPrefix)
	if err != nil || len(candidates) == 0 {
		return
	}
	best := pickJoinCandidate(candidates, e.self)
	if best == nil {
		return
	}
	e.mu.Lock()
	changed := best.Channel != e.channel
	if changed {
		e.channel = best.Channel
	}
	e.emptyScans = 0
	e.mu.Unlock()
	if changed {
		logging.Cat(logging.LevelInfo, logging.CatConnection, "topology: channel re-sync to %d", best.Channel)
		if err := e.switcher.SwitchChannel(best.Channel); err != nil {
			logging.Cat(logging.LevelWarn, logging.CatConnection, "topology: channel switch to %d failed: %v", best.Channel, err)
		} else if e.onChannelSettled != nil {
			e.onChannelSettled(best.RSSI)
		}
	}
}

// OnHandshakeComplete records a newly completed connection's subtree and
// marks whether it makes this node a station (has a parent) per spec
// §4.3: "the station side treats the peer as its parent".
func (e *Engine) OnHandshakeComplete(peer wire.NodeID, subtree wire.SubtreeDescriptor, isStation bool) {
	e.mu.Lock()
	e.children[peer] = subtree
	if isStation {
		e.hasParent = true
		e.parentID = peer
	}
	e.recomputeLocalSubtreeLocked()
	updated := e.localSubtree
	e.mu.Unlock()

	if e.onSubtreeChanged != nil {
		e.onSubtreeChanged(updated)
	}
}

// OnSubtreeUpdate applies an unsolicited subtree update from an already
// known peer (NODE_SYNC_REQUEST/REPLY outside the handshake path).
func (e *Engine) OnSubtreeUpdate(peer wire.NodeID, subtree wire.SubtreeDescriptor) {
	e.mu.Lock()
	if _, known := e.children[peer]; !known {
		e.mu.Unlock()
		return
	}
	e.children[peer] = subtree
	e.recomputeLocalSubtreeLocked()
	updated := e.localSubtree
	e.mu.Unlock()

	if e.onSubtreeChanged != nil {
		e.onSubtreeChanged(updated)
	}
}

// OnConnectionClosed removes a dropped peer's subtree and, if it was the
// parent, resumes scanning for a new uplink (spec §4.3's drop handling).
func (e *Engine) OnConnectionClosed(peer wire.NodeID) {
	e.mu.Lock()
	delete(e.children, peer)
	wasParent := e.hasParent && e.parentID == peer
	if wasParent {
		e.hasParent = false
		e.parentID = 0
		e.emptyScans = 0
	}
	e.recomputeLocalSubtreeLocked()
	updated := e.localSubtree
	e.mu.Unlock()

	if e.onSubtreeChanged != nil {
		e.onSubtreeChanged(updated)
	}
	if wasParent && e.scanHandle != nil {
		// Re-arm immediately at the fast interval rather than waiting out
		// whatever slow-interval cycle was already scheduled.
		e.scanHandle.Cancel()
		e.scanHandle = e.sched.Schedule(e.fastInterval, 0, e.runScan)
	}
}

func (e *Engine) recomputeLocalSubtreeLocked() {
	sub := wire.SubtreeDescriptor{Root: e.self}
	for _, child := range e.children {
		sub.Children = append(sub.Children, child)
	}
	sub.ComputeSize()
	e.localSubtree = sub
}

// LocalSubtree returns the current locally-advertised subtree.
func (e *Engine) LocalSubtree() wire.SubtreeDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localSubtree
}

// HasParent reports whether this node currently has an uplink.
func (e *Engine) HasParent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasParent
}

// Channel returns the node's current operating channel.
func (e *Engine) Channel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}
