// Package bridge implements uplink health tracking, RSSI-based primary
// election, and multi-bridge coordination/failover (spec §4.7). Grounded
// on the teacher's cluster membership state machine (cluster.Node's
// Joining/Active/Leaving/Failed states and its periodic heartbeat/gossip
// broadcast), generalized to the spec's {NONE, CANDIDATE, PROMOTING,
// BRIDGE_ACTIVE} states and RSSI-weighted election instead of membership
// gossip.
package bridge

import (
	"runtime"
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/config"
	"github.com/Alteriom/meshnet/internal/logging"
	"github.com/Alteriom/meshnet/internal/scheduler"
	"github.com/Alteriom/meshnet/internal/wire"
)

// State is the per-node bridge role state machine (spec §4.7).
type State int

const (
	StateNone State = iota
	StateCandidate
	StatePromoting
	StateBridgeActive
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateCandidate:
		return "CANDIDATE"
	case StatePromoting:
		return "PROMOTING"
	case StateBridgeActive:
		return "BRIDGE_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Info is the cached view of a known bridge, populated from its
// BRIDGE_STATUS/BRIDGE_COORDINATION advertisements (spec §3 BridgeInfo).
// It never owns a connection.
type Info struct {
	NodeID            wire.NodeID
	RouterRSSI        int
	RouterChannel     int
	InternetConnected bool
	Uptime            int64
	FreeMemory        int64
	LastSeen          time.Time
	Priority          int
	Role              string
	LoadPct           int
	PeerBridgeIDs     []wire.NodeID
}

// Candidate is one election participant's advertised metrics (spec §4.7).
type Candidate struct {
	NodeID     wire.NodeID
	RouterRSSI int
	Uptime     int64
	FreeMemory int64
}

// RouterAssociator attempts to associate with the configured uplink
// router; the radio/association mechanics are out of scope (spec §1), so
// this is a thin success/failure seam.
type RouterAssociator interface {
	Associate() (rssi int, ok bool)
}

// Announcer broadcasts the bridge coordination message types (spec §6) to
// the mesh; kept abstract to avoid a dependency on router/plugin.
type Announcer interface {
	BroadcastElection(wire.BridgeElectionBody) error
	BroadcastTakeover(wire.BridgeTakeoverBody) error
	BroadcastStatus(wire.BridgeStatusBody) error
	BroadcastCoordination(wire.BridgeCoordinationBody) error
}

// Callbacks notify the owner of role/state transitions (spec §7's
// onBridgeStatusChanged/onBridgeRoleChanged).
type Callbacks struct {
	OnBridgeRoleChanged   func(isBridge bool, reason string)
	OnBridgeStatusChanged func(bridgeID wire.NodeID, hasInternet bool)
}

// Metrics is the subset of admin.Metrics the coordinator touches, kept as
// an interface so bridge has no dependency on admin.
type Metrics interface {
	IncElectionOutcome(outcome string)
}

// Coordinator owns bridge role state, election, and the tracked-bridge
// table for multi-bridge mode.
type Coordinator struct {
	self     wire.NodeID
	cfg      *config.NodeConfig
	assoc    RouterAssociator
	announce Announcer
	sched    scheduler.Scheduler
	cb       Callbacks
	now      func() time.Time
	metrics  Metrics

	mu               sync.Mutex
	state            State
	lastRoleChangeAt time.Time
	electionPeers    map[wire.NodeID]Candidate
	electionHandle   scheduler.Handle
	hasCredentials   bool
	failoverEnabled  bool

	knownBridges map[wire.NodeID]*Info
	rrCursor     int

	statusTimeoutHandle scheduler.Handle
	statusBroadcast     scheduler.Handle
	coordBroadcast      scheduler.Handle

	startTime time.Time
}

// New builds a Coordinator. hasCredentials and failoverEnabled gate the
// NONE->CANDIDATE transition per spec §4.7.
func New(self wire.NodeID, cfg *config.NodeConfig, assoc RouterAssociator, announce Announcer, sched scheduler.Scheduler, cb Callbacks, hasCredentials, failoverEnabled bool, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		self:            self,
		cfg:             cfg,
		assoc:           assoc,
		announce:        announce,
		sched:           sched,
		cb:              cb,
		now:             now,
		electionPeers:   make(map[wire.NodeID]Candidate),
		knownBridges:    make(map[wire.NodeID]*Info),
		hasCredentials:  hasCredentials,
		failoverEnabled: failoverEnabled,
		startTime:       now(),
	}
	c.armStatusTimeout()
	return c
}

// SetMetrics wires a Prometheus-backed Metrics sink; nil (the default)
// leaves election-outcome counting disabled.
func (c *Coordinator) SetMetrics(m Metrics) {
	c.metrics = m
}

func (c *Coordinator) incOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.IncElectionOutcome(outcome)
	}
}

func (c *Coordinator) armStatusTimeout() {
	c.statusTimeoutHandle = c.sched.Schedule(c.cfg.BridgeTimeout, 0, c.onBridgeTimeout)
}

// onBridgeTimeout fires when no BRIDGE_STATUS has been seen for
// BridgeTimeout while disconnected from a known bridge (spec §4.7:
// NONE->CANDIDATE).
func (c *Coordinator) onBridgeTimeout() {
	c.mu.Lock()
	eligible := c.state == StateNone && c.hasCredentials && c.failoverEnabled
	c.mu.Unlock()
	if !eligible {
		c.armStatusTimeout()
		return
	}
	c.beginElection()
}

// OnBridgeStatusSeen resets the bridge-timeout countdown and updates the
// cached Info for the advertising bridge (spec §4.7 health tracking).
func (c *Coordinator) OnBridgeStatusSeen(from wire.NodeID, body wire.BridgeStatusBody) {
	c.mu.Lock()
	info := c.knownBridges[from]
	if info == nil {
		info = &Info{NodeID: from, LastSeen: c.now()}
		c.knownBridges[from] = info
		c.evictOverCeilingLocked()
	}
	info.RouterRSSI = body.RouterRSSI
	info.RouterChannel = body.RouterChannel
	info.InternetConnected = body.InternetConnected
	info.Uptime = body.Uptime
	info.LastSeen = c.now()
	if c.statusTimeoutHandle != nil {
		c.statusTimeoutHandle.Cancel()
	}
	c.mu.Unlock()
	c.armStatusTimeout()

	if c.cb.OnBridgeStatusChanged != nil {
		c.cb.OnBridgeStatusChanged(from, body.InternetConnected)
	}
}

// evictOverCeilingLocked drops the oldest-seen tracked bridge once the
// table exceeds MaxBridges (spec §4.7). Must be called with c.mu held.
func (c *Coordinator) evictOverCeilingLocked() {
	ceiling := c.cfg.MultiBridge.MaxBridges
	if ceiling <= 0 {
		ceiling = 2
	}
	for len(c.knownBridges) > ceiling {
		var oldestID wire.NodeID
		var oldestAt time.Time
		first := true
		for id, info := range c.knownBridges {
			if first || info.LastSeen.Before(oldestAt) {
				oldestID, oldestAt, first = id, info.LastSeen, false
			}
		}
		delete(c.knownBridges, oldestID)
	}
}

// beginElection transitions NONE->CANDIDATE, emits BRIDGE_ELECTION, and
// opens the election window (spec §4.7).
func (c *Coordinator) beginElection() {
	c.mu.Lock()
	c.state = StateCandidate
	c.electionPeers = make(map[wire.NodeID]Candidate)
	c.mu.Unlock()

	logging.Cat(logging.LevelInfo, logging.CatRemote, "bridge: %d entering CANDIDATE", c.self)

	rssi, uptime, freeMemory := c.ownMetrics()
	c.SetOwnMetrics(rssi, uptime, freeMemory)

	body := wire.BridgeElectionBody{RouterRSSI: rssi, Uptime: uptime, FreeMemory: freeMemory, Timestamp: c.now().UnixMilli()}
	if err := c.announce.BroadcastElection(body); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatRemote, "bridge: broadcast election failed: %v", err)
	}

	c.electionHandle = c.sched.Schedule(c.cfg.ElectionWindow, 0, c.concludeElection)
}

// ownMetrics probes this node's own candidacy metrics for a BRIDGE_ELECTION
// advertisement: router visibility/signal strength via the same
// RouterAssociator seam promote() later uses to actually associate
// (spec §4.7's "routerRssi==0 means router not visible" already matches
// Associate()'s ok=false), plus process uptime and free memory.
func (c *Coordinator) ownMetrics() (routerRSSI int, uptime, freeMemory int64) {
	rssi, ok := c.assoc.Associate()
	if ok {
		routerRSSI = rssi
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	freeMemory = int64(mem.Sys - mem.HeapAlloc)
	uptime = int64(c.now().Sub(c.startTime).Seconds())
	return routerRSSI, uptime, freeMemory
}

// SetOwnMetrics supplies this node's own election candidacy metrics.
// beginElection calls this itself with freshly-probed values before
// broadcasting; it remains exported so a caller with a more accurate
// out-of-band reading (e.g. a real radio driver) can refresh the
// candidacy mid-window, before concludeElection fires.
func (c *Coordinator) SetOwnMetrics(routerRSSI int, uptime, freeMemory int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.electionPeers[c.self] = Candidate{NodeID: c.self, RouterRSSI: routerRSSI, Uptime: uptime, FreeMemory: freeMemory}
}

// OnElectionAdvert records a peer's BRIDGE_ELECTION candidacy during an
// open election window.
func (c *Coordinator) OnElectionAdvert(from wire.NodeID, body wire.BridgeElectionBody) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCandidate {
		return
	}
	c.electionPeers[from] = Candidate{NodeID: from, RouterRSSI: body.RouterRSSI, Uptime: body.Uptime, FreeMemory: body.FreeMemory}
}

// Winner applies the lexicographic tie-break rule from spec §4.7/§8:
// higher rssi, then higher uptime, then higher freeMemory, then lower
// nodeId. Candidates with RouterRSSI == 0 are ineligible (router not
// visible). Returns ok=false if no eligible candidate exists.
func Winner(candidates []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if c.RouterRSSI == 0 {
			continue
		}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(a, b Candidate) bool {
	if a.RouterRSSI != b.RouterRSSI {
		return a.RouterRSSI > b.RouterRSSI
	}
	if a.Uptime != b.Uptime {
		return a.Uptime > b.Uptime
	}
	if a.FreeMemory != b.FreeMemory {
		return a.FreeMemory > b.FreeMemory
	}
	return a.NodeID < b.NodeID
}

// concludeElection closes the election window, determines the winner, and
// (if self won) attempts promotion.
func (c *Coordinator) concludeElection() {
	c.mu.Lock()
	peers := make([]Candidate, 0, len(c.electionPeers))
	for _, p := range c.electionPeers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	winner, ok := Winner(peers)
	if !ok {
		c.incOutcome("no_eligible")
		logging.Cat(logging.LevelInfo, logging.CatRemote, "bridge: election had no eligible candidate, returning to NONE")
		c.mu.Lock()
		c.state = StateNone
		c.mu.Unlock()
		c.armStatusTimeout()
		return
	}

	if winner.NodeID != c.self {
		c.incOutcome("lost")
		c.mu.Lock()
		c.state = StateNone
		c.mu.Unlock()
		c.armStatusTimeout()
		return
	}

	c.incOutcome("won")
	c.promote()
}

// promote attempts router association on the winning node; on success it
// enters BRIDGE_ACTIVE, broadcasts a dual takeover (spec §4.7's
// channel-change discipline), and starts periodic BRIDGE_STATUS. On
// failure it returns to NONE and reports OnBridgeRoleChanged(false,
// "promotion_failed"); if this node was the only candidate it does not
// re-arm the bridge-timeout countdown, so no new election starts by itself
// (spec §4.7).
func (c *Coordinator) promote() {
	c.mu.Lock()
	c.state = StatePromoting
	c.mu.Unlock()

	rssi, ok := c.assoc.Associate()
	if !ok {
		logging.Cat(logging.LevelWarn, logging.CatRemote, "bridge: promotion failed, returning to NONE")
		c.mu.Lock()
		c.state = StateNone
		onlyCandidate := len(c.electionPeers) <= 1
		c.mu.Unlock()
		if c.cb.OnBridgeRoleChanged != nil {
			c.cb.OnBridgeRoleChanged(false, "promotion_failed")
		}
		if !onlyCandidate {
			c.armStatusTimeout()
		}
		return
	}

	if !c.canChangeRole() {
		logging.Cat(logging.LevelInfo, logging.CatRemote, "bridge: promotion suppressed by rapid-switch window")
		c.mu.Lock()
		c.state = StateNone
		c.mu.Unlock()
		c.armStatusTimeout()
		return
	}

	c.mu.Lock()
	c.state = StateBridgeActive
	c.lastRoleChangeAt = c.now()
	c.mu.Unlock()

	takeover := wire.BridgeTakeoverBody{Reason: "election_won", RouterRSSI: rssi, Timestamp: c.now().UnixMilli()}
	if err := c.announce.BroadcastTakeover(takeover); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatRemote, "bridge: takeover broadcast failed: %v", err)
	}
	// Dual-announcement: a second TAKEOVER follows after the new bridge
	// re-initializes on the router's channel. The channel switch itself is
	// driven by the topology engine's re-sync; this coordinator only
	// re-announces once that settles, signaled by the caller via
	// AnnounceChannelSettled.

	if c.cb.OnBridgeRoleChanged != nil {
		c.cb.OnBridgeRoleChanged(true, "election_won")
	}

	c.startPeriodicStatus()
	if c.cfg.MultiBridge.Enabled {
		c.startPeriodicCoordination()
	}
}

// AnnounceChannelSettled emits the second half of the dual-announcement
// takeover once the new bridge has re-initialized on the router's
// channel (spec §4.7).
func (c *Coordinator) AnnounceChannelSettled(rssi int) {
	c.mu.Lock()
	isActive := c.state == StateBridgeActive
	c.mu.Unlock()
	if !isActive {
		return
	}
	takeover := wire.BridgeTakeoverBody{Reason: "channel_settled", RouterRSSI: rssi, Timestamp: c.now().UnixMilli()}
	if err := c.announce.BroadcastTakeover(takeover); err != nil {
		logging.Cat(logging.LevelWarn, logging.CatRemote, "bridge: second takeover broadcast failed: %v", err)
	}
}

func (c *Coordinator) canChangeRole() bool {
	if c.lastRoleChangeAt.IsZero() {
		return true
	}
	return c.now().Sub(c.lastRoleChangeAt) >= c.cfg.RapidSwitchWindow
}

func (c *Coordinator) startPeriodicStatus() {
	c.statusBroadcast = c.sched.Schedule(c.cfg.BridgeStatusInterval, c.cfg.BridgeStatusInterval, func() {
		c.mu.Lock()
		active := c.state == StateBridgeActive
		c.mu.Unlock()
		if !active {
			return
		}
		status := wire.BridgeStatusBody{InternetConnected: true, Timestamp: c.now().UnixMilli()}
		if err := c.announce.BroadcastStatus(status); err != nil {
			logging.Cat(logging.LevelWarn, logging.CatRemote, "bridge: status broadcast failed: %v", err)
		}
	})
}

func (c *Coordinator) startPeriodicCoordination() {
	c.coordBroadcast = c.sched.Schedule(c.cfg.BridgeStatusInterval, c.cfg.BridgeStatusInterval, func() {
		c.mu.Lock()
		active := c.state == StateBridgeActive
		ids := make([]wire.NodeID, 0, len(c.knownBridges))
		for id := range c.knownBridges {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		if !active {
			return
		}
		body := wire.BridgeCoordinationBody{Role: "primary", PeerBridges: ids, Timestamp: c.now().UnixMilli()}
		if err := c.announce.BroadcastCoordination(body); err != nil {
			logging.Cat(logging.LevelWarn, logging.CatRemote, "bridge: coordination broadcast failed: %v", err)
		}
	})
}

// OnCoordinationAdvert updates the tracked-bridge table from a peer's
// BRIDGE_COORDINATION advertisement (multi-bridge mode, spec §4.7).
func (c *Coordinator) OnCoordinationAdvert(from wire.NodeID, body wire.BridgeCoordinationBody) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.knownBridges[from]
	if info == nil {
		info = &Info{NodeID: from, LastSeen: c.now()}
		c.knownBridges[from] = info
		c.evictOverCeilingLocked()
	}
	info.Priority = body.Priority
	info.Role = body.Role
	info.LoadPct = body.Load
	info.PeerBridgeIDs = body.PeerBridges
	info.LastSeen = c.now()
}

// healthy reports whether info is a healthy bridge at now: seen within 60s
// and internet-connected (spec §4.7). It reads only its arguments; callers
// passing an Info from knownBridges hold c.mu.
func healthy(info *Info, now time.Time) bool {
	return now.Sub(info.LastSeen) <= 60*time.Second && info.InternetConnected
}

// PreferredBridge selects among currently healthy tracked bridges
// according to the configured multi-bridge selection strategy (spec
// §4.7).
func (c *Coordinator) PreferredBridge() (wire.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var healthyList []*Info
	for _, info := range c.knownBridges {
		if healthy(info, now) {
			healthyList = append(healthyList, info)
		}
	}
	if len(healthyList) == 0 {
		return 0, false
	}

	switch c.cfg.MultiBridge.Strategy {
	case config.RoundRobin:
		c.rrCursor = (c.rrCursor + 1) % len(healthyList)
		return healthyList[c.rrCursor].NodeID, true
	case config.BestSignal:
		best := healthyList[0]
		for _, info := range healthyList[1:] {
			if info.RouterRSSI > best.RouterRSSI {
				best = info
			}
		}
		return best.NodeID, true
	default: // PriorityBased
		best := healthyList[0]
		for _, info := range healthyList[1:] {
			if info.Priority > best.Priority {
				best = info
			}
		}
		return best.NodeID, true
	}
}

// State returns the current bridge role state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// KnownBridges returns a snapshot of the tracked-bridge table.
func (c *Coordinator) KnownBridges() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, len(c.knownBridges))
	for _, info := range c.knownBridges {
		out = append(out, *info)
	}
	return out
}
