package bridge

import (
	"testing"

	"github.com/Alteriom/meshnet/internal/config"
	"github.com/Alteriom/meshnet/internal/scheduler"
	"github.com/Alteriom/meshnet/internal/wire"
)

// TestWinnerS4 reproduces S4 from spec.md verbatim: three candidates with
// routerRssi {-42,-42,-55}, uptimes {3600,7200,10000}, nodeIds {100,200,50}.
// Expected winner: nodeId=200 (best rssi tied at -42, highest uptime 7200
// among the tie).
func TestWinnerS4(t *testing.T) {
	candidates := []Candidate{
		{NodeID: 100, RouterRSSI: -42, Uptime: 3600, FreeMemory: 1000},
		{NodeID: 200, RouterRSSI: -42, Uptime: 7200, FreeMemory: 1000},
		{NodeID: 50, RouterRSSI: -55, Uptime: 10000, FreeMemory: 1000},
	}
	winner, ok := Winner(candidates)
	if !ok {
		t.Fatal("expected an eligible winner")
	}
	if winner.NodeID != 200 {
		t.Fatalf("expected winner nodeId=200, got %d", winner.NodeID)
	}
}

func TestWinnerIneligibleWhenRSSIZero(t *testing.T) {
	candidates := []Candidate{
		{NodeID: 1, RouterRSSI: 0, Uptime: 999999},
		{NodeID: 2, RouterRSSI: -10, Uptime: 1},
	}
	winner, ok := Winner(candidates)
	if !ok {
		t.Fatal("expected an eligible winner")
	}
	if winner.NodeID != 2 {
		t.Fatalf("expected winner nodeId=2 (nodeId=1 has rssi=0, ineligible), got %d", winner.NodeID)
	}
}

func TestWinnerNoEligibleCandidates(t *testing.T) {
	candidates := []Candidate{{NodeID: 1, RouterRSSI: 0}}
	if _, ok := Winner(candidates); ok {
		t.Fatal("expected no eligible winner when all candidates have rssi=0")
	}
}

func TestWinnerTieBreaksByMemoryThenNodeID(t *testing.T) {
	candidates := []Candidate{
		{NodeID: 10, RouterRSSI: -40, Uptime: 100, FreeMemory: 500},
		{NodeID: 5, RouterRSSI: -40, Uptime: 100, FreeMemory: 500},
		{NodeID: 20, RouterRSSI: -40, Uptime: 100, FreeMemory: 800},
	}
	winner, ok := Winner(candidates)
	if !ok {
		t.Fatal("expected an eligible winner")
	}
	if winner.NodeID != 20 {
		t.Fatalf("expected winner nodeId=20 (highest freeMemory), got %d", winner.NodeID)
	}

	winner, ok = Winner(candidates[:2])
	if !ok {
		t.Fatal("expected an eligible winner")
	}
	if winner.NodeID != 5 {
		t.Fatalf("expected winner nodeId=5 (lowest nodeId among equal candidates), got %d", winner.NodeID)
	}
}

type noopAnnouncer struct{}

func (noopAnnouncer) BroadcastElection(wire.BridgeElectionBody) error         { return nil }
func (noopAnnouncer) BroadcastTakeover(wire.BridgeTakeoverBody) error         { return nil }
func (noopAnnouncer) BroadcastStatus(wire.BridgeStatusBody) error            { return nil }
func (noopAnnouncer) BroadcastCoordination(wire.BridgeCoordinationBody) error { return nil }

type failAssociator struct{}

func (failAssociator) Associate() (int, bool) { return 0, false }

type fixedAssociator struct {
	rssi int
	ok   bool
}

func (f fixedAssociator) Associate() (int, bool) { return f.rssi, f.ok }

func TestPreferredBridgeBestSignal(t *testing.T) {
	cfg := config.Default(1, "test")
	cfg.MultiBridge.Strategy = config.BestSignal
	sched := scheduler.NewFakeScheduler()

	c := New(1, cfg, failAssociator{}, noopAnnouncer{}, sched, Callbacks{}, false, false, sched.Now)

	c.OnBridgeStatusSeen(2, wire.BridgeStatusBody{InternetConnected: true, RouterRSSI: -70})
	c.OnBridgeStatusSeen(3, wire.BridgeStatusBody{InternetConnected: true, RouterRSSI: -30})

	preferred, ok := c.PreferredBridge()
	if !ok {
		t.Fatal("expected a preferred bridge")
	}
	if preferred != 3 {
		t.Fatalf("expected bridge 3 (strongest signal -30), got %d", preferred)
	}
}

func TestPreferredBridgeUnhealthyExcluded(t *testing.T) {
	cfg := config.Default(1, "test")
	sched := scheduler.NewFakeScheduler()
	c := New(1, cfg, failAssociator{}, noopAnnouncer{}, sched, Callbacks{}, false, false, sched.Now)

	c.OnBridgeStatusSeen(2, wire.BridgeStatusBody{InternetConnected: false, RouterRSSI: -30})
	if _, ok := c.PreferredBridge(); ok {
		t.Fatal("expected no preferred bridge when the only known bridge lacks internet")
	}
}

// recordingElectionAnnouncer captures the BRIDGE_ELECTION body it is asked
// to broadcast, so tests can assert real metrics were included.
type recordingElectionAnnouncer struct {
	noopAnnouncer
	elections []wire.BridgeElectionBody
}

func (r *recordingElectionAnnouncer) BroadcastElection(b wire.BridgeElectionBody) error {
	r.elections = append(r.elections, b)
	return nil
}

// TestBeginElectionCarriesOwnMetrics reproduces spec §8's solo-node boundary
// case: a node whose router is visible must be eligible for its own
// election, not filtered out by Winner's routerRssi==0 ineligibility rule.
func TestBeginElectionCarriesOwnMetrics(t *testing.T) {
	cfg := config.Default(1000, "test")
	sched := scheduler.NewFakeScheduler()
	announcer := &recordingElectionAnnouncer{}
	c := New(1000, cfg, fixedAssociator{rssi: -40, ok: true}, announcer, sched, Callbacks{}, true, true, sched.Now)

	c.beginElection()

	if len(announcer.elections) != 1 {
		t.Fatalf("expected exactly one BRIDGE_ELECTION broadcast, got %d", len(announcer.elections))
	}
	if announcer.elections[0].RouterRSSI != -40 {
		t.Fatalf("expected broadcast routerRssi=-40, got %d", announcer.elections[0].RouterRSSI)
	}

	c.mu.Lock()
	self := c.electionPeers[1000]
	c.mu.Unlock()
	if self.RouterRSSI != -40 {
		t.Fatalf("expected own candidacy routerRssi=-40, got %d", self.RouterRSSI)
	}

	winner, ok := Winner([]Candidate{self})
	if !ok || winner.NodeID != 1000 {
		t.Fatalf("expected solo node to be its own eligible winner, got winner=%+v ok=%v", winner, ok)
	}
}

// TestBeginElectionRouterNotVisibleIsIneligible confirms a node that cannot
// see the router is still correctly excluded (routerRssi==0), matching
// Winner's rule rather than bypassing it.
func TestBeginElectionRouterNotVisibleIsIneligible(t *testing.T) {
	cfg := config.Default(1000, "test")
	sched := scheduler.NewFakeScheduler()
	c := New(1000, cfg, failAssociator{}, noopAnnouncer{}, sched, Callbacks{}, true, true, sched.Now)

	c.beginElection()

	c.mu.Lock()
	self := c.electionPeers[1000]
	c.mu.Unlock()

	if _, ok := Winner([]Candidate{self}); ok {
		t.Fatal("expected no eligible winner when the router is not visible")
	}
}

type fakeOutcomeMetrics struct {
	outcomes []string
}

func (f *fakeOutcomeMetrics) IncElectionOutcome(outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

func TestConcludeElectionRecordsWonOutcome(t *testing.T) {
	cfg := config.Default(1000, "test")
	sched := scheduler.NewFakeScheduler()
	m := &fakeOutcomeMetrics{}
	c := New(1000, cfg, fixedAssociator{rssi: -40, ok: true}, noopAnnouncer{}, sched, Callbacks{}, true, true, sched.Now)
	c.SetMetrics(m)

	c.beginElection()
	sched.Advance(cfg.ElectionWindow)

	if len(m.outcomes) != 1 || m.outcomes[0] != "won" {
		t.Fatalf("expected a single 'won' outcome for a solo eligible candidate, got %v", m.outcomes)
	}
}

func TestConcludeElectionRecordsNoEligibleOutcome(t *testing.T) {
	cfg := config.Default(1000, "test")
	sched := scheduler.NewFakeScheduler()
	m := &fakeOutcomeMetrics{}
	c := New(1000, cfg, failAssociator{}, noopAnnouncer{}, sched, Callbacks{}, true, true, sched.Now)
	c.SetMetrics(m)

	c.beginElection()
	sched.Advance(cfg.ElectionWindow)

	if len(m.outcomes) != 1 || m.outcomes[0] != "no_eligible" {
		t.Fatalf("expected a single 'no_eligible' outcome, got %v", m.outcomes)
	}
}
