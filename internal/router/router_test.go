package router

import (
	"testing"
	"time"

	"github.com/Alteriom/meshnet/internal/wire"
)

type fakeNeighbor struct {
	id      wire.NodeID
	subtree wire.SubtreeDescriptor
	sent    []wire.Envelope
}

func (f *fakeNeighbor) PeerNodeID() wire.NodeID         { return f.id }
func (f *fakeNeighbor) Subtree() wire.SubtreeDescriptor { return f.subtree }
func (f *fakeNeighbor) Send(env wire.Envelope, priority wire.Priority) error {
	f.sent = append(f.sent, env)
	return nil
}

func subtree(root wire.NodeID, children ...wire.SubtreeDescriptor) wire.SubtreeDescriptor {
	s := wire.SubtreeDescriptor{Root: root, Children: children}
	s.ComputeSize()
	return s
}

// TestRouteS2 reproduces S2: A(1)-B(2)-C(3), B's subtree as seen from A is {2,{3}}.
func TestRouteS2(t *testing.T) {
	b := &fakeNeighbor{id: 2, subtree: subtree(2, subtree(3))}
	r := New(1, func() []Neighbor { return []Neighbor{b} })

	env, err := wire.Build(200, 1, 3, wire.RoutingSingle, 1, map[string]string{"body": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SendSingle(3, env, wire.Normal); err != nil {
		t.Fatalf("SendSingle: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("expected exactly one frame sent to B, got %d", len(b.sent))
	}
	if b.sent[0].Dest != 3 {
		t.Fatalf("expected dest=3, got %d", b.sent[0].Dest)
	}
}

func TestSendSingleUnreachable(t *testing.T) {
	r := New(1, func() []Neighbor { return nil })
	env, _ := wire.Build(200, 1, 99, wire.RoutingSingle, 1, map[string]string{})
	if err := r.SendSingle(99, env, wire.Normal); err != ErrUnreachable {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestSendBroadcastExcludesSender(t *testing.T) {
	b := &fakeNeighbor{id: 2}
	c := &fakeNeighbor{id: 3}
	r := New(1, func() []Neighbor { return []Neighbor{b, c} })

	env, _ := wire.Build(200, 1, 0, wire.RoutingBroadcast, 1, map[string]string{})
	if err := r.SendBroadcast(env, 2); err != nil {
		t.Fatal(err)
	}
	if len(b.sent) != 0 {
		t.Fatal("expected excluded neighbor to receive nothing")
	}
	if len(c.sent) != 1 {
		t.Fatal("expected non-excluded neighbor to receive the broadcast")
	}
}

func TestSeenRecentlyDedup(t *testing.T) {
	r := New(1, func() []Neighbor { return nil })
	if r.SeenRecently(10, 5) {
		t.Fatal("first observation should not be a duplicate")
	}
	if !r.SeenRecently(10, 5) {
		t.Fatal("second observation of the same (from, msgID) should be a duplicate")
	}
	if r.SeenRecently(10, 6) {
		t.Fatal("different msgID should not be treated as a duplicate")
	}
}

func TestDedupTTLExpiry(t *testing.T) {
	r := New(1, func() []Neighbor { return nil })
	r.SetDedup(500, 10*time.Millisecond)
	if r.SeenRecently(1, 1) {
		t.Fatal("first observation should not be a duplicate")
	}
	time.Sleep(20 * time.Millisecond)
	if r.SeenRecently(1, 1) {
		t.Fatal("expired entry should not be treated as a duplicate")
	}
}

type fakeMetrics struct {
	dedupHits    int
	unreachables int
}

func (f *fakeMetrics) IncBroadcastDedupHit() { f.dedupHits++ }
func (f *fakeMetrics) IncRouteUnreachable()  { f.unreachables++ }

func TestSeenRecentlyRecordsDedupHitMetric(t *testing.T) {
	r := New(1, func() []Neighbor { return nil })
	m := &fakeMetrics{}
	r.SetMetrics(m)

	r.SeenRecently(10, 5)
	if m.dedupHits != 0 {
		t.Fatalf("expected no dedup hit on first observation, got %d", m.dedupHits)
	}
	r.SeenRecently(10, 5)
	if m.dedupHits != 1 {
		t.Fatalf("expected one dedup hit on the repeat observation, got %d", m.dedupHits)
	}
}

func TestSendSingleUnreachableRecordsMetric(t *testing.T) {
	r := New(1, func() []Neighbor { return nil })
	m := &fakeMetrics{}
	r.SetMetrics(m)

	env, _ := wire.Build(200, 1, 99, wire.RoutingSingle, 1, map[string]string{})
	if err := r.SendSingle(99, env, wire.Normal); err != ErrUnreachable {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if m.unreachables != 1 {
		t.Fatalf("expected one unreachable metric, got %d", m.unreachables)
	}
}

func TestDedupCapacityEviction(t *testing.T) {
	r := New(1, func() []Neighbor { return nil })
	r.SetDedup(2, time.Minute)
	r.SeenRecently(1, 1)
	r.SeenRecently(1, 2)
	r.SeenRecently(1, 3) // evicts (1,1)

	if r.SeenRecently(1, 1) {
		t.Fatal("(1,1) should have been evicted and treated as novel again")
	}
}
