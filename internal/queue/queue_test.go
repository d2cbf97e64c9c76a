package queue

import (
	"testing"

	"github.com/Alteriom/meshnet/internal/wire"
)

// TestEvictionLadderS5 reproduces S5 from spec.md verbatim.
func TestEvictionLadderS5(t *testing.T) {
	q := New(3, nil, nil)

	id1, err := q.Enqueue([]byte("a"), "x", wire.Low)
	if err != nil || id1 != 1 {
		t.Fatalf("enqueue 1: id=%d err=%v", id1, err)
	}
	id2, err := q.Enqueue([]byte("b"), "x", wire.Low)
	if err != nil || id2 != 2 {
		t.Fatalf("enqueue 2: id=%d err=%v", id2, err)
	}
	id3, err := q.Enqueue([]byte("c"), "x", wire.Normal)
	if err != nil || id3 != 3 {
		t.Fatalf("enqueue 3: id=%d err=%v", id3, err)
	}

	id4, err := q.Enqueue([]byte("d"), "x", wire.Critical)
	if err != nil {
		t.Fatalf("enqueue 4 (critical): %v", err)
	}
	if id4 != 4 {
		t.Fatalf("expected id 4, got %d", id4)
	}

	st := q.Stats()
	if st.Queued != 3 {
		t.Fatalf("expected 3 queued, got %d", st.Queued)
	}
	if st.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", st.Dropped)
	}

	flushed := q.Flush()
	if len(flushed) != 3 {
		t.Fatalf("expected 3 flushed, got %d", len(flushed))
	}
	if flushed[0].ID != 4 || flushed[0].Priority != wire.Critical {
		t.Fatalf("expected CRITICAL id=4 first, got id=%d priority=%v", flushed[0].ID, flushed[0].Priority)
	}
	if flushed[1].ID != 3 || flushed[1].Priority != wire.Normal {
		t.Fatalf("expected NORMAL id=3 second, got id=%d priority=%v", flushed[1].ID, flushed[1].Priority)
	}
	if flushed[2].ID != 2 || flushed[2].Priority != wire.Low {
		t.Fatalf("expected remaining LOW id=2 (oldest LOW id=1 evicted), got id=%d priority=%v", flushed[2].ID, flushed[2].Priority)
	}
}

func TestQueueSaturatedCritical(t *testing.T) {
	q := New(1, nil, nil)
	if _, err := q.Enqueue([]byte("a"), "x", wire.Critical); err != nil {
		t.Fatalf("first critical enqueue: %v", err)
	}
	_, err := q.Enqueue([]byte("b"), "x", wire.Critical)
	if err != ErrQueueSaturatedCritical {
		t.Fatalf("expected ErrQueueSaturatedCritical, got %v", err)
	}
}

func TestQueueNeverExceedsMaxSize(t *testing.T) {
	q := New(5, nil, nil)
	priorities := []wire.Priority{wire.Low, wire.Low, wire.Normal, wire.High, wire.Critical, wire.Critical, wire.High, wire.Normal}
	for i, p := range priorities {
		q.Enqueue([]byte{byte(i)}, "x", p)
		if size := q.Size(-1); size > 5 {
			t.Fatalf("queue exceeded maxSize after enqueue %d: size=%d", i, size)
		}
	}
}

func TestRemoveAndPrune(t *testing.T) {
	q := New(10, nil, nil)
	id, _ := q.Enqueue([]byte("a"), "x", wire.Normal)
	if !q.Remove(id) {
		t.Fatal("expected Remove to succeed")
	}
	if q.Remove(id) {
		t.Fatal("expected second Remove to fail")
	}
	if st := q.Stats(); st.Sent != 1 {
		t.Fatalf("expected sent=1, got %d", st.Sent)
	}
}

func TestThresholdCallback(t *testing.T) {
	var states []ThresholdState
	q := New(4, func(s ThresholdState) { states = append(states, s) }, nil)

	q.Enqueue([]byte("a"), "x", wire.Normal)
	q.Enqueue([]byte("b"), "x", wire.Normal)
	q.Enqueue([]byte("c"), "x", wire.Normal)
	q.Enqueue([]byte("d"), "x", wire.Normal)

	if len(states) == 0 {
		t.Fatal("expected at least one threshold transition")
	}
	if states[len(states)-1] != StateFull {
		t.Fatalf("expected final state FULL, got %v", states[len(states)-1])
	}
}
