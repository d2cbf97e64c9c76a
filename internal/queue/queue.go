// Package queue implements the bounded priority message queue with the
// eviction ladder from spec §4.8/§4.9/§8 scenario S5. Grounded on the
// teacher's storage.MemoryStore (a mutex-guarded map with explicit
// size/eviction bookkeeping), generalized from plain key eviction to the
// priority ladder this spec requires.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/Alteriom/meshnet/internal/wire"
)

// ErrQueueSaturatedCritical is returned by Enqueue whenever the queue is
// full and the eviction ladder finds no entry the new priority may evict:
// a CRITICAL enqueue when only CRITICAL entries remain (spec §4.9/§8), and
// equally a refused LOW, NORMAL or HIGH enqueue. No separate error
// distinguishes the non-CRITICAL cases.
var ErrQueueSaturatedCritical = errors.New("queue_saturated_critical")

// ThresholdState names the queue occupancy bands a StateCallback fires on
// transitions across (spec §4.8).
type ThresholdState int

const (
	StateEmpty ThresholdState = iota
	StateNormal
	StateThreeQuarters
	StateFull
)

// Message is one queued entry (spec §3 QueuedMessage).
type Message struct {
	ID            uint64
	Payload       []byte
	Destination   string
	Priority      wire.Priority
	EnqueuedAt    time.Time
	Attempts      int
}

// Stats summarizes lifetime queue activity (spec §4.8).
type Stats struct {
	Queued  int
	Sent    uint64
	Dropped uint64
}

// Queue is a bounded, priority-ordered FIFO with the eviction ladder from
// spec §4.8: a new CRITICAL evicts oldest LOW then NORMAL then HIGH, never
// CRITICAL; HIGH evicts LOW then NORMAL; NORMAL evicts LOW; LOW is dropped
// outright once only CRITICAL/HIGH/NORMAL remain.
type Queue struct {
	mu       sync.Mutex
	maxSize  int
	nextID   uint64
	entries  []*Message // insertion order within each priority bucket is preserved
	sent     uint64
	dropped  uint64
	lastState ThresholdState
	onState  func(ThresholdState)
	now      func() time.Time
	cipher   *PayloadCipher
}

// New builds a Queue. onState, if non-nil, fires whenever size crosses an
// EMPTY/NORMAL/75%/FULL threshold (spec §4.8). It runs with the queue's
// lock released, so it may call back into the Queue (e.g. Size).
func New(maxSize int, onState func(ThresholdState), now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{maxSize: maxSize, onState: onState, now: now, lastState: StateEmpty}
}

// SetCipher enables at-rest payload encryption for every future Enqueue
// (and transparent decryption in Flush). A nil cipher disables it; queued
// entries already sealed under a previous cipher will fail to Open if the
// cipher is changed mid-flight, which callers are expected not to do.
func (q *Queue) SetCipher(c *PayloadCipher) {
	q.mu.Lock()
	q.cipher = c
	q.mu.Unlock()
}

// Enqueue inserts payload at priority, applying the eviction ladder if the
// queue is at capacity. Returns the new message's id, or
// ErrQueueSaturatedCritical if the queue is at capacity and no entry can
// be evicted for this priority (CRITICAL with only CRITICAL entries left,
// HIGH with no LOW/NORMAL, NORMAL with no LOW, or any LOW enqueue).
func (q *Queue) Enqueue(payload []byte, destination string, priority wire.Priority) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		if !q.evictForLocked(priority) {
			return 0, ErrQueueSaturatedCritical
		}
	}

	stored := payload
	if q.cipher != nil {
		sealed, err := q.cipher.Seal(payload)
		if err != nil {
			return 0, err
		}
		stored = sealed
	}

	q.nextID++
	id := q.nextID
	q.entries = append(q.entries, &Message{
		ID:          id,
		Payload:     stored,
		Destination: destination,
		Priority:    priority,
		EnqueuedAt:  q.now(),
	})
	q.fireThresholdLocked()
	return id, nil
}

// evictForLocked makes room for a new entry of the given priority per the
// eviction ladder. Returns false if no victim is eligible (queue is
// saturated with entries of equal or higher priority than what the ladder
// allows evicting).
func (q *Queue) evictForLocked(incoming wire.Priority) bool {
	var ladder []wire.Priority
	switch incoming {
	case wire.Critical:
		ladder = []wire.Priority{wire.Low, wire.Normal, wire.High}
	case wire.High:
		ladder = []wire.Priority{wire.Low, wire.Normal}
	case wire.Normal:
		ladder = []wire.Priority{wire.Low}
	default: // Low
		return false
	}

	for _, victim := range ladder {
		if idx := q.oldestOfLocked(victim); idx != -1 {
			q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}

func (q *Queue) oldestOfLocked(p wire.Priority) int {
	for i, m := range q.entries {
		if m.Priority == p {
			return i
		}
	}
	return -1
}

// Flush returns every queued message ordered by priority
// (CRITICAL,HIGH,NORMAL,LOW) then enqueue order (spec §4.8). It does not
// remove entries; the caller transmits and calls Remove on success.
func (q *Queue) Flush() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, len(q.entries))
	for _, p := range []wire.Priority{wire.Critical, wire.High, wire.Normal, wire.Low} {
		for _, m := range q.entries {
			if m.Priority != p {
				continue
			}
			msg := *m
			if q.cipher != nil {
				if plain, err := q.cipher.Open(msg.Payload); err == nil {
					msg.Payload = plain
				}
			}
			out = append(out, msg)
		}
	}
	return out
}

// Remove deletes a message by id after successful delivery.
func (q *Queue) Remove(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.entries {
		if m.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.sent++
			q.fireThresholdLocked()
			return true
		}
	}
	return false
}

// IncrementAttempts records a delivery attempt for id.
func (q *Queue) IncrementAttempts(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.entries {
		if m.ID == id {
			m.Attempts++
			return
		}
	}
}

// Prune removes entries older than maxAge, returning the count removed.
func (q *Queue) Prune(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-maxAge)
	kept := q.entries[:0]
	removed := 0
	for _, m := range q.entries {
		if m.EnqueuedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	q.entries = kept
	if removed > 0 {
		q.fireThresholdLocked()
	}
	return removed
}

// Clear empties the queue unconditionally, including CRITICAL entries.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.fireThresholdLocked()
}

// Size returns the count of queued entries, optionally filtered to one
// priority (pass -1 for no filter).
func (q *Queue) Size(priorityFilter int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if priorityFilter < 0 {
		return len(q.entries)
	}
	n := 0
	for _, m := range q.entries {
		if int(m.Priority) == priorityFilter {
			n++
		}
	}
	return n
}

// Stats returns lifetime queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.entries), Sent: q.sent, Dropped: q.dropped}
}

// fireThresholdLocked invokes onState when size crosses an
// EMPTY/NORMAL/75%/FULL band (spec §4.8). Must be called with q.mu held;
// it releases q.mu around the onState call and re-acquires it afterwards.
func (q *Queue) fireThresholdLocked() {
	if q.onState == nil {
		return
	}
	var state ThresholdState
	switch {
	case len(q.entries) == 0:
		state = StateEmpty
	case len(q.entries) >= q.maxSize:
		state = StateFull
	case q.maxSize > 0 && len(q.entries)*4 >= q.maxSize*3:
		state = StateThreeQuarters
	default:
		state = StateNormal
	}
	if state != q.lastState {
		q.lastState = state
		q.mu.Unlock()
		q.onState(state)
		q.mu.Lock()
	}
}
