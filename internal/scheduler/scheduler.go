// Package scheduler implements the cooperative task scheduler the core
// assumes per the concurrency model: schedule(delay, period, handler)
// returning a cancellable Handle, with no implicit yields — suspension
// points are exactly the returns from task handlers. The teacher expresses
// this informally with a time.Ticker per goroutine (gossip.Protocol's
// topologyTicker, node.Server's updateStorageMetrics loop); this package
// makes the scheduling contract an explicit, reusable collaborator instead
// of re-deriving it per component.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Handle cancels a scheduled task. Cancellation is synchronous: once
// Cancel returns, the handler will not be invoked again.
type Handle interface {
	Cancel()
}

// Scheduler runs handlers on a single goroutine, one at a time, so mesh
// components never need mutexes to guard state only scheduled tasks touch.
type Scheduler interface {
	// Schedule runs fn once after delay, then (if period > 0) every period
	// thereafter, until cancelled. period == 0 means one-shot.
	Schedule(delay, period time.Duration, fn func()) Handle
	// Stop cancels every outstanding task and halts the scheduler loop.
	Stop()
}

type task struct {
	due     time.Time
	period  time.Duration
	fn      func()
	index   int
	cancelled bool
}

func (t *task) Cancel() {
	t.cancelled = true
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// TimerScheduler is the production Scheduler: a single goroutine backed by
// one time.Timer re-armed to the next-due task, so at most one handler body
// executes at a time and each runs to completion before the next starts.
type TimerScheduler struct {
	mu       sync.Mutex
	pending  taskHeap
	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewTimerScheduler starts the scheduling goroutine and returns the handle
// used to schedule and stop work on it.
func NewTimerScheduler() *TimerScheduler {
	s := &TimerScheduler{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *TimerScheduler) Schedule(delay, period time.Duration, fn func()) Handle {
	t := &task{due: time.Now().Add(delay), period: period, fn: fn}
	s.mu.Lock()
	heap.Push(&s.pending, t)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t
}

func (s *TimerScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *TimerScheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next time.Duration = time.Hour
		if len(s.pending) > 0 {
			next = time.Until(s.pending[0].due)
			if next < 0 {
				next = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-s.stopped:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.runDue()
		}
	}
}

func (s *TimerScheduler) runDue() {
	now := time.Now()
	var due []*task
	s.mu.Lock()
	for len(s.pending) > 0 && !s.pending[0].due.After(now) {
		t := heap.Pop(&s.pending).(*task)
		if t.cancelled {
			continue
		}
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		if t.cancelled {
			continue
		}
		t.fn()
		if t.cancelled {
			continue
		}
		if t.period > 0 {
			t.due = time.Now().Add(t.period)
			s.mu.Lock()
			heap.Push(&s.pending, t)
			s.mu.Unlock()
		}
	}
}
