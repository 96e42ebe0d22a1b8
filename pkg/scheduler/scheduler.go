// Package scheduler implements the timeline scheduler from spec section
// 4.4: a single min-heap of absolute-time callbacks, armed with one
// *time.Timer, flushed in (time, priority, id) order. Grounded on the
// teacher's pkg/vm/audio.Timer goroutine/stopCh shape, generalized
// from a fixed-interval ticker to an arbitrary, rearming heap of events.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Priority tie-breaks events scheduled for the same time. Lower values
// fire first. PriorityRelease is used for note-offs that precede a
// retrigger at the same instant; PriorityNaturalEnd is used for note-offs
// that follow note-ons scheduled at that same instant, per spec section 8.
const (
	PriorityRelease    = -1
	PriorityDefault    = 0
	PriorityNaturalEnd = 1
)

// guardBand is subtracted from the computed wall-clock sleep so the flush
// wakes slightly early; the flush loop itself decides what actually fires
// using the audio clock, per spec section 4.4.
const guardBand = 25 * time.Millisecond

// epsilon is the tolerance for time comparisons in the scheduler, per spec
// section 4.4.
const epsilon = 1e-4

// Clock returns the current audio-clock reading in seconds. Tests supply a
// deterministic Clock; production code uses NewWallClock.
type Clock func() float64

// NewWallClock returns a Clock measuring seconds elapsed since it was
// constructed.
func NewWallClock() Clock {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}

// Handle identifies a scheduled event for cancellation. The zero Handle is
// never issued by Schedule.
type Handle int64

type event struct {
	time     float64
	priority int
	id       int64
	callback func()
	alive    bool
}

// eventHeap implements container/heap.Interface ordered by
// (time asc, priority asc, id asc).
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].id < h[j].id
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler is a single-armed, cooperative priority-queue timer. Every
// callback it fires runs synchronously on the scheduler's own timer
// goroutine; callbacks must not block, and may themselves call Schedule or
// Cancel (rearm during flush is idempotent).
type Scheduler struct {
	mu     sync.Mutex
	clock  Clock
	log    *slog.Logger
	heap   eventHeap
	byID   map[int64]*event
	nextID int64

	timer   *time.Timer
	stopCh  chan struct{}
	running bool
}

// New constructs a Scheduler. If clock is nil, NewWallClock is used.
func New(clock Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = NewWallClock()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		clock: clock,
		log:   log,
		byID:  make(map[int64]*event),
	}
	heap.Init(&s.heap)
	return s
}

// Now returns the scheduler's current audio-clock reading.
func (s *Scheduler) Now() float64 {
	return s.clock()
}

// Schedule inserts a callback to fire at the given absolute audio-clock
// time with the given priority, rearming the timer if this event becomes
// the new head.
func (s *Scheduler) Schedule(t float64, priority int, callback func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e := &event{time: t, priority: priority, id: s.nextID, callback: callback, alive: true}
	heap.Push(&s.heap, e)
	s.byID[e.id] = e

	s.rearmLocked()
	return Handle(e.id)
}

// Cancel marks an event dead. A dead head is skipped without re-firing its
// callback when the heap is flushed.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[int64(h)]
	if !ok {
		return
	}
	e.alive = false
	delete(s.byID, int64(h))
}

// Clear drops every pending event and disarms the timer. Idempotent.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Scheduler) clearLocked() {
	s.heap = eventHeap{}
	s.byID = make(map[int64]*event)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.running = false
}

// rearmLocked arms a single *time.Timer for the current head, replacing
// any previously armed timer. Must be called with s.mu held.
func (s *Scheduler) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if len(s.heap) == 0 {
		s.timer = nil
		return
	}

	head := s.heap[0]
	now := s.clock()
	delay := time.Duration((head.time-now)*float64(time.Second)) - guardBand
	if delay < 0 {
		delay = 0
	}

	if s.stopCh == nil {
		s.stopCh = make(chan struct{})
		s.running = true
	}
	stopCh := s.stopCh

	s.timer = time.AfterFunc(delay, func() {
		select {
		case <-stopCh:
			return
		default:
		}
		s.flush()
	})
}

// Flush fires every due event immediately, using the scheduler's current
// clock reading, without waiting for the timer goroutine. Production code
// never needs this; it exists so tests can drive the scheduler with a
// deterministic fake Clock instead of real wall-clock sleeps.
func (s *Scheduler) Flush() {
	s.flush()
}

// flush fires every event whose time has arrived (time <= now + epsilon),
// in heap order, then rearms for the next head. A callback that panics is
// caught and logged; the flush continues, per spec section 7's "the
// scheduler never throws" policy.
func (s *Scheduler) flush() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			return
		}
		head := s.heap[0]
		now := s.clock()
		if head.time > now+epsilon {
			s.rearmLocked()
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.heap)
		delete(s.byID, head.id)
		s.mu.Unlock()

		if head.alive && head.callback != nil {
			s.runCallback(head.callback)
		}
	}
}

func (s *Scheduler) runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: callback panicked", "recover", r)
		}
	}()
	cb()
}

// Pending returns the number of events still queued, for diagnostics and
// tests.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
