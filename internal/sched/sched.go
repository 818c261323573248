// Package sched provides the deadline queue an endpoint uses for its
// delayed actions (join retry, leave retry, keepalive resend).
//
// A Scheduler is goroutine-local: it is driven from the endpoint's event loop
// through RunDue and needs no locking.
package sched

import (
	"container/heap"
	"time"

	"github.com/jonboulle/clockwork"
)

// Key names a scheduled action. At most one action per key is pending.
type Key string

// Scheduler runs actions once their deadline has passed.
type Scheduler struct {
	clock   clockwork.Clock
	queue   taskHeap
	current map[Key]uint64 // live generation per key
	gen     uint64
}

// New creates a Scheduler reading time from clock.
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:   clock,
		current: make(map[Key]uint64),
	}
}

// After schedules fn to run d from now. A pending action with the same key is
// replaced.
func (s *Scheduler) After(key Key, d time.Duration, fn func()) {
	s.gen++
	s.current[key] = s.gen
	heap.Push(&s.queue, &task{
		key:      key,
		deadline: s.clock.Now().Add(d),
		gen:      s.gen,
		fn:       fn,
	})
}

// Cancel drops the pending action for key, if any.
func (s *Scheduler) Cancel(key Key) {
	delete(s.current, key)
}

// CancelAll drops every pending action.
func (s *Scheduler) CancelAll() {
	s.current = make(map[Key]uint64)
	s.queue = nil
}

// Pending reports whether an action is scheduled under key.
func (s *Scheduler) Pending(key Key) bool {
	_, ok := s.current[key]
	return ok
}

// Next returns the earliest live deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	s.dropStale()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].deadline, true
}

// RunDue runs every action whose deadline is not after now, in deadline
// order, and returns how many ran. Actions scheduled by a running action are
// only run in the same call if they are already due.
func (s *Scheduler) RunDue() int {
	now := s.clock.Now()
	ran := 0
	for {
		s.dropStale()
		if s.queue.Len() == 0 || s.queue[0].deadline.After(now) {
			return ran
		}

		t := heap.Pop(&s.queue).(*task)
		delete(s.current, t.key)
		t.fn()
		ran++
	}
}

// dropStale pops cancelled or replaced entries off the top of the heap.
func (s *Scheduler) dropStale() {
	for s.queue.Len() > 0 {
		top := s.queue[0]
		if gen, ok := s.current[top.key]; ok && gen == top.gen {
			return
		}
		heap.Pop(&s.queue)
	}
}

// ---------------------------------------------------------------------------
// taskHeap implements a min-heap sorted by deadline, then by insertion order.
// ---------------------------------------------------------------------------

type task struct {
	key      Key
	deadline time.Time
	gen      uint64
	fn       func()
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].gen < h[j].gen
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
