// Package sim is the discrete-event engine that drives simulated time.
//
// Everything runs on the caller's goroutine. Handlers execute to completion
// one at a time, and a scheduled event can never be withdrawn.
package sim

import (
	"container/heap"
)

// Clock exposes the current simulated time.
type Clock interface {
	Now() int64
}

type event struct {
	at  int64
	seq uint64
	fn  func()
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}

	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

type control struct {
	name string
	step int64
	fn   func(now int64)
}

// Scheduler orders events by (time, insertion) and runs periodic controls.
type Scheduler struct {
	now      int64
	seq      uint64
	queue    eventQueue
	controls []control
	fired    uint64
	started  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Now() int64 {
	return s.now
}

// Schedule runs fn delay ticks from now. Negative delays are treated as zero.
func (s *Scheduler) Schedule(delay int64, fn func()) {
	if delay < 0 {
		delay = 0
	}

	s.seq++
	heap.Push(&s.queue, &event{at: s.now + delay, seq: s.seq, fn: fn})
}

// AddControl registers fn to run on every tick divisible by step, before
// that tick's events. Controls run in registration order.
func (s *Scheduler) AddControl(name string, step int64, fn func(now int64)) {
	if step <= 0 {
		step = 1
	}

	s.controls = append(s.controls, control{name: name, step: step, fn: fn})
}

// Pending is the number of queued events.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Fired is the number of events executed so far.
func (s *Scheduler) Fired() uint64 {
	return s.fired
}

// Run advances time tick by tick until end (inclusive). Events scheduled
// with zero delay while draining a tick are executed within the same tick.
func (s *Scheduler) Run(end int64) {
	start := s.now
	if s.started {
		start++
	}
	s.started = true

	for t := start; t <= end; t++ {
		s.now = t

		for _, c := range s.controls {
			if t%c.step == 0 {
				c.fn(t)
			}
		}

		s.drain(t)
	}
}

func (s *Scheduler) drain(t int64) {
	for len(s.queue) > 0 && s.queue[0].at <= t {
		e := heap.Pop(&s.queue).(*event)
		s.fired++
		e.fn()
	}
}

// Timeline is the part of the scheduler collaborators depend on.
type Timeline interface {
	Clock
	Schedule(delay int64, fn func())
}
