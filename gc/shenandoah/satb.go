// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// satbEnqueueThresholdPercent decides whether a filtered buffer is worth
// handing to the drain workers: below this share of useful entries the
// owner keeps filling it instead.
const satbEnqueueThresholdPercent = 60

// A SATBQueue is one mutator thread's snapshot buffer. The thread's write
// barrier calls Enqueue with the old value of every reference field it is
// about to overwrite while marking is active; that is what keeps the trace
// sound under concurrent mutation.
//
// A SATBQueue is owned by a single thread. Enqueue must never be called
// concurrently on one queue.
type SATBQueue struct {
	set *satbQueueSet
	buf []Oop
	n   int
}

// Enqueue records the about-to-be-overwritten reference value. A no-op
// when marking is inactive or the value is null.
func (q *SATBQueue) Enqueue(old Oop) {
	if old == 0 || !q.set.active.Load() {
		return
	}
	q.buf[q.n] = old
	q.n++
	if q.n == len(q.buf) {
		q.handOff()
	}
}

// handOff filters the full buffer against the mark bitmap and either
// passes it to the completed set or, if too few entries survived, keeps
// the compacted remainder in place.
func (q *SATBQueue) handOff() {
	retain := q.set.retain
	j := 0
	for _, v := range q.buf[:q.n] {
		if retain(v) {
			q.buf[j] = v
			j++
		}
	}
	if j*100 >= len(q.buf)*satbEnqueueThresholdPercent {
		q.set.addCompleted(q.buf[:j])
		q.buf = make([]Oop, len(q.buf))
		q.n = 0
		return
	}
	q.n = j
}

// A satbQueueSet owns every thread's SATBQueue and the global list of
// completed (full, filtered) buffers awaiting a drain by marking workers.
type satbQueueSet struct {
	active     atomic.Bool
	retain     func(Oop) bool // entry is still worth marking
	bufEntries int

	mu         sync.Mutex
	queues     []*SATBQueue
	completed  [][]Oop
	ncompleted atomic.Int32
	_          cpu.CacheLinePad
}

func newSATBQueueSet(bufEntries int, retain func(Oop) bool) *satbQueueSet {
	if bufEntries < 1 {
		throw("satb buffer needs at least one entry")
	}
	return &satbQueueSet{retain: retain, bufEntries: bufEntries}
}

// register creates the SATB queue for a new mutator thread. Safe to call
// while marking runs.
func (s *satbQueueSet) register() *SATBQueue {
	q := &SATBQueue{set: s, buf: make([]Oop, s.bufEntries)}
	s.mu.Lock()
	s.queues = append(s.queues, q)
	s.mu.Unlock()
	return q
}

// setActiveAll flips barrier capture on or off for every thread. Called at
// safepoints only.
func (s *satbQueueSet) setActiveAll(active bool) {
	s.active.Store(active)
}

func (s *satbQueueSet) completedNum() int {
	return int(s.ncompleted.Load())
}

func (s *satbQueueSet) addCompleted(buf []Oop) {
	s.mu.Lock()
	s.completed = append(s.completed, buf)
	s.ncompleted.Store(int32(len(s.completed)))
	s.mu.Unlock()
}

// drainCompleted removes one completed buffer and applies f to each entry,
// outside the lock. Reports whether a buffer was drained. Idempotent at
// the fixed point: with nothing pending it is a no-op.
func (s *satbQueueSet) drainCompleted(f func(Oop)) bool {
	s.mu.Lock()
	n := len(s.completed)
	if n == 0 {
		s.mu.Unlock()
		return false
	}
	buf := s.completed[n-1]
	s.completed = s.completed[:n-1]
	s.ncompleted.Store(int32(n - 1))
	s.mu.Unlock()

	for _, v := range buf {
		f(v)
	}
	return true
}

// queueList snapshots the registered queues so a safepoint pass can claim
// each one exactly once.
func (s *satbQueueSet) queueList() []*SATBQueue {
	s.mu.Lock()
	qs := make([]*SATBQueue, len(s.queues))
	copy(qs, s.queues)
	s.mu.Unlock()
	return qs
}

// flushQueue applies f to a thread's partial buffer and empties it.
// Safepoint only; the caller must have claimed the queue.
func (s *satbQueueSet) flushQueue(q *SATBQueue, f func(Oop)) {
	for _, v := range q.buf[:q.n] {
		f(v)
	}
	q.n = 0
}

// abandonPartialMarking discards all captured snapshot state: completed
// buffers and every thread's partial buffer. Safepoint only; used on
// cancellation.
func (s *satbQueueSet) abandonPartialMarking() {
	s.mu.Lock()
	s.completed = nil
	s.ncompleted.Store(0)
	for _, q := range s.queues {
		q.n = 0
	}
	s.mu.Unlock()
}

// A claimedSet is a per-phase claim bitmap: claim(i) succeeds for exactly
// one caller per index between resets. Replaces global parity counters for
// claiming threads at a safepoint.
type claimedSet struct {
	bits []uint32
}

func (c *claimedSet) reset(n int) {
	c.bits = make([]uint32, (n+31)/32)
}

func (c *claimedSet) claim(i int) bool {
	word := &c.bits[i/32]
	mask := uint32(1) << (i % 32)
	for {
		old := atomic.LoadUint32(word)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(word, old, old|mask) {
			return true
		}
	}
}
