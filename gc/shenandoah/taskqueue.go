// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// A markTask is one unit of tracing work: a whole object, or one index
// range of a large object array. end == 0 means whole object; a chunk task
// covers elements [start, end).
type markTask struct {
	obj   Oop
	start int32
	end   int32
}

// An objToScanQueue is one worker's deque of mark tasks. The owner pushes
// and pops at the head (LIFO, for locality); other workers steal from the
// tail. The ring is a fixed power-of-two buffer addressed through a packed
// 32/32-bit head/tail word, so emptiness checks read one consistent
// snapshot.
//
// When the ring fills, the owner migrates half of it (plus the incoming
// task) to the queue set's shared overflow list, which is locked but
// touched only on that rare path. No task is ever dropped.
type objToScanQueue struct {
	headTail atomic.Uint64
	slots    []taskSlot
	spill    []markTask // owner-only scratch for overflow migration
	set      *objToScanQueueSet
	stats    queueStats
	_        cpu.CacheLinePad
}

// A taskSlot holds one ring entry. busy is the hand-off protocol between
// a stealing consumer and the producing owner: a stealer claims the slot
// by advancing the tail, copies the task out, and only then releases the
// slot by storing 0. The owner must not reuse a slot still being read.
type taskSlot struct {
	task markTask
	busy uint32
}

const dequeueBits = 32

func (q *objToScanQueue) unpack(ptrs uint64) (head, tail uint32) {
	const mask = 1<<dequeueBits - 1
	head = uint32((ptrs >> dequeueBits) & mask)
	tail = uint32(ptrs & mask)
	return
}

func (q *objToScanQueue) pack(head, tail uint32) uint64 {
	const mask = 1<<dequeueBits - 1
	return (uint64(head) << dequeueBits) | uint64(tail&mask)
}

// size reports the number of tasks in the ring. One atomic load gives a
// consistent head/tail pair.
func (q *objToScanQueue) size() uint32 {
	head, tail := q.unpack(q.headTail.Load())
	return head - tail
}

func (q *objToScanQueue) empty() bool {
	return q.size() == 0
}

// pushHead adds t at the head. Owner only. Returns false if the ring is
// full, including the case where a freshly vacated slot is still being
// read by a stealer.
func (q *objToScanQueue) pushHead(t markTask) bool {
	ptrs := q.headTail.Load()
	head, tail := q.unpack(ptrs)
	if (tail+uint32(len(q.slots)))&(1<<dequeueBits-1) == head {
		return false
	}
	slot := &q.slots[head&uint32(len(q.slots)-1)]

	// Check if the head slot has been released by popTail.
	if atomic.LoadUint32(&slot.busy) != 0 {
		// Another worker is still cleaning up the tail, so the queue is
		// actually still full.
		return false
	}

	slot.task = t
	slot.busy = 1

	// Increment head. This passes ownership of slot to popTail and acts
	// as a store barrier for writing the slot.
	q.headTail.Add(1 << dequeueBits)
	return true
}

// popHead removes the task most recently pushed. Owner only.
func (q *objToScanQueue) popHead(t *markTask) bool {
	var slot *taskSlot
	for {
		ptrs := q.headTail.Load()
		head, tail := q.unpack(ptrs)
		if tail == head {
			return false
		}

		// Confirm the head and tail (for our speculative claim) and
		// decrement head. This creates a new head.
		head--
		ptrs2 := q.pack(head, tail)
		if q.headTail.CompareAndSwap(ptrs, ptrs2) {
			slot = &q.slots[head&uint32(len(q.slots)-1)]
			break
		}
	}

	*t = slot.task

	// Zero the slot. Unlike popTail, this isn't racing with pushHead, so
	// we don't need to be careful here.
	slot.task = markTask{}
	slot.busy = 0
	return true
}

// popTail removes the oldest task in the ring. May be called by any
// worker.
func (q *objToScanQueue) popTail(t *markTask) bool {
	var slot *taskSlot
	for {
		ptrs := q.headTail.Load()
		head, tail := q.unpack(ptrs)
		if tail == head {
			return false
		}

		// Confirm head and tail (for our speculative claim) and
		// increment tail. If this succeeds, then we own the slot at
		// tail.
		ptrs2 := q.pack(head, tail+1)
		if q.headTail.CompareAndSwap(ptrs, ptrs2) {
			slot = &q.slots[tail&uint32(len(q.slots)-1)]
			break
		}
	}

	*t = slot.task
	slot.task = markTask{}

	// Tell pushHead that we're done with this slot. The slot must not be
	// touched after this store.
	atomic.StoreUint32(&slot.busy, 0)
	return true
}

// push adds a task, spilling to the shared overflow list when the ring is
// full. Owner only. Never fails.
func (q *objToScanQueue) push(t markTask) {
	if q.pushHead(t) {
		q.stats.pushes++
		if d := uint64(q.size()); d > q.stats.maxDepth {
			q.stats.maxDepth = d
		}
		return
	}
	q.pushSlow(t)
}

// pushSlow moves half of the ring, plus t, to the shared overflow list.
// Taking from the tail keeps the owner's hot (head) tasks local.
func (q *objToScanQueue) pushSlow(t markTask) {
	n := 0
	for n < len(q.spill)-1 {
		if !q.popTail(&q.spill[n]) {
			break
		}
		n++
	}
	q.spill[n] = t
	n++
	q.set.overflow.put(q.spill[:n])
	q.stats.pushes++
	q.stats.overflowed += uint64(n)
}

// pop takes the next local task: ring first, then a refill from the shared
// overflow list. Owner only.
func (q *objToScanQueue) pop(t *markTask) bool {
	if q.popHead(t) {
		q.stats.pops++
		return true
	}
	return q.popOverflow(t)
}

// popOverflow grabs a batch from the shared overflow list, returning one
// task and stashing the rest in the (empty) ring.
func (q *objToScanQueue) popOverflow(t *markTask) bool {
	o := &q.set.overflow
	if o.size.Load() == 0 {
		return false
	}
	max := len(q.slots) / 2
	if max > len(q.spill) {
		max = len(q.spill)
	}
	n := o.grab(q.spill, len(q.set.queues), max)
	if n == 0 {
		return false
	}
	q.stats.refilled += uint64(n)
	*t = q.spill[0]
	for i := 1; i < n; i++ {
		if !q.pushHead(q.spill[i]) {
			// A stealer still owns a slot; give the rest back.
			o.put(q.spill[i:n])
			break
		}
	}
	return true
}

// reset empties the ring. Only safe when no other worker can touch the
// queue, i.e. at a safepoint.
func (q *objToScanQueue) reset() {
	q.headTail.Store(0)
	for i := range q.slots {
		q.slots[i] = taskSlot{}
	}
}

// queueStats counts queue traffic for one worker. Every field has a single
// writer (the queue's owner, including its steals from other queues), so
// updates are plain stores; read them only after the phase's workers have
// joined.
type queueStats struct {
	pushes        uint64
	pops          uint64
	steals        uint64
	stealAttempts uint64
	overflowed    uint64
	refilled      uint64
	maxDepth      uint64
}

func (s *queueStats) add(o *queueStats) {
	s.pushes += o.pushes
	s.pops += o.pops
	s.steals += o.steals
	s.stealAttempts += o.stealAttempts
	s.overflowed += o.overflowed
	s.refilled += o.refilled
	if o.maxDepth > s.maxDepth {
		s.maxDepth = o.maxDepth
	}
}

// An overflowList is the shared spill target for all queues in a set. The
// lock is taken only on overflow and refill, never on the common path.
type overflowList struct {
	mu    sync.Mutex
	tasks []markTask
	size  atomic.Int32
	_     cpu.CacheLinePad
}

func (o *overflowList) put(batch []markTask) {
	o.mu.Lock()
	o.tasks = append(o.tasks, batch...)
	o.size.Store(int32(len(o.tasks)))
	o.mu.Unlock()
}

// grab moves up to max tasks into dst, taking an even share per queue so
// one refill does not starve the others. Returns the number taken.
func (o *overflowList) grab(dst []markTask, nqueues, max int) int {
	o.mu.Lock()
	n := len(o.tasks)
	if n == 0 {
		o.mu.Unlock()
		return 0
	}
	take := n/nqueues + 1
	if take > n {
		take = n
	}
	if take > max {
		take = max
	}
	copy(dst, o.tasks[n-take:])
	o.tasks = o.tasks[:n-take]
	o.size.Store(int32(len(o.tasks)))
	o.mu.Unlock()
	return take
}

func (o *overflowList) clear() {
	o.mu.Lock()
	o.tasks = nil
	o.size.Store(0)
	o.mu.Unlock()
}

// An objToScanQueueSet owns one queue per potential worker plus the shared
// overflow list. A cycle may run fewer workers than there are queues; the
// claim cursor lets workers adopt the unowned remainder at phase start.
type objToScanQueueSet struct {
	queues      []*objToScanQueue
	overflow    overflowList
	claimCursor atomic.Int32
	reserved    int
}

func newObjToScanQueueSet(n, capacity int) *objToScanQueueSet {
	if n < 1 {
		throw("queue set needs at least one queue")
	}
	if capacity < 2 || capacity&(capacity-1) != 0 {
		throw("queue capacity must be a power of two")
	}
	s := &objToScanQueueSet{queues: make([]*objToScanQueue, n)}
	for i := range s.queues {
		s.queues[i] = &objToScanQueue{
			slots: make([]taskSlot, capacity),
			spill: make([]markTask, capacity/2+1),
			set:   s,
		}
	}
	return s
}

func (s *objToScanQueueSet) size() int {
	return len(s.queues)
}

func (s *objToScanQueueSet) queue(i int) *objToScanQueue {
	if debugMark && i >= s.reserved {
		throw("queue not reserved for this worker")
	}
	return s.queues[i]
}

// reserve marks the first n queues as owned by this phase's workers and
// rewinds the claim cursor. Called single-threaded at phase start.
func (s *objToScanQueueSet) reserve(n int) {
	if n > len(s.queues) {
		throw("reserving more queues than exist")
	}
	s.reserved = n
	s.claimCursor.Store(0)
}

// claimNext hands out each queue in the set exactly once per phase, in
// index order. Returns nil when all are claimed.
func (s *objToScanQueueSet) claimNext() *objToScanQueue {
	idx := s.claimCursor.Add(1) - 1
	if int(idx) >= len(s.queues) {
		return nil
	}
	return s.queues[idx]
}

// steal tries to take one task for worker self from some other queue,
// preferring the fuller of two random victims. Gives up after a bounded
// number of attempts so the caller can offer termination.
func (s *objToScanQueueSet) steal(self int, seed *uint32, t *markTask) bool {
	n := len(s.queues)
	if n <= 1 {
		return false
	}
	my := &s.queues[self].stats
	for i := 0; i < 2*n; i++ {
		my.stealAttempts++
		k1 := s.randVictim(self, seed)
		k2 := s.randVictim(self, seed)
		if s.queues[k2].size() > s.queues[k1].size() {
			k1 = k2
		}
		if s.queues[k1].popTail(t) {
			my.steals++
			return true
		}
	}
	return false
}

func (s *objToScanQueueSet) randVictim(self int, seed *uint32) int {
	// xorshift, good enough for victim selection.
	x := *seed
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	*seed = x
	k := int(x) % (len(s.queues) - 1)
	if k < 0 {
		k += len(s.queues) - 1
	}
	if k >= self {
		k++
	}
	return k
}

// hasWork reports whether any ring or the overflow list holds a task.
// Cheap enough for the terminator's spin master to poll.
func (s *objToScanQueueSet) hasWork() bool {
	for _, q := range s.queues {
		if !q.empty() {
			return true
		}
	}
	return s.overflow.size.Load() > 0
}

func (s *objToScanQueueSet) isEmpty() bool {
	return !s.hasWork()
}

// clear drops every task in every ring and the overflow list. Safepoint
// only; used by the cancellation path.
func (s *objToScanQueueSet) clear() {
	for _, q := range s.queues {
		q.reset()
	}
	s.overflow.clear()
}

// totals folds all per-queue statistics into one record.
func (s *objToScanQueueSet) totals() queueStats {
	var sum queueStats
	for _, q := range s.queues {
		sum.add(&q.stats)
	}
	return sum
}

func (s *objToScanQueueSet) resetStats() {
	for _, q := range s.queues {
		q.stats = queueStats{}
	}
}
