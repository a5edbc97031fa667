// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

// Export for testing.

type (
	MarkTask    = markTask
	Queue       = objToScanQueue
	QueueSet    = objToScanQueueSet
	Terminator  = taskTerminator
	MarkContext = markContext
	LiveData    = liveData
	SATBSet     = satbQueueSet
	ClaimedSet  = claimedSet
)

func NewTask(obj Oop, start, end int32) MarkTask { return markTask{obj: obj, start: start, end: end} }

func (t MarkTask) Obj() Oop     { return t.obj }
func (t MarkTask) Start() int32 { return t.start }
func (t MarkTask) End() int32   { return t.end }

func NewQueueSet(n, capacity int) *QueueSet { return newObjToScanQueueSet(n, capacity) }

func (s *objToScanQueueSet) Reserve(n int)     { s.reserve(n) }
func (s *objToScanQueueSet) Queue(i int) *Queue { return s.queue(i) }
func (s *objToScanQueueSet) ClaimNext() *Queue { return s.claimNext() }
func (s *objToScanQueueSet) HasWork() bool     { return s.hasWork() }
func (s *objToScanQueueSet) IsEmpty() bool     { return s.isEmpty() }
func (s *objToScanQueueSet) Clear()            { s.clear() }

func (s *objToScanQueueSet) Steal(self int, seed *uint32, t *MarkTask) bool {
	return s.steal(self, seed, t)
}

func (s *objToScanQueueSet) StealsPerQueue() []float64 {
	xs := make([]float64, len(s.queues))
	for i, q := range s.queues {
		xs[i] = float64(q.stats.steals)
	}
	return xs
}

func (s *objToScanQueueSet) Stats() QueueStats {
	t := s.totals()
	return QueueStats{
		Pushes:        t.pushes,
		Pops:          t.pops,
		Steals:        t.steals,
		StealAttempts: t.stealAttempts,
		Overflowed:    t.overflowed,
		Refilled:      t.refilled,
		MaxDepth:      t.maxDepth,
	}
}

func (q *objToScanQueue) Push(t MarkTask)       { q.push(t) }
func (q *objToScanQueue) Pop(t *MarkTask) bool  { return q.pop(t) }
func (q *objToScanQueue) PopTail(t *MarkTask) bool { return q.popTail(t) }
func (q *objToScanQueue) Size() int             { return int(q.size()) }
func (q *objToScanQueue) Empty() bool           { return q.empty() }

func NewTerminator(nWorkers int, queues *QueueSet) *Terminator {
	return newTaskTerminator(nWorkers, queues)
}

func (t *taskTerminator) Offer(exit func() bool) bool { return t.offerTermination(exit) }
func (t *taskTerminator) Reset()                      { t.resetForReuse() }

func NewContext(base, limit uintptr) *MarkContext { return newMarkContext(base, limit) }

func (m *markContext) TryMark(o Oop) bool { return m.tryMark(o) }
func (m *markContext) Marked(o Oop) bool  { return m.isMarked(o) }
func (m *markContext) ClearAll()          { m.clear() }

func NewLive(regions int) LiveData { return newLiveData(regions) }

func (ld liveData) Count(h Heap, region int, bytes uintptr) { ld.count(h, region, bytes) }
func (ld liveData) Flush(h Heap)                            { ld.flush(h) }
func (ld liveData) Zero()                                   { ld.reset() }

func NewSATBSet(bufEntries int, retain func(Oop) bool) *SATBSet {
	return newSATBQueueSet(bufEntries, retain)
}

func (s *satbQueueSet) Register() *SATBQueue           { return s.register() }
func (s *satbQueueSet) SetActiveAll(active bool)       { s.setActiveAll(active) }
func (s *satbQueueSet) CompletedNum() int              { return s.completedNum() }
func (s *satbQueueSet) DrainCompleted(f func(Oop)) bool { return s.drainCompleted(f) }
func (s *satbQueueSet) QueueList() []*SATBQueue        { return s.queueList() }
func (s *satbQueueSet) FlushQueue(q *SATBQueue, f func(Oop)) { s.flushQueue(q, f) }
func (s *satbQueueSet) Abandon()                       { s.abandonPartialMarking() }

func (q *SATBQueue) Pending() int { return q.n }

func (c *claimedSet) Reset(n int)     { c.reset(n) }
func (c *claimedSet) Claim(i int) bool { return c.claim(i) }

func (cm *ConcurrentMark) SATBCompleted() int { return cm.satb.completedNum() }
func (cm *ConcurrentMark) QueuesEmpty() bool  { return cm.queues.isEmpty() }

func (cm *ConcurrentMark) StealsPerWorker() []float64 { return cm.queues.StealsPerQueue() }
