// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shenandoah implements the concurrent marking subsystem of a
// region-based concurrent garbage collector.
//
// Marking discovers every object reachable from program roots while
// mutator threads keep running, using a snapshot-at-the-beginning (SATB)
// protocol: before a mutator overwrites a reference field, its write
// barrier records the old value in a per-thread SATB buffer, and marking
// workers trace those captured values along with everything else. The
// trace therefore covers the object graph as it stood when the phase
// began, no matter how the mutator rewires it mid-phase.
//
// The phase structure is:
//
//  1. MarkRoots (safepoint): scan roots, seeding per-worker task queues.
//     Strong roots only in class-unloading cycles; all roots otherwise.
//  2. MarkFromRoots (concurrent): workers trace the heap, stealing from
//     each other's queues and draining completed SATB buffers, until a
//     distributed termination protocol agrees there is nothing left.
//     This is the only cancellable phase.
//  3. PrecleanWeakRefs (concurrent, optional): a single worker re-filters
//     discovered references whose referents became provably alive, to
//     shrink the final pause.
//  4. FinishMarkFromRoots (safepoint): drain every SATB buffer including
//     per-thread partials, finish the trace to a fixed point, then run
//     reference processing and class-unloading or string-dedup cleanup.
//
// Cancel, valid at a safepoint, clears all queued work and abandons
// captured SATB state so the collector can fall back to a degenerated or
// full collection. UpdateRoots and UpdateThreadRoots re-point root slots
// through forwarding pointers for those fallback paths.
//
// Work distribution uses one fixed-capacity ring deque per worker (owner
// pushes and pops at the head, thieves take from the tail) plus a shared,
// lock-guarded overflow list touched only when a ring fills, so no task
// is ever dropped. Large object arrays are traced in bounded chunks, each
// chunk re-pushing a continuation for the remainder, which keeps single
// tasks short and stealable. Liveness is accumulated in per-worker,
// per-region counters and folded into the heap's totals only at safepoint
// boundaries.
//
// The subsystem has no error returns. Contract violations panic via
// throw; cancellation is an ordinary, always-successful exit path.
package shenandoah

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Defaults for the tunables in Config.
const (
	defaultQueueCapacity     = 8192
	defaultSATBBufferEntries = 1024
	defaultMarkLoopStride    = 1000
	defaultObjArrayChunk     = 2048
)

// Config carries the marker's collaborators and tunables. Heap, Workers,
// and Roots are required; Refs, Updater, and Dedup may be nil when the
// embedding collector does not use those phases.
type Config struct {
	Heap    Heap
	Workers WorkerPool
	Roots   RootScanner
	Updater RootUpdater
	Refs    ReferenceProcessor
	Dedup   StringDedup

	// Codec decodes compressed reference fields. The zero value is
	// correct for a heap without compressed references.
	Codec NarrowOopCodec

	// MaxWorkers is the most workers any cycle will run; the queue set is
	// sized to it once. Cycles may run fewer.
	MaxWorkers int

	QueueCapacity     int // per-worker ring capacity, power of two
	SATBBufferEntries int // entries per thread SATB buffer
	MarkLoopStride    int // tasks per stride between cancellation checks
	ObjArrayChunk     int // array elements per scan task
}

func (c *Config) setDefaults() {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.SATBBufferEntries == 0 {
		c.SATBBufferEntries = defaultSATBBufferEntries
	}
	if c.MarkLoopStride == 0 {
		c.MarkLoopStride = defaultMarkLoopStride
	}
	if c.ObjArrayChunk == 0 {
		c.ObjArrayChunk = defaultObjArrayChunk
	}
}

// A ConcurrentMark is the marking subsystem for one heap. It is created
// once and reused across collection cycles; Reset prepares it for the
// next cycle.
type ConcurrentMark struct {
	heap    Heap
	workers WorkerPool
	roots   RootScanner
	updater RootUpdater
	refs    ReferenceProcessor
	dedup   StringDedup
	codec   NarrowOopCodec
	cfg     Config

	ctx    *markContext
	queues *objToScanQueueSet
	satb   *satbQueueSet
	live   []liveData

	claimedCodeRoots atomic.Bool
	codeRootsMu      sync.Mutex
}

// New builds a ConcurrentMark from cfg. It sizes the queue set and mark
// bitmap once, from cfg.MaxWorkers and the heap's address bounds.
func New(cfg Config) *ConcurrentMark {
	cfg.setDefaults()
	if cfg.Heap == nil || cfg.Workers == nil || cfg.Roots == nil {
		throw("config must provide Heap, Workers, and Roots")
	}
	cm := &ConcurrentMark{
		heap:    cfg.Heap,
		workers: cfg.Workers,
		roots:   cfg.Roots,
		updater: cfg.Updater,
		refs:    cfg.Refs,
		dedup:   cfg.Dedup,
		codec:   cfg.Codec,
		cfg:     cfg,
	}
	base, limit := cfg.Heap.Bounds()
	cm.ctx = newMarkContext(base, limit)
	cm.queues = newObjToScanQueueSet(cfg.MaxWorkers, cfg.QueueCapacity)
	cm.live = make([]liveData, cfg.MaxWorkers)
	for i := range cm.live {
		cm.live[i] = newLiveData(cfg.Heap.NumRegions())
	}
	cm.satb = newSATBQueueSet(cfg.SATBBufferEntries, func(o Oop) bool {
		return !cm.ctx.isMarked(o)
	})
	return cm
}

// RegisterMutator creates the SATB queue for a new mutator thread. The
// thread's write barrier feeds it for the rest of the thread's life.
func (cm *ConcurrentMark) RegisterMutator() *SATBQueue {
	return cm.satb.register()
}

// IsMarked reports whether o was marked in the current cycle.
func (cm *ConcurrentMark) IsMarked(o Oop) bool {
	return cm.ctx.isMarked(o)
}

// IsAlive returns the liveness predicate for the current cycle: marked,
// after resolving forwarding if evacuation left forwarded objects behind.
func (cm *ConcurrentMark) IsAlive() func(Oop) bool {
	if cm.heap.HasForwardedObjects() {
		return func(o Oop) bool {
			if o == 0 {
				return false
			}
			return cm.ctx.isMarked(cm.heap.ResolveForwarded(o))
		}
	}
	return func(o Oop) bool {
		return cm.ctx.isMarked(o)
	}
}

func (cm *ConcurrentMark) dedupEnabled() bool {
	return cm.dedup != nil && cm.dedup.Enabled()
}

// Reset prepares for the next cycle: clears the mark bitmap and the
// liveness caches. Queues and SATB state are expected to be empty, by
// normal completion or by Cancel.
func (cm *ConcurrentMark) Reset() {
	if debugMark && !cm.queues.isEmpty() {
		throw("resetting with tasks still queued")
	}
	cm.ctx.clear()
	for _, ld := range cm.live {
		ld.reset()
	}
}

// MarkRoots runs the init-mark root scan: every root slot is visited by
// exactly one worker and every unmarked referent becomes a task on that
// worker's queue. Activates SATB capture for the cycle. Safepoint only.
//
// In class-unloading cycles only strong roots are scanned here; code
// roots are deliberately left for the concurrent phase so dead classes
// remain findable.
func (cm *ConcurrentMark) MarkRoots() {
	if debugMark && !cm.heap.AtSafepoint() {
		throw("init mark requires a safepoint")
	}
	nworkers := cm.workers.ActiveWorkers()
	cm.queues.resetStats()
	cm.queues.reserve(nworkers)
	cm.satb.setActiveAll(true)

	strat := cm.rootStrategy()
	unload := cm.heap.UnloadClasses()
	cm.workers.Run(&GangTask{
		Name: "shenandoah init mark roots",
		Work: func(w int) {
			v := cm.visitor(w, strat)
			if unload {
				cm.roots.StrongRootsDo(w, v.visitSlot)
			} else {
				cm.roots.AllRootsDo(w, v.visitSlot)
			}
		},
	})

	cm.claimedCodeRoots.Store(false)
}

// MarkFromRoots is the concurrent marking phase: all active workers trace
// from the seeded queues to exhaustion or cancellation. Runs with mutator
// threads live.
func (cm *ConcurrentMark) MarkFromRoots() {
	nworkers := cm.workers.ActiveWorkers()

	if cm.heap.ProcessReferences() {
		if cm.refs == nil {
			throw("reference processing requires a ReferenceProcessor")
		}
		cm.refs.SetActiveMTDegree(nworkers)
		cm.refs.EnableDiscovery()
		cm.refs.SetupPolicy(cm.heap.ClearAllSoftRefs())
	}

	cm.queues.reserve(nworkers)
	term := newTaskTerminator(nworkers, cm.queues)
	dedup := cm.dedupEnabled()

	cm.workers.Run(&GangTask{
		Name: "shenandoah concurrent mark",
		Work: func(w int) {
			cm.concurrentScanCodeRoots(w)
			cm.markLoop(w, term, true, dedup)
		},
	})

	if debugMark && !cm.heap.Cancelled() && !cm.queues.isEmpty() {
		throw("queues must be empty after concurrent mark")
	}
}

// concurrentScanCodeRoots lets exactly one worker per cycle walk the code
// roots, under the code-root lock, during the concurrent phase. Unloading
// cycles skip it: their code roots are visited at final mark, after dead
// classes are known.
func (cm *ConcurrentMark) concurrentScanCodeRoots(worker int) {
	if !cm.claimedCodeRoots.CompareAndSwap(false, true) {
		return
	}
	if cm.heap.UnloadClasses() {
		return
	}
	cm.codeRootsMu.Lock()
	defer cm.codeRootsMu.Unlock()
	v := cm.visitor(worker, cm.rootStrategy())
	cm.roots.CodeRootsDo(v.visitSlot)
}

// FinishMarkFromRoots is the final-mark safepoint: drain completed and
// per-thread SATB buffers, rescan the roots that could not be scanned
// concurrently, trace to the fixed point, then process weak references
// and run unloading or dedup cleanup. Not cancellable; the caller must
// have cleared any cancellation before entering the safepoint.
func (cm *ConcurrentMark) FinishMarkFromRoots() {
	if debugMark && !cm.heap.AtSafepoint() {
		throw("final mark requires a safepoint")
	}
	nworkers := cm.workers.ActiveWorkers()
	cm.queues.reserve(nworkers)

	satbQueues := cm.satb.queueList()
	var claimedThreads claimedSet
	claimedThreads.reset(len(satbQueues))
	var claimedCodeMarking atomic.Bool

	term := newTaskTerminator(nworkers, cm.queues)
	dedup := cm.dedupEnabled()
	unload := cm.heap.UnloadClasses()
	bypassed := cm.heap.DegeneratedGCInProgress() || cm.heap.FullGCInProgress()

	satbStrat := cm.rootStrategy()
	satbStrat.dedup = dedup

	cm.workers.Run(&GangTask{
		Name: "shenandoah final mark",
		Work: func(w int) {
			v := cm.visitor(w, satbStrat)
			for cm.satb.drainCompleted(v.visitValue) {
			}
			for i := range satbQueues {
				if claimedThreads.claim(i) {
					cm.satb.flushQueue(satbQueues[i], v.visitValue)
				}
			}
			if unload && claimedCodeMarking.CompareAndSwap(false, true) {
				// Unloading cycles skipped code roots until now; mark
				// through them before deciding class liveness.
				cv := cm.visitor(w, cm.rootStrategy())
				cm.codeRootsMu.Lock()
				cm.roots.CodeRootsDo(cv.visitSlot)
				cm.codeRootsMu.Unlock()
			}
			if bypassed {
				// Full GC does not run the concurrent cycle, and a
				// degenerated one may have bypassed it, so code roots
				// might not be scanned yet.
				cm.concurrentScanCodeRoots(w)
			}
			cm.markLoop(w, term, false, dedup)
		},
	})

	if debugMark && !cm.queues.isEmpty() {
		throw("queues must be empty after final mark")
	}

	// Marking is complete; stop SATB capture before weak processing.
	cm.satb.setActiveAll(false)

	if cm.heap.ProcessReferences() {
		cm.weakRefsWork()
	}

	if unload {
		cm.weakRootsWork()
		cm.heap.UnloadClassesAndCleanup()
	} else if dedup {
		cm.dedup.Cleanup()
	}

	if debugMark && !cm.queues.isEmpty() {
		throw("queues must be empty after reference processing")
	}

	cm.flushLiveness()
}

// flushLiveness folds every worker's liveness cache into the heap's
// per-region totals. Safepoint boundaries only.
func (cm *ConcurrentMark) flushLiveness() {
	for _, ld := range cm.live {
		ld.flush(cm.heap)
	}
}

// UpdateRoots re-points every root slot through forwarding pointers after
// objects moved. Weak roots with dead referents are cleared using the
// cycle's liveness predicate. Safepoint only; used by the degenerated and
// full collection paths.
func (cm *ConcurrentMark) UpdateRoots() {
	if debugMark && !cm.heap.AtSafepoint() {
		throw("update roots requires a safepoint")
	}
	if debugMark && !cm.heap.DegeneratedGCInProgress() && !cm.heap.FullGCInProgress() {
		throw("update roots is only for degenerated or full gc")
	}
	if cm.updater == nil {
		throw("no RootUpdater configured")
	}
	isAlive := cm.IsAlive()
	update := cm.updateSlot
	cm.workers.Run(&GangTask{
		Name: "shenandoah update roots",
		Work: func(w int) {
			cm.updater.UpdateRootsDo(w, isAlive, update)
		},
	})
}

// UpdateThreadRoots updates only thread-stack root slots. Safepoint only.
func (cm *ConcurrentMark) UpdateThreadRoots() {
	if debugMark && !cm.heap.AtSafepoint() {
		throw("update thread roots requires a safepoint")
	}
	if cm.updater == nil {
		throw("no RootUpdater configured")
	}
	update := cm.updateSlot
	cm.workers.Run(&GangTask{
		Name: "shenandoah update thread roots",
		Work: func(w int) {
			cm.updater.UpdateThreadRootsDo(w, update)
		},
	})
}

func (cm *ConcurrentMark) updateSlot(s OopSlot) {
	o := s.Load(cm.codec)
	if o == 0 {
		return
	}
	if fwd := cm.heap.ResolveForwarded(o); fwd != o {
		s.Store(fwd, cm.codec)
	}
}

// Cancel clears all marking state so the collector can fall back: every
// task queue, the shared overflow list, and all captured SATB buffers.
// Safepoint only. The mark bitmap keeps whatever was marked; Reset clears
// it before the next cycle.
func (cm *ConcurrentMark) Cancel() {
	if debugMark && !cm.heap.AtSafepoint() {
		throw("cancel requires a safepoint")
	}
	cm.queues.clear()
	cm.satb.abandonPartialMarking()
}

// QueueStats is a snapshot of task-queue traffic for one cycle, summed
// over workers. Read it after a phase for logging; counters reset at
// MarkRoots.
type QueueStats struct {
	Pushes        uint64
	Pops          uint64
	Steals        uint64
	StealAttempts uint64
	Overflowed    uint64
	Refilled      uint64
	MaxDepth      uint64
}

func (s QueueStats) String() string {
	return fmt.Sprintf("pushes=%d pops=%d steals=%d/%d overflowed=%d refilled=%d maxdepth=%d",
		s.Pushes, s.Pops, s.Steals, s.StealAttempts, s.Overflowed, s.Refilled, s.MaxDepth)
}

// QueueStats returns the current cycle's queue counters.
func (cm *ConcurrentMark) QueueStats() QueueStats {
	t := cm.queues.totals()
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
