// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

// updateRefsMode says what to do about forwarding pointers when a
// reference is visited.
type updateRefsMode uint8

const (
	// markNone: the heap is stable, references are used as loaded.
	markNone updateRefsMode = iota
	// markResolve: resolve through the forwarding pointer, leave the slot
	// alone. Root scans and SATB drains use this.
	markResolve
	// markUpdate: resolve and write the resolved reference back to the
	// slot. The marking loop uses this when evacuation left forwarded
	// objects behind.
	markUpdate
)

// A markStrategy is the per-cycle marking configuration, one value instead
// of a closure type per flag combination.
type markStrategy struct {
	mode     updateRefsMode
	metadata bool // propagate liveness to class metadata holders
	dedup    bool // feed candidate strings to the dedup queue
}

// loopStrategy builds the steady-state strategy from heap state.
func (cm *ConcurrentMark) loopStrategy(dedup bool) markStrategy {
	mode := markNone
	if cm.heap.HasForwardedObjects() {
		mode = markUpdate
	}
	return markStrategy{
		mode:     mode,
		metadata: cm.heap.UnloadClasses(),
		dedup:    dedup && cm.dedupEnabled(),
	}
}

// rootStrategy builds the strategy for root scans: resolve forwarded
// references but never write roots back and never dedup.
func (cm *ConcurrentMark) rootStrategy() markStrategy {
	mode := markNone
	if cm.heap.HasForwardedObjects() {
		mode = markResolve
	}
	return markStrategy{mode: mode}
}

// A markVisitor applies one strategy for one worker: it takes references
// from slots, SATB entries, or popped tasks, marks them, and pushes scan
// tasks for newly marked objects onto the worker's queue.
type markVisitor struct {
	cm     *ConcurrentMark
	heap   Heap
	ctx    *markContext
	q      *objToScanQueue
	live   liveData
	worker int
	strat  markStrategy
	codec  NarrowOopCodec
	chunk  int
}

func (cm *ConcurrentMark) visitor(worker int, strat markStrategy) *markVisitor {
	return &markVisitor{
		cm:     cm,
		heap:   cm.heap,
		ctx:    cm.ctx,
		q:      cm.queues.queue(worker),
		live:   cm.live[worker],
		worker: worker,
		strat:  strat,
		codec:  cm.codec,
		chunk:  cm.cfg.ObjArrayChunk,
	}
}

// visitSlot marks through one reference field, applying the strategy's
// forwarding behavior.
func (v *markVisitor) visitSlot(s OopSlot) {
	o := s.Load(v.codec)
	if o == 0 {
		return
	}
	switch v.strat.mode {
	case markResolve:
		o = v.heap.ResolveForwarded(o)
	case markUpdate:
		fwd := v.heap.ResolveForwarded(o)
		if fwd != o {
			s.Store(fwd, v.codec)
			o = fwd
		}
	}
	v.markObj(o)
}

// visitValue marks through a bare reference value with no slot to update.
// SATB entries take this path: the captured value may itself be stale, so
// it is resolved first whenever the strategy resolves at all.
func (v *markVisitor) visitValue(o Oop) {
	if o == 0 {
		return
	}
	if v.strat.mode != markNone {
		o = v.heap.ResolveForwarded(o)
	}
	v.markObj(o)
}

// markObj marks o and, on the unmarked-to-marked transition, queues it for
// scanning. Marking an already-marked object is a no-op, which is what
// suppresses duplicated work after racy re-discovery.
func (v *markVisitor) markObj(o Oop) {
	if !v.ctx.tryMark(o) {
		return
	}
	v.q.push(markTask{obj: o})
	if v.strat.dedup && v.cm.dedup.IsCandidate(o) {
		v.cm.dedup.Enqueue(v.worker, o)
	}
}

// doTask scans one popped task. Whole-object tasks visit every reference
// field (and the metadata holder, in unloading cycles) and account the
// object's bytes to its region exactly once. Oversized arrays are split:
// the continuation is pushed before the head chunk is scanned so other
// workers can steal it.
func (v *markVisitor) doTask(t *markTask) {
	obj := t.obj
	if debugMark && !v.ctx.isMarked(obj) {
		throw("scanning an unmarked object")
	}
	if t.end != 0 {
		v.doChunk(obj, int(t.start), int(t.end))
		return
	}
	if v.strat.metadata {
		if h := v.heap.MetadataHolder(obj); h != 0 {
			v.markObj(h)
		}
	}
	if v.heap.IsObjArray(obj) {
		n := v.heap.ObjArrayLen(obj)
		if n > v.chunk {
			v.q.push(markTask{obj: obj, start: int32(v.chunk), end: int32(n)})
			n = v.chunk
		}
		v.heap.IterateObjArrayChunk(obj, 0, n, v.visitSlot)
	} else {
		v.heap.IterateObject(obj, v.visitSlot)
	}
	v.countLiveness(obj)
}

// doChunk scans one bounded array range, re-pushing whatever remains.
// Chunk tasks never re-account liveness; the whole-object task did.
func (v *markVisitor) doChunk(obj Oop, from, to int) {
	if to-from > v.chunk {
		v.q.push(markTask{obj: obj, start: int32(from + v.chunk), end: int32(to)})
		to = from + v.chunk
	}
	v.heap.IterateObjArrayChunk(obj, from, to, v.visitSlot)
}

func (v *markVisitor) countLiveness(obj Oop) {
	v.live.count(v.heap, v.heap.RegionIndex(obj), v.heap.ObjectSize(obj))
}

// markLoop is the per-worker marking state machine.
//
// Stage one rebalances: there can be more queues than workers, so each
// worker adopts unclaimed queues and drains them in strides, from the
// steal side, since the queue's owner may be working it concurrently.
// Tasks discovered while draining land on the worker's own queue.
//
// Stage two is the steady state: drain any completed SATB buffers, then
// run one stride of pop-or-steal. A stride that yields no work at all
// offers termination. Cancellation is polled once per stride and only in
// cancellable phases; a cancelled worker returns immediately, leaving its
// queues for cancel() to clear.
func (cm *ConcurrentMark) markLoop(worker int, term *taskTerminator, cancellable, dedup bool) {
	queues := cm.queues
	stride := cm.cfg.MarkLoopStride

	v := cm.visitor(worker, cm.loopStrategy(dedup))
	var t markTask

	q := queues.claimNext()
	for q != nil {
		if cancellable && cm.heap.Cancelled() {
			return
		}
		for i := 0; i < stride; i++ {
			if q.popTail(&t) {
				v.doTask(&t)
			} else {
				q = queues.claimNext()
				break
			}
		}
	}

	q = queues.queue(worker)
	seed := uint32(17 + worker)
	var exit func() bool
	if cancellable {
		// Only cancellable phases let the terminator withdraw offers on
		// cancellation. A final-mark pause must terminate even when the
		// cancel flag is still set from the cycle it interrupted.
		exit = cm.heap.Cancelled
	}
	drainSATB := v.visitValue

	for {
		if cancellable && cm.heap.Cancelled() {
			return
		}

		for cm.satb.completedNum() > 0 {
			cm.satb.drainCompleted(drainSATB)
		}

		work := 0
		for i := 0; i < stride; i++ {
			if q.pop(&t) || queues.steal(worker, &seed, &t) {
				v.doTask(&t)
				work++
			} else {
				break
			}
		}

		if work == 0 {
			if term.offerTermination(exit) {
				return
			}
		}
	}
}
