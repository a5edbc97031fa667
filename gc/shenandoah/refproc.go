// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

// Reference-processing bridge. The discovery side lives in the embedding
// runtime's ReferenceProcessor; marking contributes the liveness
// predicate, a keep-alive that marks referents, and a complete-gc that
// drains the marking queues to a fixed point so newly kept referents get
// traced before the processor inspects the next batch.

// keepAliveStrategy marks referents reached through reference objects.
// When evacuation left forwarded objects, the referent slot is updated to
// the new copy as a side effect.
func (cm *ConcurrentMark) keepAliveStrategy() markStrategy {
	s := markStrategy{mode: markNone}
	if cm.heap.HasForwardedObjects() {
		s.mode = markUpdate
	}
	return s
}

// weakRefsWork runs full reference processing at the final-mark
// safepoint. The serial path drains on worker slot 0 with a reusable
// single-worker terminator; batches the processor decides to parallelize
// come back through the executor.
func (cm *ConcurrentMark) weakRefsWork() {
	if debugMark {
		if !cm.heap.ProcessReferences() {
			throw("reference processing is disabled")
		}
		if !cm.queues.isEmpty() {
			throw("queues must be empty before reference processing")
		}
	}
	rp := cm.refs
	nworkers := cm.workers.ActiveWorkers()
	rp.SetupPolicy(cm.heap.ClearAllSoftRefs())
	rp.SetActiveMTDegree(nworkers)

	serialTerm := newTaskTerminator(1, cm.queues)
	keepAlive := cm.visitor(0, cm.keepAliveStrategy())
	completeGC := func() {
		cm.markLoop(0, serialTerm, false, false)
		serialTerm.resetForReuse()
	}
	exec := &refProcExecutor{cm: cm}

	rp.Process(cm.IsAlive(), keepAlive.visitSlot, completeGC, exec)
	rp.EnqueueDiscovered(exec)
}

// PrecleanWeakRefs re-examines discovered references while mutators run,
// dropping the ones whose referents are already provably alive so the
// final-mark pause processes fewer. Single-threaded, on worker slot 0;
// MT discovery is suppressed for the duration because a mutator loading
// a referent concurrently could otherwise re-discover it. Yields to
// cancellation between batches.
//
// Must run before evacuation: referent slots are read raw here.
func (cm *ConcurrentMark) PrecleanWeakRefs() {
	if cm.refs == nil {
		throw("reference processing requires a ReferenceProcessor")
	}
	if debugMark {
		if !cm.heap.ProcessReferences() {
			throw("reference processing is disabled")
		}
		if cm.heap.HasForwardedObjects() {
			throw("no forwarded objects expected during precleaning")
		}
		if !cm.queues.isEmpty() {
			throw("queues must be empty before precleaning")
		}
	}
	rp := cm.refs
	wasMT := rp.SetMTDiscovery(false)
	defer rp.SetMTDiscovery(wasMT)

	keepAlive := cm.visitor(0, markStrategy{})
	completeGC := func() {
		// Fresh single-worker terminator per drain; the previous drain
		// left its terminator in the granted state.
		term := newTaskTerminator(1, cm.queues)
		cm.markLoop(0, term, false, false)
	}

	rp.Preclean(cm.IsAlive(), keepAlive.visitSlot, completeGC, cm.heap.Cancelled)
}

// weakRootsWork clears weak root slots whose referents died, using the
// cycle's liveness predicate. Marking is already at its fixed point, so
// live referents need no further tracing and the keep-alive is a no-op.
func (cm *ConcurrentMark) weakRootsWork() {
	isAlive := cm.IsAlive()
	cm.roots.WeakRootsDo(isAlive, func(OopSlot) {})
}

// refProcExecutor runs the processor's parallel batches on the marking
// gang. Each run gets a fresh terminator sized to the active workers.
type refProcExecutor struct {
	cm *ConcurrentMark
}

func (e *refProcExecutor) ExecuteProcess(task RefProcTask) {
	if task.Empty() {
		return
	}
	cm := e.cm
	nworkers := cm.workers.ActiveWorkers()
	cm.queues.reserve(nworkers)
	term := newTaskTerminator(nworkers, cm.queues)
	strat := cm.keepAliveStrategy()
	isAlive := cm.IsAlive()
	cm.workers.Run(&GangTask{
		Name: "shenandoah ref proc",
		Work: func(w int) {
			keepAlive := cm.visitor(w, strat)
			task.Work(w, isAlive, keepAlive.visitSlot, func() {
				cm.markLoop(w, term, false, false)
			})
		},
	})
}

func (e *refProcExecutor) ExecuteEnqueue(task RefEnqueueTask) {
	cm := e.cm
	cm.workers.Run(&GangTask{
		Name: "shenandoah ref enqueue",
		Work: task.Work,
	})
}
