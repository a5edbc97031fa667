// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build ignore

// satb is a model of the snapshot-at-the-beginning barrier and its buffer
// hand-off protocol. Mutators record the old value of every reference
// field they overwrite in a thread-local buffer; a full buffer is
// filtered against the mark bits and handed to the collector when enough
// entries survive, otherwise the owner keeps the compacted remainder; the
// final-mark pause flushes whatever the threads still hold.
//
// The collector side is a single drainer here; the multi-worker
// termination handshake is modeled separately in termination.go. The
// check is the snapshot guarantee: every object reachable when the
// barrier was armed, and every object still reachable at the end, is
// marked.
package main

import (
	"bytes"
	"fmt"

	"github.com/aclements/go-misc/go-weave/amb"
	"github.com/aclements/go-misc/go-weave/weave"
)

// ptr is a memory pointer, as an index into mem. 0 is the nil pointer.
type ptr int

// obj is an object in memory. An object in the "global" or "heap" region
// of memory must not point to an object in the "stack" region.
type obj [2]ptr

// mem is the memory, including both the heap and stacks. mem[0] is
// unused (it's the nil slot).
//
// mem[stackBase+i] for i < numThreads is the stack for thread i.
//
// mem[globalRoot] is the global root.
//
// mem[heapBase:] is the heap.
var mem []obj

// marked is the set of mark bits. marked[i] corresponds to mem[i].
var marked []bool

// snapshot records what was reachable when the barrier was armed.
var snapshot []bool

// work is the collector's list of marked objects awaiting a scan.
var work []ptr

const numThreads = 2

const stackBase ptr = 1
const globalRoot ptr = stackBase + numThreads
const heapBase ptr = globalRoot + 1
const heapCount = 3

// mutatorWrites is how many ambiguous writes each mutator performs.
const mutatorWrites = 3

// satbBufCap is the per-thread buffer capacity. Tiny, so a handful of
// writes reaches the hand-off decision.
const satbBufCap = 2

// satbEnqueueThresholdPercent is the hand-off rule: a filtered buffer
// goes to the collector only when at least this share of its entries
// survived filtering.
const satbEnqueueThresholdPercent = 60

// satbActive is the barrier switch, set for the duration of marking.
var satbActive bool

// satbBufs[i] is thread i's partial buffer.
var satbBufs [numThreads][]ptr

// completed is the list of handed-off buffers.
var completed [][]ptr

// world synchronizes the final-mark pause with in-flight barriers.
var world weave.RWMutex

var sched = weave.Scheduler{Strategy: &amb.StrategyRandom{}}

func main() {
	sched.Run(func() {
		// Create an ambiguous memory.
		mem = make([]obj, heapBase+heapCount)
		for i := 1; i < len(mem); i++ {
			mem[i] = obj{ambHeapPointer(), ambHeapPointer()}
		}
		marked = make([]bool, len(mem))
		work = nil
		completed = nil
		for i := range satbBufs {
			satbBufs[i] = nil
		}
		world = weave.RWMutex{}
		sched.Tracef("memory: %s", stringMem(mem, marked))

		// Init-mark pause: record the snapshot, scan every root, and arm
		// the barrier before any mutator runs.
		snapshot = make([]bool, len(mem))
		for i := stackBase; i < stackBase+numThreads; i++ {
			reach(i, snapshot)
		}
		reach(globalRoot, snapshot)
		for i := stackBase; i < stackBase+numThreads; i++ {
			scan(i)
			marked[i] = true
		}
		scan(globalRoot)
		marked[globalRoot] = true
		satbActive = true

		// Start mutators.
		for i := range numThreads {
			sched.Go(func() { mutator(i) })
		}

		// Concurrent mark: drain queued objects and handed-off buffers.
		drain()

		// Final-mark pause: wait out in-flight barriers, flush every
		// thread's partial buffer, drain to empty, disarm.
		world.Lock()
		defer world.Unlock()
		for i := range satbBufs {
			flushThread(i)
		}
		drain()
		satbActive = false

		sched.Tracef("memory: %s", stringMem(mem, marked))
		checkmark()
	})
}

// ambHeapPointer returns nil or an ambiguous heap or global pointer.
func ambHeapPointer() ptr {
	x := sched.Amb(2 + heapCount)
	if x == 0 {
		return 0
	}
	if x == 1 {
		return globalRoot
	}
	return heapBase + ptr(x-2)
}

// ambReachable returns a pointer the thread could legitimately hold:
// optionally nil, its own stack, or anything reachable right now from
// the global root or that stack.
func ambReachable(withNil bool, tid int) ptr {
	r := make([]bool, len(mem))
	reach(globalRoot, r)
	reach(stackBase+ptr(tid), r)
	if withNil {
		r[0] = true
	}
	n := 0
	for _, ok := range r {
		if ok {
			n++
		}
	}
	x := sched.Amb(n)
	for i, ok := range r {
		if ok {
			if x == 0 {
				return ptr(i)
			}
			x--
		}
	}
	panic("not reachable")
}

// mutator is a single mutator thread running on stack stackBase+tid. It
// shuffles pointers between the heap and its stack through the barrier.
func mutator(tid int) {
	stackptr := stackBase + ptr(tid)

	for range mutatorWrites {
		src := ambReachable(true, tid)
		sched.Sched()
		var dst ptr
		if src == stackptr {
			// Stack pointers can only be written to the stack.
			dst = stackptr
		} else {
			dst = ambReachable(false, tid)
		}
		writePointer(dst, sched.Amb(2), src, tid)
	}
}

// writePointer implements obj[slot] = val with the pre-write barrier.
func writePointer(obj ptr, slot int, val ptr, tid int) {
	// Synchronize with the final-mark pause: the pause waits for
	// in-flight barriers, and writes wait out the pause.
	world.RLock()
	defer world.RUnlock()

	if obj == 0 {
		panic("nil pointer write")
	}

	if stackBase <= obj && obj < stackBase+numThreads {
		// Stack writes are not barriered.
		mem[obj][slot] = val
		sched.Sched()
		return
	}

	old := mem[obj][slot]
	sched.Sched()
	satbEnqueue(tid, old)
	mem[obj][slot] = val
	sched.Tracef("%v[%d] = %v (old %v)", obj, slot, val, old)
	sched.Sched()
}

// satbEnqueue records an about-to-be-overwritten value in the thread's
// buffer. A full buffer is filtered against the mark bits; the survivors
// are handed off when there are enough of them, otherwise the owner
// keeps the compacted buffer and continues filling it.
func satbEnqueue(tid int, old ptr) {
	if !satbActive || old == 0 {
		return
	}
	buf := append(satbBufs[tid], old)
	if len(buf) >= satbBufCap {
		kept := buf[:0]
		for _, p := range buf {
			sched.Sched()
			if !marked[p] {
				kept = append(kept, p)
			}
		}
		if len(kept)*100 >= satbBufCap*satbEnqueueThresholdPercent {
			completed = append(completed, kept)
			sched.Tracef("thread %d handed off %d entries", tid, len(kept))
			buf = nil
		} else {
			sched.Tracef("thread %d retained %d entries", tid, len(kept))
			buf = kept
		}
	}
	satbBufs[tid] = buf
}

// flushThread hands a thread's partial buffer to the collector
// unfiltered. Final-mark pause only.
func flushThread(tid int) {
	for _, p := range satbBufs[tid] {
		shade(p)
	}
	satbBufs[tid] = nil
}

// drain scans marked objects and handed-off buffers until both run out.
func drain() {
	for len(work) > 0 || len(completed) > 0 {
		if len(completed) > 0 && (len(work) == 0 || sched.Amb(2) == 0) {
			// Take an arbitrary completed buffer.
			which := sched.Amb(len(completed))
			buf := completed[which]
			copy(completed[which:], completed[which+1:])
			completed = completed[:len(completed)-1]
			sched.Tracef("draining a buffer of %d", len(buf))
			for _, p := range buf {
				sched.Sched()
				shade(p)
			}
			continue
		}
		// Pick an arbitrary object to scan.
		which := sched.Amb(len(work))
		p := work[which]
		copy(work[which:], work[which+1:])
		work = work[:len(work)-1]
		scan(p)
	}
}

// scan scans obj, shading the objects it references.
func scan(obj ptr) {
	sched.Tracef("scan(%v)", obj)
	for i := range mem[obj] {
		p := mem[obj][i]
		sched.Sched()
		shade(p)
	}
}

// shade makes obj grey if it is white.
func shade(obj ptr) {
	if obj != 0 && !marked[obj] {
		sched.Tracef("shade(%v)", obj)
		marked[obj] = true
		work = append(work, obj)
	}
}

// reach sets r[i] for every object i reachable from p, including p
// itself. Not preemptible.
func reach(p ptr, r []bool) {
	if p == 0 || r[p] {
		return
	}
	r[p] = true
	for i := range mem[p] {
		reach(mem[p][i], r)
	}
}

// checkmark checks the snapshot guarantee and that nothing still
// reachable was missed.
func checkmark() {
	for i, in := range snapshot {
		if in && !marked[i] {
			panic(fmt.Sprintf("snapshot object not marked: %v", i))
		}
	}
	now := make([]bool, len(mem))
	for i := stackBase; i < stackBase+numThreads; i++ {
		reach(i, now)
	}
	reach(globalRoot, now)
	for i, in := range now {
		if in && !marked[i] {
			panic(fmt.Sprintf("reachable object not marked: %v", i))
		}
	}
}

// stringMem stringifies a memory with marks.
func stringMem(mem []obj, marked []bool) string {
	var buf bytes.Buffer
	for i := 1; i < len(mem); i++ {
		m := " "
		if marked[i] {
			m = "*"
		}
		fmt.Fprintf(&buf, "%s%v->%v,%v ", m, i, mem[i][0], mem[i][1])
	}
	return buf.String()
}
