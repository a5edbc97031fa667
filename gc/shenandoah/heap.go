// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

import (
	"sync/atomic"
	"unsafe"
)

// An Oop is an address-sized handle naming a heap object. The zero Oop is
// the null reference. The marker never dereferences an Oop itself; the Heap
// collaborator interprets it.
type Oop uintptr

// A NarrowOop is the compressed form of an Oop. The zero NarrowOop is null.
type NarrowOop uint32

// A NarrowOopCodec translates between wide and narrow reference forms.
// Base and Shift are constant for the lifetime of a collection cycle.
type NarrowOopCodec struct {
	Base  uintptr
	Shift uint8
}

// Decode expands a narrow reference to its wide form.
func (c NarrowOopCodec) Decode(n NarrowOop) Oop {
	if n == 0 {
		return 0
	}
	return Oop(c.Base + uintptr(n)<<c.Shift)
}

// Encode compresses a wide reference. The reference must lie in the
// codec's encodable range.
func (c NarrowOopCodec) Encode(o Oop) NarrowOop {
	if o == 0 {
		return 0
	}
	d := (uintptr(o) - c.Base) >> c.Shift
	n := NarrowOop(d)
	if debugMark && c.Decode(n) != o {
		throw("narrow oop encoding does not round-trip")
	}
	return n
}

// An OopSlot names one reference field in the heap: the location a mutator
// or the marker loads from and stores to. Slots over narrow fields carry
// the width so loads and stores pick the right codec path.
//
// Slot accesses are atomic. The mutator side of the SATB protocol relies on
// this: a concurrent overwrite and a marker load must not tear.
type OopSlot struct {
	p      unsafe.Pointer
	narrow bool
}

// SlotOf returns a slot over a wide reference field.
func SlotOf(p *Oop) OopSlot {
	return OopSlot{p: unsafe.Pointer(p)}
}

// NarrowSlotOf returns a slot over a compressed reference field.
func NarrowSlotOf(p *NarrowOop) OopSlot {
	return OopSlot{p: unsafe.Pointer(p), narrow: true}
}

// Load atomically reads the slot's reference, decoding narrow fields.
func (s OopSlot) Load(c NarrowOopCodec) Oop {
	if s.narrow {
		return c.Decode(NarrowOop(atomic.LoadUint32((*uint32)(s.p))))
	}
	return Oop(atomic.LoadUintptr((*uintptr)(s.p)))
}

// Store atomically writes the slot's reference, encoding narrow fields.
func (s OopSlot) Store(o Oop, c NarrowOopCodec) {
	if s.narrow {
		atomic.StoreUint32((*uint32)(s.p), uint32(c.Encode(o)))
		return
	}
	atomic.StoreUintptr((*uintptr)(s.p), uintptr(o))
}

// Heap is the marker's view of the collector it is embedded in: cycle
// state queries, the object model, and region accounting. All methods must
// be safe to call from multiple marking workers at once.
type Heap interface {
	// Bounds returns the address range [base, limit) that object handles
	// fall in. The mark bitmap is sized from it once, at construction.
	Bounds() (base, limit uintptr)

	// Cycle state. These are set by the collector's driver before a phase
	// starts and hold still while it runs, except Cancelled, which may
	// flip to true at any moment.
	HasForwardedObjects() bool
	UnloadClasses() bool
	ProcessReferences() bool
	ClearAllSoftRefs() bool
	Cancelled() bool
	DegeneratedGCInProgress() bool
	FullGCInProgress() bool

	// AtSafepoint reports whether all mutator threads are stopped. Used
	// only for contract checks on safepoint-only entry points.
	AtSafepoint() bool

	// ResolveForwarded chases the forwarding pointer of a relocated
	// object. For an object that has not moved it returns its argument.
	ResolveForwarded(Oop) Oop

	// Object model. IterateObject visits every reference field of a
	// non-array object; for objects with reference-processing semantics
	// (weak, soft, final, phantom) the implementation diverts the referent
	// field to its discovery machinery instead of presenting the slot.
	// Array element slots are walked in index ranges so the marker can
	// chunk large arrays.
	ObjectSize(Oop) uintptr
	IsObjArray(Oop) bool
	ObjArrayLen(Oop) int
	IterateObject(obj Oop, f func(OopSlot))
	IterateObjArrayChunk(obj Oop, from, to int, f func(OopSlot))

	// MetadataHolder returns the reference keeping obj's class metadata
	// alive, or 0 if there is none or it was already claimed this cycle.
	// Consulted only in class-unloading cycles.
	MetadataHolder(Oop) Oop

	// Region accounting. IncreaseLiveData adds bytes to a region's live
	// total; callers batch updates, so contention is rare.
	NumRegions() int
	RegionIndex(Oop) int
	IncreaseLiveData(region int, bytes uintptr)

	// UnloadClassesAndCleanup purges classes whose metadata holders were
	// not marked. Called at the end of final mark in unloading cycles.
	UnloadClassesAndCleanup()
}

// A GangTask is one parallel phase: Work is invoked once per worker with
// ids 0..n-1 and the phase ends when every invocation has returned.
type GangTask struct {
	Name string
	Work func(worker int)
}

// WorkerPool runs gang tasks for the marker. Run must not return until all
// active workers have returned from the task.
type WorkerPool interface {
	ActiveWorkers() int
	Run(*GangTask)
}

// RootScanner enumerates program roots, partitioned across workers so each
// root slot is visited exactly once per pass.
type RootScanner interface {
	// StrongRootsDo visits the worker's share of strong roots only. Used
	// in class-unloading cycles, where code and metadata roots must stay
	// unvisited so dead classes can be found.
	StrongRootsDo(worker int, f func(OopSlot))

	// AllRootsDo visits the worker's share of all roots, code roots
	// included.
	AllRootsDo(worker int, f func(OopSlot))

	// CodeRootsDo visits every reference embedded in compiled code. The
	// marker serializes callers; the implementation need not.
	CodeRootsDo(f func(OopSlot))

	// WeakRootsDo walks weak root slots: a slot whose referent satisfies
	// isAlive is passed to keepAlive, a dead one is cleared to null.
	WeakRootsDo(isAlive func(Oop) bool, keepAlive func(OopSlot))
}

// RootUpdater re-points root slots through forwarding pointers after
// objects have moved. Weak root slots with dead referents are cleared
// using isAlive; strong roots are updated unconditionally.
type RootUpdater interface {
	UpdateRootsDo(worker int, isAlive func(Oop) bool, update func(OopSlot))

	// UpdateThreadRootsDo updates only thread-stack roots, claiming each
	// thread so its frames are walked exactly once across workers.
	UpdateThreadRootsDo(worker int, update func(OopSlot))
}

// A RefProcTask is one parallel round of reference-processing work handed
// back by the ReferenceProcessor. Work applies the round to the worker's
// share of discovered references using the marker's predicates, then
// calls completeGC exactly once, even when the share was empty: the
// drain behind completeGC ends in a termination protocol that waits for
// every worker in the round.
type RefProcTask interface {
	Empty() bool
	Work(worker int, isAlive func(Oop) bool, keepAlive func(OopSlot), completeGC func())
}

// A RefEnqueueTask hands discovered-and-cleared references to their queues.
type RefEnqueueTask interface {
	Work(worker int)
}

// RefProcExecutor is implemented by the marker and passed to the
// ReferenceProcessor so processing rounds run on the collector's worker
// pool rather than the processor's own threads.
type RefProcExecutor interface {
	ExecuteProcess(RefProcTask)
	ExecuteEnqueue(RefEnqueueTask)
}

// ReferenceProcessor is the external discover/process/enqueue collaborator
// for weak, soft, final, and phantom references. The marker always passes
// its predicates explicitly; the processor must not cache them between
// calls.
type ReferenceProcessor interface {
	SetActiveMTDegree(n int)
	EnableDiscovery()

	// SetMTDiscovery switches multi-threaded discovery on or off and
	// returns the previous setting.
	SetMTDiscovery(mt bool) bool

	// SetupPolicy selects the soft-reference clearing policy for this
	// cycle.
	SetupPolicy(clearAllSoftRefs bool)

	// Process runs the discovered-reference rounds. The serial path uses
	// keepAlive and completeGC directly; the parallel path offloads
	// rounds through the executor. Discovery is disabled on return.
	Process(isAlive func(Oop) bool, keepAlive func(OopSlot), completeGC func(), exec RefProcExecutor)

	// Preclean re-filters already-discovered references, dropping those
	// whose referents became provably alive after discovery. It polls
	// yield and returns early when it reports true.
	Preclean(isAlive func(Oop) bool, keepAlive func(OopSlot), completeGC func(), yield func() bool)

	// EnqueueDiscovered appends cleared references to their reference
	// queues, via the executor's enqueue path.
	EnqueueDiscovered(exec RefProcExecutor)
}

// StringDedup is the optional deduplication collaborator. Candidates found
// during the trace are pushed onto per-worker dedup queues.
type StringDedup interface {
	Enabled() bool
	IsCandidate(Oop) bool
	Enqueue(worker int, o Oop)

	// Cleanup unlinks dedup table entries whose objects died this cycle.
	Cleanup()
}

// throw reports a fatal contract violation. The marker has no error
// returns: anything throw catches is a defect in the collector, not a
// runtime condition.
func throw(s string) {
	panic("shenandoah: " + s)
}

// debugMark enables internal consistency checks on phase entry points and
// queue postconditions.
const debugMark = true
