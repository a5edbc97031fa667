// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah_test

import (
	"testing"
)

// TestWeakRefsSerial runs the serial bridge over several processing
// rounds: dead referents are cleared and their references enqueued, live
// ones survive, and the single-worker terminator is reused per round.
func TestWeakRefsSerial(t *testing.T) {
	e := newMarkEnv(2)
	h := e.h
	h.processRefs = true
	e.rp.rounds = 3

	strong := h.newObject(0)
	garbage := h.newObject(0)
	refLive := h.newRef(strong.addr)
	refDead := h.newRef(garbage.addr)
	e.roots.strong = []Oop{strong.addr, refLive.addr, refDead.addr}
	e.rp.discover(refLive)
	e.rp.discover(refDead)

	e.markAll()

	if refDead.fields[0] != 0 {
		t.Error("dead referent not cleared")
	}
	if refLive.fields[0] != strong.addr {
		t.Error("live referent clobbered")
	}
	if len(e.rp.enqueued) != 1 || e.rp.enqueued[0] != refDead.addr {
		t.Errorf("enqueued = %v, want exactly the cleared reference", e.rp.enqueued)
	}
	if e.cm.IsMarked(garbage.addr) {
		t.Error("dead referent marked")
	}
}

// TestWeakRefsKeepAlive exercises the completeGC drain: the processor
// revives an unreachable referent (finalizer semantics), and the drain
// must then trace the referent's own subgraph before processing moves on.
func TestWeakRefsKeepAlive(t *testing.T) {
	e := newMarkEnv(2)
	h := e.h
	h.processRefs = true
	e.rp.finalize = true

	fin := h.newObject(1)
	finChild := h.newObject(0)
	fin.fields[0] = finChild.addr
	ref := h.newRef(fin.addr)
	e.roots.strong = []Oop{ref.addr}
	e.rp.discover(ref)

	e.markAll()

	if !e.cm.IsMarked(fin.addr) {
		t.Fatal("revived referent not marked")
	}
	if !e.cm.IsMarked(finChild.addr) {
		t.Fatal("revived referent's subgraph not traced by the drain")
	}
	if len(e.rp.enqueued) != 1 || e.rp.enqueued[0] != ref.addr {
		t.Errorf("enqueued = %v, want the finalizable reference", e.rp.enqueued)
	}
	if !e.cm.QueuesEmpty() {
		t.Error("queues not empty after reference processing")
	}
}

// TestWeakRefsParallel routes processing rounds through the executor so
// they run on the gang with a fresh multi-worker terminator per round.
func TestWeakRefsParallel(t *testing.T) {
	e := newMarkEnv(4)
	h := e.h
	h.processRefs = true
	e.rp.parallel = true
	e.rp.rounds = 2

	strong := h.newObject(0)
	roots := []Oop{strong.addr}
	var deadRefs, liveRefs []*testObject
	for i := 0; i < 20; i++ {
		g := h.newObject(0)
		rd := h.newRef(g.addr)
		rl := h.newRef(strong.addr)
		deadRefs = append(deadRefs, rd)
		liveRefs = append(liveRefs, rl)
		roots = append(roots, rd.addr, rl.addr)
		e.rp.discover(rd)
		e.rp.discover(rl)
	}
	e.roots.strong = roots

	e.markAll()

	for i, r := range deadRefs {
		if r.fields[0] != 0 {
			t.Fatalf("dead referent %d not cleared", i)
		}
	}
	for i, r := range liveRefs {
		if r.fields[0] != strong.addr {
			t.Fatalf("live referent %d clobbered", i)
		}
	}
	if got := len(e.rp.enqueued); got != len(deadRefs) {
		t.Errorf("enqueued %d references, want %d", got, len(deadRefs))
	}
}

// TestPreclean drops references with provably live referents before the
// pause and leaves the rest discovered, with MT discovery restored on
// return.
func TestPreclean(t *testing.T) {
	e := newMarkEnv(2)
	h := e.h
	h.processRefs = true
	e.rp.mtDiscovery = true

	strong := h.newObject(0)
	garbage := h.newObject(0)
	refLive := h.newRef(strong.addr)
	refDead := h.newRef(garbage.addr)
	e.roots.strong = []Oop{strong.addr, refLive.addr, refDead.addr}
	e.rp.discover(refLive)
	e.rp.discover(refDead)

	e.runInitMark()
	e.cm.MarkFromRoots()
	e.cm.PrecleanWeakRefs()

	if len(e.rp.discovered) != 1 || e.rp.discovered[0] != refDead {
		t.Fatalf("precleaning kept %d references, want only the dead one", len(e.rp.discovered))
	}
	if !e.rp.mtDiscovery {
		t.Error("MT discovery not restored after precleaning")
	}

	e.runFinalMark()
	if refDead.fields[0] != 0 {
		t.Error("dead referent not cleared at final mark")
	}
}

// TestPrecleanYield cancels during precleaning: the pass must stop early
// and leave the remaining references discovered for the pause to handle.
func TestPrecleanYield(t *testing.T) {
	e := newMarkEnv(2)
	h := e.h
	h.processRefs = true

	strong := h.newObject(0)
	refLive := h.newRef(strong.addr)
	e.roots.strong = []Oop{strong.addr, refLive.addr}
	e.rp.discover(refLive)

	e.runInitMark()
	e.cm.MarkFromRoots()

	h.cancelled.Store(true)
	e.cm.PrecleanWeakRefs()
	if len(e.rp.discovered) != 1 {
		t.Fatal("yielding preclean dropped discovered references")
	}
}

// TestRefProcessingDisabled leaves discovery off: final mark must not
// touch the reference lists at all.
func TestRefProcessingDisabled(t *testing.T) {
	e := newMarkEnv(2)
	h := e.h
	garbage := h.newObject(0)
	ref := h.newRef(garbage.addr)
	e.roots.strong = []Oop{ref.addr}
	e.rp.discover(ref)

	e.markAll()

	if ref.fields[0] != garbage.addr {
		t.Error("referent touched with processing disabled")
	}
	if len(e.rp.enqueued) != 0 {
		t.Error("references enqueued with processing disabled")
	}
}
