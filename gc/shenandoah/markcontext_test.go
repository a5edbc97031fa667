// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openjdk/shenandoah-jdk8u/gc/shenandoah"
)

func shouldPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	f()
}

func TestTryMark(t *testing.T) {
	m := shenandoah.NewContext(heapBase, heapBase+regionSize)
	obj := Oop(heapBase + 64)
	other := Oop(heapBase + 128)

	if m.Marked(obj) {
		t.Fatal("fresh context reports object marked")
	}
	if !m.TryMark(obj) {
		t.Fatal("first TryMark failed")
	}
	if m.TryMark(obj) {
		t.Fatal("second TryMark won")
	}
	if !m.Marked(obj) {
		t.Fatal("marked object not reported marked")
	}
	if m.Marked(other) {
		t.Fatal("unmarked object reported marked")
	}
	if m.Marked(0) {
		t.Fatal("null reported marked")
	}

	m.ClearAll()
	if m.Marked(obj) {
		t.Fatal("mark survived ClearAll")
	}
}

// TestTryMarkConcurrent races workers over a shared set of objects and
// checks that each object has exactly one winner, which is what liveness
// accounting depends on.
func TestTryMarkConcurrent(t *testing.T) {
	const (
		workers = 8
		objects = 4096
	)
	m := shenandoah.NewContext(heapBase, heapBase+regionSize)
	wins := make([]atomic.Int32, objects)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < objects; i++ {
				if m.TryMark(Oop(heapBase + uintptr(i)*8)) {
					wins[i].Add(1)
				}
			}
		}()
	}
	wg.Wait()

	for i := range wins {
		if n := wins[i].Load(); n != 1 {
			t.Fatalf("object %d: %d winners, want 1", i, n)
		}
	}
}

func TestContextBounds(t *testing.T) {
	m := shenandoah.NewContext(heapBase, heapBase+regionSize)
	shouldPanic(t, func() { m.TryMark(Oop(heapBase - 8)) })
	shouldPanic(t, func() { m.TryMark(Oop(heapBase + regionSize)) })
	shouldPanic(t, func() { shenandoah.NewContext(heapBase, heapBase) })
}

func TestLiveData(t *testing.T) {
	h := newTestHeap(4)
	ld := shenandoah.NewLive(4)

	ld.Count(h, 1, 100)
	ld.Count(h, 1, 28)
	ld.Count(h, 3, 8)
	if got := h.totalLive(); got != 0 {
		t.Fatalf("cached counts published early: %d", got)
	}

	ld.Flush(h)
	if got := h.live[1].Load(); got != 128 {
		t.Errorf("region 1 live = %d, want 128", got)
	}
	if got := h.live[3].Load(); got != 8 {
		t.Errorf("region 3 live = %d, want 8", got)
	}

	// A second flush publishes nothing.
	ld.Flush(h)
	if got := h.totalLive(); got != 136 {
		t.Errorf("total live after reflush = %d, want 136", got)
	}
}

// TestLiveDataOverflow drives one region's cache past the 32-bit counter:
// the overflowing add must flush immediately rather than wrap.
func TestLiveDataOverflow(t *testing.T) {
	h := newTestHeap(2)
	ld := shenandoah.NewLive(2)

	const big = 3 << 30
	ld.Count(h, 0, big)
	if got := h.totalLive(); got != 0 {
		t.Fatalf("first count published early: %d", got)
	}
	ld.Count(h, 0, big)
	if got := h.totalLive(); got != 2*big {
		t.Fatalf("overflowing count published %d, want %d", got, uint64(2*big))
	}
	ld.Count(h, 0, 8)
	ld.Flush(h)
	if got := h.totalLive(); got != 2*big+8 {
		t.Errorf("total live = %d, want %d", got, uint64(2*big+8))
	}
}

func TestLiveDataZero(t *testing.T) {
	h := newTestHeap(2)
	ld := shenandoah.NewLive(2)
	ld.Count(h, 0, 64)
	ld.Zero()
	ld.Flush(h)
	if got := h.totalLive(); got != 0 {
		t.Errorf("zeroed cache still published %d bytes", got)
	}
}
