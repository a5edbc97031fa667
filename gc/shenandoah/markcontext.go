// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

import "sync/atomic"

// markBitShift is the log2 of the address granularity covered by one mark
// bit. Objects start at 8-byte alignment, so 3 gives one bit per possible
// object start.
const markBitShift = 3

// A markContext is the marking bitmap for one collection cycle: one bit
// per potential object start in [base, limit). tryMark is an atomic
// test-and-set, so any number of workers may mark concurrently and exactly
// one wins per object.
type markContext struct {
	base   uintptr
	limit  uintptr
	bitmap []uint64
}

func newMarkContext(base, limit uintptr) *markContext {
	if base >= limit {
		throw("empty heap address range")
	}
	nbits := (limit - base) >> markBitShift
	return &markContext{
		base:   base,
		limit:  limit,
		bitmap: make([]uint64, (nbits+63)/64),
	}
}

func (m *markContext) bitIndex(obj Oop) uintptr {
	if debugMark && (uintptr(obj) < m.base || uintptr(obj) >= m.limit) {
		throw("object outside heap bounds")
	}
	return (uintptr(obj) - m.base) >> markBitShift
}

// tryMark sets obj's mark bit and reports whether this call made the
// transition from unmarked to marked. The loser of a race sees false, so
// liveness is accounted exactly once per object.
func (m *markContext) tryMark(obj Oop) bool {
	i := m.bitIndex(obj)
	word := &m.bitmap[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}

func (m *markContext) isMarked(obj Oop) bool {
	if obj == 0 {
		return false
	}
	i := m.bitIndex(obj)
	return atomic.LoadUint64(&m.bitmap[i/64])&(uint64(1)<<(i%64)) != 0
}

// clear resets every mark bit. Callers must guarantee no concurrent
// marking; this runs between cycles.
func (m *markContext) clear() {
	for i := range m.bitmap {
		m.bitmap[i] = 0
	}
}

// A liveData is one worker's cache of per-region live bytes. Caches are
// private during a phase and folded into the heap's shared totals at
// safepoint boundaries, so the hot path never contends. A counter that
// would overflow is flushed immediately instead.
type liveData []uint32

func newLiveData(regions int) liveData {
	return make(liveData, regions)
}

func (ld liveData) count(h Heap, region int, bytes uintptr) {
	cur := ld[region]
	next := cur + uint32(bytes)
	if next < cur {
		h.IncreaseLiveData(region, uintptr(cur)+bytes)
		ld[region] = 0
		return
	}
	ld[region] = next
}

func (ld liveData) flush(h Heap) {
	for r, b := range ld {
		if b != 0 {
			h.IncreaseLiveData(r, uintptr(b))
			ld[r] = 0
		}
	}
}

// reset discards cached counts without publishing them. Used after a
// cancelled cycle, whose partial liveness must not reach the heap.
func (ld liveData) reset() {
	for i := range ld {
		ld[i] = 0
	}
}
