// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/openjdk/shenandoah-jdk8u/gc/shenandoah"
)

func retainAll(Oop) bool  { return true }
func retainNone(Oop) bool { return false }

func TestSATBInactive(t *testing.T) {
	s := shenandoah.NewSATBSet(8, retainAll)
	q := s.Register()
	q.Enqueue(Oop(8))
	if q.Pending() != 0 {
		t.Fatal("inactive queue captured a value")
	}

	s.SetActiveAll(true)
	q.Enqueue(Oop(8))
	q.Enqueue(0) // null is never captured
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}
}

func TestSATBHandOff(t *testing.T) {
	s := shenandoah.NewSATBSet(8, retainAll)
	s.SetActiveAll(true)
	q := s.Register()

	for i := 1; i <= 8; i++ {
		q.Enqueue(Oop(8 * i))
	}
	if q.Pending() != 0 {
		t.Fatalf("pending = %d after hand-off, want 0", q.Pending())
	}
	if n := s.CompletedNum(); n != 1 {
		t.Fatalf("completed buffers = %d, want 1", n)
	}

	var got []Oop
	for s.DrainCompleted(func(o Oop) { got = append(got, o) }) {
	}
	if len(got) != 8 {
		t.Fatalf("drained %d entries, want 8", len(got))
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, o := range got {
		if o != Oop(8*(i+1)) {
			t.Fatalf("entry %d = %d, want %d", i, o, 8*(i+1))
		}
	}
}

// TestSATBFilterDiscards fills a buffer with values the retain predicate
// rejects: the hand-off must drop them all without producing a completed
// buffer.
func TestSATBFilterDiscards(t *testing.T) {
	s := shenandoah.NewSATBSet(8, retainNone)
	s.SetActiveAll(true)
	q := s.Register()

	for i := 1; i <= 16; i++ {
		q.Enqueue(Oop(8 * i))
	}
	if q.Pending() != 0 {
		t.Fatalf("pending = %d, want 0 with everything filtered", q.Pending())
	}
	if n := s.CompletedNum(); n != 0 {
		t.Fatalf("completed buffers = %d, want 0", n)
	}
}

// TestSATBEnqueueThreshold sits on both sides of the hand-off threshold:
// at 60% of capacity the filtered buffer is passed on, just below it the
// survivors stay in place for the mutator to keep filling.
func TestSATBEnqueueThreshold(t *testing.T) {
	marked := make(map[Oop]bool)
	retain := func(o Oop) bool { return !marked[o] }

	for _, tc := range []struct {
		name      string
		survivors int
		completed int
		pending   int
	}{
		{"at threshold", 6, 1, 0},
		{"below threshold", 5, 0, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := shenandoah.NewSATBSet(10, retain)
			s.SetActiveAll(true)
			q := s.Register()

			clear(marked)
			for i := 1; i <= 10; i++ {
				if i > tc.survivors {
					marked[Oop(8*i)] = true
				}
			}
			for i := 1; i <= 10; i++ {
				q.Enqueue(Oop(8 * i))
			}

			if n := s.CompletedNum(); n != tc.completed {
				t.Errorf("completed buffers = %d, want %d", n, tc.completed)
			}
			if q.Pending() != tc.pending {
				t.Errorf("pending = %d, want %d", q.Pending(), tc.pending)
			}
		})
	}
}

func TestSATBFlushQueue(t *testing.T) {
	s := shenandoah.NewSATBSet(8, retainAll)
	s.SetActiveAll(true)
	q := s.Register()
	q.Enqueue(Oop(8))
	q.Enqueue(Oop(16))

	var got []Oop
	s.FlushQueue(q, func(o Oop) { got = append(got, o) })
	if len(got) != 2 || q.Pending() != 0 {
		t.Fatalf("flush visited %d entries, pending %d", len(got), q.Pending())
	}
}

func TestSATBAbandon(t *testing.T) {
	s := shenandoah.NewSATBSet(4, retainAll)
	s.SetActiveAll(true)
	q1 := s.Register()
	q2 := s.Register()

	for i := 1; i <= 4; i++ {
		q1.Enqueue(Oop(8 * i)) // fills and hands off
	}
	q2.Enqueue(Oop(64))

	s.Abandon()
	if n := s.CompletedNum(); n != 0 {
		t.Fatalf("completed buffers = %d after abandon", n)
	}
	if q1.Pending() != 0 || q2.Pending() != 0 {
		t.Fatal("partial buffers survived abandon")
	}
	if s.DrainCompleted(func(Oop) { t.Fatal("drained an abandoned buffer") }) {
		t.Fatal("drain found work after abandon")
	}
}

func TestSATBRegisterDuringMarking(t *testing.T) {
	s := shenandoah.NewSATBSet(4, retainAll)
	s.SetActiveAll(true)
	qs := s.QueueList()
	if len(qs) != 0 {
		t.Fatalf("queue list = %d entries, want 0", len(qs))
	}

	q := s.Register()
	q.Enqueue(Oop(8))
	if got := len(s.QueueList()); got != 1 {
		t.Fatalf("queue list = %d entries after register, want 1", got)
	}
}

func TestClaimedSet(t *testing.T) {
	const n = 100
	var c shenandoah.ClaimedSet
	c.Reset(n)

	wins := make([]int, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if c.Claim(i) {
					mu.Lock()
					wins[i]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for i, w := range wins {
		if w != 1 {
			t.Fatalf("index %d claimed %d times, want 1", i, w)
		}
	}

	c.Reset(n)
	if !c.Claim(0) {
		t.Fatal("claim after reset failed")
	}
}
