// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/cpu"
)

const (
	// termSpinCount is how many work/cancellation polls the spin master
	// runs between sleeps.
	termSpinCount = 256

	termSleepMin = 10 * time.Microsecond
	termSleepMax = time.Millisecond
)

// A taskTerminator decides when one parallel phase is over: every worker
// has offered termination and no queue holds work. One offerer at a time
// acts as spin master, polling the queue set and the cancellation
// predicate while the others sleep; a late task or a cancel withdraws the
// master's offer and sends it back to its marking loop.
//
// All offers, withdrawals, and the final grant serialize under one mutex,
// so a grant can never race a withdrawal. The terminator is reusable
// across rounds within a phase via resetForReuse.
type taskTerminator struct {
	queues *objToScanQueueSet

	mu         sync.Mutex
	cond       sync.Cond
	nWorkers   int
	offered    int
	spinMaster bool
	terminated bool
	_          cpu.CacheLinePad
}

func newTaskTerminator(nWorkers int, queues *objToScanQueueSet) *taskTerminator {
	if nWorkers < 1 {
		throw("terminator needs at least one worker")
	}
	t := &taskTerminator{queues: queues, nWorkers: nWorkers}
	t.cond.L = &t.mu
	return t
}

// resetForReuse rewinds the terminator for another round. Callers must
// guarantee no worker is still inside offerTermination.
func (t *taskTerminator) resetForReuse() {
	t.mu.Lock()
	if debugMark && t.offered != 0 && t.offered != t.nWorkers {
		throw("terminator reset with offers still pending")
	}
	t.offered = 0
	t.spinMaster = false
	t.terminated = false
	t.mu.Unlock()
}

// offerTermination records that the calling worker found no work. It
// returns true when all workers have simultaneously offered, ending the
// phase for everyone. It returns false, with the offer withdrawn, when
// stealable work appeared or exit reported cancellation; the caller then
// re-enters its marking loop. exit may be nil.
func (t *taskTerminator) offerTermination(exit func() bool) bool {
	t.mu.Lock()
	t.offered++
	if t.offered == t.nWorkers {
		// Last worker in. Every queue was seen empty by its offerer and
		// nobody is left to produce, so this decides for everyone.
		t.terminated = true
		t.cond.Broadcast()
		t.mu.Unlock()
		return true
	}
	for {
		if t.terminated {
			t.mu.Unlock()
			return true
		}
		if !t.spinMaster {
			t.spinMaster = true
			if t.spinMasterWork(exit) {
				t.mu.Unlock()
				return false
			}
			continue
		}
		t.cond.Wait()
	}
}

// spinMasterWork polls for late work and cancellation on behalf of all
// sleeping offerers. Called and returns with t.mu held. Returns true if
// the caller's offer was withdrawn; false if termination was granted
// meanwhile.
func (t *taskTerminator) spinMasterWork(exit func() bool) bool {
	backoff := termSleepMin
	for {
		t.mu.Unlock()

		var found, cancelled bool
	poll:
		for i := 0; i < termSpinCount; i++ {
			switch {
			case t.queues.hasWork():
				found = true
				break poll
			case exit != nil && exit():
				cancelled = true
				break poll
			}
			if i%16 == 15 {
				runtime.Gosched()
			}
		}
		if !found && !cancelled {
			time.Sleep(backoff)
			if backoff < termSleepMax {
				backoff *= 2
			}
		}

		t.mu.Lock()
		if t.terminated {
			t.spinMaster = false
			return false
		}
		if found || cancelled {
			t.offered--
			t.spinMaster = false
			if cancelled {
				// Wake everyone; each will observe the cancel and
				// withdraw in turn.
				t.cond.Broadcast()
			} else {
				// Wake one sleeper to take over as master. If work
				// keeps coming it will withdraw too and wake the next,
				// so the number of resumed workers tracks the amount
				// of late work.
				t.cond.Signal()
			}
			return true
		}
	}
}
