// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build ignore

// termination is a model of the marking gang's termination handshake.
// Workers that run out of tasks offer termination; one offerer at a time
// serves as spin master, polling for late work and cancellation on
// behalf of the sleepers; a late task or a cancel withdraws the master's
// offer and sends it back to work. Sleeping is modeled as polling, so
// the subject is the offer accounting, not wakeup delivery.
//
// The model checks that a grant is unanimous, that a granted round left
// no task behind, and that a granted round processed every task.
package main

import (
	"fmt"

	"github.com/aclements/go-misc/go-weave/amb"
	"github.com/aclements/go-misc/go-weave/weave"
)

const numWorkers = 3

// initialTasks seeds the queues; spawnBudget bounds how many child tasks
// processing may add on top.
const initialTasks = 3
const spawnBudget = 2

// queues[i] counts the tasks in worker i's queue. Owners pop their own
// queue reliably; a steal attempt may miss even when the victim has
// work. Work never appears in the queue of a worker that has offered,
// because only processing pushes and only to the processor's own queue.
var queues [numWorkers]int

var created, processed, spawnLeft int

// cancelled is the external cancellation flag workers poll.
var cancelled bool

var granted [numWorkers]bool
var exited int

// Terminator state, guarded by mu.
var (
	mu         weave.Mutex
	offered    int
	spinMaster bool
	terminated bool
)

var sched = weave.Scheduler{Strategy: &amb.StrategyRandom{}}

func main() {
	sched.Run(func() {
		for i := range queues {
			queues[i] = 0
		}
		for range initialTasks {
			queues[sched.Amb(numWorkers)]++
		}
		created = initialTasks
		processed = 0
		spawnLeft = spawnBudget
		cancelled = false
		for i := range granted {
			granted[i] = false
		}
		exited = 0
		mu = weave.Mutex{}
		offered = 0
		spinMaster = false
		terminated = false

		if sched.Amb(2) == 0 {
			sched.Go(func() {
				// Cancellation arrives at an arbitrary point.
				sched.Sched()
				cancelled = true
				sched.Trace("cancel requested")
			})
		}
		for i := range numWorkers {
			sched.Go(func() { worker(i) })
		}

		for exited < numWorkers {
			sched.Sched()
		}
		check()
	})
}

// worker drains its own queue, steals when that runs dry, and offers
// termination after a stride that found nothing at all.
func worker(id int) {
	defer func() { exited++ }()
	for {
		if cancelled {
			sched.Tracef("worker %d saw cancel", id)
			return
		}
		work := 0
		for queues[id] > 0 {
			queues[id]--
			sched.Sched()
			process(id)
			work++
		}
		// One steal attempt per stride; it may miss even when the
		// victim holds work.
		miss := sched.Amb(2) == 0
		v := sched.Amb(numWorkers)
		if v != id && !miss && queues[v] > 0 {
			queues[v]--
			sched.Sched()
			process(id)
			work++
		}
		if work == 0 {
			if offerTermination() {
				granted[id] = true
				sched.Tracef("worker %d terminated", id)
				return
			}
		}
	}
}

// process runs one task, sometimes spawning a child task onto the
// worker's own queue.
func process(id int) {
	if sched.Amb(2) == 0 && spawnLeft > 0 {
		spawnLeft--
		created++
		queues[id]++
		sched.Tracef("worker %d spawned a task", id)
	}
	processed++
	sched.Sched()
}

// offerTermination records that the caller found no work. True means
// every worker offered at once and the phase is over for all of them;
// false means the offer was withdrawn and the caller should go look for
// work again.
func offerTermination() bool {
	mu.Lock()
	offered++
	if offered == numWorkers {
		// Last worker in; this decides for everyone.
		terminated = true
		mu.Unlock()
		return true
	}
	for {
		if terminated {
			mu.Unlock()
			return true
		}
		if !spinMaster {
			spinMaster = true
			if spinMasterWork() {
				mu.Unlock()
				return false
			}
			continue
		}
		// Sleep, modeled as a poll.
		mu.Unlock()
		sched.Sched()
		mu.Lock()
	}
}

// spinMasterWork polls for late work and cancellation on behalf of the
// sleepers. Called and returns with mu held; true means the caller's
// offer was withdrawn.
func spinMasterWork() bool {
	for {
		mu.Unlock()
		sched.Sched()
		found := hasWork()
		c := cancelled
		mu.Lock()
		if terminated {
			spinMaster = false
			return false
		}
		if found || c {
			offered--
			spinMaster = false
			return true
		}
	}
}

func hasWork() bool {
	for i := range queues {
		if queues[i] > 0 {
			return true
		}
	}
	return false
}

// check validates the outcome of the round.
func check() {
	g := 0
	for _, ok := range granted {
		if ok {
			g++
		}
	}
	if g != 0 && g != numWorkers {
		panic(fmt.Sprintf("split termination: %d of %d granted", g, numWorkers))
	}
	pending := 0
	for _, n := range queues {
		pending += n
	}
	if g == numWorkers && pending != 0 {
		panic(fmt.Sprintf("terminated with %d tasks pending", pending))
	}
	if g == numWorkers && processed != created {
		panic(fmt.Sprintf("terminated having processed %d of %d tasks", processed, created))
	}
	if g == 0 && !cancelled {
		panic("round ended without termination or cancellation")
	}
}
