// Copyright 2024 The Shenandoah-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shenandoah

import "sync"

// A WorkGang is the stock WorkerPool: it runs each gang task on active
// goroutines numbered 0 through ActiveWorkers-1 and waits for all of
// them. Embedders with their own GC threads can substitute any
// WorkerPool; the marker only ever sees the interface.
//
// SetActiveWorkers must not be called while a task is running. The
// collector adjusts gang size between phases, never during one.
type WorkGang struct {
	maxWorkers int
	active     int
}

func NewWorkGang(maxWorkers int) *WorkGang {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkGang{maxWorkers: maxWorkers, active: maxWorkers}
}

func (g *WorkGang) MaxWorkers() int { return g.maxWorkers }

// SetActiveWorkers sets the number of workers the next task will run
// with, clamped to [1, MaxWorkers], and returns the value in effect.
func (g *WorkGang) SetActiveWorkers(n int) int {
	if n < 1 {
		n = 1
	}
	if n > g.maxWorkers {
		n = g.maxWorkers
	}
	g.active = n
	return n
}

func (g *WorkGang) ActiveWorkers() int { return g.active }

// Run executes task.Work on every active worker and returns when the
// last one finishes.
func (g *WorkGang) Run(task *GangTask) {
	n := g.active
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			task.Work(i)
		}(i)
	}
	wg.Wait()
}
