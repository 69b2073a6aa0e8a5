// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package serialexec implements a serial executor: a FIFO queue of closures
// consumed by a single goroutine.
//
// The server funnels every updater and controller callback through one
// executor, so those callbacks always observe a single thread of execution,
// no matter how many RPC goroutines submit work concurrently.
package serialexec

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/gomlx/exceptions"

	"github.com/paramserve/paramserve/types/xsync"
)

// Func is a unit of work submitted to the executor.
type Func func()

type block struct {
	fn   Func // nil is the poison block: the consumer exits after triggering done.
	done *xsync.Latch
}

// Executor runs submitted closures one at a time on the goroutine that
// called Run. The zero value is not usable; use New.
type Executor struct {
	mu      sync.Mutex
	cond    sync.Cond
	pending *queue.Queue

	stopRequested bool
	stopped       *xsync.Latch
}

// New returns an executor ready to accept submissions.
// Nothing runs until Run is called.
func New() *Executor {
	e := &Executor{
		pending: queue.New(),
		stopped: xsync.NewLatch(),
	}
	e.cond.L = &e.mu
	return e
}

// Run consumes the queue until the poison submission (see Stop) is reached.
// It is meant to be called on the goroutine whose identity the submitted
// closures must observe; it blocks until the executor is stopped.
func (e *Executor) Run() {
	for {
		e.mu.Lock()
		for e.pending.Length() == 0 {
			e.cond.Wait()
		}
		blk := e.pending.Remove().(block)
		e.mu.Unlock()

		if blk.fn == nil {
			e.stopped.Trigger()
			blk.done.Trigger()
			return
		}
		blk.fn()
		blk.done.Trigger()
	}
}

// Exec enqueues fn and blocks until the Run goroutine has executed it.
// It is safe to call from any goroutine except the Run goroutine itself,
// which would self-deadlock.
func (e *Executor) Exec(fn Func) {
	if fn == nil {
		exceptions.Panicf("serialexec.Exec: nil function")
	}
	e.submit(fn).Wait()
}

// Stop submits the poison block and waits until the Run goroutine has
// drained everything submitted before it and exited. Idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopRequested {
		e.mu.Unlock()
		e.stopped.Wait()
		return
	}
	e.stopRequested = true
	blk := block{done: xsync.NewLatch()}
	e.pending.Add(blk)
	e.cond.Signal()
	e.mu.Unlock()
	blk.done.Wait()
}

// Stopped reports whether the executor has finished running.
func (e *Executor) Stopped() bool {
	return e.stopped.Test()
}

func (e *Executor) submit(fn Func) *xsync.Latch {
	blk := block{fn: fn, done: xsync.NewLatch()}
	e.mu.Lock()
	if e.stopRequested {
		e.mu.Unlock()
		exceptions.Panicf("serialexec.Exec called after Stop")
	}
	e.pending.Add(blk)
	e.cond.Signal()
	e.mu.Unlock()
	return blk.done
}
