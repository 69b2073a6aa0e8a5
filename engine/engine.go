// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package engine implements the host-side tensor engine consumed by the
// parameter server: dense and row-sparse tensors over flat byte storage,
// and an asynchronous dataflow dispatcher that serializes every mutating
// operation.
//
// Operations are scheduled with PushAsync and executed in FIFO order by a
// single dispatcher goroutine, so an operation observes the effects of
// every operation scheduled before it. Tensor.WaitToRead is the host-side
// fence: it blocks until all previously scheduled writes of that tensor
// have completed.
package engine

import (
	"sync"

	"github.com/gomlx/exceptions"
)

type op struct {
	fn     func()
	writes []*Tensor
}

// Engine schedules tensor operations and runs them on a dedicated
// dispatcher goroutine.
type Engine struct {
	mu     sync.Mutex
	cond   sync.Cond
	queue  []op
	closed bool
	done   sync.WaitGroup
}

// New returns an Engine with its dispatcher goroutine running.
func New() *Engine {
	e := &Engine{}
	e.cond.L = &e.mu
	e.done.Add(1)
	go e.dispatch()
	return e
}

// PushAsync schedules fn. reads and writes declare the tensors fn touches:
// writes are fenced (their WaitToRead blocks until fn completes), reads are
// ordered by the FIFO dispatch.
func (e *Engine) PushAsync(fn func(), reads, writes []*Tensor) {
	_ = reads // FIFO dispatch already orders reads after earlier writes.
	for _, w := range writes {
		w.pendingWrites.Add(1)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		exceptions.Panicf("engine: PushAsync after Close")
	}
	e.queue = append(e.queue, op{fn: fn, writes: writes})
	e.cond.Signal()
	e.mu.Unlock()
}

// Close drains the queue and stops the dispatcher. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.done.Wait()
		return
	}
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
	e.done.Wait()
}

func (e *Engine) dispatch() {
	defer e.done.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		next.fn()
		for _, w := range next.writes {
			w.pendingWrites.Done()
		}
	}
}
