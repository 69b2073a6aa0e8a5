// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool implements a bounded, fixed-size pool of worker
// goroutines with a future-style Enqueue.
//
// The server uses a pool of size one to run model-distribution loops, which
// block on transport replies, off the RPC goroutines. The pool size is fixed
// at construction: resizing a live pool would drop in-flight tasks.
package workerpool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/paramserve/paramserve/types/xsync"
)

// ErrStopped is returned by Enqueue after Stop has been called.
var ErrStopped = errors.New("enqueue on stopped pool")

// DefaultSize is the pool size used by New when given a non-positive size.
const DefaultSize = 1

// Pool runs enqueued tasks on a fixed set of worker goroutines, in FIFO
// order per worker pick-up.
type Pool struct {
	mu      sync.Mutex
	cond    sync.Cond
	tasks   []func()
	stopped bool
	workers sync.WaitGroup
}

// New creates a pool with size worker goroutines, already running.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{}
	p.cond.L = &p.mu
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Enqueue schedules fn on the pool and returns a latch that triggers when
// fn has finished. It fails with ErrStopped after Stop.
func (p *Pool) Enqueue(fn func()) (*xsync.Latch, error) {
	done := xsync.NewLatch()
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	p.tasks = append(p.tasks, func() {
		fn()
		done.Trigger()
	})
	p.cond.Signal()
	p.mu.Unlock()
	return done, nil
}

// Enqueue schedules fn on pool p and returns a future resolving to fn's
// result, or ErrStopped if the pool has been stopped.
func Enqueue[T any](p *Pool, fn func() T) (*xsync.LatchWithValue[T], error) {
	future := xsync.NewLatchWithValue[T]()
	_, err := p.Enqueue(func() {
		future.Trigger(fn())
	})
	if err != nil {
		return nil, err
	}
	return future, nil
}

// Stop wakes all workers, lets them drain the queue and joins them.
// Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		task()
	}
}
