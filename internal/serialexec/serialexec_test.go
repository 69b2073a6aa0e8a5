// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package serialexec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecBlocksUntilRun(t *testing.T) {
	e := New()
	go e.Run()

	value := 0
	e.Exec(func() { value = 42 })
	assert.Equal(t, 42, value, "Exec returns only after the closure ran")
	e.Stop()
	assert.True(t, e.Stopped())
}

func TestSingleConsumer(t *testing.T) {
	e := New()
	go e.Run()

	// If two closures ever ran concurrently the unsynchronized counter
	// would trip the race detector; the final count checks nothing is lost.
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Exec(func() { count++ })
			}
		}()
	}
	wg.Wait()
	e.Stop()
	assert.Equal(t, 800, count)
}

func TestStopIdempotent(t *testing.T) {
	e := New()
	go e.Run()
	e.Stop()
	e.Stop()
	assert.True(t, e.Stopped())
}

func TestStopDrainsPredecessors(t *testing.T) {
	e := New()
	ran := false
	blk := e.submit(func() { ran = true })
	go e.Run()
	e.Stop()
	blk.Wait()
	assert.True(t, ran, "work submitted before Stop must run")
}

func TestExecAfterStopPanics(t *testing.T) {
	e := New()
	go e.Run()
	e.Stop()
	require.Panics(t, func() { e.Exec(func() {}) })
}

func TestExecNilPanics(t *testing.T) {
	e := New()
	require.Panics(t, func() { e.Exec(nil) })
}
