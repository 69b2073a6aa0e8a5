// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	l.Trigger()
	wg.Wait()
	assert.True(t, l.Test())

	l.Trigger() // idempotent
	assert.True(t, l.Test())

	select {
	case <-l.WaitChan():
	default:
		t.Error("WaitChan of a triggered latch must be closed")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[string]()
	assert.False(t, l.Test())
	go l.Trigger("done")
	assert.Equal(t, "done", l.Wait())
	assert.True(t, l.Test())
}
