// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/maps"

	"github.com/paramserve/paramserve/engine"
)

// createMultiPrecisionCopies backfills float32 master copies for every key
// initialized before the SetMultiPrecision command arrived. Keys that are
// already float32 keep a single tensor. Accumulation buffers are discarded;
// they are recreated in float32 on the next push.
//
// The command must be issued while no barrier is open. A key with pending
// contributions means the frontend raced configuration against training
// traffic, which the server cannot recover from.
func (s *Server) createMultiPrecisionCopies() {
	s.mu.Lock()
	keys := maps.Keys(s.entries)
	s.mu.Unlock()
	slices.Sort(keys)

	var masters []*engine.Tensor
	for _, key := range keys {
		ent := s.entry(key)
		ent.mu.Lock()
		if len(ent.update.pending) != 0 {
			ent.mu.Unlock()
			exceptions.Panicf("server: %v: key %d has %d pending pushes",
				ErrConfigurationRace, key, len(ent.update.pending))
		}
		if ent.primary == nil || ent.primary.DType() == dtypes.Float32 {
			ent.mu.Unlock()
			continue
		}
		var master *engine.Tensor
		if ent.primary.IsRowSparse() {
			master = engine.NewRowSparse(dtypes.Float32, ent.primary.Rows(), ent.primary.UnitLen())
		} else {
			master = engine.NewDense(dtypes.Float32, ent.primary.Size())
		}
		s.eng.CastCopy(ent.primary, master)
		ent.masterF32 = master
		ent.update.merged = nil
		ent.update.temp = nil
		ent.mu.Unlock()
		masters = append(masters, master)
	}
	for _, master := range masters {
		master.WaitToRead()
	}
}
