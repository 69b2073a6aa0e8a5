// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/transport"
)

// applyUpdates consumes the update buffer once the barrier is complete (or
// immediately in async mode): it runs the updater on the serial executor,
// performs the mixed-precision writeback, advances the key's version and
// answers the cohort. Caller holds ent.mu.
//
// In sync mode with the barrier still open it only fences the accumulator
// and returns; the pending handles are answered when the cohort completes.
//
// sync is the mode the caller buffered the push under. It is passed down
// rather than re-read so one request observes one mode even if a SyncMode
// command lands mid-flight.
func (s *Server) applyUpdates(t DataHandleType, key int, ent *entry, sync bool, kvs transport.KVPairs, resp transport.Responder) error {
	ub := &ent.update
	if sync && len(ub.pending) < s.fabric.NumWorkers() {
		ub.merged.WaitToRead()
		return nil
	}

	mp := s.hasMultiPrecisionCopy(t.DType)
	stored := ent.primary
	if mp {
		stored = ent.masterF32
	}
	update := ub.temp
	if sync {
		update = ub.merged
	}
	if s.updater != nil {
		updater := s.updater
		src, dst := update, stored
		s.exec.Exec(func() {
			updater(key, src, dst)
		})
	} else {
		if !sync {
			return errors.Wrap(ErrUnsupportedMode, "async push without an updater")
		}
		// No updater configured: the aggregate is the new value.
		s.eng.Copy(ub.merged, stored)
	}
	ent.version++

	if s.logVerbose {
		klog.Infof("sent response to %d workers", len(ub.pending))
	}
	hasPull := false
	for _, req := range ub.pending {
		hasPull = hasPull || req.Pull
	}
	if hasPull {
		// One writeback and one fence before serializing any response.
		if mp {
			s.eng.CastCopy(stored, ent.primary)
		}
		ent.primary.WaitToRead()
		for _, req := range ub.pending {
			if req.Pull {
				if err := s.storageResponse(t, key, ent, req, kvs, resp); err != nil {
					return err
				}
			} else {
				resp.Respond(req)
			}
		}
	} else {
		for _, req := range ub.pending {
			resp.Respond(req)
		}
		if mp {
			s.eng.CastCopy(stored, ent.primary)
		}
		stored.WaitToRead()
	}
	ub.pending = ub.pending[:0]
	return nil
}

// applyUpdatesAutoPull is the ENABLE_TSENGINE variant: pushes were already
// acknowledged at entry, so barrier completion publishes the new value via
// an auto-pull update stamped with the key's version. Caller holds ent.mu.
func (s *Server) applyUpdatesAutoPull(t DataHandleType, key int, ent *entry, sync bool, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	ub := &ent.update
	if sync && len(ub.pending) < s.fabric.NumWorkers() {
		ub.merged.WaitToRead()
		return nil
	}
	if sync {
		ub.merged.WaitToRead()
	}

	mp := s.hasMultiPrecisionCopy(t.DType)
	stored := ent.primary
	if mp {
		stored = ent.masterF32
	}
	update := ub.temp
	if sync {
		update = ub.merged
	}
	if s.updater != nil {
		updater := s.updater
		src, dst := update, stored
		s.exec.Exec(func() {
			updater(key, src, dst)
		})
	} else {
		if !sync {
			return errors.Wrap(ErrUnsupportedMode, "async push without an updater")
		}
		s.eng.Copy(ub.merged, stored)
	}
	ub.pending = ub.pending[:0]
	ent.version++
	if mp {
		s.eng.CastCopy(stored, ent.primary)
	}
	stored.WaitToRead()
	return s.autoPull(t, key, ent, meta, kvs, resp)
}

// barrierSize reports how many contributions are pending for key, for
// tests and introspection.
func (s *Server) barrierSize(key int) int {
	ent := s.entry(key)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return len(ent.update.pending)
}
