// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/transport"
)

// handleDefault serves dense pushes and pulls (§ dense pipeline).
//
// Pushes wrap the payload bytes in place (no copy); the engine orders all
// operations on the wrapped tensor before the request scope is released via
// the fences below. Under ENABLE_TSENGINE pushes are acknowledged before
// aggregation and pulls are answered by unsolicited auto-pull updates.
func (s *Server) handleDefault(t DataHandleType, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	if len(kvs.Keys) != 1 {
		return errors.Wrapf(ErrMalformedRequest, "dense request carries %d keys, want 1", len(kvs.Keys))
	}
	key := s.decodeKey(kvs.Keys[0])
	if !meta.Push {
		ent := s.entry(key)
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return s.storageResponse(t, key, ent, meta, kvs, resp)
	}

	if len(kvs.Lens) != 1 || len(kvs.Vals) != kvs.Lens[0] {
		return errors.Wrapf(ErrMalformedRequest,
			"dense push carries %d lens and %d payload bytes (lens[0]=%v)",
			len(kvs.Lens), len(kvs.Vals), kvs.Lens)
	}
	elemSize := t.DType.Size()
	if kvs.Lens[0] == 0 || kvs.Lens[0]%elemSize != 0 {
		return errors.Wrapf(ErrMalformedRequest, "dense push of %d bytes for dtype %s", kvs.Lens[0], t.DType)
	}
	if s.enableTSEngine {
		resp.Respond(meta)
	}
	numElems := kvs.Lens[0] / elemSize
	recved := engine.WrapBytes(t.DType, kvs.Vals, numElems)
	mp := s.hasMultiPrecisionCopy(t.DType)

	ent := s.entry(key)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	stored := ent.primary
	if mp {
		stored = ent.masterF32
	}
	if stored == nil {
		// Initialization: first push creates the key.
		if s.logVerbose {
			klog.Infof("initial push: key=%d %s %s", key, t.DType,
				humanize.Bytes(uint64(kvs.Lens[0])))
		}
		storedDType := t.DType
		if mp {
			storedDType = dtypes.Float32
		}
		stored = engine.NewDense(storedDType, numElems)
		s.eng.CastCopy(recved, stored)
		if !s.enableTSEngine {
			resp.Respond(meta)
		}
		if mp {
			ent.masterF32 = stored
			ent.primary = engine.NewDense(t.DType, numElems)
			s.eng.CastCopy(stored, ent.primary)
			ent.primary.WaitToRead()
		} else {
			ent.primary = stored
		}
		stored.WaitToRead()
		if s.enableTSEngine {
			return s.autoPull(t, key, ent, meta, kvs, resp)
		}
		return nil
	}

	if numElems != stored.Size() {
		return errors.Wrapf(ErrMalformedRequest,
			"push of %d elements for key %d holding %d", numElems, key, stored.Size())
	}
	ub := &ent.update
	sync := s.syncMode.Load()
	if sync && ub.merged == nil {
		mergedDType := t.DType
		if mp {
			mergedDType = dtypes.Float32
		}
		ub.merged = engine.NewDense(mergedDType, numElems)
	}
	if mp && ub.temp == nil {
		ub.temp = engine.NewDense(dtypes.Float32, numElems)
	}
	if len(ub.pending) == 0 {
		if sync {
			s.eng.CastCopy(recved, ub.merged)
		} else if mp {
			s.eng.CastCopy(recved, ub.temp)
		} else {
			ub.temp = recved
		}
	} else {
		if !sync {
			exceptions.Panicf("server: pending pushes outside sync mode for key %d", key)
		}
		if mp {
			s.eng.CastCopy(recved, ub.temp)
			s.eng.AddInto(ub.temp, ub.merged)
		} else {
			s.eng.AddInto(recved, ub.merged)
		}
	}
	// A pre-aggregating transport carries NumMerge worker contributions in
	// one push; the handle counts toward the barrier that many times and
	// yields that many acknowledgements.
	for i := 0; i < meta.NumMerge; i++ {
		ub.pending = append(ub.pending, meta)
	}
	if s.enableTSEngine {
		return s.applyUpdatesAutoPull(t, key, ent, sync, meta, kvs, resp)
	}
	return s.applyUpdates(t, key, ent, sync, kvs, resp)
}

// storageResponse answers a pull with a byte snapshot of the primary
// tensor. Caller holds ent.mu.
func (s *Server) storageResponse(t DataHandleType, key int, ent *entry, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	stored := ent.primary
	if stored == nil {
		return errors.Wrapf(ErrNotInitialized, "pull of key %d before first push", key)
	}
	stored.WaitToRead()
	response := transport.KVPairs{
		Keys: kvs.Keys,
		Vals: append([]byte{}, stored.Bytes()...),
		Lens: []int{stored.Memory()},
	}
	resp.RespondKV(meta, response)
	return nil
}

// autoPull publishes the stored value and its version as an unsolicited
// pull reply. Caller holds ent.mu.
func (s *Server) autoPull(t DataHandleType, key int, ent *entry, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	if t.RequestType != KVDefaultPushPull {
		exceptions.Panicf("server: auto-pull for request type %d", t.RequestType)
	}
	stored := ent.primary
	if stored == nil {
		return errors.Wrapf(ErrNotInitialized, "auto-pull of key %d before first push", key)
	}
	if s.hasMultiPrecisionCopy(t.DType) {
		stored.WaitToRead()
	}
	response := transport.KVPairs{
		Keys: kvs.Keys,
		Vals: append([]byte{}, stored.Bytes()...),
		Lens: []int{stored.Memory()},
	}
	resp.AutoPullUpdate(ent.version, meta, response)
	return nil
}
