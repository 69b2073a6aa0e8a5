// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/transport"
)

// handleCompressed serves compressed pushes and plain pulls of compressed
// keys. A compressed push carries two keys: the first encodes the
// decompressed element count and has a zero length entry, the second is the
// parameter key. Only float32 keys can be compressed.
func (s *Server) handleCompressed(t DataHandleType, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	if t.DType != dtypes.Float32 {
		return errors.Wrapf(ErrUnsupportedMode, "compressed push of dtype %s", t.DType)
	}
	if !meta.Push {
		if len(kvs.Keys) != 1 || len(kvs.Lens) != 0 {
			return errors.Wrapf(ErrMalformedRequest,
				"compressed pull carries %d keys and %d lens", len(kvs.Keys), len(kvs.Lens))
		}
		key := s.decodeKey(kvs.Keys[0])
		ent := s.entry(key)
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return s.storageResponse(t, key, ent, meta, kvs, resp)
	}

	if len(kvs.Keys) != 2 || len(kvs.Lens) != 2 {
		return errors.Wrapf(ErrMalformedRequest,
			"compressed push carries %d keys and %d lens, want 2 and 2", len(kvs.Keys), len(kvs.Lens))
	}
	if kvs.Lens[0] != 0 {
		return errors.Wrapf(ErrMalformedRequest, "compressed push lens[0]=%d, want 0", kvs.Lens[0])
	}
	if kvs.Lens[1] <= 0 || len(kvs.Vals) != kvs.Lens[1] {
		return errors.Wrapf(ErrMalformedRequest,
			"compressed push carries %d payload bytes, lens[1]=%d", len(kvs.Vals), kvs.Lens[1])
	}
	originalSize := s.decodeKey(kvs.Keys[0])
	key := s.decodeKey(kvs.Keys[1])
	if originalSize <= 0 {
		return errors.Wrapf(ErrMalformedRequest, "compressed push advertises %d elements", originalSize)
	}

	ent := s.entry(key)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.primary != nil && ent.primary.Size() != originalSize {
		return errors.Wrapf(ErrMalformedRequest,
			"compressed push of %d elements for key %d holding %d", originalSize, key, ent.primary.Size())
	}
	if ent.decomp == nil {
		ent.decomp = engine.NewDense(dtypes.Float32, originalSize)
	}

	if ent.primary == nil {
		if s.logVerbose {
			klog.Infof("initial compressed push: key=%d elems=%d", key, originalSize)
		}
		stored := engine.NewDense(dtypes.Float32, originalSize)
		if err := s.compression.Dequantize(s.eng, kvs.Vals, stored); err != nil {
			return errors.Wrapf(err, "init of key %d", key)
		}
		ent.primary = stored
		resp.Respond(meta)
		stored.WaitToRead()
		return nil
	}

	stored := ent.primary
	sync := s.syncMode.Load()
	if sync {
		ub := &ent.update
		if ub.merged == nil {
			ub.merged = engine.NewDense(dtypes.Float32, originalSize)
		}
		if len(ub.pending) == 0 {
			if err := s.compression.Dequantize(s.eng, kvs.Vals, ub.merged); err != nil {
				return errors.Wrapf(err, "push for key %d", key)
			}
		} else {
			if err := s.compression.Dequantize(s.eng, kvs.Vals, ent.decomp); err != nil {
				return errors.Wrapf(err, "push for key %d", key)
			}
			s.eng.AddInto(ent.decomp, ub.merged)
			ub.merged.WaitToRead()
		}
		ub.pending = append(ub.pending, meta)
		return s.applyUpdates(t, key, ent, sync, kvs, resp)
	}

	// Async compressed push: dequantize, then apply directly.
	if s.updater == nil {
		return errors.Wrap(ErrUnsupportedMode, "async compressed push without an updater")
	}
	if err := s.compression.Dequantize(s.eng, kvs.Vals, ent.decomp); err != nil {
		return errors.Wrapf(err, "push for key %d", key)
	}
	updater := s.updater
	grad := ent.decomp
	s.exec.Exec(func() {
		updater(key, grad, stored)
	})
	ent.version++
	resp.Respond(meta)
	stored.WaitToRead()
	return nil
}
