// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/transport"
)

// handleRowSparse serves row-sparse pushes and pulls. A request is keyed by
// (master key, row keys...); the first key carries no payload (its length
// entry is 0) and the i-th row's global id is rowKey_i − masterKey.
func (s *Server) handleRowSparse(t DataHandleType, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	if len(kvs.Keys) == 0 {
		return errors.Wrap(ErrMalformedRequest, "row-sparse request without keys")
	}
	master := s.decodeKey(kvs.Keys[0])
	numRows := len(kvs.Keys) - 1

	if !meta.Push {
		return s.rowSparsePullResponse(t, master, numRows, meta, kvs, resp)
	}

	if len(kvs.Lens) == 0 {
		return errors.Wrap(ErrMalformedRequest, "row-sparse push without lens")
	}
	if kvs.Lens[0] != 0 {
		return errors.Wrapf(ErrMalformedRequest, "row-sparse push lens[0]=%d, want 0", kvs.Lens[0])
	}

	ent := s.entry(master)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	mp := s.hasMultiPrecisionCopy(t.DType)

	if ent.primary == nil {
		if s.logVerbose {
			klog.Infof("initial push: key=%d", master)
		}
		if numRows == 0 {
			return errors.Wrap(ErrMalformedRequest, "row-sparse init with empty data")
		}
		return s.initRowSparseStored(t, master, numRows, ent, meta, kvs, resp)
	}

	if s.logVerbose {
		klog.Infof("push: key=%d rows=%d", master, numRows)
	}
	stored := ent.primary
	if mp {
		stored = ent.masterF32
	}
	ub := &ent.update
	sync := s.syncMode.Load()
	if sync && ub.merged == nil {
		mergedDType := t.DType
		if mp {
			mergedDType = dtypes.Float32
		}
		ub.merged = engine.NewRowSparse(mergedDType, stored.Rows(), stored.UnitLen())
	}
	if mp && ub.temp == nil {
		ub.temp = engine.NewRowSparse(dtypes.Float32, stored.Rows(), stored.UnitLen())
	}

	if numRows == 0 {
		// Empty contribution: counts toward the barrier with zeros in sync
		// mode, plain ack in async mode.
		if !sync {
			resp.Respond(meta)
			return nil
		}
		if len(ub.pending) == 0 {
			s.eng.Zero(ub.merged)
		}
		ub.pending = append(ub.pending, meta)
		return s.applyUpdates(t, master, ent, sync, kvs, resp)
	}

	unitLen, err := rowSparseUnitLen(t, kvs, numRows)
	if err != nil {
		return err
	}
	if unitLen != stored.UnitLen() {
		return errors.Wrapf(ErrMalformedRequest,
			"push rows of %d elements for key %d holding rows of %d", unitLen, master, stored.UnitLen())
	}
	rowIDs := decodeRowIDs(s, kvs.Keys, master)
	recved := engine.WrapRowSparse(t.DType, kvs.Vals, rowIDs, unitLen)

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
			exceptions.Panicf("server: pending row-sparse pushes outside sync mode for key %d", master)
		}
		if mp {
			s.eng.CastCopy(recved, ub.temp)
			s.eng.RowSparseAddInto(ub.temp, ub.merged)
		} else {
			s.eng.RowSparseAddInto(recved, ub.merged)
		}
		ub.merged.WaitToRead()
	}
	ub.pending = append(ub.pending, meta)
	return s.applyUpdates(t, master, ent, sync, kvs, resp)
}

// initRowSparseStored allocates the key's row-sparse storage with one row
// per pushed row key, records the pushed global row ids, and copies the
// payload in. Caller holds ent.mu.
func (s *Server) initRowSparseStored(t DataHandleType, master, numRows int, ent *entry, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	unitLen, err := rowSparseUnitLen(t, kvs, numRows)
	if err != nil {
		return err
	}
	mp := s.hasMultiPrecisionCopy(t.DType)
	rowIDs := decodeRowIDs(s, kvs.Keys, master)
	recved := engine.WrapRowSparse(t.DType, kvs.Vals, rowIDs, unitLen)

	storedDType := t.DType
	if mp {
		storedDType = dtypes.Float32
	}
	stored := engine.NewRowSparse(storedDType, numRows, unitLen)
	s.eng.CastCopy(recved, stored)
	if mp {
		ent.masterF32 = stored
		ent.primary = engine.NewRowSparse(t.DType, numRows, unitLen)
		s.eng.CastCopy(stored, ent.primary)
		ent.primary.WaitToRead()
	} else {
		ent.primary = stored
	}
	stored.WaitToRead()
	resp.Respond(meta)
	return nil
}

// rowSparsePullResponse gathers the requested rows from the primary tensor
// and concatenates them. Rows the store does not hold are serialized as
// zeros. Length entries are unit lengths in elements, the first being 0 to
// match the key tuple shape.
func (s *Server) rowSparsePullResponse(t DataHandleType, master, numRows int, meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) error {
	if s.logVerbose {
		klog.Infof("pull: key=%d rows=%d", master, numRows)
	}
	if numRows == 0 {
		resp.RespondKV(meta, transport.KVPairs{
			Keys: kvs.Keys,
			Lens: make([]int, len(kvs.Keys)),
		})
		return nil
	}
	ent := s.entry(master)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	stored := ent.primary
	if stored == nil {
		return errors.Wrapf(ErrNotInitialized, "row-sparse pull of key %d before first push", master)
	}
	stored.WaitToRead()

	unitLen := stored.UnitLen()
	unitSize := unitLen * stored.DType().Size()
	data := stored.Bytes()
	storedIDs := stored.RowIDs()
	vals := make([]byte, numRows*unitSize)
	for i := 1; i <= numRows; i++ {
		rowID := int64(s.decodeKey(kvs.Keys[i]) - master)
		si := slices.Index(storedIDs, rowID)
		if si < 0 {
			continue // absent row stays zero
		}
		copy(vals[(i-1)*unitSize:i*unitSize], data[si*unitSize:(si+1)*unitSize])
	}
	lens := make([]int, len(kvs.Keys))
	for i := 1; i < len(lens); i++ {
		lens[i] = unitLen
	}
	resp.RespondKV(meta, transport.KVPairs{Keys: kvs.Keys, Vals: vals, Lens: lens})
	return nil
}

// rowSparseUnitLen validates the per-row length entries of a non-empty
// row-sparse push and returns the row length in elements.
func rowSparseUnitLen(t DataHandleType, kvs transport.KVPairs, numRows int) (int, error) {
	if len(kvs.Lens) != numRows+1 {
		return 0, errors.Wrapf(ErrMalformedRequest,
			"row-sparse push carries %d lens for %d rows", len(kvs.Lens), numRows)
	}
	elemSize := t.DType.Size()
	unitBytes := kvs.Lens[1]
	if unitBytes <= 0 || unitBytes%elemSize != 0 {
		return 0, errors.Wrapf(ErrMalformedRequest, "row-sparse unit length of %d bytes for dtype %s",
			unitBytes, t.DType)
	}
	for i := 2; i <= numRows; i++ {
		if kvs.Lens[i] != unitBytes {
			return 0, errors.Wrapf(ErrMalformedRequest,
				"row-sparse push with ragged rows: lens[%d]=%d, want %d", i, kvs.Lens[i], unitBytes)
		}
	}
	if len(kvs.Vals) != numRows*unitBytes {
		return 0, errors.Wrapf(ErrMalformedRequest,
			"row-sparse push carries %d payload bytes for %d rows of %d", len(kvs.Vals), numRows, unitBytes)
	}
	return unitBytes / elemSize, nil
}

// decodeRowIDs maps the row keys of a row-sparse request to global row ids.
func decodeRowIDs(s *Server, keys []uint64, master int) []int64 {
	ids := make([]int64, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		ids[i-1] = int64(s.decodeKey(keys[i]) - master)
	}
	return ids
}
