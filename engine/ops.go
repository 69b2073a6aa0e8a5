// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Copy schedules dst ← src for tensors of the same dtype.
// For row-sparse tensors it also assigns src's row ids to dst.
func (e *Engine) Copy(src, dst *Tensor) {
	if src.dtype != dst.dtype {
		exceptions.Panicf("engine.Copy: dtype mismatch %s vs %s (use CastCopy)", src.dtype, dst.dtype)
	}
	e.CastCopy(src, dst)
}

// CastCopy schedules dst ← src, converting the element dtype if needed.
// For row-sparse tensors it assigns src's row ids to dst; dst's storage must
// have capacity for src's rows.
func (e *Engine) CastCopy(src, dst *Tensor) {
	checkSameLayout("CastCopy", src, dst)
	if src.layout == Dense && src.Size() != dst.Size() {
		exceptions.Panicf("engine.CastCopy: size mismatch %d vs %d elements", src.Size(), dst.Size())
	}
	if src.layout == RowSparse {
		if src.UnitLen() != dst.UnitLen() {
			exceptions.Panicf("engine.CastCopy: row length mismatch %d vs %d", src.UnitLen(), dst.UnitLen())
		}
		if len(src.rowIDs) > dst.Rows() {
			exceptions.Panicf("engine.CastCopy: %d rows into capacity %d", len(src.rowIDs), dst.Rows())
		}
	}
	e.PushAsync(func() {
		if src.layout == RowSparse {
			dst.rowIDs = append(dst.rowIDs[:0], src.rowIDs...)
			n := len(src.rowIDs) * src.UnitLen()
			castElements(src, dst, n)
			return
		}
		castElements(src, dst, src.Size())
	}, []*Tensor{src}, []*Tensor{dst})
}

func castElements(src, dst *Tensor, n int) {
	if src.dtype == dst.dtype {
		copy(dst.data, src.data[:n*src.dtype.Size()])
		return
	}
	for i := 0; i < n; i++ {
		dst.setAt(i, src.at(i))
	}
}

// AddInto schedules acc ← acc + src elementwise for dense tensors of the
// same element count. Dtypes may differ; the sum is computed in float64 and
// rounded to acc's dtype.
func (e *Engine) AddInto(src, acc *Tensor) {
	e.AddScaledInto(src, acc, 1)
}

// AddScaledInto schedules acc ← acc + scale·src. For row-sparse src, each
// source row is added to the accumulator row with the same global row id,
// which must be present in acc.
func (e *Engine) AddScaledInto(src, acc *Tensor, scale float64) {
	if src.layout == RowSparse && acc.layout == RowSparse {
		e.pushRowSparseAddScaled(src, acc, scale)
		return
	}
	checkSameLayout("AddScaledInto", src, acc)
	if src.Size() != acc.Size() {
		exceptions.Panicf("engine.AddScaledInto: size mismatch %d vs %d elements", src.Size(), acc.Size())
	}
	e.PushAsync(func() {
		for i := 0; i < src.Size(); i++ {
			acc.setAt(i, acc.at(i)+scale*src.at(i))
		}
	}, []*Tensor{src}, []*Tensor{acc})
}

func (e *Engine) pushRowSparseAddScaled(src, acc *Tensor, scale float64) {
	if src.UnitLen() != acc.UnitLen() {
		exceptions.Panicf("engine: row length mismatch %d vs %d", src.UnitLen(), acc.UnitLen())
	}
	e.PushAsync(func() {
		unit := acc.UnitLen()
		for si, id := range src.rowIDs {
			ai := slices.Index(acc.rowIDs, id)
			if ai < 0 {
				exceptions.Panicf("engine: accumulator holds no row with id %d", id)
			}
			for j := 0; j < unit; j++ {
				k := ai*unit + j
				acc.setAt(k, acc.at(k)+scale*src.at(si*unit+j))
			}
		}
	}, []*Tensor{src}, []*Tensor{acc})
}

// RowSparseAddInto schedules acc ← acc + src where both are row-sparse and
// the result holds the union of their row ids, in ascending order. The
// union must fit acc's storage capacity.
func (e *Engine) RowSparseAddInto(src, acc *Tensor) {
	if src.layout != RowSparse || acc.layout != RowSparse {
		exceptions.Panicf("engine.RowSparseAddInto: both tensors must be row-sparse")
	}
	if src.UnitLen() != acc.UnitLen() {
		exceptions.Panicf("engine.RowSparseAddInto: row length mismatch %d vs %d", src.UnitLen(), acc.UnitLen())
	}
	e.PushAsync(func() {
		unit := acc.UnitLen()
		union := append([]int64{}, acc.rowIDs...)
		for _, id := range src.rowIDs {
			if !slices.Contains(union, id) {
				union = append(union, id)
			}
		}
		slices.Sort(union)
		if len(union) > acc.Rows() {
			exceptions.Panicf("engine.RowSparseAddInto: union of %d rows exceeds capacity %d",
				len(union), acc.Rows())
		}
		merged := make([]byte, len(acc.data))
		out := &Tensor{dtype: acc.dtype, dims: acc.dims, layout: RowSparse, data: merged}
		for ui, id := range union {
			for j := 0; j < unit; j++ {
				var v float64
				if ai := slices.Index(acc.rowIDs, id); ai >= 0 {
					v += acc.at(ai*unit + j)
				}
				if si := slices.Index(src.rowIDs, id); si >= 0 {
					v += src.at(si*unit + j)
				}
				out.setAt(ui*unit+j, v)
			}
		}
		copy(acc.data, merged)
		acc.rowIDs = union
	}, []*Tensor{src}, []*Tensor{acc})
}

// Zero schedules clearing the tensor. A row-sparse tensor is left with no
// valid rows, which represents the all-zeros value.
func (e *Engine) Zero(t *Tensor) {
	e.PushAsync(func() {
		clear(t.data)
		if t.layout == RowSparse {
			t.rowIDs = t.rowIDs[:0]
		}
	}, nil, []*Tensor{t})
}

// PopulateFullIdx schedules filling the row-id array of a row-sparse tensor
// with 0..rows-1, marking every storage row valid under its own index.
func (e *Engine) PopulateFullIdx(t *Tensor) {
	if t.layout != RowSparse {
		exceptions.Panicf("engine.PopulateFullIdx: tensor is not row-sparse")
	}
	e.PushAsync(func() {
		t.rowIDs = t.rowIDs[:0]
		for i := 0; i < t.Rows(); i++ {
			t.rowIDs = append(t.rowIDs, int64(i))
		}
	}, nil, []*Tensor{t})
}

func checkSameLayout(what string, a, b *Tensor) {
	if a.layout != b.layout {
		exceptions.Panicf("engine.%s: layout mismatch", what)
	}
}
