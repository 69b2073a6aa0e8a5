// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	t.Cleanup(e.Close)
	return e
}

func TestDenseCopyAndAdd(t *testing.T) {
	e := newTestEngine(t)
	src := WrapBytes(dtypes.Float32, PackFloat32(1, 2, 3), 3)
	acc := NewDense(dtypes.Float32, 3)

	e.Copy(src, acc)
	e.AddInto(src, acc)
	e.AddScaledInto(src, acc, -0.5)
	acc.WaitToRead()

	assert.InDeltaSlice(t, []float32{1.5, 3, 4.5}, UnpackFloat32(acc.Bytes()), 1e-6)
}

func TestCastCopyFloat16(t *testing.T) {
	e := newTestEngine(t)
	src := WrapBytes(dtypes.Float16, PackFloat16(1.5, -2, 8), 3)
	dst := NewDense(dtypes.Float32, 3)

	e.CastCopy(src, dst)
	dst.WaitToRead()
	assert.Equal(t, []float32{1.5, -2, 8}, UnpackFloat32(dst.Bytes()))

	back := NewDense(dtypes.Float16, 3)
	e.CastCopy(dst, back)
	back.WaitToRead()
	assert.Equal(t, []float32{1.5, -2, 8}, UnpackFloat16(back.Bytes()))
}

func TestCopyDTypeMismatchPanics(t *testing.T) {
	e := newTestEngine(t)
	assert.Panics(t, func() {
		e.Copy(NewDense(dtypes.Float16, 2), NewDense(dtypes.Float32, 2))
	})
}

func TestRowSparseAddIntoUnion(t *testing.T) {
	e := newTestEngine(t)
	acc := NewRowSparse(dtypes.Float32, 4, 2)
	first := WrapRowSparse(dtypes.Float32, PackFloat32(1, 1, 2, 2), []int64{1, 3}, 2)
	second := WrapRowSparse(dtypes.Float32, PackFloat32(10, 10, 5, 5), []int64{3, 0}, 2)

	e.CastCopy(first, acc)
	e.RowSparseAddInto(second, acc)
	acc.WaitToRead()

	assert.Equal(t, []int64{0, 1, 3}, acc.RowIDs())
	assert.Equal(t, []float32{5, 5, 1, 1, 12, 12}, UnpackFloat32(acc.Bytes())[:6])
}

func TestRowSparseAddScaledMatchesStoredRows(t *testing.T) {
	e := newTestEngine(t)
	stored := NewRowSparse(dtypes.Float32, 3, 2)
	e.CastCopy(WrapRowSparse(dtypes.Float32, PackFloat32(1, 1, 2, 2, 3, 3), []int64{0, 4, 9}, 2), stored)
	grad := WrapRowSparse(dtypes.Float32, PackFloat32(0.5, 0.5), []int64{4}, 2)

	e.AddScaledInto(grad, stored, -1)
	stored.WaitToRead()
	assert.InDeltaSlice(t, []float32{1, 1, 1.5, 1.5, 3, 3}, UnpackFloat32(stored.Bytes()), 1e-6)
}

func TestZero(t *testing.T) {
	e := newTestEngine(t)
	dense := NewDense(dtypes.Float32, 2)
	e.Copy(WrapBytes(dtypes.Float32, PackFloat32(7, 7), 2), dense)
	e.Zero(dense)
	dense.WaitToRead()
	assert.Equal(t, []float32{0, 0}, UnpackFloat32(dense.Bytes()))

	sparse := NewRowSparse(dtypes.Float32, 2, 1)
	e.CastCopy(WrapRowSparse(dtypes.Float32, PackFloat32(1, 2), []int64{0, 1}, 1), sparse)
	e.Zero(sparse)
	sparse.WaitToRead()
	assert.Empty(t, sparse.RowIDs(), "a zeroed row-sparse tensor holds no valid rows")
}

func TestPopulateFullIdx(t *testing.T) {
	e := newTestEngine(t)
	sparse := NewRowSparse(dtypes.Float32, 3, 2)
	e.PopulateFullIdx(sparse)
	sparse.WaitToRead()
	assert.Equal(t, []int64{0, 1, 2}, sparse.RowIDs())
}

func TestFIFOOrderingAcrossTensors(t *testing.T) {
	e := newTestEngine(t)
	a := NewDense(dtypes.Float32, 1)
	b := NewDense(dtypes.Float32, 1)

	e.Copy(WrapBytes(dtypes.Float32, PackFloat32(2), 1), a)
	e.AddInto(a, b)   // b = 2
	e.AddInto(b, a)   // a = 4
	e.AddInto(a, b)   // b = 6
	a.WaitToRead()
	b.WaitToRead()
	assert.Equal(t, []float32{4}, UnpackFloat32(a.Bytes()))
	assert.Equal(t, []float32{6}, UnpackFloat32(b.Bytes()))
}

func TestWrapBytesSizeCheck(t *testing.T) {
	require.Panics(t, func() {
		WrapBytes(dtypes.Float32, make([]byte, 7), 2)
	})
}

func TestPushAsyncAfterClosePanics(t *testing.T) {
	e := New()
	e.Close()
	assert.Panics(t, func() { e.Zero(NewDense(dtypes.Float32, 1)) })
}
