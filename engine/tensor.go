// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Layout describes the storage layout of a Tensor.
type Layout int

const (
	// Dense is flat row-major storage covering every element of the shape.
	Dense Layout = iota

	// RowSparse stores a subset of the rows of a logically larger 2D
	// tensor. Each storage row is tagged with its global row id.
	RowSparse
)

// Tensor is an engine-managed buffer: a dtype, a shape and flat byte
// storage, plus the write-fence bookkeeping used by Engine.
//
// All mutation of a Tensor goes through Engine operations and is
// asynchronous; WaitToRead is the host-side fence that blocks until every
// previously scheduled write has completed.
type Tensor struct {
	dtype  dtypes.DType
	dims   []int
	layout Layout
	data   []byte

	// rowIDs tags each storage row with its global row id (RowSparse only).
	rowIDs []int64

	// pendingWrites counts scheduled-but-unfinished engine ops writing
	// this tensor.
	pendingWrites sync.WaitGroup
}

// SupportedDType reports whether the engine implements arithmetic for dtype.
func SupportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

func checkDType(dtype dtypes.DType) {
	if !SupportedDType(dtype) {
		exceptions.Panicf("engine: unsupported dtype %s", dtype)
	}
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		if d < 0 {
			exceptions.Panicf("engine: negative dimension in shape %v", dims)
		}
		n *= d
	}
	return n
}

// NewDense returns a zero-initialized dense tensor.
func NewDense(dtype dtypes.DType, dims ...int) *Tensor {
	checkDType(dtype)
	return &Tensor{
		dtype: dtype,
		dims:  append([]int{}, dims...),
		data:  make([]byte, numElements(dims)*dtype.Size()),
	}
}

// NewRowSparse returns a row-sparse tensor with storage for rows rows of
// unitLen elements each. The row-id array starts empty and is set either by
// SetRowIDs or by Engine.PopulateFullIdx.
func NewRowSparse(dtype dtypes.DType, rows, unitLen int) *Tensor {
	checkDType(dtype)
	if unitLen <= 0 {
		exceptions.Panicf("engine: row-sparse tensor needs unitLen > 0, got %d", unitLen)
	}
	return &Tensor{
		dtype:  dtype,
		dims:   []int{rows, unitLen},
		layout: RowSparse,
		data:   make([]byte, rows*unitLen*dtype.Size()),
		rowIDs: make([]int64, 0, rows),
	}
}

// WrapBytes wraps data as a dense tensor without copying. The caller keeps
// ownership of data and must keep it alive while the tensor is in use --
// typically the scope of the request whose payload it is.
func WrapBytes(dtype dtypes.DType, data []byte, dims ...int) *Tensor {
	checkDType(dtype)
	if want := numElements(dims) * dtype.Size(); want != len(data) {
		exceptions.Panicf("engine.WrapBytes: shape %v (%s) needs %d bytes, got %d",
			dims, dtype, want, len(data))
	}
	return &Tensor{
		dtype: dtype,
		dims:  append([]int{}, dims...),
		data:  data,
	}
}

// WrapRowSparse wraps data as the storage of a row-sparse tensor holding
// the given global row ids, without copying.
func WrapRowSparse(dtype dtypes.DType, data []byte, rowIDs []int64, unitLen int) *Tensor {
	checkDType(dtype)
	if want := len(rowIDs) * unitLen * dtype.Size(); want != len(data) {
		exceptions.Panicf("engine.WrapRowSparse: %d rows of %d elements (%s) need %d bytes, got %d",
			len(rowIDs), unitLen, dtype, want, len(data))
	}
	return &Tensor{
		dtype:  dtype,
		dims:   []int{len(rowIDs), unitLen},
		layout: RowSparse,
		data:   data,
		rowIDs: append([]int64{}, rowIDs...),
	}
}

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dims returns the tensor's dimensions. The returned slice is owned by the
// tensor and must not be mutated.
func (t *Tensor) Dims() []int { return t.dims }

// Layout of the tensor's storage.
func (t *Tensor) Layout() Layout { return t.layout }

// IsRowSparse reports whether the tensor uses row-sparse storage.
func (t *Tensor) IsRowSparse() bool { return t.layout == RowSparse }

// Size returns the number of elements in storage.
func (t *Tensor) Size() int { return len(t.data) / t.dtype.Size() }

// Memory returns the storage size in bytes.
func (t *Tensor) Memory() int { return len(t.data) }

// Rows returns the number of storage rows of a row-sparse tensor, or the
// leading dimension of a dense one (1 for rank-0/rank-1 tensors).
func (t *Tensor) Rows() int {
	if len(t.dims) < 2 {
		return 1
	}
	return t.dims[0]
}

// UnitLen returns the number of elements per row.
func (t *Tensor) UnitLen() int {
	if len(t.dims) < 2 {
		return t.Size()
	}
	n := 1
	for _, d := range t.dims[1:] {
		n *= d
	}
	return n
}

// RowIDs returns the global row ids of a row-sparse tensor's storage rows.
// Callers must fence with WaitToRead first.
func (t *Tensor) RowIDs() []int64 { return t.rowIDs }

// SetRowIDs sets the global row ids of the storage rows.
func (t *Tensor) SetRowIDs(ids []int64) {
	if t.layout != RowSparse {
		exceptions.Panicf("engine: SetRowIDs on a dense tensor")
	}
	if len(ids) > t.Rows() {
		exceptions.Panicf("engine: %d row ids for a tensor with %d storage rows", len(ids), t.Rows())
	}
	t.rowIDs = append(t.rowIDs[:0], ids...)
}

// Bytes returns the raw storage. Callers must fence with WaitToRead first
// and must not mutate the contents outside engine operations.
func (t *Tensor) Bytes() []byte { return t.data }

// WaitToRead blocks until every engine operation writing this tensor that
// was scheduled before the call has completed.
func (t *Tensor) WaitToRead() {
	t.pendingWrites.Wait()
}

// at reads element i of the flat storage as float64.
func (t *Tensor) at(i int) float64 {
	switch t.dtype {
	case dtypes.Float16:
		bits := binary.LittleEndian.Uint16(t.data[i*2:])
		return float64(float16.Float16(bits).Float32())
	case dtypes.Float32:
		bits := binary.LittleEndian.Uint32(t.data[i*4:])
		return float64(math.Float32frombits(bits))
	case dtypes.Float64:
		bits := binary.LittleEndian.Uint64(t.data[i*8:])
		return math.Float64frombits(bits)
	}
	exceptions.Panicf("engine: unsupported dtype %s", t.dtype)
	return 0
}

// setAt stores v into element i of the flat storage, rounding to the
// tensor's dtype.
func (t *Tensor) setAt(i int, v float64) {
	switch t.dtype {
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(t.data[i*2:], uint16(float16.Fromfloat32(float32(v))))
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(float32(v)))
	case dtypes.Float64:
		binary.LittleEndian.PutUint64(t.data[i*8:], math.Float64bits(v))
	default:
		exceptions.Panicf("engine: unsupported dtype %s", t.dtype)
	}
}

// PackFloat32 serializes values in the flat little-endian layout the engine
// and the wire protocol use for Float32 tensors.
func PackFloat32(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

// UnpackFloat32 is the inverse of PackFloat32.
func UnpackFloat32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values
}

// PackFloat16 serializes values as IEEE 754 half-precision, little-endian.
func PackFloat16(values ...float32) []byte {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(float16.Fromfloat32(v)))
	}
	return data
}

// UnpackFloat16 deserializes half-precision values to float32.
func UnpackFloat16(data []byte) []float32 {
	values := make([]float32, len(data)/2)
	for i := range values {
		values[i] = float16.Float16(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
	return values
}
