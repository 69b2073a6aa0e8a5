// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// RequestType selects the data-plane pipeline for a request.
// The wire order is fixed; it must match the training frontend.
type RequestType int

const (
	// KVDefaultPushPull is a dense push or pull.
	KVDefaultPushPull RequestType = iota
	// KVRowSparsePushPull is a row-sparse push or pull.
	KVRowSparsePushPull
	// KVCompressedPushPull is a compressed push or a dense pull of a
	// compressed key.
	KVCompressedPushPull
)

// DataHandleType is the decoded form of a data request's wire command.
type DataHandleType struct {
	RequestType RequestType
	DType       dtypes.DType
}

// PairType packs a request type and a dtype into a single wire command
// using the Cantor pairing function, which is invertible (see UnpairType).
func PairType(requestType RequestType, dtype dtypes.DType) int {
	m := int(requestType)
	d := int(dtype)
	return (m+d)*(m+d+1)/2 + d
}

// UnpairType inverts PairType.
func UnpairType(cmd int) DataHandleType {
	if cmd < 0 {
		exceptions.Panicf("server: invalid wire command %d", cmd)
	}
	w := int(math.Floor((math.Sqrt(float64(8*cmd+1)) - 1) / 2))
	t := (w*w + w) / 2
	y := cmd - t
	x := w - y
	if x < 0 || y < 0 {
		exceptions.Panicf("server: invalid wire command %d", cmd)
	}
	return DataHandleType{
		RequestType: RequestType(x),
		DType:       dtypes.DType(y),
	}
}
