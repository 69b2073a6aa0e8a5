// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairTypeRoundTrip(t *testing.T) {
	requestTypes := []RequestType{KVDefaultPushPull, KVRowSparsePushPull, KVCompressedPushPull}
	dts := []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64}
	seen := make(map[int]bool)
	for _, rt := range requestTypes {
		for _, dt := range dts {
			cmd := PairType(rt, dt)
			require.False(t, seen[cmd], "wire command %d is ambiguous", cmd)
			seen[cmd] = true
			decoded := UnpairType(cmd)
			assert.Equal(t, rt, decoded.RequestType)
			assert.Equal(t, dt, decoded.DType)
		}
	}
}

func TestUnpairTypeRejectsNegative(t *testing.T) {
	assert.Panics(t, func() { UnpairType(-1) })
}
