// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/optimizers"
	"github.com/paramserve/paramserve/transport"
)

// newTestServer starts a server on a loopback fabric with its executor loop
// running, and stops it when the test finishes.
func newTestServer(t *testing.T, numWorkers int) (*Server, *transport.Loopback) {
	t.Helper()
	fabric := transport.NewLoopback(numWorkers, 1<<20)
	s := New(fabric)
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	t.Cleanup(func() {
		fabric.PushCommand(int(CommandStopServer), nil)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s, fabric
}

func pushDense(fabric *transport.Loopback, dtype dtypes.DType, key uint64, pull bool, payload []byte) {
	fabric.PushData(&transport.Meta{
		Cmd:  PairType(KVDefaultPushPull, dtype),
		Push: true,
		Pull: pull,
	}, transport.KVPairs{Keys: []uint64{key}, Vals: payload, Lens: []int{len(payload)}})
}

func pullDense(fabric *transport.Loopback, dtype dtypes.DType, key uint64) {
	fabric.PushData(&transport.Meta{
		Cmd:  PairType(KVDefaultPushPull, dtype),
		Pull: true,
	}, transport.KVPairs{Keys: []uint64{key}})
}

func TestDenseInit(t *testing.T) {
	_, fabric := newTestServer(t, 2)

	pushDense(fabric, dtypes.Float32, 5, false, engine.PackFloat32(1, 2, 3))
	responses := fabric.TakeResponses()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].HasKVs, "init push wants a plain ack")

	pullDense(fabric, dtypes.Float32, 5)
	responses = fabric.TakeResponses()
	require.Len(t, responses, 1)
	require.True(t, responses[0].HasKVs)
	assert.Equal(t, []float32{1, 2, 3}, engine.UnpackFloat32(responses[0].KVs.Vals))
	assert.Equal(t, []int{12}, responses[0].KVs.Lens)
}

func TestDenseSyncBarrier(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))
	fabric.PushCommand(int(CommandSyncMode), nil)

	pushDense(fabric, dtypes.Float32, 5, false, engine.PackFloat32(1, 2, 3))
	fabric.TakeResponses()

	grad := engine.PackFloat32(0.1, 0.2, 0.3)
	pushDense(fabric, dtypes.Float32, 5, true, grad)
	assert.Empty(t, fabric.TakeResponses(), "barrier must hold until both workers arrive")
	assert.Equal(t, 1, s.barrierSize(5))

	pushDense(fabric, dtypes.Float32, 5, true, grad)
	responses := fabric.TakeResponses()
	require.Len(t, responses, 2)
	for _, r := range responses {
		require.True(t, r.HasKVs)
		assert.InDeltaSlice(t, []float32{0.8, 1.6, 2.4}, engine.UnpackFloat32(r.KVs.Vals), 1e-6)
	}
	assert.Equal(t, 1, s.entry(5).version)
	assert.Equal(t, 0, s.barrierSize(5))
}

func TestOptimizerOncePerIteration(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	calls := 0
	sgd := optimizers.SGD(s.Engine(), 1)
	s.SetUpdater(func(key int, grad, stored *engine.Tensor) {
		calls++
		sgd(key, grad, stored)
	})
	fabric.PushCommand(int(CommandSyncMode), nil)

	pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(1))
	for iteration := 0; iteration < 3; iteration++ {
		pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(1))
		pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(1))
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, s.entry(0).version)
}

func TestMixedPrecision(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 0.5))
	fabric.PushCommand(int(CommandSyncMode), nil)
	fabric.PushCommand(int(CommandSetMultiPrecision), nil)

	pushDense(fabric, dtypes.Float16, 3, false, engine.PackFloat16(10, 10))
	fabric.TakeResponses()

	ent := s.entry(3)
	require.NotNil(t, ent.masterF32)
	assert.Equal(t, dtypes.Float32, ent.masterF32.DType())
	assert.Equal(t, dtypes.Float16, ent.primary.DType())

	grad := engine.PackFloat16(2, 2)
	pushDense(fabric, dtypes.Float16, 3, true, grad)
	pushDense(fabric, dtypes.Float16, 3, true, grad)

	responses := fabric.TakeResponses()
	require.Len(t, responses, 2)
	for _, r := range responses {
		require.True(t, r.HasKVs)
		assert.Equal(t, []float32{8, 8}, engine.UnpackFloat16(r.KVs.Vals))
	}
	ent.masterF32.WaitToRead()
	assert.Equal(t, []float32{8, 8}, engine.UnpackFloat32(ent.masterF32.Bytes()))
}

func TestMultiPrecisionBackfill(t *testing.T) {
	s, fabric := newTestServer(t, 1)
	pushDense(fabric, dtypes.Float16, 2, false, engine.PackFloat16(4, 5))
	fabric.PushCommand(int(CommandSetMultiPrecision), nil)

	ent := s.entry(2)
	require.NotNil(t, ent.masterF32)
	ent.masterF32.WaitToRead()
	assert.Equal(t, []float32{4, 5}, engine.UnpackFloat32(ent.masterF32.Bytes()))
}

func TestMultiPrecisionWithPendingPanics(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))
	fabric.PushCommand(int(CommandSyncMode), nil)
	pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(1))
	pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(0.5))
	require.Equal(t, 1, s.barrierSize(0))

	require.Panics(t, func() {
		fabric.PushCommand(int(CommandSetMultiPrecision), nil)
	})
}

func TestRowSparseInitAndPull(t *testing.T) {
	_, fabric := newTestServer(t, 2)
	cmd := PairType(KVRowSparsePushPull, dtypes.Float32)

	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{100, 101, 103},
		Vals: engine.PackFloat32(1, 1, 2, 2),
		Lens: []int{0, 8, 8},
	})
	responses := fabric.TakeResponses()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].HasKVs)

	fabric.PushData(&transport.Meta{Cmd: cmd, Pull: true}, transport.KVPairs{
		Keys: []uint64{100, 101, 102, 103},
	})
	responses = fabric.TakeResponses()
	require.Len(t, responses, 1)
	require.True(t, responses[0].HasKVs)
	assert.Equal(t, []float32{1, 1, 0, 0, 2, 2}, engine.UnpackFloat32(responses[0].KVs.Vals))
	assert.Equal(t, []int{0, 2, 2, 2}, responses[0].KVs.Lens)
}

func TestRowSparseEmptyContribution(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))
	fabric.PushCommand(int(CommandSyncMode), nil)
	cmd := PairType(KVRowSparsePushPull, dtypes.Float32)

	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{100, 101, 103},
		Vals: engine.PackFloat32(1, 1, 2, 2),
		Lens: []int{0, 8, 8},
	})
	fabric.TakeResponses()

	// An empty push counts toward the barrier but contributes zeros.
	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{100},
		Lens: []int{0},
	})
	require.Equal(t, 1, s.barrierSize(100))

	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{100, 101, 103},
		Vals: engine.PackFloat32(0.5, 0.5, 0.5, 0.5),
		Lens: []int{0, 8, 8},
	})
	responses := fabric.TakeResponses()
	require.Len(t, responses, 2)

	fabric.PushData(&transport.Meta{Cmd: cmd, Pull: true}, transport.KVPairs{
		Keys: []uint64{100, 101, 103},
	})
	responses = fabric.TakeResponses()
	require.Len(t, responses, 1)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 1.5, 1.5},
		engine.UnpackFloat32(responses[0].KVs.Vals), 1e-6)
}

func TestRowSparseEmptyContributionAsync(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	cmd := PairType(KVRowSparsePushPull, dtypes.Float32)

	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{100, 101},
		Vals: engine.PackFloat32(1, 1),
		Lens: []int{0, 8},
	})
	fabric.TakeResponses()

	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{100},
		Lens: []int{0},
	})
	responses := fabric.TakeResponses()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].HasKVs)
	assert.Equal(t, 0, s.barrierSize(100))
}

func TestCompressedSync(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))
	fabric.PushCommand(int(CommandSyncMode), nil)
	cmd := PairType(KVCompressedPushPull, dtypes.Float32)

	// Init goes through the passthrough codec: raw float32 bytes.
	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{2, 7},
		Vals: engine.PackFloat32(1, 1),
		Lens: []int{0, 8},
	})
	require.Len(t, fabric.TakeResponses(), 1)

	fabric.PushCommand(int(CommandSetGradientCompression), []byte("type:int8,scale:0.1"))

	// Each worker pushes int8 levels [2, 2], dequantizing to [0.2, 0.2].
	quantized := []byte{2, 2}
	for i := 0; i < 2; i++ {
		fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
			Keys: []uint64{2, 7},
			Vals: quantized,
			Lens: []int{0, 2},
		})
	}
	require.Len(t, fabric.TakeResponses(), 2)

	fabric.PushData(&transport.Meta{Cmd: cmd, Pull: true}, transport.KVPairs{
		Keys: []uint64{7},
	})
	responses := fabric.TakeResponses()
	require.Len(t, responses, 1)
	assert.InDeltaSlice(t, []float32{0.6, 0.6}, engine.UnpackFloat32(responses[0].KVs.Vals), 1e-6)
	assert.Equal(t, 1, s.entry(7).version)
}

func TestCompressedSizeMismatch(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	cmd := PairType(KVCompressedPushPull, dtypes.Float32)
	fabric.PushData(&transport.Meta{Cmd: cmd, Push: true}, transport.KVPairs{
		Keys: []uint64{2, 7},
		Vals: engine.PackFloat32(1, 1),
		Lens: []int{0, 8},
	})
	fabric.TakeResponses()

	err := s.handleCompressed(
		DataHandleType{RequestType: KVCompressedPushPull, DType: dtypes.Float32},
		&transport.Meta{Push: true},
		transport.KVPairs{
			Keys: []uint64{3, 7},
			Vals: engine.PackFloat32(1, 1, 1),
			Lens: []int{0, 12},
		}, fabric)
	require.ErrorIs(t, err, ErrMalformedRequest)
}

func TestLeMethodDistribution(t *testing.T) {
	t.Setenv(EnvEnableLeMethod, "1")
	_, fabric := newTestServer(t, 2)
	fabric.PushCommand(int(CommandSyncMode), nil)
	fabric.ScriptReceivers(9, 11)
	cmd := PairType(KVDefaultPushPull, dtypes.Float32)

	// Two pre-aggregated contributions; the first initializes the key.
	fabric.PushData(&transport.Meta{
		Cmd: cmd, Push: true,
		Control:        transport.ControlLocalAggregation,
		NumAggregation: 1,
	}, transport.KVPairs{Keys: []uint64{7}, Vals: engine.PackFloat32(1, 2), Lens: []int{8}})
	fabric.PushData(&transport.Meta{
		Cmd: cmd, Push: true,
		Control:        transport.ControlLocalAggregation,
		NumAggregation: 1,
	}, transport.KVPairs{Keys: []uint64{7}, Vals: engine.PackFloat32(3, 4), Lens: []int{8}})
	require.Empty(t, fabric.TakeResponses(),
		"aggregation contributions are not individually acknowledged")

	require.Eventually(t, func() bool {
		return len(fabric.BandwidthSamples()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	sent := fabric.SentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, transport.NodeID(9), sent[0].Receiver)
	assert.Equal(t, transport.NodeID(11), sent[1].Receiver)
	for _, msg := range sent {
		assert.Equal(t, transport.ControlModelDistribution, msg.Control)
		assert.Equal(t, uint64(7), msg.Key)
		assert.Equal(t, 1, msg.Version, "distribution messages carry the iteration")
		assert.Equal(t, []float32{4, 6}, engine.UnpackFloat32(msg.Data.Vals))
	}
	for _, bw := range fabric.BandwidthSamples() {
		assert.Negative(t, bw)
	}
}

func TestLeMethodAggregationResetsPerIteration(t *testing.T) {
	t.Setenv(EnvEnableLeMethod, "1")
	s, fabric := newTestServer(t, 2)
	fabric.PushCommand(int(CommandSyncMode), nil)
	cmd := PairType(KVDefaultPushPull, dtypes.Float32)
	contribute := func(a, b float32) {
		fabric.PushData(&transport.Meta{
			Cmd: cmd, Push: true,
			Control:        transport.ControlLocalAggregation,
			NumAggregation: 1,
		}, transport.KVPairs{Keys: []uint64{7}, Vals: engine.PackFloat32(a, b), Lens: []int{8}})
	}

	contribute(1, 2)
	contribute(3, 4)
	// The second iteration's first contribution must replace the previous
	// aggregate, not add to it.
	contribute(10, 10)
	contribute(20, 20)

	ent := s.entry(7)
	ent.mu.Lock()
	ent.primary.WaitToRead()
	got := engine.UnpackFloat32(ent.primary.Bytes())
	ent.mu.Unlock()
	assert.Equal(t, []float32{30, 30}, got)
	assert.Empty(t, fabric.TakeResponses())
}

func TestSyncModeLatchMidRequest(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))

	pushDense(fabric, dtypes.Float32, 2, false, engine.PackFloat32(1))
	fabric.TakeResponses()

	// A SyncMode command landing after a gradient was buffered as async
	// must not change how that request is applied: no sync accumulator
	// exists yet.
	ent := s.entry(2)
	ent.mu.Lock()
	ub := &ent.update
	ub.temp = engine.WrapBytes(dtypes.Float32, engine.PackFloat32(0.5), 1)
	meta := &transport.Meta{Cmd: PairType(KVDefaultPushPull, dtypes.Float32), Push: true}
	ub.pending = append(ub.pending, meta)
	s.syncMode.Store(true)
	err := s.applyUpdates(UnpairType(meta.Cmd), 2, ent, false, transport.KVPairs{Keys: []uint64{2}}, fabric)
	ent.mu.Unlock()
	require.NoError(t, err)
	require.Len(t, fabric.TakeResponses(), 1)

	ent.mu.Lock()
	ent.primary.WaitToRead()
	got := engine.UnpackFloat32(ent.primary.Bytes())
	ent.mu.Unlock()
	assert.Equal(t, []float32{0.5}, got)
}

func TestLeMethodRejectsRowSparse(t *testing.T) {
	t.Setenv(EnvEnableLeMethod, "1")
	_, fabric := newTestServer(t, 2)
	fabric.PushData(&transport.Meta{
		Cmd:  PairType(KVRowSparsePushPull, dtypes.Float32),
		Push: true,
	}, transport.KVPairs{Keys: []uint64{100}, Lens: []int{0}})
	assert.Empty(t, fabric.TakeResponses(), "unsupported request must be dropped")
}

func TestTSEngineEarlyAck(t *testing.T) {
	t.Setenv(EnvEnableTSEngine, "1")
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))
	fabric.PushCommand(int(CommandSyncMode), nil)

	pushDense(fabric, dtypes.Float32, 4, false, engine.PackFloat32(1, 1))
	responses := fabric.TakeResponses()
	require.Len(t, responses, 2, "early ack plus auto-pull")
	assert.False(t, responses[0].HasKVs)
	require.True(t, responses[1].Auto)
	assert.Equal(t, 0, responses[1].Version)
	assert.Equal(t, []float32{1, 1}, engine.UnpackFloat32(responses[1].KVs.Vals))

	grad := engine.PackFloat32(0.25, 0.25)
	pushDense(fabric, dtypes.Float32, 4, false, grad)
	require.Len(t, fabric.TakeResponses(), 1, "push is acked before the barrier completes")
	pushDense(fabric, dtypes.Float32, 4, false, grad)
	responses = fabric.TakeResponses()
	require.Len(t, responses, 2)
	require.True(t, responses[1].Auto)
	assert.Equal(t, 1, responses[1].Version)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, engine.UnpackFloat32(responses[1].KVs.Vals), 1e-6)
}

func TestNumMergeReplication(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 1))
	fabric.PushCommand(int(CommandSyncMode), nil)
	pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(1))
	fabric.TakeResponses()

	// One pre-aggregated push carrying both workers completes the barrier
	// and yields two acknowledgements.
	fabric.PushData(&transport.Meta{
		Cmd:      PairType(KVDefaultPushPull, dtypes.Float32),
		Push:     true,
		NumMerge: 2,
	}, transport.KVPairs{Keys: []uint64{0}, Vals: engine.PackFloat32(0.5), Lens: []int{4}})
	assert.Len(t, fabric.TakeResponses(), 2)
	assert.Equal(t, 1, s.entry(0).version)
}

func TestZeroGradientRoundTrip(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	s.SetUpdater(optimizers.SGD(s.Engine(), 0))
	fabric.PushCommand(int(CommandSyncMode), nil)
	pushDense(fabric, dtypes.Float32, 1, false, engine.PackFloat32(3, 1, 4))
	fabric.TakeResponses()

	zeros := engine.PackFloat32(0, 0, 0)
	for iteration := 0; iteration < 3; iteration++ {
		pushDense(fabric, dtypes.Float32, 1, false, zeros)
		pushDense(fabric, dtypes.Float32, 1, false, zeros)
	}
	fabric.TakeResponses()

	pullDense(fabric, dtypes.Float32, 1)
	responses := fabric.TakeResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, []float32{3, 1, 4}, engine.UnpackFloat32(responses[0].KVs.Vals))
}

func TestAggregationCommutes(t *testing.T) {
	gradA := engine.PackFloat32(0.125, 0.5)
	gradB := engine.PackFloat32(0.25, 0.75)

	run := func(first, second []byte) []float32 {
		s, fabric := newTestServer(t, 2)
		s.SetUpdater(optimizers.SGD(s.Engine(), 1))
		fabric.PushCommand(int(CommandSyncMode), nil)
		pushDense(fabric, dtypes.Float32, 0, false, engine.PackFloat32(2, 2))
		pushDense(fabric, dtypes.Float32, 0, false, first)
		pushDense(fabric, dtypes.Float32, 0, false, second)
		fabric.TakeResponses()
		pullDense(fabric, dtypes.Float32, 0)
		responses := fabric.TakeResponses()
		require.Len(t, responses, 1)
		return engine.UnpackFloat32(responses[0].KVs.Vals)
	}

	assert.Equal(t, run(gradA, gradB), run(gradB, gradA))
}

func TestIdempotentConfig(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	for i := 0; i < 3; i++ {
		fabric.PushCommand(int(CommandSyncMode), nil)
		fabric.PushCommand(int(CommandSetGradientCompression), []byte("type:int8,scale:0.5"))
	}
	assert.True(t, s.syncMode.Load())
	assert.Equal(t, "int8", s.compression.Name())
}

func TestPullBeforePushDropped(t *testing.T) {
	_, fabric := newTestServer(t, 2)
	pullDense(fabric, dtypes.Float32, 9)
	assert.Empty(t, fabric.TakeResponses())
}

func TestMalformedDensePushDropped(t *testing.T) {
	s, fabric := newTestServer(t, 2)
	err := s.handleDefault(
		DataHandleType{RequestType: KVDefaultPushPull, DType: dtypes.Float32},
		&transport.Meta{Push: true},
		transport.KVPairs{Keys: []uint64{0, 1}}, fabric)
	require.ErrorIs(t, err, ErrMalformedRequest)

	err = s.handleDefault(
		DataHandleType{RequestType: KVDefaultPushPull, DType: dtypes.Float32},
		&transport.Meta{Push: true},
		transport.KVPairs{Keys: []uint64{0}, Vals: []byte{1, 2, 3}, Lens: []int{3}}, fabric)
	require.ErrorIs(t, err, ErrMalformedRequest)
}
