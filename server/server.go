// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package server implements the aggregation and model-distribution core of
// a sharded parameter server: per-key gradient aggregation with a
// synchronous barrier, serialized optimizer application, dense, row-sparse
// and compressed pipelines, an optional float32 master copy for
// mixed-precision training, and the LeMethod peer-to-peer
// model-distribution mode.
//
// The server owns a contiguous range of integer keys. Every inbound message
// is either a control command (mode selection, compression and profiler
// configuration, shutdown) or a data request (push/pull of tensor bytes).
// Pushes accumulate into a per-key update buffer; in synchronous mode the
// buffer is consumed once all N workers have contributed, the updater runs
// on a serial executor, and the cohort's pending requests are answered.
//
// Request-level failures (see errors.go) are logged and the request is
// dropped. Violations of internal invariants panic via exceptions.Panicf: a
// panic escaping the updater or controller leaves the store in an unknown
// state and is fatal to the process.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/compress"
	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/internal/serialexec"
	"github.com/paramserve/paramserve/internal/workerpool"
	"github.com/paramserve/paramserve/optimizers"
	"github.com/paramserve/paramserve/profiler"
	"github.com/paramserve/paramserve/transport"
)

// CommandType tags control-plane messages. The wire order is fixed; it must
// match the training frontend.
type CommandType int

const (
	// CommandController runs a user callback on the serial executor.
	CommandController CommandType = iota
	// CommandSetMultiPrecision switches on the float32 master copies.
	CommandSetMultiPrecision
	// CommandStopServer shuts the server down.
	CommandStopServer
	// CommandSyncMode latches the server into synchronous aggregation.
	CommandSyncMode
	// CommandSetGradientCompression reconfigures the compression codec.
	CommandSetGradientCompression
	// CommandSetProfilerParams configures, starts, pauses or dumps the
	// profiler; the sub-command is the last body byte.
	CommandSetProfilerParams
)

// Controller is the user-supplied control callback. It runs on the serial
// executor.
type Controller func(head int, body []byte)

// updateBuf accumulates one barrier cohort's gradient contributions for a key.
type updateBuf struct {
	// merged is the aggregation target in sync mode. Its dtype is float32
	// when mixed precision is on, the key's native dtype otherwise.
	merged *engine.Tensor

	// temp stages the incoming gradient in async mode, and casts
	// lower-precision gradients to float32 before summation.
	temp *engine.Tensor

	// pending holds the requests waiting on the current barrier, in
	// arrival order. A request with NumMerge > 1 appears that many times.
	pending []*transport.Meta
}

// entry is the per-key stored state. Entries are created lazily on first
// push and live until shutdown.
type entry struct {
	mu sync.Mutex

	// primary is the authoritative parameter tensor in the key's native dtype.
	primary *engine.Tensor

	// masterF32 is the float32 master copy, maintained iff mixed precision
	// is on and the native dtype is not float32.
	masterF32 *engine.Tensor

	// version counts successful barrier/update rounds for this key.
	version int

	// decomp is the decompression scratch for compressed keys.
	decomp *engine.Tensor

	update updateBuf
}

// Server is the aggregation core for one shard of the parameter server.
type Server struct {
	fabric transport.Fabric
	eng    *engine.Engine
	exec   *serialexec.Executor
	pool   *workerpool.Pool

	compression *compress.Compression
	prof        *profiler.Profiler

	enableLeMethod bool
	enableTSEngine bool
	logVerbose     bool

	syncMode       atomic.Bool
	multiPrecision atomic.Bool

	updater    optimizers.Updater
	controller Controller

	mu      sync.Mutex
	entries map[int]*entry

	// LeMethod per-iteration state.
	leMu           sync.Mutex
	numAggregation int
	iteration      int
}

// New creates a server bound to fabric and registers its command and data
// handlers. Mode toggles are read from the environment (see env.go). The
// server starts in asynchronous mode until a SyncMode command arrives.
func New(fabric transport.Fabric) *Server {
	s := &Server{
		fabric:         fabric,
		eng:            engine.New(),
		exec:           serialexec.New(),
		compression:    compress.New(),
		prof:           profiler.New(fabric.Rank()),
		enableLeMethod: envBool(EnvEnableLeMethod),
		enableTSEngine: envBool(EnvEnableTSEngine),
		logVerbose:     envBool(EnvRowSparseVerbose),
		entries:        make(map[int]*entry),
	}
	// Model distribution blocks on transport replies; LeMethod requires a
	// single distribution worker so hops of one iteration stay ordered.
	s.pool = workerpool.New(1)
	fabric.RegisterCommandHandler(s.handleCommand)
	fabric.RegisterDataHandler(s.HandleData)
	return s
}

// SetUpdater installs the optimizer callback. It runs on the serial
// executor, one invocation at a time.
func (s *Server) SetUpdater(updater optimizers.Updater) {
	if updater == nil {
		exceptions.Panicf("server: SetUpdater(nil)")
	}
	s.updater = updater
}

// SetController installs the user control callback for CommandController
// messages. It runs on the serial executor.
func (s *Server) SetController(controller Controller) {
	if controller == nil {
		exceptions.Panicf("server: SetController(nil)")
	}
	s.controller = controller
}

// Engine returns the tensor engine the server schedules its operations on.
func (s *Server) Engine() *engine.Engine { return s.eng }

// Run consumes the serial executor's queue on the calling goroutine until a
// StopServer command arrives, then shuts down the worker pool and the
// engine. Updater and controller callbacks observe the calling goroutine.
func (s *Server) Run() {
	s.exec.Run()
	s.pool.Stop()
	s.eng.Close()
}

// handleCommand is the control plane. Every command is acknowledged after
// its synchronous part completes.
func (s *Server) handleCommand(cmd *transport.Command, app transport.CommandApp) {
	switch CommandType(cmd.Head) {
	case CommandStopServer:
		s.exec.Stop()
	case CommandSyncMode:
		s.syncMode.Store(true)
	case CommandSetGradientCompression:
		if err := s.compression.SetParams(cmd.Body); err != nil {
			klog.Errorf("SetGradientCompression %q: %v", cmd.Body, err)
		}
	case CommandSetProfilerParams:
		s.handleProfilerCommand(cmd.Body)
	case CommandSetMultiPrecision:
		if !s.multiPrecision.Load() {
			s.multiPrecision.Store(true)
			s.createMultiPrecisionCopies()
		}
	case CommandController:
		head, body := cmd.Head, cmd.Body
		s.exec.Exec(func() {
			if s.controller == nil {
				exceptions.Panicf("server: controller command without a controller installed")
			}
			s.controller(head, body)
		})
	default:
		klog.Errorf("unknown command %d (id=%s)", cmd.Head, cmd.ID)
	}
	app.Respond(cmd)
}

// handleProfilerCommand decodes the profiler sub-command from the last body
// byte and routes the remainder.
func (s *Server) handleProfilerCommand(body []byte) {
	if len(body) == 0 {
		klog.Errorf("SetProfilerParams with empty body")
		return
	}
	sub := profiler.Command(body[len(body)-1] - '0')
	payload := body[:len(body)-1]
	switch sub {
	case profiler.CommandSetConfig:
		if err := s.prof.SetConfig(string(payload)); err != nil {
			klog.Errorf("profiler config %q: %v", payload, err)
		}
	case profiler.CommandState:
		s.prof.SetState(firstDigit(payload))
	case profiler.CommandPause:
		s.prof.Pause(firstDigit(payload))
	case profiler.CommandDump:
		s.prof.Dump(firstDigit(payload))
	default:
		klog.Errorf("unknown profiler sub-command %d", sub)
	}
}

func firstDigit(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	return int(body[0] - '0')
}

// HandleData is the data plane entry point, called from the fabric's RPC
// goroutines. Under LeMethod only dense requests with a control marker are
// served; everything else in that mode fails with ErrUnsupportedMode or is
// ignored.
func (s *Server) HandleData(meta *transport.Meta, kvs transport.KVPairs, resp transport.Responder) {
	t := UnpairType(meta.Cmd)
	if s.enableLeMethod {
		if t.RequestType != KVDefaultPushPull {
			s.failRequest(meta, errors.Wrap(ErrUnsupportedMode, "LeMethod supports dense push/pull only"))
			return
		}
		switch meta.Control {
		case transport.ControlLocalAggregation:
			if err := s.localAggregation(t, meta, kvs, resp); err != nil {
				s.failRequest(meta, err)
			}
		case transport.ControlInit:
			if err := s.handleDefault(t, meta, kvs, resp); err != nil {
				s.failRequest(meta, err)
				return
			}
			s.distributeStored(meta, kvs)
		default:
			klog.V(2).Infof("LeMethod: ignoring data request %s without control marker", meta.ID)
		}
		return
	}
	var err error
	switch t.RequestType {
	case KVRowSparsePushPull:
		err = s.handleRowSparse(t, meta, kvs, resp)
	case KVCompressedPushPull:
		err = s.handleCompressed(t, meta, kvs, resp)
	case KVDefaultPushPull:
		err = s.handleDefault(t, meta, kvs, resp)
	default:
		err = errors.Wrapf(ErrMalformedRequest, "unknown request type %d", t.RequestType)
	}
	if err != nil {
		s.failRequest(meta, err)
	}
}

func (s *Server) failRequest(meta *transport.Meta, err error) {
	klog.Errorf("request %s from node %d failed: %+v", meta.ID, meta.Sender, err)
}

// decodeKey maps a wire key into this shard's local key space.
func (s *Server) decodeKey(wire uint64) int {
	kr := s.fabric.ServerKeyRanges()[s.fabric.Rank()]
	return int(wire - kr.Begin)
}

// entry returns the stored entry for key, creating it if needed.
func (s *Server) entry(key int) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, found := s.entries[key]
	if !found {
		ent = &entry{}
		s.entries[key] = ent
	}
	return ent
}

// hasMultiPrecisionCopy reports whether pushes of dtype go through a
// float32 master copy.
func (s *Server) hasMultiPrecisionCopy(dtype dtypes.DType) bool {
	return s.multiPrecision.Load() && dtype != dtypes.Float32
}
