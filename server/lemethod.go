// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/transport"
)

// localAggregation folds a pre-aggregated worker contribution into the
// stored value and counts it toward the iteration: the iteration's first
// contribution replaces the previous aggregate, later ones add to it. When
// every worker has been folded the workers are notified and a model
// distribution pass is scheduled. This is the server side of a tree
// reduction: the workers pre-sum before their last hop, so the fold is a
// plain copy-or-add, not an optimizer step, and contributions are not
// acknowledged individually; workers learn of completion through
// NoticeWorkersOneIterationFinish and the distribution push.
func (s *Server) localAggregation(t DataHandleType, meta *transport.Meta, kvs transport.KVPairs, _ transport.Responder) error {
	if len(kvs.Keys) != 1 || len(kvs.Lens) != 1 || len(kvs.Vals) != kvs.Lens[0] {
		return errors.Wrapf(ErrMalformedRequest,
			"aggregation request carries %d keys, %d lens, %d payload bytes",
			len(kvs.Keys), len(kvs.Lens), len(kvs.Vals))
	}
	key := s.decodeKey(kvs.Keys[0])
	elemSize := t.DType.Size()
	if kvs.Lens[0] == 0 || kvs.Lens[0]%elemSize != 0 {
		return errors.Wrapf(ErrMalformedRequest, "aggregation push of %d bytes for dtype %s",
			kvs.Lens[0], t.DType)
	}
	numElems := kvs.Lens[0] / elemSize
	recved := engine.WrapBytes(t.DType, kvs.Vals, numElems)
	contributed := meta.NumAggregation
	if contributed <= 0 {
		contributed = 1
	}

	s.leMu.Lock()
	ent := s.entry(key)
	ent.mu.Lock()
	stored := ent.primary
	if stored == nil {
		stored = engine.NewDense(t.DType, numElems)
		ent.primary = stored
	} else if numElems != stored.Size() {
		ent.mu.Unlock()
		s.leMu.Unlock()
		return errors.Wrapf(ErrMalformedRequest,
			"aggregation push of %d elements for key %d holding %d", numElems, key, stored.Size())
	}
	if s.numAggregation == 0 {
		s.eng.CastCopy(recved, stored)
	} else {
		s.eng.AddInto(recved, stored)
	}
	stored.WaitToRead()
	ent.mu.Unlock()

	s.numAggregation += contributed
	done := s.numAggregation == s.fabric.NumWorkers()
	if done {
		if !s.syncMode.Load() {
			s.leMu.Unlock()
			exceptions.Panicf("server: model distribution requires sync mode (key %d)", key)
		}
		s.numAggregation = 0
	}
	s.leMu.Unlock()
	if done {
		s.fabric.NoticeWorkersOneIterationFinish()
		s.distributeStored(meta, kvs)
	}
	return nil
}

// distributeStored snapshots the key's stored value, advances the
// distribution iteration, and schedules a distribution pass on the
// distribution worker.
func (s *Server) distributeStored(meta *transport.Meta, kvs transport.KVPairs) {
	key := s.decodeKey(kvs.Keys[0])
	ent := s.entry(key)
	ent.mu.Lock()
	if ent.primary == nil {
		ent.mu.Unlock()
		exceptions.Panicf("server: model distribution for uninitialized key %d", key)
	}
	ent.primary.WaitToRead()
	snapshot := transport.KVPairs{
		Keys: []uint64{kvs.Keys[0]},
		Vals: append([]byte{}, ent.primary.Bytes()...),
		Lens: []int{ent.primary.Memory()},
	}
	ent.mu.Unlock()

	s.leMu.Lock()
	s.iteration++
	iteration := s.iteration
	s.leMu.Unlock()

	timestamp := meta.Timestamp
	if _, err := s.pool.Enqueue(func() {
		s.modelDistribution(kvs.Keys[0], iteration, timestamp, snapshot)
	}); err != nil {
		klog.Errorf("model distribution for key %d dropped: %v", key, err)
	}
}

// modelDistribution walks the iteration's receiver chain: the oracle picks a
// peer, the model is sent stamped with the iteration, and the measured
// round-trip feeds the next pick. The round-trip is reported as start minus
// end, a negative microsecond count; the oracle relies on that sign.
func (s *Server) modelDistribution(wireKey uint64, iteration int, timestamp int64, snapshot transport.KVPairs) {
	lastBandwidth := transport.UnknownBandwidth
	lastReceiver := transport.UnknownNode
	for {
		receiver := s.fabric.PickNextReceiver(lastBandwidth, lastReceiver, iteration)
		if receiver == transport.Quit {
			return
		}
		start := time.Now()
		s.fabric.Send(&transport.Message{
			Control:   transport.ControlModelDistribution,
			Sender:    s.fabric.MyNodeID(),
			Receiver:  receiver,
			Timestamp: timestamp,
			Key:       wireKey,
			Version:   iteration,
			Data:      snapshot,
		})
		s.fabric.WaitModelDistributionReply()
		end := time.Now()
		lastBandwidth = int(start.Sub(end).Microseconds())
		klog.V(1).Infof("model distribution: iteration=%d key=%d -> node %d (%dus)",
			iteration, wireKey, receiver, -lastBandwidth)
		lastReceiver = receiver
	}
}
