// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Loopback is an in-process Fabric for single-process runs and demos: one
// server shard owning one key range, a fixed worker count, scripted
// receiver picks and immediate model-distribution replies.
//
// Requests are injected with PushData / PushCommand from any goroutine;
// responses are recorded and can be collected with TakeResponses.
type Loopback struct {
	rank       int
	nodeID     NodeID
	numWorkers int
	ranges     []KeyRange

	commandHandler CommandHandler
	dataHandler    DataHandler

	mu         sync.Mutex
	receivers  []NodeID // script consumed by PickNextReceiver
	bandwidths []int    // lastBandwidth values observed by PickNextReceiver
	sent       []*Message
	responses  []Response
}

// Response records one reply emitted through the loopback.
type Response struct {
	Meta    *Meta
	KVs     KVPairs
	HasKVs  bool
	Version int  // set for auto-pull replies
	Auto    bool // true for auto-pull replies
}

// NewLoopback returns a loopback fabric for one server owning keys
// [0, numKeys) with the given worker count.
func NewLoopback(numWorkers int, numKeys uint64) *Loopback {
	return &Loopback{
		nodeID:     NodeID(8), // server node ids start at 8 by convention
		numWorkers: numWorkers,
		ranges:     []KeyRange{{Begin: 0, End: numKeys}},
	}
}

// Rank implements Fabric.
func (l *Loopback) Rank() int { return l.rank }

// MyNodeID implements Fabric.
func (l *Loopback) MyNodeID() NodeID { return l.nodeID }

// NumWorkers implements Fabric.
func (l *Loopback) NumWorkers() int { return l.numWorkers }

// ServerKeyRanges implements Fabric.
func (l *Loopback) ServerKeyRanges() []KeyRange { return l.ranges }

// RegisterCommandHandler implements Fabric.
func (l *Loopback) RegisterCommandHandler(fn CommandHandler) { l.commandHandler = fn }

// RegisterDataHandler implements Fabric.
func (l *Loopback) RegisterDataHandler(fn DataHandler) { l.dataHandler = fn }

// Send implements Fabric, recording the message.
func (l *Loopback) Send(msg *Message) {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
}

// WaitModelDistributionReply implements Fabric. The loopback receiver
// replies after a short pause so the round-trip has a measurable duration.
func (l *Loopback) WaitModelDistributionReply() {
	time.Sleep(time.Millisecond)
}

// NoticeWorkersOneIterationFinish implements Fabric.
func (l *Loopback) NoticeWorkersOneIterationFinish() {
	klog.V(1).Info("loopback: one iteration finished")
}

// PickNextReceiver implements Fabric, consuming the receiver script and
// returning Quit once it is exhausted. The lastBandwidth values are
// recorded; see BandwidthSamples.
func (l *Loopback) PickNextReceiver(lastBandwidth int, lastReceiver NodeID, iteration int) NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastReceiver != UnknownNode {
		l.bandwidths = append(l.bandwidths, lastBandwidth)
	}
	if len(l.receivers) == 0 {
		return Quit
	}
	next := l.receivers[0]
	l.receivers = l.receivers[1:]
	return next
}

// ScriptReceivers appends to the script consumed by PickNextReceiver.
func (l *Loopback) ScriptReceivers(ids ...NodeID) {
	l.mu.Lock()
	l.receivers = append(l.receivers, ids...)
	l.mu.Unlock()
}

// PushData delivers a data request to the registered handler, synchronously
// on the calling goroutine (the caller plays the RPC thread).
func (l *Loopback) PushData(meta *Meta, kvs KVPairs) {
	if meta.ID == uuid.Nil {
		meta.ID = uuid.New()
	}
	if meta.NumMerge == 0 {
		meta.NumMerge = 1
	}
	l.dataHandler(meta, kvs, l)
}

// PushCommand delivers a control command to the registered handler.
func (l *Loopback) PushCommand(head int, body []byte) {
	l.commandHandler(&Command{ID: uuid.New(), Head: head, Body: body}, commandAck{})
}

// Respond implements Responder.
func (l *Loopback) Respond(meta *Meta) {
	l.record(Response{Meta: meta})
}

// RespondKV implements Responder.
func (l *Loopback) RespondKV(meta *Meta, kvs KVPairs) {
	l.record(Response{Meta: meta, KVs: kvs, HasKVs: true})
}

// AutoPullUpdate implements Responder.
func (l *Loopback) AutoPullUpdate(version int, meta *Meta, kvs KVPairs) {
	l.record(Response{Meta: meta, KVs: kvs, HasKVs: true, Version: version, Auto: true})
}

// TakeResponses returns and clears the recorded responses.
func (l *Loopback) TakeResponses() []Response {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.responses
	l.responses = nil
	return out
}

// BandwidthSamples returns the measured round-trip values handed to the
// oracle so far, in hop order.
func (l *Loopback) BandwidthSamples() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int{}, l.bandwidths...)
}

// SentMessages returns the server-to-server messages recorded so far.
func (l *Loopback) SentMessages() []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Message{}, l.sent...)
}

func (l *Loopback) record(r Response) {
	l.mu.Lock()
	l.responses = append(l.responses, r)
	l.mu.Unlock()
}

type commandAck struct{}

func (commandAck) Respond(cmd *Command) {
	klog.V(2).Infof("loopback: command %d acknowledged (id=%s)", cmd.Head, cmd.ID)
}
