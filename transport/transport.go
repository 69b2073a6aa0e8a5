// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package transport defines the surface the parameter server consumes from
// the RPC fabric: request metadata, key/value payloads, per-request
// responders and the fabric itself (membership, key ranges, peer messaging
// and the receiver-picking oracle used by model distribution).
//
// The fabric implementation -- message framing, routing, membership -- is
// external to this module. A minimal in-process Loopback implementation is
// provided for demos and single-process runs.
package transport

import "github.com/google/uuid"

// NodeID identifies a node in the training group.
type NodeID int

const (
	// UnknownNode is the "no measurement yet" sentinel passed to the
	// receiver-picking oracle.
	UnknownNode NodeID = -1

	// Quit is returned by the oracle when no peer needs the current
	// iteration's model.
	Quit NodeID = -2
)

// UnknownBandwidth is passed to the oracle before the first hop of an
// iteration has been measured. Measured values are strictly negative.
const UnknownBandwidth = 0

// ControlCommand marks out-of-band roles a data message can play.
type ControlCommand int

const (
	// ControlNone marks a plain data request.
	ControlNone ControlCommand = iota

	// ControlInit marks an initialization push that must be followed by a
	// model-distribution pass.
	ControlInit

	// ControlLocalAggregation marks a pre-aggregated contribution from a
	// worker tree reduction.
	ControlLocalAggregation

	// ControlModelDistribution marks a server-to-server model push.
	ControlModelDistribution
)

// KeyRange is a half-open range [Begin, End) of wire keys owned by one
// server shard.
type KeyRange struct {
	Begin, End uint64
}

// Meta is the metadata of one data request.
type Meta struct {
	// ID identifies the request; acknowledgements and responses carry it back.
	ID uuid.UUID

	// Cmd is the paired (request type, dtype) wire command.
	Cmd int

	// Push and Pull select the operation; both set means push-pull.
	Push bool
	Pull bool

	// Sender is the requesting node.
	Sender NodeID

	// Timestamp is the sender's logical timestamp for the request.
	Timestamp int64

	// NumMerge is the number of worker contributions this request carries
	// when the fabric pre-aggregates; 1 otherwise. The pending handle is
	// replicated NumMerge times, yielding that many acknowledgements when
	// the barrier completes.
	NumMerge int

	// NumAggregation is the number of workers folded into a
	// ControlLocalAggregation contribution.
	NumAggregation int

	// Control marks the out-of-band role of the message, if any.
	Control ControlCommand
}

// KVPairs is the keyed payload of a data request or response.
type KVPairs struct {
	Keys []uint64
	Vals []byte
	Lens []int
}

// Command is an out-of-band control message.
type Command struct {
	ID   uuid.UUID
	Head int
	Body []byte
}

// Message is a server-to-server message (model distribution).
type Message struct {
	ID        uuid.UUID
	Control   ControlCommand
	Sender    NodeID
	Receiver  NodeID
	Timestamp int64
	Key       uint64
	Version   int
	Data      KVPairs
}

// Responder answers a single data request.
type Responder interface {
	// Respond acknowledges the request without a payload.
	Respond(meta *Meta)

	// RespondKV answers the request with a payload.
	RespondKV(meta *Meta, kvs KVPairs)

	// AutoPullUpdate sends an unsolicited pull-style reply stamped with a
	// version; the worker side accepts it as the response to its
	// outstanding pull.
	AutoPullUpdate(version int, meta *Meta, kvs KVPairs)
}

// CommandApp acknowledges control commands.
type CommandApp interface {
	Respond(cmd *Command)
}

// CommandHandler processes one control command and must acknowledge it via app.
type CommandHandler func(cmd *Command, app CommandApp)

// DataHandler processes one data request.
type DataHandler func(meta *Meta, kvs KVPairs, resp Responder)

// Fabric is the transport fabric surface the server consumes.
type Fabric interface {
	// Rank of this server among the server group.
	Rank() int

	// MyNodeID returns this server's node id.
	MyNodeID() NodeID

	// NumWorkers returns N, the number of workers in the training run.
	NumWorkers() int

	// ServerKeyRanges returns the key range owned by each server shard,
	// indexed by rank.
	ServerKeyRanges() []KeyRange

	// RegisterCommandHandler installs the control-plane handler.
	RegisterCommandHandler(fn CommandHandler)

	// RegisterDataHandler installs the data-plane handler.
	RegisterDataHandler(fn DataHandler)

	// Send transmits a server-to-server message.
	Send(msg *Message)

	// WaitModelDistributionReply blocks until the receiver of the last
	// model-distribution Send has replied.
	WaitModelDistributionReply()

	// NoticeWorkersOneIterationFinish tells the workers the server has
	// folded all contributions for the current iteration.
	NoticeWorkersOneIterationFinish()

	// PickNextReceiver returns the next peer that should receive the
	// model, or Quit when the iteration's peer set is exhausted.
	// lastBandwidth is the previous hop's round-trip expressed as a
	// negative microsecond count (start − end); the oracle depends on
	// that sign convention.
	PickNextReceiver(lastBandwidth int, lastReceiver NodeID, iteration int) NodeID
}
