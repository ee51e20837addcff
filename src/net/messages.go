package net

import (
	"github.com/meshforge/lockstep/src/history"
)

// MessageType discriminates the wire frames exchanged between peers.
type MessageType uint8

const (
	// TickMessage carries a frame's confirmed inputs.
	TickMessage MessageType = iota
	// HashMessage carries a peer's state fingerprint for a frame.
	HashMessage
	// DeltaMessage carries one partition's entity payload.
	DeltaMessage
	// SnapshotMessage carries an authority snapshot to a resync requester.
	SnapshotMessage
	// PingMessage requests a time sample.
	PingMessage
	// PongMessage answers a ping with the responder's clock.
	PongMessage
	// JoinMessage announces a new peer.
	JoinMessage
	// LeaveMessage announces a departing peer.
	LeaveMessage
	// ResyncRequestMessage asks the authority for a snapshot.
	ResyncRequestMessage
)

var messageTypeNames = []string{
	"TICK", "HASH", "DELTA", "SNAPSHOT", "PING", "PONG", "JOIN", "LEAVE", "REQUEST_RESYNC",
}

// String ...
func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return "UNKNOWN"
}

// Message is the single wire frame. Field usage depends on Type; the
// contract requires Frame, Hash, and Partition to be transmitted exactly as
// 32/32/16-bit values.
type Message struct {
	Type      MessageType
	Frame     uint32
	Hash      uint32
	Partition uint16

	// Inputs is the confirmed input list of a TICK.
	Inputs []history.Record

	// MajorityHash optionally piggybacks the sender's majority view on a
	// TICK.
	MajorityHash uint32

	// Payload is the entity data of a DELTA or the opaque state of a
	// SNAPSHOT.
	Payload []byte

	// TSend and TServer are the PING/PONG timestamps in milliseconds.
	TSend   int64
	TServer int64

	// Peer is the subject of JOIN/LEAVE/REQUEST_RESYNC.
	Peer string

	// Seq is the producer sequence of lifecycle messages.
	Seq uint32
}

// Envelope is a received message together with the sender's ID.
type Envelope struct {
	From    string
	Message Message
}
