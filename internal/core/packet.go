package core

import (
	"net/netip"
	"time"
)

// RawPacket is one link-layer frame as read by a capture source. Data may
// be shorter than OrigLen when the snap length truncated it.
type RawPacket struct {
	Data           []byte
	Timestamp      time.Time
	CaptureLen     uint32
	OrigLen        uint32
	InterfaceIndex int
}

// TxRecord is a finished transaction as handed to sinks.
type TxRecord struct {
	Timestamp time.Time

	// Network context, oriented client -> server
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8

	AppProto  string // registry name, e.g. "mqtt"
	TxID      uint64
	Direction Direction // directions the transaction saw
	Complete  bool      // false when flushed at flow end before completion

	Labels Labels
	Events []string // event names in the order they were raised
}
