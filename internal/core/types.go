// Package core holds the value types shared between parsers and the host.
package core

import (
	"fmt"
	"strings"
)

// Direction is the flow direction of a chunk of application data.
type Direction uint8

const (
	ToServer Direction = 0x04
	ToClient Direction = 0x08
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

// Valid reports whether d is exactly one of ToServer or ToClient.
func (d Direction) Valid() bool {
	return d == ToServer || d == ToClient
}

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "toserver"
	case ToClient:
		return "toclient"
	case ToServer | ToClient:
		return "both"
	case 0:
		return "none"
	}
	return fmt.Sprintf("direction(0x%02x)", uint8(d))
}

// IPProto is the IP protocol number of a flow.
type IPProto uint8

const (
	IPProtoTCP IPProto = 6
	IPProtoUDP IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoTCP:
		return "tcp"
	case IPProtoUDP:
		return "udp"
	}
	return fmt.Sprintf("ipproto(%d)", uint8(p))
}

// ParseIPProto parses "tcp" or "udp" (case-insensitive).
func ParseIPProto(s string) (IPProto, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return IPProtoTCP, nil
	case "udp":
		return IPProtoUDP, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProto, s)
}

// AppProto is the identifier assigned by the registry to a protocol name.
// Transports of the same protocol share one AppProto.
type AppProto uint16

const (
	AppProtoUnknown AppProto = 0
	AppProtoFailed  AppProto = 0xffff
)

// ProbeVerdict is the outcome of a protocol probe.
type ProbeVerdict uint8

const (
	ProbeUndecided ProbeVerdict = iota // need more data
	ProbeConfirmed
	ProbeRejected
)

func (v ProbeVerdict) String() string {
	switch v {
	case ProbeConfirmed:
		return "confirmed"
	case ProbeRejected:
		return "rejected"
	}
	return "undecided"
}

// ProbeResult is returned by a protocol probe. RevDir is set when the probe
// determined that the observed direction is the reverse of the real one
// (e.g. a responder spoke first).
type ProbeResult struct {
	Verdict ProbeVerdict
	RevDir  Direction
}

func Confirmed() ProbeResult { return ProbeResult{Verdict: ProbeConfirmed} }
func Rejected() ProbeResult  { return ProbeResult{Verdict: ProbeRejected} }
func Undecided() ProbeResult { return ProbeResult{Verdict: ProbeUndecided} }

// WithRevDir returns a copy of r with the reversed direction hint set.
func (r ProbeResult) WithRevDir(d Direction) ProbeResult {
	r.RevDir = d
	return r
}
