// Package plugin defines the contracts of protocol parsers, capture sources
// and sinks.
package plugin

import (
	"net/netip"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/applayer"
)

// Flags are parser capability bits.
type Flags uint32

const (
	// FlagAcceptGaps lets the parser continue after missing stream data.
	FlagAcceptGaps Flags = 1 << 0
	// FlagUnidirTxs marks transactions that complete in a single direction.
	FlagUnidirTxs Flags = 1 << 1
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ParserInfo is the static registration record of a protocol parser.
type ParserInfo struct {
	Name         string
	Aliases      []string
	Transport    core.IPProto
	DefaultPorts []uint16

	// Probing depth: the host probes once at least MinDepth bytes are
	// available and gives up after MaxDepth bytes.
	MinDepth uint16
	MaxDepth uint16

	// Progress values at which a transaction is complete per direction.
	CompletionToServer int
	CompletionToClient int

	Flags Flags
}

// Parser is a protocol: it recognises a flow and creates per-flow state.
type Parser interface {
	Info() ParserInfo
	// Init applies parser options. It is called once before NewState.
	Init(opts map[string]any) error
	Probe(input []byte, dir core.Direction) core.ProbeResult
	NewState() State
	EventID(name string) (int, bool)
	EventName(id int) (string, bool)
}

// State is the parser state of one flow. It is driven by a single
// goroutine and needs no locking.
type State interface {
	// Parse consumes one chunk of a direction of the flow.
	Parse(input []byte, dir core.Direction) core.Result
	TxCount() uint64
	Tx(id uint64) (applayer.Tx, bool)
	FreeTx(id uint64)
	Progress(tx applayer.Tx, dir core.Direction) int
	// Describe renders a transaction as labels for reporting.
	Describe(tx applayer.Tx) core.Labels
	// Free releases every transaction still held.
	Free()
}

// TxIterator is implemented by states that can walk live transactions
// without probing every id.
type TxIterator interface {
	IterTx(minID uint64, cursor *uint64) (tx applayer.Tx, id uint64, hasNext bool, ok bool)
}

// TxConfigApplier is implemented by states that react to host settings on
// a transaction.
type TxConfigApplier interface {
	ApplyTxConfig(tx applayer.Tx, cfg applayer.TxConfig)
}

// Truncater is implemented by states that finish pending transactions when
// a direction of the flow ends with unparsed data.
type Truncater interface {
	Truncate(dir core.Direction)
}

// FlowKey uniquely identifies a network flow using 5-tuple.
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// Reverse returns the key of the opposite direction.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort, Proto: k.Proto}
}

// Canonical returns the direction-independent form of k and whether k had
// to be reversed to get it.
func (k FlowKey) Canonical() (FlowKey, bool) {
	if c := k.SrcIP.Compare(k.DstIP); c < 0 || (c == 0 && k.SrcPort <= k.DstPort) {
		return k, false
	}
	return k.Reverse(), true
}
