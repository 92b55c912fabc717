// Package applayer provides the building blocks shared by application layer
// protocol parsers: per-transaction bookkeeping, the transaction store, the
// request/response correlator, event tables and stream reassembly helpers.
//
// Nothing in this package is safe for concurrent use. A parser state, and
// everything it owns, belongs to exactly one flow and is driven by one
// goroutine at a time.
package applayer

import "firestige.xyz/applayer/internal/core"

// DetectHandle is an opaque reference to detection state owned by the host.
// Parsers store it and hand it back; they never dereference or free it.
type DetectHandle uintptr

// TxConfig carries per-transaction settings the host applies.
type TxConfig struct {
	logFlags uint8
}

func (c *TxConfig) LogFlags() uint8          { return c.logFlags }
func (c *TxConfig) SetLogFlags(f uint8)      { c.logFlags = f }
func (c *TxConfig) AddLogFlags(f uint8)      { c.logFlags |= f }
func (c *TxConfig) HasLogFlags(f uint8) bool { return c.logFlags&f == f }

// LoggerFlags records which loggers have already processed a transaction.
type LoggerFlags uint32

func (f LoggerFlags) Has(bits uint32) bool { return uint32(f)&bits == bits }
func (f *LoggerFlags) Set(bits uint32)     { *f |= LoggerFlags(bits) }

// TxData is the protocol independent part of a transaction. Protocol
// transactions embed it, which makes them satisfy Tx.
type TxData struct {
	id       uint64 // internal, 1-based
	dirs     core.Direction
	complete bool

	corrKey uint64
	corrDir core.Direction
	hasCorr bool

	events EventSet

	detect    DetectHandle
	hasDetect bool

	Config   TxConfig
	Logged   LoggerFlags
	DetectTS uint64
	DetectTC uint64
}

// Tx is implemented by every transaction kept in a Store.
type Tx interface {
	Base() *TxData
}

// Base returns d itself so that embedding types satisfy Tx.
func (d *TxData) Base() *TxData { return d }

// ID returns the external transaction id (internal id - 1).
func (d *TxData) ID() uint64 { return d.id - 1 }

// InternalID returns the 1-based id assigned by the store, 0 if unassigned.
func (d *TxData) InternalID() uint64 { return d.id }

// Saw records that a message in direction dir was attached to the transaction.
func (d *TxData) Saw(dir core.Direction) { d.dirs |= dir }

// Seen reports whether the transaction saw a message in direction dir.
func (d *TxData) Seen(dir core.Direction) bool { return d.dirs&dir != 0 }

// Directions returns the bitmask of directions seen.
func (d *TxData) Directions() core.Direction { return d.dirs }

func (d *TxData) MarkComplete()  { d.complete = true }
func (d *TxData) Complete() bool { return d.complete }

// SetCorrelationKey sets the key a later message is expected to carry. dir
// is the direction of the message that opened the exchange.
func (d *TxData) SetCorrelationKey(dir core.Direction, k uint64) {
	d.corrKey = k
	d.corrDir = dir
	d.hasCorr = true
}

func (d *TxData) CorrelationKey() (uint64, bool) { return d.corrKey, d.hasCorr }

// CorrelationDir is the direction that opened the pending exchange.
func (d *TxData) CorrelationDir() core.Direction { return d.corrDir }

func (d *TxData) ClearCorrelationKey() {
	d.corrKey = 0
	d.corrDir = 0
	d.hasCorr = false
}

// SetEvent appends an event id. Duplicates are kept.
func (d *TxData) SetEvent(id int) { d.events.Add(id) }

// Events returns the transaction's event set.
func (d *TxData) Events() *EventSet { return &d.events }

func (d *TxData) SetDetectState(h DetectHandle) {
	d.detect = h
	d.hasDetect = true
}

func (d *TxData) DetectState() (DetectHandle, bool) { return d.detect, d.hasDetect }

func (d *TxData) ClearDetectState() {
	d.detect = 0
	d.hasDetect = false
}
