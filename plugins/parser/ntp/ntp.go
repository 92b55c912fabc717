// Package ntp implements an NTP parser.
//
// Every datagram is decoded on its own. Client and symmetric-active
// messages open a transaction keyed by the reference id; every other mode
// is accepted without one. Transactions complete immediately.
package ntp

import (
	"fmt"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	headerLen = 48

	modeSymmetricActive = 1
	modeClient          = 3
)

var events = applayer.NewEventTable("ntp",
	"unsolicited_response",
	"malformed_data",
	"not_request",
	"not_response",
)

var evMalformedData = events.MustID("malformed_data")

// Transaction is one NTP request.
type Transaction struct {
	applayer.TxData

	Xid     uint32
	Version uint8
	Mode    uint8
	Stratum uint8
}

// Parser is the NTP protocol.
type Parser struct{}

func NewParser() plugin.Parser { return &Parser{} }

func (p *Parser) Info() plugin.ParserInfo {
	return plugin.ParserInfo{
		Name:               "ntp",
		Transport:          core.IPProtoUDP,
		DefaultPorts:       []uint16{123},
		MinDepth:           0,
		MaxDepth:           16,
		CompletionToServer: 1,
		CompletionToClient: 1,
		Flags:              plugin.FlagUnidirTxs,
	}
}

func (p *Parser) Init(_ map[string]any) error { return nil }

// Probe accepts version 3 and 4 headers.
func (p *Parser) Probe(input []byte, _ core.Direction) core.ProbeResult {
	if len(input) < headerLen {
		return core.Undecided()
	}
	var msg layers.NTP
	if err := msg.DecodeFromBytes(input, gopacket.NilDecodeFeedback); err != nil {
		return core.Rejected()
	}
	if msg.Version == 3 || msg.Version == 4 {
		return core.Confirmed()
	}
	return core.Rejected()
}

func (p *Parser) NewState() plugin.State {
	return &State{txs: applayer.NewStore[*Transaction]()}
}

func (p *Parser) EventID(name string) (int, bool) { return events.ID(name) }
func (p *Parser) EventName(id int) (string, bool) { return events.Name(id) }

// State is the per-flow NTP state.
type State struct {
	txs *applayer.Store[*Transaction]
}

func (s *State) Parse(input []byte, dir core.Direction) core.Result {
	var msg layers.NTP
	if len(input) < headerLen {
		s.setEvent(evMalformedData)
		return core.ResultError()
	}
	if err := msg.DecodeFromBytes(input, gopacket.NilDecodeFeedback); err != nil {
		log.GetLogger().WithError(err).Debug("ntp: error while parsing data")
		s.setEvent(evMalformedData)
		return core.ResultError()
	}

	mode := uint8(msg.Mode)
	if mode == modeSymmetricActive || mode == modeClient {
		tx := &Transaction{
			Xid:     uint32(msg.ReferenceID),
			Version: uint8(msg.Version),
			Mode:    mode,
			Stratum: uint8(msg.Stratum),
		}
		tx.Saw(dir)
		tx.MarkComplete()
		s.txs.Add(tx)
	}
	return core.ResultOK(len(input))
}

func (s *State) setEvent(id int) {
	if !s.txs.SetEvent(id) {
		log.GetLogger().Debug("ntp: trying to set event on non-existing transaction")
	}
}

func (s *State) TxCount() uint64 { return s.txs.Count() }

func (s *State) Tx(id uint64) (applayer.Tx, bool) {
	tx, ok := s.txs.Get(id)
	if !ok {
		return nil, false
	}
	return tx, true
}

func (s *State) FreeTx(id uint64) { s.txs.Remove(id) }

func (s *State) Progress(_ applayer.Tx, _ core.Direction) int { return 1 }

func (s *State) Describe(t applayer.Tx) core.Labels {
	tx, ok := t.(*Transaction)
	if !ok {
		return nil
	}
	return core.Labels{
		core.LabelNTPVersion: strconv.Itoa(int(tx.Version)),
		core.LabelNTPMode:    strconv.Itoa(int(tx.Mode)),
		core.LabelNTPStratum: strconv.Itoa(int(tx.Stratum)),
		core.LabelNTPRefID:   fmt.Sprintf("0x%08x", tx.Xid),
	}
}

func (s *State) Free() { s.txs.Clear() }
