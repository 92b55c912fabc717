// Package ike implements an IKE/ISAKMP parser for IKEv1 and IKEv2.
//
// Each datagram becomes one transaction holding the header, the payload
// chain and, for SA payloads, the proposed transforms. Proposals are
// checked for weak or missing algorithms; what the responder accepted is
// kept on the flow state.
package ike

import (
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

var events = applayer.NewEventTable("ike",
	"malformed_data",
	"no_encryption",
	"weak_crypto_enc",
	"weak_crypto_prf",
	"weak_crypto_dh",
	"weak_crypto_auth",
	"weak_crypto_no_dh",
	"weak_crypto_no_auth",
	"invalid_proposal",
	"unknown_proposal",
	"payload_extra_data",
	"multiple_server_proposal",
)

var (
	evMalformedData          = events.MustID("malformed_data")
	evNoEncryption           = events.MustID("no_encryption")
	evWeakCryptoEnc          = events.MustID("weak_crypto_enc")
	evWeakCryptoPRF          = events.MustID("weak_crypto_prf")
	evWeakCryptoDH           = events.MustID("weak_crypto_dh")
	evWeakCryptoAuth         = events.MustID("weak_crypto_auth")
	evWeakCryptoNoDH         = events.MustID("weak_crypto_no_dh")
	evWeakCryptoNoAuth       = events.MustID("weak_crypto_no_auth")
	evInvalidProposal        = events.MustID("invalid_proposal")
	evUnknownProposal        = events.MustID("unknown_proposal")
	evPayloadExtraData       = events.MustID("payload_extra_data")
	evMultipleServerProposal = events.MustID("multiple_server_proposal")
)

// Transaction is one IKE message.
type Transaction struct {
	applayer.TxData

	Header    Header
	Payloads  []uint8
	Notify    []uint16
	VendorIDs []string
	Errors    int // notify payloads of error type

	// IKEv2
	Proposals []Proposal
	DHGroup   uint16

	// IKEv1
	V1Transforms [][]SAAttribute
	KELength     int
	Encrypted    bool
}

// Parser is the IKE protocol.
type Parser struct{}

func NewParser() plugin.Parser { return &Parser{} }

func (p *Parser) Info() plugin.ParserInfo {
	return plugin.ParserInfo{
		Name:               "ike",
		Aliases:            []string{"ikev2"},
		Transport:          core.IPProtoUDP,
		DefaultPorts:       []uint16{500},
		MinDepth:           0,
		MaxDepth:           16,
		CompletionToServer: 1,
		CompletionToClient: 1,
		Flags:              plugin.FlagUnidirTxs,
	}
}

func (p *Parser) Init(_ map[string]any) error { return nil }

// Probe validates the ISAKMP header. A datagram shorter than the header is
// rejected outright since no more bytes will follow.
func (p *Parser) Probe(input []byte, dir core.Direction) core.ProbeResult {
	if len(input) < headerLen {
		return core.Rejected()
	}
	hdr, _, err := parseHeader(input)
	if err != nil {
		return core.Rejected()
	}
	switch hdr.MajorVersion {
	case 1:
	case 2:
		if hdr.MinorVersion != 0 {
			return core.Rejected()
		}
		if hdr.ExchangeType < 34 || hdr.ExchangeType > 37 {
			return core.Rejected()
		}
		if int(hdr.Length) != len(input) {
			return core.Rejected()
		}
	default:
		return core.Rejected()
	}
	res := core.Confirmed()
	if hdr.RespSPI == 0 && dir != core.ToServer {
		res = res.WithRevDir(core.ToServer)
	}
	return res
}

func (p *Parser) NewState() plugin.State {
	return &State{txs: applayer.NewStore[*Transaction]()}
}

func (p *Parser) EventID(name string) (int, bool) { return events.ID(name) }
func (p *Parser) EventName(id int) (string, bool) { return events.Name(id) }

// State is the per-flow IKE state.
type State struct {
	txs      *applayer.Store[*Transaction]
	exchange exchange
}

func (s *State) Parse(input []byte, dir core.Direction) core.Result {
	if len(input) == 0 {
		return core.ResultOK(0)
	}
	hdr, body, err := parseHeader(input)
	if err != nil {
		log.GetLogger().WithError(err).Debug("ike: insufficient data for header")
		return core.ResultError()
	}
	if hdr.MajorVersion != 1 && hdr.MajorVersion != 2 {
		log.GetLogger().WithField("version", hdr.MajorVersion).Debug("ike: unsupported major version")
		return core.ResultError()
	}

	// the payload chain ends where the header says the message ends
	extra := false
	if end := int(hdr.Length) - headerLen; end >= 0 && end < len(body) {
		body = body[:end]
		extra = true
	}

	tx := &Transaction{Header: hdr}
	tx.Saw(dir)
	tx.MarkComplete()
	if hdr.MajorVersion == 1 {
		s.handleV1(tx, hdr, body, dir)
	} else {
		s.handleV2(tx, hdr, body, dir)
	}
	if extra {
		tx.SetEvent(evPayloadExtraData)
	}
	s.txs.Add(tx)
	return core.ResultOK(len(input))
}

func (s *State) TxCount() uint64 { return s.txs.Count() }

func (s *State) Tx(id uint64) (applayer.Tx, bool) {
	tx, ok := s.txs.Get(id)
	if !ok {
		return nil, false
	}
	return tx, true
}

func (s *State) IterTx(minID uint64, cursor *uint64) (applayer.Tx, uint64, bool, bool) {
	tx, id, hasNext, ok := s.txs.Iterate(minID, cursor)
	if !ok {
		return nil, 0, false, false
	}
	return tx, id, hasNext, true
}

func (s *State) FreeTx(id uint64) { s.txs.Remove(id) }

func (s *State) Progress(_ applayer.Tx, _ core.Direction) int { return 1 }

func (s *State) Describe(t applayer.Tx) core.Labels {
	tx, ok := t.(*Transaction)
	if !ok {
		return nil
	}
	names := v2PayloadNames
	if tx.Header.MajorVersion == 1 {
		names = v1PayloadNames
	}
	payloads := make([]string, 0, len(tx.Payloads))
	for _, p := range tx.Payloads {
		if n, ok := names[p]; ok {
			payloads = append(payloads, n)
		} else {
			payloads = append(payloads, strconv.Itoa(int(p)))
		}
	}
	labels := core.Labels{
		core.LabelIKEVersion:      strconv.Itoa(int(tx.Header.MajorVersion)),
		core.LabelIKEExchangeType: strconv.Itoa(int(tx.Header.ExchangeType)),
		core.LabelIKEInitSPI:      fmt.Sprintf("%016x", tx.Header.InitSPI),
		core.LabelIKERespSPI:      fmt.Sprintf("%016x", tx.Header.RespSPI),
		core.LabelIKEMessageID:    strconv.FormatUint(uint64(tx.Header.MessageID), 10),
		core.LabelIKEPayloads:     strings.Join(payloads, ","),
	}
	if len(tx.Notify) > 0 {
		notify := make([]string, len(tx.Notify))
		for i, n := range tx.Notify {
			notify[i] = strconv.Itoa(int(n))
		}
		labels[core.LabelIKENotify] = strings.Join(notify, ",")
	}
	return labels
}

// ResponderDHGroup returns the key exchange group of the responder's KE
// payload, 0 if none was seen.
func (s *State) ResponderDHGroup() uint16 { return s.exchange.dhGroup }

// Accepted returns the transforms the responder chose, by transform type.
// Only types seen in a responder SA are present.
func (s *State) Accepted() map[uint8]uint16 {
	out := make(map[uint8]uint16)
	if len(s.exchange.serverProposals) == 0 {
		return out
	}
	for _, t := range s.exchange.serverProposals[len(s.exchange.serverProposals)-1] {
		out[t.Type] = t.ID
	}
	return out
}

func (s *State) Free() {
	s.txs.Clear()
	s.exchange = exchange{}
}
