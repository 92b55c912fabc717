// Package dhcp implements a DHCPv4 parser.
//
// Each datagram is one transaction. The fixed BOOTP header and the options
// are decoded with gopacket's DHCPv4 layer after the options have been
// walked once here: a truncated or structurally invalid option raises an
// event and the options are cut at that point instead of failing the
// whole message.
package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	fixedLen     = 236 // BOOTP header without the magic cookie
	minFrameLen  = fixedLen + 4
	magicCookie  = 0x63825363
	maxHWAddrLen = 16

	bootRequest = 1
	bootReply   = 2
)

var events = applayer.NewEventTable("dhcp",
	"truncated_options",
	"malformed_options",
)

var (
	evTruncatedOptions = events.MustID("truncated_options")
	evMalformedOptions = events.MustID("malformed_options")
)

// Transaction is one DHCP message.
type Transaction struct {
	applayer.TxData

	Op          layers.DHCPOp
	Xid         uint32
	MsgType     layers.DHCPMsgType
	ClientMAC   net.HardwareAddr
	Hostname    string
	RequestedIP netip.Addr
	YourIP      netip.Addr
	ServerID    netip.Addr
	LeaseTime   uint32
	Options     []layers.DHCPOption
}

// Parser is the DHCP protocol.
type Parser struct{}

func NewParser() plugin.Parser { return &Parser{} }

func (p *Parser) Info() plugin.ParserInfo {
	return plugin.ParserInfo{
		Name:               "dhcp",
		Transport:          core.IPProtoUDP,
		DefaultPorts:       []uint16{67, 68},
		MinDepth:           0,
		MaxDepth:           16,
		CompletionToServer: 1,
		CompletionToClient: 1,
		Flags:              plugin.FlagUnidirTxs,
	}
}

func (p *Parser) Init(_ map[string]any) error { return nil }

// Probe checks the fixed header: op code, hardware address length and the
// magic cookie.
func (p *Parser) Probe(input []byte, _ core.Direction) core.ProbeResult {
	if len(input) < minFrameLen {
		return core.Undecided()
	}
	if err := checkHeader(input); err != nil {
		return core.Rejected()
	}
	return core.Confirmed()
}

func checkHeader(b []byte) error {
	if op := b[0]; op != bootRequest && op != bootReply {
		return fmt.Errorf("%w: op %d", core.ErrMalformedData, op)
	}
	if hlen := b[2]; hlen > maxHWAddrLen {
		return fmt.Errorf("%w: hardware address length %d", core.ErrMalformedData, hlen)
	}
	if binary.BigEndian.Uint32(b[fixedLen:minFrameLen]) != magicCookie {
		return fmt.Errorf("%w: bad magic cookie", core.ErrMalformedData)
	}
	return nil
}

func (p *Parser) NewState() plugin.State {
	return &State{txs: applayer.NewStore[*Transaction]()}
}

func (p *Parser) EventID(name string) (int, bool) { return events.ID(name) }
func (p *Parser) EventName(id int) (string, bool) { return events.Name(id) }

// State is the per-flow DHCP state.
type State struct {
	txs *applayer.Store[*Transaction]
}

func (s *State) Parse(input []byte, dir core.Direction) core.Result {
	if len(input) < minFrameLen {
		return core.ResultError()
	}
	if err := checkHeader(input); err != nil {
		log.GetLogger().WithError(err).Debug("dhcp: invalid header")
		return core.ResultError()
	}

	opts, truncated, malformed := scanOptions(input[minFrameLen:])
	clean := make([]byte, 0, minFrameLen+len(opts)+1)
	clean = append(clean, input[:minFrameLen]...)
	clean = append(clean, opts...)
	clean = append(clean, byte(layers.DHCPOptEnd))

	var msg layers.DHCPv4
	if err := msg.DecodeFromBytes(clean, gopacket.NilDecodeFeedback); err != nil {
		log.GetLogger().WithError(err).Debug("dhcp: error while parsing message")
		return core.ResultError()
	}

	tx := newTransaction(&msg)
	tx.Saw(dir)
	tx.MarkComplete()
	s.txs.Add(tx)
	if malformed {
		s.txs.SetEvent(evMalformedOptions)
	}
	if truncated {
		s.txs.SetEvent(evTruncatedOptions)
	}
	return core.ResultOK(len(input))
}

// scanOptions returns the well-formed prefix of the option area, without
// the end option.
func scanOptions(b []byte) (opts []byte, truncated, malformed bool) {
	i := 0
	for i < len(b) {
		code := layers.DHCPOpt(b[i])
		switch code {
		case layers.DHCPOptEnd:
			return b[:i], false, false
		case layers.DHCPOptPad:
			i++
			continue
		}
		if i+2 > len(b) || i+2+int(b[i+1]) > len(b) {
			return b[:i], true, false
		}
		n := int(b[i+1])
		if !validOptionLen(code, n) {
			return b[:i], false, true
		}
		i += 2 + n
	}
	return b[:i], false, false
}

func validOptionLen(code layers.DHCPOpt, n int) bool {
	switch code {
	case layers.DHCPOptMessageType:
		return n == 1
	case layers.DHCPOptSubnetMask, layers.DHCPOptRequestIP, layers.DHCPOptServerID,
		layers.DHCPOptLeaseTime, layers.DHCPOptT1, layers.DHCPOptT2:
		return n == 4
	case layers.DHCPOptClientID:
		return n >= 2
	case layers.DHCPOptRouter, layers.DHCPOptDNS:
		return n >= 4 && n%4 == 0
	}
	return true
}

func newTransaction(msg *layers.DHCPv4) *Transaction {
	tx := &Transaction{
		Op:        msg.Operation,
		Xid:       msg.Xid,
		ClientMAC: append(net.HardwareAddr(nil), msg.ClientHWAddr...),
	}
	if ip, ok := netip.AddrFromSlice(msg.YourClientIP.To4()); ok {
		tx.YourIP = ip
	}
	for _, o := range msg.Options {
		o.Data = append([]byte(nil), o.Data...)
		tx.Options = append(tx.Options, o)
		switch o.Type {
		case layers.DHCPOptMessageType:
			tx.MsgType = layers.DHCPMsgType(o.Data[0])
		case layers.DHCPOptHostname:
			tx.Hostname = string(o.Data)
		case layers.DHCPOptRequestIP:
			tx.RequestedIP, _ = netip.AddrFromSlice(o.Data)
		case layers.DHCPOptServerID:
			tx.ServerID, _ = netip.AddrFromSlice(o.Data)
		case layers.DHCPOptLeaseTime:
			tx.LeaseTime = binary.BigEndian.Uint32(o.Data)
		}
	}
	return tx
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
	labels := core.Labels{
		core.LabelDHCPOp:        tx.Op.String(),
		core.LabelDHCPXid:       fmt.Sprintf("0x%08x", tx.Xid),
		core.LabelDHCPClientMAC: tx.ClientMAC.String(),
	}
	if tx.MsgType != 0 {
		labels[core.LabelDHCPType] = tx.MsgType.String()
	}
	if tx.Hostname != "" {
		labels[core.LabelDHCPHostname] = tx.Hostname
	}
	if tx.RequestedIP.IsValid() {
		labels[core.LabelDHCPRequestedIP] = tx.RequestedIP.String()
	}
	if tx.Op == layers.DHCPOpReply && tx.YourIP.IsValid() && !tx.YourIP.IsUnspecified() {
		labels[core.LabelDHCPAssignedIP] = tx.YourIP.String()
	}
	return labels
}

func (s *State) Free() { s.txs.Clear() }
