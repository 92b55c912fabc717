// Package krb5 implements a Kerberos 5 parser for UDP and TCP.
//
// Requests only remember their type. Replies (AS-REP, TGS-REP) and
// KRB-ERROR messages each become a transaction; an error is attributed to
// the request type seen last in the same direction state. Over TCP every
// message is preceded by a 4-byte record mark and is reassembled before
// decoding.
package krb5

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	udpMinProbeLen = 11
	tcpMinProbeLen = 15
	maxRecordMark  = 16384
)

var events = applayer.NewEventTable("krb5",
	"malformed_data",
	"weak_encryption",
)

var (
	evMalformedData  = events.MustID("malformed_data")
	evWeakEncryption = events.MustID("weak_encryption")
)

var etypeNames = func() map[int32]string {
	m := make(map[int32]string, len(etypeID.ETypesByName))
	for name, id := range etypeID.ETypesByName {
		m[id] = name
	}
	return m
}()

// isWeakEncryption reports whether etype is outside the AES and Camellia
// families.
func isWeakEncryption(etype int32) bool {
	switch etype {
	case etypeID.AES128_CTS_HMAC_SHA1_96,
		etypeID.AES256_CTS_HMAC_SHA1_96,
		etypeID.AES128_CTS_HMAC_SHA256_128,
		etypeID.AES256_CTS_HMAC_SHA384_192,
		etypeID.CAMELLIA128_CTS_CMAC,
		etypeID.CAMELLIA256_CTS_CMAC:
		return false
	}
	return true
}

// Transaction is one Kerberos reply or error.
type Transaction struct {
	applayer.TxData

	MsgType int32
	CName   string
	Realm   string
	SName   string

	EType    int32
	HasEType bool

	ErrorCode    int32
	HasErrorCode bool
	EText        string
}

// Options are the parser options.
type Options struct {
	MaxRecordBuffer int `mapstructure:"max_record_buffer"`
}

// Parser is the Kerberos 5 protocol over one transport.
type Parser struct {
	transport core.IPProto
	opts      Options
	decoder   Decoder
}

// NewUDPParser returns the Kerberos parser for UDP/88.
func NewUDPParser() plugin.Parser {
	return &Parser{transport: core.IPProtoUDP, decoder: gokrb5Decoder{}}
}

// NewTCPParser returns the Kerberos parser for TCP/88.
func NewTCPParser() plugin.Parser {
	return &Parser{transport: core.IPProtoTCP, decoder: gokrb5Decoder{}}
}

func (p *Parser) Info() plugin.ParserInfo {
	return plugin.ParserInfo{
		Name:               "krb5",
		Transport:          p.transport,
		DefaultPorts:       []uint16{88},
		MinDepth:           0,
		MaxDepth:           16,
		CompletionToServer: 1,
		CompletionToClient: 1,
		Flags:              plugin.FlagUnidirTxs,
	}
}

func (p *Parser) Init(opts map[string]any) error {
	if err := mapstructure.Decode(opts, &p.opts); err != nil {
		return fmt.Errorf("%w: krb5 options: %v", core.ErrConfigInvalid, err)
	}
	if p.opts.MaxRecordBuffer < 0 {
		return fmt.Errorf("%w: krb5 max_record_buffer %d", core.ErrConfigInvalid, p.opts.MaxRecordBuffer)
	}
	return nil
}

func (p *Parser) Probe(input []byte, _ core.Direction) core.ProbeResult {
	if p.transport == core.IPProtoTCP {
		return probeTCP(input)
	}
	return probeUDP(input)
}

func probeUDP(b []byte) core.ProbeResult {
	if len(b) < udpMinProbeLen {
		return core.Rejected()
	}
	hdr, rest, err := readBERHeader(b)
	if errors.Is(err, errShortHeader) {
		return core.Undecided()
	}
	if err != nil || hdr.Class != classApplication || hdr.Tag > 30 {
		return core.Rejected()
	}
	if len(rest) == 0 || rest[0] != tagSequence {
		return core.Rejected()
	}
	// protocol version: [0] INTEGER 5
	if _, rest, err = readBERHeader(rest); err == nil && len(rest) > 5 &&
		rest[2] == 0x02 && rest[3] == 0x01 && rest[4] == 0x05 {
		return core.Confirmed()
	}
	return core.Rejected()
}

// probeTCP judges a record-marked message. A short first segment stays
// undecided as long as what arrived of the mark and tag is plausible.
func probeTCP(b []byte) core.ProbeResult {
	if len(b) < applayer.RecordHeaderLen {
		return core.Undecided()
	}
	mark := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if mark > maxRecordMark {
		return core.Rejected()
	}
	if len(b) < tcpMinProbeLen {
		// application class, constructed
		if len(b) > applayer.RecordHeaderLen && b[applayer.RecordHeaderLen]&0xe0 != 0x60 {
			return core.Rejected()
		}
		return core.Undecided()
	}
	return probeUDP(b[applayer.RecordHeaderLen:])
}

func (p *Parser) NewState() plugin.State {
	s := &State{txs: applayer.NewStore[*Transaction](), decoder: p.decoder}
	if p.transport == core.IPProtoTCP {
		s.records = map[core.Direction]*applayer.RecordReassembler{
			core.ToServer: applayer.NewRecordReassembler(p.opts.MaxRecordBuffer),
			core.ToClient: applayer.NewRecordReassembler(p.opts.MaxRecordBuffer),
		}
	}
	return s
}

func (p *Parser) EventID(name string) (int, bool) { return events.ID(name) }
func (p *Parser) EventName(id int) (string, bool) { return events.Name(id) }

// State is the per-flow Kerberos state.
type State struct {
	txs     *applayer.Store[*Transaction]
	decoder Decoder
	reqType int32

	// one reassembler per direction, TCP only
	records map[core.Direction]*applayer.RecordReassembler
}

var errParse = errors.New("krb5: parse failed")

func (s *State) Parse(input []byte, dir core.Direction) core.Result {
	if s.records == nil {
		if err := s.parseMessage(input, dir); err != nil {
			return core.ResultError()
		}
		return core.ResultOK(len(input))
	}

	r := s.records[dir]
	if r == nil {
		return core.ResultError()
	}
	needed, err := r.Feed(input, func(record []byte) error {
		return s.parseMessage(record, dir)
	})
	switch {
	case errors.Is(err, core.ErrReassemblyOverflow):
		log.GetLogger().WithField("direction", dir).Debugf("krb5: TCP buffer exploded: %v", err)
		return core.ResultError()
	case err != nil:
		return core.ResultError()
	case needed > 0:
		return core.ResultIncomplete(len(input), needed)
	}
	return core.ResultOK(len(input))
}

// parseMessage handles one complete Kerberos message.
func (s *State) parseMessage(b []byte, dir core.Direction) error {
	hdr, _, err := readBERHeader(b)
	if err != nil {
		log.GetLogger().WithError(err).Debug("krb5: error while parsing data")
		s.setEvent(evMalformedData)
		return errParse
	}
	if hdr.Class != classApplication {
		return nil
	}

	switch int32(hdr.Tag) {
	case msgtype.KRB_AS_REQ, msgtype.KRB_TGS_REQ, msgtype.KRB_AP_REQ:
		s.reqType = int32(hdr.Tag)
	case msgtype.KRB_AS_REP, msgtype.KRB_TGS_REP:
		decode := s.decoder.DecodeASRep
		if hdr.Tag == msgtype.KRB_TGS_REP {
			decode = s.decoder.DecodeTGSRep
		}
		if rep, err := decode(b); err == nil {
			tx := &Transaction{
				MsgType:  int32(hdr.Tag),
				CName:    rep.CName,
				Realm:    rep.Realm,
				SName:    rep.SName,
				EType:    rep.EType,
				HasEType: true,
			}
			s.add(tx, dir)
			if isWeakEncryption(rep.EType) {
				s.setEvent(evWeakEncryption)
			}
		} else {
			log.GetLogger().WithError(err).Debug("krb5: undecodable reply")
			s.malformed(int32(hdr.Tag), dir)
		}
		s.reqType = 0
	case msgtype.KRB_AP_REP:
		s.reqType = 0
	case msgtype.KRB_ERROR:
		if e, err := s.decoder.DecodeError(b); err == nil {
			s.add(&Transaction{
				MsgType:      s.reqType,
				CName:        e.CName,
				Realm:        e.Realm,
				SName:        e.SName,
				ErrorCode:    e.ErrorCode,
				HasErrorCode: true,
				EText:        e.EText,
			}, dir)
		} else {
			log.GetLogger().WithError(err).Debug("krb5: undecodable error")
			s.malformed(s.reqType, dir)
		}
		s.reqType = 0
	default:
		log.GetLogger().WithField("tag", hdr.Tag).Debug("krb5: unknown/unsupported tag")
	}
	return nil
}

func (s *State) add(tx *Transaction, dir core.Direction) {
	tx.Saw(dir)
	tx.MarkComplete()
	s.txs.Add(tx)
}

// malformed records a message whose body could not be decoded on a
// transaction of its own.
func (s *State) malformed(msgType int32, dir core.Direction) {
	tx := &Transaction{MsgType: msgType}
	s.add(tx, dir)
	tx.SetEvent(evMalformedData)
}

func (s *State) setEvent(id int) {
	if !s.txs.SetEvent(id) {
		log.GetLogger().Debug("krb5: trying to set event on non-existing transaction")
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
	labels := core.Labels{core.LabelKRB5MsgType: msgTypeName(tx.MsgType)}
	if tx.CName != "" {
		labels[core.LabelKRB5CName] = tx.CName
	}
	if tx.Realm != "" {
		labels[core.LabelKRB5Realm] = tx.Realm
	}
	if tx.SName != "" {
		labels[core.LabelKRB5SName] = tx.SName
	}
	if tx.HasEType {
		if name, ok := etypeNames[tx.EType]; ok {
			labels[core.LabelKRB5EncType] = name
		} else {
			labels[core.LabelKRB5EncType] = strconv.Itoa(int(tx.EType))
		}
	}
	if tx.HasErrorCode {
		labels[core.LabelKRB5ErrorCode] = strconv.Itoa(int(tx.ErrorCode))
	}
	return labels
}

func msgTypeName(t int32) string {
	switch t {
	case msgtype.KRB_AS_REQ:
		return "KRB_AS_REQ"
	case msgtype.KRB_AS_REP:
		return "KRB_AS_REP"
	case msgtype.KRB_TGS_REQ:
		return "KRB_TGS_REQ"
	case msgtype.KRB_TGS_REP:
		return "KRB_TGS_REP"
	case msgtype.KRB_AP_REQ:
		return "KRB_AP_REQ"
	case msgtype.KRB_AP_REP:
		return "KRB_AP_REP"
	case msgtype.KRB_ERROR:
		return "KRB_ERROR"
	}
	return strconv.Itoa(int(t))
}

func (s *State) Free() {
	s.txs.Clear()
	for _, r := range s.records {
		r.Reset()
	}
}
