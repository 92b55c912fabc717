// Package mqtt implements an MQTT parser.
//
// Every control packet starts or joins a transaction. Packets that expect
// an acknowledgement keep their transaction open under the packet id until
// the matching acknowledgement arrives; CONNECT waits for CONNACK under a
// key no packet id can take.
package mqtt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

// DefaultMaxMsgLen is the largest message body that is decoded.
const DefaultMaxMsgLen = 1048576

// connectKey is the correlation key of a CONNECT waiting for its CONNACK.
// Packet ids are 16 bits wide so it never collides with one.
const connectKey = math.MaxUint32

var events = applayer.NewEventTable("mqtt",
	"missing_connect",
	"missing_publish",
	"missing_subscribe",
	"missing_unsubscribe",
	"double_connect",
	"unintroduced_message",
	"invalid_qos_level",
	"missing_msg_id",
	"unassigned_msg_type",
)

var (
	evMissingConnect      = events.MustID("missing_connect")
	evMissingPublish      = events.MustID("missing_publish")
	evMissingSubscribe    = events.MustID("missing_subscribe")
	evMissingUnsubscribe  = events.MustID("missing_unsubscribe")
	evDoubleConnect       = events.MustID("double_connect")
	evUnintroducedMessage = events.MustID("unintroduced_message")
	evInvalidQoSLevel     = events.MustID("invalid_qos_level")
	evMissingMsgID        = events.MustID("missing_msg_id")
	evUnassignedMsgType   = events.MustID("unassigned_msg_type")
)

// Transaction is a request and the messages that answered it.
type Transaction struct {
	applayer.TxData

	Messages []*Message
}

// First returns the message that opened the transaction.
func (tx *Transaction) First() *Message { return tx.Messages[0] }

// Options are the parser options.
type Options struct {
	MaxMsgLen int `mapstructure:"max_msg_len"`
}

// Parser is the MQTT protocol.
type Parser struct {
	opts Options
}

func NewParser() plugin.Parser { return &Parser{} }

func (p *Parser) Info() plugin.ParserInfo {
	return plugin.ParserInfo{
		Name:               "mqtt",
		Transport:          core.IPProtoTCP,
		DefaultPorts:       []uint16{1883},
		MinDepth:           0,
		MaxDepth:           16,
		CompletionToServer: 1,
		CompletionToClient: 1,
		Flags:              plugin.FlagUnidirTxs,
	}
}

func (p *Parser) Init(opts map[string]any) error {
	if err := mapstructure.Decode(opts, &p.opts); err != nil {
		return fmt.Errorf("%w: mqtt options: %v", core.ErrConfigInvalid, err)
	}
	if p.opts.MaxMsgLen < 0 {
		return fmt.Errorf("%w: mqtt max_msg_len %d", core.ErrConfigInvalid, p.opts.MaxMsgLen)
	}
	return nil
}

func (p *Parser) Probe(input []byte, _ core.Direction) core.ProbeResult {
	h, err := parseFixedHeader(input)
	if err != nil {
		var inc *applayer.IncompleteError
		if errors.As(err, &inc) {
			return core.Undecided()
		}
		return core.Rejected()
	}
	if h.msgType == typeUnassigned || h.qos > maxQoS {
		return core.Rejected()
	}
	return core.Confirmed()
}

func (p *Parser) NewState() plugin.State {
	maxLen := p.opts.MaxMsgLen
	if maxLen == 0 {
		maxLen = DefaultMaxMsgLen
	}
	return &State{
		txs:       applayer.NewStore[*Transaction](),
		pending:   applayer.NewCorrelator[*Transaction](),
		maxMsgLen: maxLen,
	}
}

func (p *Parser) EventID(name string) (int, bool) { return events.ID(name) }
func (p *Parser) EventName(id int) (string, bool) { return events.Name(id) }

// State is the per-flow MQTT state.
type State struct {
	txs     *applayer.Store[*Transaction]
	pending *applayer.Correlator[*Transaction]

	connected bool
	version   byte
	maxMsgLen int

	// bytes of an oversized message still to be skipped, per direction
	skip [2]int
}

func dirIndex(dir core.Direction) int {
	if dir == core.ToClient {
		return 1
	}
	return 0
}

// ProtocolVersion returns the version announced by the last CONNECT.
func (s *State) ProtocolVersion() byte { return s.version }

// Connected reports whether a CONNECT was acknowledged.
func (s *State) Connected() bool { return s.connected }

func (s *State) Parse(input []byte, dir core.Direction) core.Result {
	if len(input) == 0 {
		return core.ResultOK(0)
	}
	i := dirIndex(dir)
	skip := s.skip[i]
	if skip >= len(input) {
		s.skip[i] -= len(input)
		return core.ResultOK(len(input))
	}
	s.skip[i] = 0

	res := applayer.ParseStream(input[skip:], func(buf []byte) (int, error) {
		return s.decode(buf, dir)
	})
	switch res.Status {
	case core.StatusOK:
		return core.ResultOK(len(input))
	case core.StatusIncomplete:
		return core.ResultIncomplete(skip+int(res.Consumed), int(res.Needed))
	}
	return res
}

func (s *State) decode(buf []byte, dir core.Direction) (int, error) {
	h, err := parseFixedHeader(buf)
	if err != nil {
		return 0, err
	}
	frame := h.frameLen()
	if h.remaining > s.maxMsgLen {
		n := min(frame, len(buf))
		s.skip[dirIndex(dir)] = frame - n
		log.GetLogger().WithField("type", TypeName(h.msgType)).
			WithField("length", h.remaining).
			Debug("mqtt: skipping oversized message")
		msg := newMessage(h)
		msg.Skipped = frame
		s.handle(msg, dir)
		return n, nil
	}
	if len(buf) < frame {
		return 0, applayer.NeedMore(frame - len(buf))
	}
	msg, err := decodeMessage(h, buf, s.version)
	if err != nil {
		log.GetLogger().WithError(err).WithField("type", TypeName(h.msgType)).Debug("mqtt: decode failed")
		return 0, err
	}
	s.handle(msg, dir)
	return frame, nil
}

func (s *State) newTx(msg *Message, dir core.Direction) *Transaction {
	tx := &Transaction{Messages: []*Message{msg}}
	tx.Saw(dir)
	s.txs.Add(tx)
	return tx
}

// anomaly records msg on a transaction of its own, marked with ev.
func (s *State) anomaly(msg *Message, dir core.Direction, ev int) {
	tx := s.newTx(msg, dir)
	tx.SetEvent(ev)
	tx.MarkComplete()
}

func (s *State) complete(msg *Message, dir core.Direction) {
	s.newTx(msg, dir).MarkComplete()
}

// ack attaches msg to the transaction that a message in direction origin
// opened with key, completing it when done is set. It reports false when
// nothing waits for key.
func (s *State) ack(origin core.Direction, key uint64, msg *Message, done bool) bool {
	var tx *Transaction
	var ok bool
	if done {
		tx, ok = s.pending.Resolve(origin, key)
	} else {
		tx, ok = s.pending.Peek(origin, key)
	}
	if !ok {
		return false
	}
	tx.Messages = append(tx.Messages, msg)
	if done {
		tx.MarkComplete()
	}
	return true
}

func (s *State) handle(msg *Message, dir core.Direction) {
	if msg.Truncated() {
		s.complete(msg, dir)
		return
	}
	switch msg.Type {
	case typeUnassigned:
		s.anomaly(msg, dir, evUnassignedMsgType)
		return
	case packets.Connect:
		s.version = msg.ProtocolVersion
		if s.connected {
			s.anomaly(msg, dir, evDoubleConnect)
			return
		}
		s.pending.Expect(dir, connectKey, s.newTx(msg, dir))
		return
	case packets.Connack:
		if s.ack(dir.Reverse(), connectKey, msg, true) {
			s.connected = true
			return
		}
		s.anomaly(msg, dir, evMissingConnect)
		return
	}

	if !s.connected {
		s.anomaly(msg, dir, evUnintroducedMessage)
		return
	}

	key := uint64(msg.MessageID)
	switch msg.Type {
	case packets.Publish, packets.Subscribe, packets.Unsubscribe:
		switch {
		case msg.QoS == 0:
			s.complete(msg, dir)
		case msg.QoS > maxQoS:
			s.anomaly(msg, dir, evInvalidQoSLevel)
		case !msg.HasMessageID:
			s.anomaly(msg, dir, evMissingMsgID)
		default:
			s.pending.Expect(dir, key, s.newTx(msg, dir))
		}
	case packets.Pubrec:
		if !s.ack(dir.Reverse(), key, msg, false) {
			s.anomaly(msg, dir, evMissingPublish)
		}
	case packets.Pubrel:
		// sent by the publisher, after its PUBREC came back
		if !s.ack(dir, key, msg, false) {
			s.anomaly(msg, dir, evMissingPublish)
		}
	case packets.Puback, packets.Pubcomp:
		if !s.ack(dir.Reverse(), key, msg, true) {
			s.anomaly(msg, dir, evMissingPublish)
		}
	case packets.Suback:
		if !s.ack(dir.Reverse(), key, msg, true) {
			s.anomaly(msg, dir, evMissingSubscribe)
		}
	case packets.Unsuback:
		if !s.ack(dir.Reverse(), key, msg, true) {
			s.anomaly(msg, dir, evMissingUnsubscribe)
		}
	default:
		// PINGREQ, PINGRESP, DISCONNECT, AUTH
		s.complete(msg, dir)
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

func (s *State) IterTx(minID uint64, cursor *uint64) (applayer.Tx, uint64, bool, bool) {
	tx, id, hasNext, ok := s.txs.Iterate(minID, cursor)
	if !ok {
		return nil, 0, false, false
	}
	return tx, id, hasNext, true
}

func (s *State) FreeTx(id uint64) {
	if tx, ok := s.txs.Remove(id); ok {
		s.pending.Forget(tx)
	}
}

// Progress is 1 once a transaction is complete, in the direction that
// opened it.
func (s *State) Progress(t applayer.Tx, dir core.Direction) int {
	tx, ok := t.(*Transaction)
	if !ok || !tx.Complete() || !tx.Seen(dir) {
		return 0
	}
	return 1
}

func (s *State) Describe(t applayer.Tx) core.Labels {
	tx, ok := t.(*Transaction)
	if !ok || len(tx.Messages) == 0 {
		return nil
	}
	types := make([]string, len(tx.Messages))
	for i, m := range tx.Messages {
		types[i] = TypeName(m.Type)
	}
	first := tx.First()
	labels := core.Labels{
		core.LabelMQTTType: strings.Join(types, ","),
		core.LabelMQTTQoS:  strconv.Itoa(int(first.QoS)),
	}
	if first.HasMessageID {
		labels[core.LabelMQTTMessageID] = strconv.Itoa(int(first.MessageID))
	}
	if len(first.Topics) > 0 {
		labels[core.LabelMQTTTopic] = strings.Join(first.Topics, ",")
	}
	if first.Type == packets.Connect {
		labels[core.LabelMQTTVersion] = strconv.Itoa(int(first.ProtocolVersion))
	}
	return labels
}

func (s *State) Free() {
	s.txs.Clear()
	s.pending.Clear()
	s.skip = [2]int{}
}
