package mqtt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"golang.org/x/crypto/cryptobyte"

	"firestige.xyz/applayer/pkg/applayer"
)

const (
	typeUnassigned = 0
	typeAuth       = 15

	maxQoS = 2
)

var (
	errRemainingLength = errors.New("mqtt: remaining length exceeds 4 bytes")
	errShortBody       = errors.New("mqtt: message body too short")
)

// TypeName returns the control packet name of t.
func TypeName(t byte) string {
	switch t {
	case typeUnassigned:
		return "UNASSIGNED"
	case typeAuth:
		return "AUTH"
	}
	if n, ok := packets.PacketNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TYPE_%d", t)
}

type fixedHeader struct {
	msgType   byte
	dup       bool
	qos       byte
	retain    bool
	remaining int
	size      int
}

// frameLen is the size of the whole control packet.
func (h fixedHeader) frameLen() int { return h.size + h.remaining }

// parseFixedHeader reads the type, flags and variable length remaining
// length at the head of b.
func parseFixedHeader(b []byte) (fixedHeader, error) {
	var h fixedHeader
	if len(b) < 2 {
		return h, applayer.NeedMore(2 - len(b))
	}
	h.msgType = b[0] >> 4
	h.dup = b[0]&0x08 != 0
	h.qos = (b[0] >> 1) & 0x03
	h.retain = b[0]&0x01 != 0

	mult := 1
	for i := 0; i < 4; i++ {
		if 1+i >= len(b) {
			return h, applayer.NeedMore(1)
		}
		c := b[1+i]
		h.remaining += int(c&0x7f) * mult
		if c&0x80 == 0 {
			h.size = 2 + i
			return h, nil
		}
		mult *= 128
	}
	return h, errRemainingLength
}

// Message is one decoded control packet.
type Message struct {
	Type            byte
	Dup             bool
	QoS             byte
	Retain          bool
	RemainingLength int

	MessageID    uint16
	HasMessageID bool

	ProtocolVersion byte
	ClientID        string
	Topics          []string
	ReturnCodes     []byte

	// Skipped is the size of a message that exceeded the length limit and
	// was skipped instead of decoded.
	Skipped int

	// Packet is the full decoded packet, nil when the body was read
	// without paho.
	Packet packets.ControlPacket
}

// Truncated reports whether the body was skipped.
func (m *Message) Truncated() bool { return m.Skipped > 0 }

func newMessage(h fixedHeader) *Message {
	return &Message{
		Type:            h.msgType,
		Dup:             h.dup,
		QoS:             h.qos,
		Retain:          h.retain,
		RemainingLength: h.remaining,
	}
}

// decodeMessage decodes a complete frame. version is the protocol version
// announced by the flow's CONNECT, 0 if none was seen yet.
//
// MQTT 3.1 and 3.1.1 bodies go through paho. MQTT 5 bodies carry
// properties paho cannot read, so only the fields the state machine needs
// are extracted.
func decodeMessage(h fixedHeader, frame []byte, version byte) (*Message, error) {
	body := frame[h.size:h.frameLen()]
	switch h.msgType {
	case typeUnassigned, typeAuth:
		return newMessage(h), nil
	case packets.Connect:
		if v, ok := connectVersion(body); ok {
			version = v
		}
	}
	if version < 5 {
		if m, err := decodePaho(h, frame[:h.frameLen()]); err == nil {
			return m, nil
		}
	}
	return decodeRaw(h, body)
}

func decodePaho(h fixedHeader, frame []byte) (m *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mqtt: paho decode: %v", r)
		}
	}()
	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	m = newMessage(h)
	m.Packet = cp
	switch p := cp.(type) {
	case *packets.ConnectPacket:
		m.ProtocolVersion = p.ProtocolVersion
		m.ClientID = p.ClientIdentifier
	case *packets.ConnackPacket:
		m.ReturnCodes = []byte{p.ReturnCode}
	case *packets.PublishPacket:
		m.Topics = []string{p.TopicName}
		if p.Qos > 0 {
			m.setMessageID(p.MessageID)
		}
	case *packets.PubackPacket:
		m.setMessageID(p.MessageID)
	case *packets.PubrecPacket:
		m.setMessageID(p.MessageID)
	case *packets.PubrelPacket:
		m.setMessageID(p.MessageID)
	case *packets.PubcompPacket:
		m.setMessageID(p.MessageID)
	case *packets.SubscribePacket:
		m.setMessageID(p.MessageID)
		m.Topics = p.Topics
	case *packets.SubackPacket:
		m.setMessageID(p.MessageID)
		m.ReturnCodes = p.ReturnCodes
	case *packets.UnsubscribePacket:
		m.setMessageID(p.MessageID)
		m.Topics = p.Topics
	case *packets.UnsubackPacket:
		m.setMessageID(p.MessageID)
	}
	return m, nil
}

func (m *Message) setMessageID(id uint16) {
	m.MessageID = id
	m.HasMessageID = true
}

// connectVersion peeks the protocol level of a CONNECT body.
func connectVersion(body []byte) (byte, bool) {
	s := cryptobyte.String(body)
	var name cryptobyte.String
	var v uint8
	if !s.ReadUint16LengthPrefixed(&name) || !s.ReadUint8(&v) {
		return 0, false
	}
	return v, true
}

// decodeRaw extracts message ids, topics and the CONNECT fields directly
// from the variable header.
func decodeRaw(h fixedHeader, body []byte) (*Message, error) {
	m := newMessage(h)
	s := cryptobyte.String(body)
	switch h.msgType {
	case packets.Connect:
		var name, client cryptobyte.String
		var flags uint8
		var keepalive uint16
		if !s.ReadUint16LengthPrefixed(&name) || !s.ReadUint8(&m.ProtocolVersion) ||
			!s.ReadUint8(&flags) || !s.ReadUint16(&keepalive) {
			return nil, errShortBody
		}
		if m.ProtocolVersion >= 5 && !skipProperties(&s) {
			return nil, errShortBody
		}
		if !s.ReadUint16LengthPrefixed(&client) {
			return nil, errShortBody
		}
		m.ClientID = string(client)
	case packets.Connack:
		var flags, code uint8
		if !s.ReadUint8(&flags) || !s.ReadUint8(&code) {
			return nil, errShortBody
		}
		m.ReturnCodes = []byte{code}
	case packets.Publish:
		var topic cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&topic) {
			return nil, errShortBody
		}
		m.Topics = []string{string(topic)}
		// a missing packet id is left for the state machine to flag
		var id uint16
		if h.qos > 0 && s.ReadUint16(&id) {
			m.setMessageID(id)
		}
	case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp,
		packets.Subscribe, packets.Suback, packets.Unsubscribe, packets.Unsuback:
		var id uint16
		if !s.ReadUint16(&id) {
			return nil, errShortBody
		}
		m.setMessageID(id)
	}
	return m, nil
}

// skipProperties skips an MQTT 5 property block.
func skipProperties(s *cryptobyte.String) bool {
	n := 0
	mult := 1
	for i := 0; i < 4; i++ {
		var c uint8
		if !s.ReadUint8(&c) {
			return false
		}
		n += int(c&0x7f) * mult
		if c&0x80 == 0 {
			return s.Skip(n)
		}
		mult *= 128
	}
	return false
}
