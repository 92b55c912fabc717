package ike

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"firestige.xyz/applayer/internal/core"
)

const headerLen = 28

// Header is the ISAKMP header shared by IKEv1 and IKEv2.
type Header struct {
	InitSPI      uint64
	RespSPI      uint64
	NextPayload  uint8
	MajorVersion uint8
	MinorVersion uint8
	ExchangeType uint8
	Flags        uint8
	MessageID    uint32
	Length       uint32
}

// parseHeader reads the fixed header and returns the bytes after it.
func parseHeader(b []byte) (Header, []byte, error) {
	var h Header
	var version uint8
	s := cryptobyte.String(b)
	if !s.ReadUint64(&h.InitSPI) ||
		!s.ReadUint64(&h.RespSPI) ||
		!s.ReadUint8(&h.NextPayload) ||
		!s.ReadUint8(&version) ||
		!s.ReadUint8(&h.ExchangeType) ||
		!s.ReadUint8(&h.Flags) ||
		!s.ReadUint32(&h.MessageID) ||
		!s.ReadUint32(&h.Length) {
		return h, nil, fmt.Errorf("%w: isakmp header needs %d bytes, have %d", core.ErrMalformedData, headerLen, len(b))
	}
	h.MajorVersion = version >> 4
	h.MinorVersion = version & 0x0f
	return h, []byte(s), nil
}

// genericPayload is one element of a payload chain.
type genericPayload struct {
	Type     uint8
	Critical bool
	Body     []byte
}

// walkPayloads iterates the payload chain that starts with first.
// stopAt lists types whose body ends the walk (e.g. encrypted payloads).
// It returns the unused tail and an error if a payload overruns b.
func walkPayloads(b []byte, first uint8, stopAt uint8, fn func(genericPayload)) ([]byte, error) {
	s := cryptobyte.String(b)
	next := first
	for next != 0 {
		var p genericPayload
		var flags uint8
		var length uint16
		p.Type = next
		if !s.ReadUint8(&next) || !s.ReadUint8(&flags) || !s.ReadUint16(&length) {
			return nil, fmt.Errorf("%w: truncated payload header", core.ErrMalformedData)
		}
		if length < 4 || !s.ReadBytes(&p.Body, int(length)-4) {
			return nil, fmt.Errorf("%w: payload %d length %d overruns message", core.ErrMalformedData, p.Type, length)
		}
		p.Critical = flags&0x80 != 0
		fn(p)
		if p.Type == stopAt {
			break
		}
	}
	return []byte(s), nil
}
