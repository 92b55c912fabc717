package krb5

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"firestige.xyz/applayer/internal/core"
)

const (
	classUniversal   = 0
	classApplication = 1

	tagSequence = 0x30
)

var errShortHeader = errors.New("krb5: short BER header")

// berHeader is the identifier and length octets of a BER element.
type berHeader struct {
	Class       uint8
	Constructed bool
	Tag         uint32
	Length      int
}

// readBERHeader parses a definite-length element header and returns the
// bytes that follow it. errShortHeader means more bytes could complete it.
func readBERHeader(b []byte) (berHeader, []byte, error) {
	var h berHeader
	s := cryptobyte.String(b)
	var id uint8
	if !s.ReadUint8(&id) {
		return h, nil, errShortHeader
	}
	h.Class = id >> 6
	h.Constructed = id&0x20 != 0
	h.Tag = uint32(id & 0x1f)
	if h.Tag == 0x1f {
		h.Tag = 0
		for i := 0; ; i++ {
			var c uint8
			if !s.ReadUint8(&c) {
				return h, nil, errShortHeader
			}
			if i == 4 {
				return h, nil, fmt.Errorf("%w: tag number too large", core.ErrMalformedData)
			}
			h.Tag = h.Tag<<7 | uint32(c&0x7f)
			if c&0x80 == 0 {
				break
			}
		}
	}

	var l uint8
	if !s.ReadUint8(&l) {
		return h, nil, errShortHeader
	}
	switch {
	case l < 0x80:
		h.Length = int(l)
	case l == 0x80:
		return h, nil, fmt.Errorf("%w: indefinite length", core.ErrMalformedData)
	case l > 0x84:
		return h, nil, fmt.Errorf("%w: length of %d octets", core.ErrMalformedData, l&0x7f)
	default:
		for n := int(l & 0x7f); n > 0; n-- {
			var c uint8
			if !s.ReadUint8(&c) {
				return h, nil, errShortHeader
			}
			h.Length = h.Length<<8 | int(c)
		}
	}
	return h, []byte(s), nil
}
