package ike

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"firestige.xyz/applayer/internal/core"
)

// IKEv1 payload types.
const (
	v1PayloadSA        = 1
	v1PayloadProposal  = 2
	v1PayloadTransform = 3
	v1PayloadKE        = 4
	v1PayloadID        = 5
	v1PayloadCert      = 6
	v1PayloadCertReq   = 7
	v1PayloadHash      = 8
	v1PayloadSig       = 9
	v1PayloadNonce     = 10
	v1PayloadNotify    = 11
	v1PayloadDelete    = 12
	v1PayloadVendor    = 13
	v1PayloadNATD      = 20
	v1PayloadNATOA     = 21
)

var v1PayloadNames = map[uint8]string{
	v1PayloadSA: "SA", v1PayloadProposal: "P", v1PayloadTransform: "T", v1PayloadKE: "KE",
	v1PayloadID: "ID", v1PayloadCert: "CERT", v1PayloadCertReq: "CR", v1PayloadHash: "HASH",
	v1PayloadSig: "SIG", v1PayloadNonce: "NONCE", v1PayloadNotify: "N", v1PayloadDelete: "D",
	v1PayloadVendor: "VID", v1PayloadNATD: "NAT-D", v1PayloadNATOA: "NAT-OA",
}

const v1FlagEncrypted = 0x01

// SAAttribute is one data attribute of an IKEv1 transform.
type SAAttribute struct {
	Type  uint16
	Value uint64 // numeric value; for long attributes only when at most 8 bytes
	Raw   []byte // long attribute body
}

func (s *State) handleV1(tx *Transaction, hdr Header, body []byte, dir core.Direction) {
	if hdr.Flags&v1FlagEncrypted != 0 {
		tx.Encrypted = true
		return
	}
	tail, err := walkPayloads(body, hdr.NextPayload, 0, func(p genericPayload) {
		tx.Payloads = append(tx.Payloads, p.Type)
		switch p.Type {
		case v1PayloadSA:
			transforms, err := parseV1SA(p.Body)
			if err != nil {
				tx.SetEvent(evMalformedData)
			}
			tx.V1Transforms = append(tx.V1Transforms, transforms...)
			if dir == core.ToClient && len(transforms) > 1 {
				tx.SetEvent(evMultipleServerProposal)
			}
		case v1PayloadKE:
			tx.KELength = len(p.Body)
		case v1PayloadNotify:
			n := cryptobyte.String(p.Body)
			var doi uint32
			var proto, spiSize uint8
			var typ uint16
			if !n.ReadUint32(&doi) || !n.ReadUint8(&proto) || !n.ReadUint8(&spiSize) || !n.ReadUint16(&typ) {
				tx.SetEvent(evMalformedData)
				return
			}
			tx.Notify = append(tx.Notify, typ)
		case v1PayloadVendor:
			tx.VendorIDs = append(tx.VendorIDs, fmt.Sprintf("%x", p.Body))
		}
	})
	if err != nil {
		tx.SetEvent(evMalformedData)
		return
	}
	if len(tail) > 0 {
		tx.SetEvent(evPayloadExtraData)
	}
}

// parseV1SA returns the attribute lists of every transform of every
// proposal in an SA payload body.
func parseV1SA(b []byte) ([][]SAAttribute, error) {
	s := cryptobyte.String(b)
	var doi, situation uint32
	if !s.ReadUint32(&doi) || !s.ReadUint32(&situation) {
		return nil, fmt.Errorf("%w: truncated SA", core.ErrMalformedData)
	}
	var out [][]SAAttribute
	var perr error
	_, err := walkPayloads(s, v1PayloadProposal, 0, func(p genericPayload) {
		if p.Type != v1PayloadProposal || perr != nil {
			return
		}
		body := cryptobyte.String(p.Body)
		var num, proto, spiSize, nTransforms uint8
		var spi []byte
		if !body.ReadUint8(&num) || !body.ReadUint8(&proto) || !body.ReadUint8(&spiSize) ||
			!body.ReadUint8(&nTransforms) || !body.ReadBytes(&spi, int(spiSize)) {
			perr = fmt.Errorf("%w: truncated proposal", core.ErrMalformedData)
			return
		}
		_, terr := walkPayloads(body, v1PayloadTransform, 0, func(t genericPayload) {
			if t.Type != v1PayloadTransform || perr != nil {
				return
			}
			attrs, err := parseV1Transform(t.Body)
			if err != nil {
				perr = err
				return
			}
			out = append(out, attrs)
		})
		if terr != nil && perr == nil {
			perr = terr
		}
	})
	if err != nil {
		return out, err
	}
	return out, perr
}

func parseV1Transform(b []byte) ([]SAAttribute, error) {
	s := cryptobyte.String(b)
	var num, id uint8
	var reserved uint16
	if !s.ReadUint8(&num) || !s.ReadUint8(&id) || !s.ReadUint16(&reserved) {
		return nil, fmt.Errorf("%w: truncated transform", core.ErrMalformedData)
	}
	var attrs []SAAttribute
	for !s.Empty() {
		var a SAAttribute
		if !s.ReadUint16(&a.Type) {
			return attrs, fmt.Errorf("%w: truncated attribute", core.ErrMalformedData)
		}
		if a.Type&0x8000 != 0 {
			var v uint16
			if !s.ReadUint16(&v) {
				return attrs, fmt.Errorf("%w: truncated attribute", core.ErrMalformedData)
			}
			a.Type &= 0x7fff
			a.Value = uint64(v)
		} else {
			var raw cryptobyte.String
			if !s.ReadUint16LengthPrefixed(&raw) {
				return attrs, fmt.Errorf("%w: truncated attribute", core.ErrMalformedData)
			}
			a.Raw = append([]byte(nil), raw...)
			if len(raw) <= 8 {
				for _, c := range raw {
					a.Value = a.Value<<8 | uint64(c)
				}
			}
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}
