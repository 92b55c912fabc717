package ike

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"firestige.xyz/applayer/internal/core"
)

// IKEv2 payload types.
const (
	v2PayloadSA      = 33
	v2PayloadKE      = 34
	v2PayloadIDi     = 35
	v2PayloadIDr     = 36
	v2PayloadCert    = 37
	v2PayloadCertReq = 38
	v2PayloadAuth    = 39
	v2PayloadNonce   = 40
	v2PayloadNotify  = 41
	v2PayloadDelete  = 42
	v2PayloadVendor  = 43
	v2PayloadTSi     = 44
	v2PayloadTSr     = 45
	v2PayloadSK      = 46
	v2PayloadCP      = 47
	v2PayloadEAP     = 48
)

var v2PayloadNames = map[uint8]string{
	v2PayloadSA: "SA", v2PayloadKE: "KE", v2PayloadIDi: "IDi", v2PayloadIDr: "IDr",
	v2PayloadCert: "CERT", v2PayloadCertReq: "CERTREQ", v2PayloadAuth: "AUTH",
	v2PayloadNonce: "Nonce", v2PayloadNotify: "Notify", v2PayloadDelete: "Delete",
	v2PayloadVendor: "VendorID", v2PayloadTSi: "TSi", v2PayloadTSr: "TSr",
	v2PayloadSK: "SK", v2PayloadCP: "CP", v2PayloadEAP: "EAP",
}

// Transform types.
const (
	TransformEncr  = 1
	TransformPRF   = 2
	TransformInteg = 3
	TransformDH    = 4
	TransformESN   = 5
)

// Protocol ids in a proposal.
const (
	protoIKE = 1
	protoAH  = 2
	protoESP = 3
)

const (
	encrNull       = 11
	integNone      = 0
	prfNull        = 0
	dhNone         = 0
	attrKeyLength  = 14
	notifyErrorMax = 16383
)

// Transform is one IKEv2 transform of a proposal.
type Transform struct {
	Type      uint8
	ID        uint16
	KeyLength uint16 // from the key length attribute, 0 if absent
}

// Proposal is an IKEv2 SA proposal.
type Proposal struct {
	Number     uint8
	ProtocolID uint8
	SPI        []byte
	Transforms []Transform
}

func isWeakEncr(id uint16) bool { return id >= 1 && id <= 9 }

// isAEAD reports whether the cipher provides integrity on its own.
func isAEAD(id uint16) bool {
	switch id {
	case 14, 15, 16, 18, 19, 20, 25, 26, 27, 28:
		return true
	}
	return false
}

func isWeakPRF(id uint16) bool { return id == 1 || id == 2 }

func isWeakInteg(id uint16) bool { return id >= 1 && id <= 7 }

func isWeakDH(id uint16) bool {
	switch id {
	case 1, 2, 5, 22:
		return true
	}
	return false
}

// exchange is the negotiation state of a flow.
type exchange struct {
	// key exchange group announced by the responder
	dhGroup uint16

	clientProposals [][]Transform
	serverProposals [][]Transform
}

func (s *State) handleV2(tx *Transaction, hdr Header, body []byte, dir core.Direction) {
	var proposals int
	tail, err := walkPayloads(body, hdr.NextPayload, v2PayloadSK, func(p genericPayload) {
		tx.Payloads = append(tx.Payloads, p.Type)
		switch p.Type {
		case v2PayloadSA:
			props, err := parseProposals(p.Body)
			if err != nil {
				tx.SetEvent(evMalformedData)
				return
			}
			proposals += len(props)
			s.addProposals(tx, props, dir)
		case v2PayloadKE:
			ke := cryptobyte.String(p.Body)
			var group uint16
			if !ke.ReadUint16(&group) {
				tx.SetEvent(evMalformedData)
				return
			}
			tx.DHGroup = group
			if dir == core.ToClient {
				s.exchange.dhGroup = group
			}
		case v2PayloadNotify:
			n := cryptobyte.String(p.Body)
			var proto, spiSize uint8
			var typ uint16
			if !n.ReadUint8(&proto) || !n.ReadUint8(&spiSize) || !n.ReadUint16(&typ) {
				tx.SetEvent(evMalformedData)
				return
			}
			if typ <= notifyErrorMax {
				tx.Errors++
			}
			tx.Notify = append(tx.Notify, typ)
		case v2PayloadVendor:
			tx.VendorIDs = append(tx.VendorIDs, fmt.Sprintf("%x", p.Body))
		}
	})
	if err != nil {
		tx.SetEvent(evMalformedData)
		return
	}
	if dir == core.ToClient && proposals > 1 {
		tx.SetEvent(evMultipleServerProposal)
	}
	if len(tail) > 0 {
		tx.SetEvent(evPayloadExtraData)
	}
}

func parseProposals(b []byte) ([]Proposal, error) {
	var out []Proposal
	s := cryptobyte.String(b)
	for !s.Empty() {
		var more, reserved, nTransforms, spiSize uint8
		var length uint16
		var body cryptobyte.String
		var p Proposal
		if !s.ReadUint8(&more) || !s.ReadUint8(&reserved) || !s.ReadUint16(&length) ||
			length < 8 || !s.ReadBytes((*[]byte)(&body), int(length)-4) {
			return out, fmt.Errorf("%w: truncated proposal", core.ErrMalformedData)
		}
		if !body.ReadUint8(&p.Number) || !body.ReadUint8(&p.ProtocolID) ||
			!body.ReadUint8(&spiSize) || !body.ReadUint8(&nTransforms) ||
			!body.ReadBytes(&p.SPI, int(spiSize)) {
			return out, fmt.Errorf("%w: truncated proposal", core.ErrMalformedData)
		}
		for i := 0; i < int(nTransforms); i++ {
			t, err := parseTransform(&body)
			if err != nil {
				return out, err
			}
			p.Transforms = append(p.Transforms, t)
		}
		out = append(out, p)
		if more == 0 {
			break
		}
	}
	return out, nil
}

func parseTransform(s *cryptobyte.String) (Transform, error) {
	var t Transform
	var more, reserved, reserved2 uint8
	var length uint16
	var body cryptobyte.String
	if !s.ReadUint8(&more) || !s.ReadUint8(&reserved) || !s.ReadUint16(&length) ||
		length < 8 || !s.ReadBytes((*[]byte)(&body), int(length)-4) {
		return t, fmt.Errorf("%w: truncated transform", core.ErrMalformedData)
	}
	if !body.ReadUint8(&t.Type) || !body.ReadUint8(&reserved2) || !body.ReadUint16(&t.ID) {
		return t, fmt.Errorf("%w: truncated transform", core.ErrMalformedData)
	}
	for !body.Empty() {
		var typ, val uint16
		if !body.ReadUint16(&typ) {
			return t, fmt.Errorf("%w: truncated transform attribute", core.ErrMalformedData)
		}
		if typ&0x8000 != 0 {
			if !body.ReadUint16(&val) {
				return t, fmt.Errorf("%w: truncated transform attribute", core.ErrMalformedData)
			}
			if typ&0x7fff == attrKeyLength {
				t.KeyLength = val
			}
			continue
		}
		var v cryptobyte.String
		if !body.ReadUint16LengthPrefixed(&v) {
			return t, fmt.Errorf("%w: truncated transform attribute", core.ErrMalformedData)
		}
	}
	return t, nil
}

// addProposals raises weak-crypto events for props and records them on the
// exchange.
func (s *State) addProposals(tx *Transaction, props []Proposal, dir core.Direction) {
	for _, p := range props {
		var hasDH, hasInteg, hasAEAD bool
		for _, t := range p.Transforms {
			switch t.Type {
			case TransformEncr:
				if t.ID == encrNull {
					tx.SetEvent(evNoEncryption)
				} else if isWeakEncr(t.ID) {
					tx.SetEvent(evWeakCryptoEnc)
				}
				hasAEAD = hasAEAD || isAEAD(t.ID)
			case TransformPRF:
				if t.ID == prfNull {
					tx.SetEvent(evInvalidProposal)
				} else if isWeakPRF(t.ID) {
					tx.SetEvent(evWeakCryptoPRF)
				}
			case TransformInteg:
				if t.ID != integNone {
					hasInteg = true
				}
				if isWeakInteg(t.ID) {
					tx.SetEvent(evWeakCryptoAuth)
				}
			case TransformDH:
				hasDH = true
				if t.ID == dhNone {
					tx.SetEvent(evWeakCryptoNoDH)
				} else if isWeakDH(t.ID) {
					tx.SetEvent(evWeakCryptoDH)
				}
			case TransformESN:
			default:
				tx.SetEvent(evUnknownProposal)
			}
		}
		if !hasDH {
			tx.SetEvent(evWeakCryptoNoDH)
		}
		if p.ProtocolID == protoAH {
			tx.SetEvent(evNoEncryption)
		}
		if !hasInteg && !hasAEAD {
			tx.SetEvent(evWeakCryptoNoAuth)
		}

		tx.Proposals = append(tx.Proposals, p)
		if dir == core.ToClient {
			s.exchange.serverProposals = append(s.exchange.serverProposals, p.Transforms)
		} else {
			s.exchange.clientProposals = append(s.exchange.clientProposals, p.Transforms)
		}
	}
}
