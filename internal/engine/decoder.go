package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/metrics"
	"firestige.xyz/applayer/pkg/plugin"
)

// errFragmentPending is returned for an IPv4 fragment held for reassembly.
var errFragmentPending = errors.New("fragment pending")

// Packet is a captured frame decoded to the transport layer.
type Packet struct {
	Key       plugin.FlowKey // oriented as sent
	Timestamp time.Time
	TCP       *layers.TCP // nil for UDP
	Payload   []byte
}

// Decoder decodes captured frames to Packets. It reassembles IPv4
// fragments when enabled. A Decoder is not safe for concurrent use.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6

	defrag *ip4defrag.IPv4Defragmenter
}

// FirstLayer returns the layer a frame of link type lt starts with.
func FirstLayer(lt layers.LinkType) (gopacket.LayerType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, nil
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6, nil
	}
	return gopacket.LayerTypeZero, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, lt)
}

// NewDecoder creates a decoder for frames starting with first.
func NewDecoder(first gopacket.LayerType, ipReassembly bool) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.parser = gopacket.NewDecodingLayerParser(first, &d.eth, &d.dot1q, &d.ip4, &d.ip6)
	d.parser.IgnoreUnsupported = true
	if ipReassembly {
		d.defrag = ip4defrag.NewIPv4Defragmenter()
	}
	return d
}

// Decode decodes raw down to the transport payload.
func (d *Decoder) Decode(raw core.RawPacket) (Packet, error) {
	if err := d.parser.DecodeLayers(raw.Data, &d.decoded); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}

	var (
		src, dst netip.Addr
		proto    layers.IPProtocol
		payload  []byte
		l3       bool
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			ip := &d.ip4
			if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
				out, err := d.reassemble(raw.Timestamp)
				if err != nil {
					return Packet{}, err
				}
				ip = out
			}
			src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
			proto = ip.Protocol
			payload = ip.Payload
			l3 = true
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(d.ip6.DstIP)
			proto = d.ip6.NextHeader
			payload = d.ip6.Payload
			l3 = true
		}
	}
	if !l3 {
		return Packet{}, fmt.Errorf("%w: no IP layer", core.ErrUnsupportedProto)
	}

	pkt := Packet{Timestamp: raw.Timestamp}
	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return Packet{}, fmt.Errorf("%w: tcp: %v", core.ErrPacketTooShort, err)
		}
		pkt.TCP = tcp
		pkt.Payload = tcp.Payload
		pkt.Key = plugin.FlowKey{SrcIP: src, DstIP: dst, SrcPort: uint16(tcp.SrcPort), DstPort: uint16(tcp.DstPort), Proto: uint8(core.IPProtoTCP)}
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return Packet{}, fmt.Errorf("%w: udp: %v", core.ErrPacketTooShort, err)
		}
		pkt.Payload = udp.Payload
		pkt.Key = plugin.FlowKey{SrcIP: src, DstIP: dst, SrcPort: uint16(udp.SrcPort), DstPort: uint16(udp.DstPort), Proto: uint8(core.IPProtoUDP)}
	default:
		return Packet{}, fmt.Errorf("%w: ip protocol %s", core.ErrUnsupportedProto, proto)
	}
	return pkt, nil
}

// reassemble hands the current IPv4 fragment to the defragmenter.
func (d *Decoder) reassemble(ts time.Time) (*layers.IPv4, error) {
	if d.defrag == nil {
		metrics.IPFragmentsTotal.WithLabelValues("ignored").Inc()
		return nil, fmt.Errorf("%w: ipv4 fragment", core.ErrUnsupportedProto)
	}
	// The defragmenter keeps the fragment, the parser reuses d.ip4.
	frag := d.ip4
	out, err := d.defrag.DefragIPv4WithTimestamp(&frag, ts)
	if err != nil {
		metrics.IPFragmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedData, err)
	}
	if out == nil {
		metrics.IPFragmentsTotal.WithLabelValues("buffered").Inc()
		return nil, errFragmentPending
	}
	metrics.IPFragmentsTotal.WithLabelValues("reassembled").Inc()
	return out, nil
}

// Discard drops fragments received before t.
func (d *Decoder) Discard(t time.Time) {
	if d.defrag != nil {
		d.defrag.DiscardOlderThan(t)
	}
}
