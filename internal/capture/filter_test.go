package capture

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

func TestPortFilterMatch(t *testing.T) {
	f, err := NewPortFilter([]uint16{1883, 123, 88, 123}, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{88, 123, 1883}, f.Ports())

	tests := []struct {
		name  string
		frame []byte
		want  bool
	}{
		{"udp dst port", udp4Frame(t, 50123, 123), true},
		{"udp src port", udp4Frame(t, 88, 50000), true},
		{"udp other port", udp4Frame(t, 50123, 53), false},
		{"ipv6 tcp", tcp6Frame(t, 40000, 1883), true},
		{"ipv6 tcp other port", tcp6Frame(t, 40000, 443), false},
		{"arp", serialize(t, eth(layers.EthernetTypeARP), gopacket.Payload(make([]byte, 28))), false},
		{"icmp", serialize(t, eth(layers.EthernetTypeIPv4), ip4(layers.IPProtocolICMPv4), gopacket.Payload(make([]byte, 8))), false},
		{"truncated", []byte{0x02, 0x00}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.frame))
		})
	}
}

func TestPortFilterAcceptsTrailingFragments(t *testing.T) {
	f, err := NewPortFilter([]uint16{500}, 0)
	require.NoError(t, err)

	first := ip4(layers.IPProtocolUDP)
	first.Flags = layers.IPv4MoreFragments
	// the first fragment carries the UDP header
	frame := serialize(t, eth(layers.EthernetTypeIPv4), first, gopacket.Payload([]byte{0x1f, 0x40, 0x01, 0xf4, 0, 16, 0, 0}))
	assert.True(t, f.Match(frame))

	trailing := ip4(layers.IPProtocolUDP)
	trailing.FragOffset = 2
	frame = serialize(t, eth(layers.EthernetTypeIPv4), trailing, gopacket.Payload(make([]byte, 16)))
	assert.True(t, f.Match(frame))
}

func TestPortFilterIPv4Options(t *testing.T) {
	f, err := NewPortFilter([]uint16{123}, 0)
	require.NoError(t, err)

	ip := ip4(layers.IPProtocolUDP)
	ip.Options = []layers.IPv4Option{{OptionType: 1}, {OptionType: 1}, {OptionType: 1}, {OptionType: 0}}
	udp := &layers.UDP{SrcPort: 50000, DstPort: 123}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t, eth(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload("x"))
	require.Equal(t, uint8(0x46), frame[14], "header with one word of options")

	assert.True(t, f.Match(frame))
}

func TestPortFilterSnapLen(t *testing.T) {
	f, err := NewPortFilter([]uint16{123}, 96)
	require.NoError(t, err)

	raw, err := f.Raw()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	prog := f.Instructions()
	ret, ok := prog[len(prog)-1].(bpf.RetConstant)
	require.True(t, ok)
	assert.Equal(t, uint32(96), ret.Val)
}

func TestPortFilterWithoutPorts(t *testing.T) {
	_, err := NewPortFilter(nil, 0)
	assert.Error(t, err)
}
