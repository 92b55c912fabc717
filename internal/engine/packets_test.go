package engine

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/core"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	serverMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ethernet(t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: t}
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func udpFrame(t *testing.T, src string, sport uint16, dst string, dport uint16, payload []byte) []byte {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

type segment struct {
	fromClient bool
	seq, ack   uint32
	syn, fin   bool
	payload    string
}

func tcpFrame(t *testing.T, key tcpEndpoints, s segment) []byte {
	src, dst, sport, dport := key.client, key.server, key.clientPort, key.serverPort
	if !s.fromClient {
		src, dst, sport, dport = dst, src, dport, sport
	}
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     s.seq,
		Ack:     s.ack,
		SYN:     s.syn,
		FIN:     s.fin,
		ACK:     s.ack != 0,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(s.payload))
}

type tcpEndpoints struct {
	client, server         string
	clientPort, serverPort uint16
}

// lineSession is a complete TCP connection of the line protocol.
func lineSession(t *testing.T, ep tcpEndpoints, start time.Time) []core.RawPacket {
	segs := []segment{
		{fromClient: true, seq: 100, syn: true},
		{fromClient: false, seq: 500, ack: 101, syn: true},
		{fromClient: true, seq: 101, ack: 501},
		{fromClient: true, seq: 101, ack: 501, payload: "HELLO\nping\n"},
		{fromClient: false, seq: 501, ack: 112, payload: "pong\n"},
		{fromClient: true, seq: 112, ack: 506, fin: true},
		{fromClient: false, seq: 506, ack: 113, fin: true},
	}
	out := make([]core.RawPacket, 0, len(segs))
	for i, s := range segs {
		out = append(out, rawPacket(tcpFrame(t, ep, s), start.Add(time.Duration(i)*time.Millisecond)))
	}
	return out
}

func rawPacket(data []byte, ts time.Time) core.RawPacket {
	return core.RawPacket{
		Data:       data,
		Timestamp:  ts,
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}
}

func ntpRequest() []byte {
	msg := make([]byte, 48)
	msg[0] = 4<<3 | 3
	msg[1] = 2
	return msg
}
