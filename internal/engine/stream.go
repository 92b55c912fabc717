package engine

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

// maxPagesPerConn bounds the out of order segments buffered per connection.
const maxPagesPerConn = 256

// streamFactory creates the tcpassembly streams of one worker. Each stream
// feeds its reassembled bytes to the worker's engine.
type streamFactory struct {
	eng *Engine
	now time.Time // timestamp of the packet being assembled
}

// New implements tcpassembly.StreamFactory. The first half-connection seen
// opens the flow, so its sender is taken as the client.
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src, _ := netip.AddrFromSlice(netFlow.Src().Raw())
	dst, _ := netip.AddrFromSlice(netFlow.Dst().Raw())
	key := plugin.FlowKey{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: binary.BigEndian.Uint16(tcpFlow.Src().Raw()),
		DstPort: binary.BigEndian.Uint16(tcpFlow.Dst().Raw()),
		Proto:   uint8(core.IPProtoTCP),
	}
	f.eng.Open(key, f.now)
	return &stream{eng: f.eng, key: key, last: f.now}
}

// stream is one direction of a TCP connection.
type stream struct {
	eng  *Engine
	key  plugin.FlowKey
	last time.Time
}

// Reassembled implements tcpassembly.Stream.
func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		s.last = r.Seen
		if r.Skip > 0 {
			s.eng.HandleGap(s.key, r.Seen)
		}
		s.eng.HandleData(s.key, r.Bytes, r.Seen)
	}
}

// ReassemblyComplete implements tcpassembly.Stream.
func (s *stream) ReassemblyComplete() {
	s.eng.EndStream(s.key, s.last)
}

// newAssembler creates the TCP assembler of a worker.
func newAssembler(f *streamFactory) *tcpassembly.Assembler {
	a := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(f))
	a.MaxBufferedPagesPerConnection = maxPagesPerConn
	return a
}

// netFlow returns the network layer flow of key.
func netFlow(key plugin.FlowKey) gopacket.Flow {
	t := layers.EndpointIPv4
	if key.SrcIP.Is6() {
		t = layers.EndpointIPv6
	}
	return gopacket.NewFlow(t, key.SrcIP.AsSlice(), key.DstIP.AsSlice())
}
