package engine

import (
	"time"

	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/applayer/internal/core"
)

// worker owns the engine and TCP assembler of a shard of the flows.
type worker struct {
	id      int
	in      chan Packet
	eng     *Engine
	factory *streamFactory
	asm     *tcpassembly.Assembler
	timeout time.Duration

	now       time.Time // latest packet time
	lastSweep time.Time
}

func newWorker(id int, eng *Engine, queue int, timeout time.Duration) *worker {
	f := &streamFactory{eng: eng}
	return &worker{
		id:      id,
		in:      make(chan Packet, queue),
		eng:     eng,
		factory: f,
		asm:     newAssembler(f),
		timeout: timeout,
	}
}

// run processes packets until in is closed, then finishes every flow.
func (w *worker) run() {
	for pkt := range w.in {
		w.handle(pkt)
	}
	w.asm.FlushAll()
	w.eng.Close(w.now)
}

// handle processes one packet. Time is taken from packet timestamps so
// offline replay expires flows as live capture would.
func (w *worker) handle(pkt Packet) {
	if pkt.Timestamp.After(w.now) {
		w.now = pkt.Timestamp
	}
	if w.lastSweep.IsZero() {
		w.lastSweep = w.now
	}

	if pkt.TCP != nil {
		w.factory.now = pkt.Timestamp
		w.asm.AssembleWithTimestamp(netFlow(pkt.Key), pkt.TCP, pkt.Timestamp)
	} else if core.IPProto(pkt.Key.Proto) == core.IPProtoUDP {
		w.eng.HandleData(pkt.Key, pkt.Payload, pkt.Timestamp)
	}

	if w.timeout > 0 && w.now.Sub(w.lastSweep) >= w.timeout/2 {
		w.sweep()
	}
}

// sweep closes idle TCP connections and expires idle flows.
func (w *worker) sweep() {
	w.asm.FlushOlderThan(w.now.Add(-w.timeout))
	w.eng.Expire(w.now)
	w.lastSweep = w.now
}
