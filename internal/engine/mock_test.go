package engine

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/core"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

// The line protocol: a flow starts with "HELLO" and every newline
// terminated line is a transaction.

var hello = []byte("HELLO")

var lineEvents = applayer.NewEventTable("line", "empty_line")

type lineTx struct {
	applayer.TxData
	line string
}

type lineParser struct {
	info   plugin.ParserInfo
	revDir core.Direction
	iter   bool
	states []*lineState
}

func newLineParser(flags plugin.Flags) *lineParser {
	return &lineParser{info: plugin.ParserInfo{
		Name:               "line",
		Transport:          core.IPProtoTCP,
		DefaultPorts:       []uint16{7000},
		MinDepth:           2,
		MaxDepth:           16,
		CompletionToServer: 1,
		CompletionToClient: 1,
		Flags:              flags,
	}}
}

func (p *lineParser) Info() plugin.ParserInfo   { return p.info }
func (p *lineParser) Init(map[string]any) error { return nil }

func (p *lineParser) Probe(input []byte, _ core.Direction) core.ProbeResult {
	n := min(len(input), len(hello))
	if !bytes.Equal(input[:n], hello[:n]) {
		return core.Rejected()
	}
	if n < len(hello) {
		return core.Undecided()
	}
	return core.Confirmed().WithRevDir(p.revDir)
}

func (p *lineParser) NewState() plugin.State {
	s := &lineState{txs: applayer.NewStore[*lineTx]()}
	p.states = append(p.states, s)
	if p.iter {
		return &iterLineState{s}
	}
	return s
}

func (p *lineParser) EventID(name string) (int, bool) { return lineEvents.ID(name) }
func (p *lineParser) EventName(id int) (string, bool) { return lineEvents.Name(id) }

type lineState struct {
	txs       *applayer.Store[*lineTx]
	truncated []core.Direction
	applied   int
	freed     bool
}

func (s *lineState) Parse(input []byte, dir core.Direction) core.Result {
	off := 0
	for {
		i := bytes.IndexByte(input[off:], '\n')
		if i < 0 {
			break
		}
		line := string(input[off : off+i])
		off += i + 1
		switch line {
		case "BAD":
			return core.ResultError()
		case "PANIC":
			panic("line parser")
		case "LIE":
			return core.ResultOK(0)
		}
		tx := &lineTx{line: line}
		tx.Saw(dir)
		if line == "" {
			tx.SetEvent(lineEvents.MustID("empty_line"))
		}
		s.txs.Add(tx)
	}
	if off == len(input) {
		return core.ResultOK(off)
	}
	return core.ResultIncomplete(off, len(input)-off+1)
}

func (s *lineState) TxCount() uint64 { return s.txs.Count() }

func (s *lineState) Tx(id uint64) (applayer.Tx, bool) {
	tx, ok := s.txs.Get(id)
	if !ok {
		return nil, false
	}
	return tx, true
}

func (s *lineState) FreeTx(id uint64) { s.txs.Remove(id) }

func (s *lineState) Progress(tx applayer.Tx, dir core.Direction) int {
	if tx.Base().Seen(dir) {
		return 1
	}
	return 0
}

func (s *lineState) Describe(tx applayer.Tx) core.Labels {
	return core.Labels{"line": tx.(*lineTx).line}
}

func (s *lineState) Free() {
	s.freed = true
	s.txs.Clear()
}

func (s *lineState) Truncate(dir core.Direction) { s.truncated = append(s.truncated, dir) }

func (s *lineState) ApplyTxConfig(tx applayer.Tx, cfg applayer.TxConfig) {
	s.applied++
	tx.Base().Config = cfg
}

type iterLineState struct {
	*lineState
}

func (s *iterLineState) IterTx(minID uint64, cursor *uint64) (applayer.Tx, uint64, bool, bool) {
	tx, id, hasNext, ok := s.txs.Iterate(minID, cursor)
	if !ok {
		return nil, 0, false, false
	}
	return tx, id, hasNext, true
}

type recorder struct {
	recs []*core.TxRecord
}

func (r *recorder) emit(rec *core.TxRecord) { r.recs = append(r.recs, rec) }

func (r *recorder) lines() []string {
	out := make([]string, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Labels["line"])
	}
	return out
}

func newTestEngine(t *testing.T, opts Options, parsers ...plugin.Parser) (*Engine, *recorder) {
	t.Helper()
	reg := iplugin.NewRegistry()
	for _, p := range parsers {
		_, err := reg.Register(p)
		require.NoError(t, err)
	}
	rec := &recorder{}
	return New(reg, opts, rec.emit), rec
}

func tcpKey(src string, sport uint16, dst string, dport uint16) plugin.FlowKey {
	return plugin.FlowKey{
		SrcIP:   netip.MustParseAddr(src),
		DstIP:   netip.MustParseAddr(dst),
		SrcPort: sport,
		DstPort: dport,
		Proto:   uint8(core.IPProtoTCP),
	}
}

func udpKey(src string, sport uint16, dst string, dport uint16) plugin.FlowKey {
	k := tcpKey(src, sport, dst, dport)
	k.Proto = uint8(core.IPProtoUDP)
	return k
}
