// Package engine drives protocol parsers over the flows of captured traffic.
package engine

import (
	"fmt"
	"strconv"
	"time"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/internal/metrics"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/pkg/applayer"
	"firestige.xyz/applayer/pkg/plugin"
)

// loggedSink is the logger flag set on transactions handed to the emitter.
const loggedSink uint32 = 1 << 0

// txLogFlags is the TxConfig applied to every transaction the engine sees.
const txLogFlags uint8 = 1 << 0

// Options tune one Engine.
type Options struct {
	FlowTimeout     time.Duration
	MaxFlows        int
	MaxPendingBytes int
	// Worker labels the engine's metrics.
	Worker int
}

// Emitter receives finished transactions.
type Emitter func(rec *core.TxRecord)

// Engine tracks flows, detects their protocol and runs the parser state
// of each flow over its data. An Engine is driven by one goroutine.
type Engine struct {
	reg   *iplugin.Registry
	opts  Options
	flows *FlowTable
	emit  Emitter
	label string
	log   log.Logger
}

// New creates an engine over the parsers of reg.
func New(reg *iplugin.Registry, opts Options, emit Emitter) *Engine {
	if emit == nil {
		emit = func(*core.TxRecord) {}
	}
	label := strconv.Itoa(opts.Worker)
	return &Engine{
		reg:   reg,
		opts:  opts,
		flows: NewFlowTable(),
		emit:  emit,
		label: label,
		log:   log.GetLogger().WithField("worker", label),
	}
}

// Flows returns the flow table.
func (e *Engine) Flows() *FlowTable { return e.flows }

// lookup returns the flow of key and the direction of data sent along key,
// creating the flow if needed. It returns nil when the table is full.
func (e *Engine) lookup(key plugin.FlowKey, ts time.Time) (*Flow, core.Direction) {
	if f, ok := e.flows.Get(key); ok {
		f.LastSeen = ts
		return f, f.direction(key)
	}
	if e.opts.MaxFlows > 0 && e.flows.Count() >= e.opts.MaxFlows {
		metrics.DecodeErrorsTotal.WithLabelValues("flow_table_full").Inc()
		return nil, 0
	}
	cands := e.reg.Candidates(core.IPProto(key.Proto), key.SrcPort, key.DstPort)
	f := &Flow{
		Key:       key,
		FirstSeen: ts,
		LastSeen:  ts,
		probe: probeState{
			candidates: cands,
			rejected:   make([]bool, len(cands)),
		},
	}
	if len(cands) == 0 {
		f.Proto = core.AppProtoFailed
	}
	e.flows.Set(f)
	metrics.FlowsActive.WithLabelValues(e.label).Set(float64(e.flows.Count()))
	return f, core.ToServer
}

// Open creates the flow of key, with the sender of key as the client, if
// it is not tracked yet.
func (e *Engine) Open(key plugin.FlowKey, ts time.Time) {
	e.lookup(key, ts)
}

// HandleData processes a chunk of application data sent along key. For TCP
// the chunks of a direction must arrive in stream order.
func (e *Engine) HandleData(key plugin.FlowKey, data []byte, ts time.Time) {
	if len(data) == 0 {
		return
	}
	f, dir := e.lookup(key, ts)
	if f == nil || f.Proto == core.AppProtoFailed {
		return
	}
	d := f.dir(dir)
	if d.stopped || d.ended {
		return
	}

	stream := core.IPProto(f.Key.Proto) == core.IPProtoTCP
	if stream {
		e.setPending(d, append(d.pending, data...))
	}

	if f.Proto == core.AppProtoUnknown {
		input := data
		if stream {
			input = d.pending
		}
		var ok bool
		if dir, ok = e.probe(f, dir, input, len(data)); !ok {
			if stream && len(d.pending) > e.opts.MaxPendingBytes && e.opts.MaxPendingBytes > 0 {
				e.fail(f, "probe buffer exceeded")
			}
			return
		}
		if f.state == nil {
			e.releasePending(f)
			return
		}
		if stream {
			e.drain(f, dir)
			e.drain(f, dir.Reverse())
		} else {
			e.parseDatagram(f, dir, data)
		}
		e.collect(f, ts, false)
		return
	}

	if f.state == nil {
		e.releasePending(f)
		return
	}
	if stream {
		e.drain(f, dir)
	} else {
		e.parseDatagram(f, dir, data)
	}
	e.collect(f, ts, false)
}

// probe runs the candidate parsers over input. It returns the direction of
// input, which changes when a parser asks for the flow to be reversed, and
// whether the protocol was confirmed.
func (e *Engine) probe(f *Flow, dir core.Direction, input []byte, n int) (core.Direction, bool) {
	d := f.dir(dir)
	d.probed += n
	remaining := 0
	for i, c := range f.probe.candidates {
		if f.probe.rejected[i] {
			continue
		}
		if len(input) < int(c.Info.MinDepth) {
			remaining++
			continue
		}
		res := c.Parser.Probe(input, dir)
		metrics.ProbeVerdictsTotal.WithLabelValues(c.Name(), res.Verdict.String()).Inc()
		switch res.Verdict {
		case core.ProbeConfirmed:
			f.Proto = c.ID
			f.entry = c
			if c.Parse {
				f.state = c.Parser.NewState()
			}
			if res.RevDir.Valid() && res.RevDir != dir {
				f.reverse()
				dir = res.RevDir
			}
			f.probe = probeState{}
			e.log.Debugf("flow %s detected as %s", flowString(f.Key), c.Name())
			return dir, true
		case core.ProbeRejected:
			f.probe.rejected[i] = true
		default:
			if c.Info.MaxDepth > 0 && d.probed >= int(c.Info.MaxDepth) {
				f.probe.rejected[i] = true
				continue
			}
			remaining++
		}
	}
	if remaining == 0 {
		e.fail(f, "no parser matched")
	}
	return dir, false
}

// fail gives up on the protocol of f.
func (e *Engine) fail(f *Flow, reason string) {
	f.Proto = core.AppProtoFailed
	f.probe = probeState{}
	e.releasePending(f)
	e.log.Debugf("flow %s: %s", flowString(f.Key), reason)
}

func (e *Engine) releasePending(f *Flow) {
	for i := range f.dirs {
		e.setPending(&f.dirs[i], nil)
		f.dirs[i].needed = 0
	}
}

// setPending replaces the retained bytes of d and tracks the total.
func (e *Engine) setPending(d *flowDir, b []byte) {
	if delta := len(b) - len(d.pending); delta != 0 {
		metrics.PendingBytes.Add(float64(delta))
	}
	d.pending = b
}

// parse calls the parser state and enforces the result contract. A parser
// that panics or breaks the contract is treated as failed for the direction.
func (e *Engine) parse(f *Flow, dir core.Direction, input []byte) (res core.Result) {
	name := f.entry.Name()
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("parser %s panicked on flow %s: %v", name, flowString(f.Key), r)
			res = core.ResultError()
		}
		metrics.ParseResultsTotal.WithLabelValues(name, dir.String(), res.Status.String()).Inc()
	}()
	res = f.state.Parse(input, dir)
	if err := res.Check(len(input)); err != nil {
		e.log.WithError(err).Warnf("parser %s on flow %s", name, flowString(f.Key))
		return core.ResultError()
	}
	if res.Consumed > 0 {
		metrics.ParseBytesTotal.WithLabelValues(name, dir.String()).Add(float64(res.Consumed))
	}
	return res
}

// drain parses the retained stream bytes of a direction if enough are
// available.
func (e *Engine) drain(f *Flow, dir core.Direction) {
	d := f.dir(dir)
	if d.stopped || len(d.pending) == 0 || len(d.pending) < d.needed {
		return
	}
	input := d.pending
	res := e.parse(f, dir, input)
	switch res.Status {
	case core.StatusOK:
		e.setPending(d, nil)
		d.needed = 0
	case core.StatusIncomplete:
		rest := append([]byte(nil), input[res.Consumed:]...)
		e.setPending(d, rest)
		d.needed = int(res.Needed)
		if e.opts.MaxPendingBytes > 0 && len(rest) > e.opts.MaxPendingBytes {
			e.log.Debugf("flow %s %s: %v (%d bytes)", flowString(f.Key), dir, core.ErrReassemblyOverflow, len(rest))
			e.stop(f, dir)
		}
	default:
		e.stop(f, dir)
	}
}

// parseDatagram parses one datagram. Datagrams are never retained.
func (e *Engine) parseDatagram(f *Flow, dir core.Direction, data []byte) {
	d := f.dir(dir)
	if d.stopped {
		return
	}
	res := e.parse(f, dir, data)
	switch res.Status {
	case core.StatusIncomplete:
		e.log.Debugf("flow %s %s: truncated datagram of %d bytes", flowString(f.Key), dir, len(data))
	case core.StatusError:
		e.stop(f, dir)
	}
}

// stop ends parsing of a direction.
func (e *Engine) stop(f *Flow, dir core.Direction) {
	d := f.dir(dir)
	d.stopped = true
	e.setPending(d, nil)
	d.needed = 0
}

// HandleGap reports missing stream data in the direction sent along key.
// Parsers that do not accept gaps stop parsing the direction.
func (e *Engine) HandleGap(key plugin.FlowKey, ts time.Time) {
	f, ok := e.flows.Get(key)
	if !ok {
		return
	}
	f.LastSeen = ts
	dir := f.direction(key)
	d := f.dir(dir)
	if f.Proto == core.AppProtoUnknown {
		e.fail(f, "gap while probing")
		return
	}
	if f.state == nil {
		return
	}
	if f.entry.Info.Flags.Has(plugin.FlagAcceptGaps) {
		e.setPending(d, nil)
		d.needed = 0
		return
	}
	e.stop(f, dir)
}

// EndStream marks the direction sent along key as finished. The flow is
// finished once both directions ended.
func (e *Engine) EndStream(key plugin.FlowKey, ts time.Time) {
	f, ok := e.flows.Get(key)
	if !ok {
		return
	}
	dir := f.direction(key)
	d := f.dir(dir)
	d.ended = true
	if f.state != nil && len(d.pending) > 0 {
		e.truncate(f, dir)
		e.collect(f, ts, false)
	}
	if f.dirs[0].ended && f.dirs[1].ended {
		e.finish(f, ts, "closed")
	}
}

// truncate tells the state that a direction ended with unparsed data.
func (e *Engine) truncate(f *Flow, dir core.Direction) {
	d := f.dir(dir)
	if len(d.pending) == 0 {
		return
	}
	if t, ok := f.state.(plugin.Truncater); ok {
		t.Truncate(dir)
	}
	e.setPending(d, nil)
	d.needed = 0
}

// finish reports the remaining transactions of f, frees its state and
// removes it from the table.
func (e *Engine) finish(f *Flow, ts time.Time, reason string) {
	if f.state != nil {
		e.truncate(f, core.ToServer)
		e.truncate(f, core.ToClient)
		e.collect(f, ts, true)
		f.state.Free()
		f.state = nil
	}
	e.releasePending(f)
	e.flows.Delete(f.Key)
	metrics.FlowsExpiredTotal.WithLabelValues(reason).Inc()
	metrics.FlowsActive.WithLabelValues(e.label).Set(float64(e.flows.Count()))
}

// Expire finishes the flows idle for longer than the flow timeout at now
// and returns how many were removed.
func (e *Engine) Expire(now time.Time) int {
	if e.opts.FlowTimeout <= 0 {
		return 0
	}
	var idle []*Flow
	e.flows.Range(func(f *Flow) bool {
		if now.Sub(f.LastSeen) > e.opts.FlowTimeout {
			idle = append(idle, f)
		}
		return true
	})
	for _, f := range idle {
		e.finish(f, now, "timeout")
	}
	return len(idle)
}

// Close finishes every flow.
func (e *Engine) Close(now time.Time) {
	var all []*Flow
	e.flows.Range(func(f *Flow) bool {
		all = append(all, f)
		return true
	})
	for _, f := range all {
		e.finish(f, now, "shutdown")
	}
}

// collect emits and frees the transactions of f that reached completion,
// or all of them when force is set.
func (e *Engine) collect(f *Flow, ts time.Time, force bool) {
	if f.state == nil {
		return
	}
	visit := func(tx applayer.Tx, id uint64) {
		if a, ok := f.state.(plugin.TxConfigApplier); ok && tx.Base().Config.LogFlags() == 0 {
			var cfg applayer.TxConfig
			cfg.SetLogFlags(txLogFlags)
			a.ApplyTxConfig(tx, cfg)
		}
		complete := e.complete(f, tx)
		if !complete && !force {
			return
		}
		e.report(f, tx, id, complete, ts)
		f.state.FreeTx(id)
		metrics.TransactionsTotal.WithLabelValues(f.entry.Name(), "freed").Inc()
	}

	if it, ok := f.state.(plugin.TxIterator); ok {
		var cursor uint64
		for {
			tx, id, hasNext, ok := it.IterTx(0, &cursor)
			if !ok {
				break
			}
			cursor++
			visit(tx, id)
			if !hasNext {
				break
			}
		}
		return
	}

	count := f.state.TxCount()
	advance := true
	for id := f.txBase; id < count; id++ {
		tx, ok := f.state.Tx(id)
		if !ok {
			if advance {
				f.txBase = id + 1
			}
			continue
		}
		visit(tx, id)
		if _, live := f.state.Tx(id); live {
			advance = false
		} else if advance {
			f.txBase = id + 1
		}
	}
}

// complete reports whether tx reached the completion threshold. A
// transaction of a protocol with unidirectional transactions is complete
// once either direction is.
func (e *Engine) complete(f *Flow, tx applayer.Tx) bool {
	info := f.entry.Info
	ts := f.state.Progress(tx, core.ToServer) >= info.CompletionToServer
	tc := f.state.Progress(tx, core.ToClient) >= info.CompletionToClient
	if info.Flags.Has(plugin.FlagUnidirTxs) {
		return ts || tc
	}
	return ts && tc
}

func (e *Engine) report(f *Flow, tx applayer.Tx, id uint64, complete bool, ts time.Time) {
	td := tx.Base()
	name := f.entry.Name()
	rec := &core.TxRecord{
		Timestamp: ts,
		SrcIP:     f.Key.SrcIP,
		DstIP:     f.Key.DstIP,
		SrcPort:   f.Key.SrcPort,
		DstPort:   f.Key.DstPort,
		Protocol:  f.Key.Proto,
		AppProto:  name,
		TxID:      id,
		Direction: td.Directions(),
		Complete:  complete,
		Labels:    f.state.Describe(tx),
	}
	for _, eid := range td.Events().IDs() {
		ev, ok := f.entry.Parser.EventName(eid)
		if !ok {
			continue
		}
		rec.Events = append(rec.Events, ev)
		metrics.EventsTotal.WithLabelValues(name, ev).Inc()
	}
	td.Logged.Set(loggedSink)
	metrics.TransactionsTotal.WithLabelValues(name, "reported").Inc()
	e.emit(rec)
}

func flowString(k plugin.FlowKey) string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", core.IPProto(k.Proto), k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}
