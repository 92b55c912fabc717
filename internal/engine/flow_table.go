package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/applayer/internal/core"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/pkg/plugin"
)

// Flow is the application layer state of one network flow.
type Flow struct {
	// Key is oriented client to server: data sent by Key.SrcIP:SrcPort is
	// ToServer.
	Key       plugin.FlowKey
	Proto     core.AppProto
	FirstSeen time.Time
	LastSeen  time.Time

	entry  iplugin.Entry
	state  plugin.State
	dirs   [2]flowDir
	probe  probeState
	txBase uint64 // ids below are freed, for states without an iterator
}

// flowDir is the per-direction stream state.
type flowDir struct {
	pending []byte // unconsumed bytes retained for the next parse
	needed  int    // parse again once pending holds this many bytes
	probed  int    // bytes seen while the protocol was unknown
	stopped bool   // parser error or unaccepted gap
	ended   bool
}

type probeState struct {
	candidates []iplugin.Entry
	rejected   []bool
}

func dirIndex(d core.Direction) int {
	if d == core.ToClient {
		return 1
	}
	return 0
}

func (f *Flow) dir(d core.Direction) *flowDir { return &f.dirs[dirIndex(d)] }

// direction returns the direction of data sent along key.
func (f *Flow) direction(key plugin.FlowKey) core.Direction {
	if key == f.Key {
		return core.ToServer
	}
	return core.ToClient
}

// reverse swaps the client and server of the flow.
func (f *Flow) reverse() {
	f.Key = f.Key.Reverse()
	f.dirs[0], f.dirs[1] = f.dirs[1], f.dirs[0]
}

// ProtoName returns the detected protocol name, "" while unknown.
func (f *Flow) ProtoName() string { return f.entry.Name() }

// FlowTable holds the flows of one worker keyed by canonical 5-tuple.
// Lookups from other goroutines, such as stats, are safe.
type FlowTable struct {
	data  sync.Map // map[plugin.FlowKey]*Flow
	count atomic.Int64
}

func NewFlowTable() *FlowTable {
	return &FlowTable{}
}

// Get retrieves the flow of key in either orientation.
func (t *FlowTable) Get(key plugin.FlowKey) (*Flow, bool) {
	c, _ := key.Canonical()
	v, ok := t.data.Load(c)
	if !ok {
		return nil, false
	}
	return v.(*Flow), true
}

// Set stores f under its key. Overwrites an existing flow.
func (t *FlowTable) Set(f *Flow) {
	c, _ := f.Key.Canonical()
	if _, loaded := t.data.Swap(c, f); !loaded {
		t.count.Add(1)
	}
}

// Delete removes the flow of key.
func (t *FlowTable) Delete(key plugin.FlowKey) {
	c, _ := key.Canonical()
	if _, loaded := t.data.LoadAndDelete(c); loaded {
		t.count.Add(-1)
	}
}

// Range iterates over all flows.
// f should return true to continue iteration or false to stop.
func (t *FlowTable) Range(f func(flow *Flow) bool) {
	t.data.Range(func(_, v any) bool {
		return f(v.(*Flow))
	})
}

// Count returns the number of flows.
func (t *FlowTable) Count() int {
	return int(t.count.Load())
}

// Clear removes all flows.
func (t *FlowTable) Clear() {
	t.data.Range(func(key, _ any) bool {
		if _, loaded := t.data.LoadAndDelete(key); loaded {
			t.count.Add(-1)
		}
		return true
	})
}
