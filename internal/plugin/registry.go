// Package plugin holds the registry of protocol parsers.
package plugin

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

// Entry is a parser registered for one transport.
type Entry struct {
	ID     core.AppProto
	Parser plugin.Parser
	Info   plugin.ParserInfo
	Ports  []uint16

	// Detect enables probing for the parser, Parse enables parsing of flows
	// it was detected on.
	Detect bool
	Parse  bool
}

// Name is the protocol name of the entry.
func (e Entry) Name() string { return e.Info.Name }

// HasPort reports whether port is one of the entry's ports.
func (e Entry) HasPort(port uint16) bool { return slices.Contains(e.Ports, port) }

type entryKey struct {
	name  string
	proto core.IPProto
}

// Registry maps protocol names to parsers and AppProto ids.
//
// Ids are assigned 1..n in the order names are first registered. The
// transports of one protocol, such as Kerberos over UDP and TCP, share the
// protocol's id.
type Registry struct {
	mu      sync.RWMutex
	ids     map[string]core.AppProto
	names   []string
	aliases map[string]string
	entries map[entryKey]*Entry
	order   []*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		ids:     make(map[string]core.AppProto),
		aliases: make(map[string]string),
		entries: make(map[entryKey]*Entry),
	}
}

// Register adds p for its transport with detection and parsing enabled and
// returns the protocol id.
func (r *Registry) Register(p plugin.Parser) (core.AppProto, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return core.AppProtoUnknown, fmt.Errorf("%w: parser without a name", core.ErrConfigInvalid)
	}
	if info.Transport != core.IPProtoTCP && info.Transport != core.IPProtoUDP {
		return core.AppProtoUnknown, fmt.Errorf("%w: parser '%s' transport %d", core.ErrUnsupportedProto, info.Name, info.Transport)
	}
	k := entryKey{info.Name, info.Transport}
	if _, exists := r.entries[k]; exists {
		return core.AppProtoUnknown, fmt.Errorf("%w: '%s' over %s", core.ErrParserExists, info.Name, info.Transport)
	}
	if owner, ok := r.aliases[info.Name]; ok {
		return core.AppProtoUnknown, fmt.Errorf("%w: '%s' is an alias of '%s'", core.ErrParserExists, info.Name, owner)
	}
	for _, a := range info.Aliases {
		if owner, ok := r.aliases[a]; ok && owner != info.Name {
			return core.AppProtoUnknown, fmt.Errorf("%w: alias '%s' belongs to '%s'", core.ErrParserExists, a, owner)
		}
		if _, ok := r.ids[a]; ok {
			return core.AppProtoUnknown, fmt.Errorf("%w: alias '%s' is a protocol name", core.ErrParserExists, a)
		}
	}

	id, ok := r.ids[info.Name]
	if !ok {
		r.names = append(r.names, info.Name)
		id = core.AppProto(len(r.names))
		r.ids[info.Name] = id
	}
	for _, a := range info.Aliases {
		r.aliases[a] = info.Name
	}
	e := &Entry{
		ID:     id,
		Parser: p,
		Info:   info,
		Ports:  slices.Clone(info.DefaultPorts),
		Detect: true,
		Parse:  true,
	}
	r.entries[k] = e
	r.order = append(r.order, e)
	return id, nil
}

// resolve maps an alias to its protocol name.
func (r *Registry) resolve(name string) string {
	if n, ok := r.aliases[name]; ok {
		return n
	}
	return name
}

// ID returns the id of a protocol name or alias.
func (r *Registry) ID(name string) (core.AppProto, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[r.resolve(name)]
	return id, ok
}

// Name returns the protocol name of id.
func (r *Registry) Name(id core.AppProto) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == core.AppProtoUnknown || int(id) > len(r.names) {
		return "", false
	}
	return r.names[id-1], true
}

// Get returns the entry of a protocol name or alias on a transport.
func (r *Registry) Get(name string, proto core.IPProto) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entryKey{r.resolve(name), proto}]
	if !ok {
		return Entry{}, fmt.Errorf("%w: '%s' over %s", core.ErrParserNotFound, name, proto)
	}
	return *e, nil
}

// Lookup returns the entry of id on a transport.
func (r *Registry) Lookup(id core.AppProto, proto core.IPProto) (Entry, bool) {
	name, ok := r.Name(id)
	if !ok {
		return Entry{}, false
	}
	e, err := r.Get(name, proto)
	return e, err == nil
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.order))
	for i, e := range r.order {
		out[i] = *e
	}
	return out
}

// Names returns the registered protocol names in id order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}

// Candidates returns the parsers to probe a flow with, in preference
// order: those whose ports match the destination port, then the source
// port, then the rest. Parsers with detection disabled are left out.
func (r *Registry) Candidates(proto core.IPProto, srcPort, dstPort uint16) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type ranked struct {
		e    Entry
		rank int
	}
	var out []ranked
	for _, e := range r.order {
		if e.Info.Transport != proto || !e.Detect {
			continue
		}
		rank := 2
		switch {
		case e.HasPort(dstPort):
			rank = 0
		case e.HasPort(srcPort):
			rank = 1
		}
		out = append(out, ranked{*e, rank})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank < out[j].rank })
	entries := make([]Entry, len(out))
	for i := range out {
		entries[i] = out[i].e
	}
	return entries
}

// Configure sets the switches and ports of a protocol on every transport
// it is registered for. Nil ports keep the current ones.
func (r *Registry) Configure(name string, detect, parse bool, ports []uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = r.resolve(name)
	found := false
	for _, e := range r.order {
		if e.Info.Name != name {
			continue
		}
		found = true
		e.Detect = detect
		e.Parse = parse
		if ports != nil {
			e.Ports = slices.Clone(ports)
		}
	}
	if !found {
		return fmt.Errorf("%w: '%s'", core.ErrParserNotFound, name)
	}
	return nil
}
