package applayer

import "fmt"

// EventTable maps a protocol's event names to small integer ids and back.
// Ids are positions in the list the table was built from.
type EventTable struct {
	proto string
	names []string
	ids   map[string]int
}

// NewEventTable builds a table from an ordered list of snake_case names.
// It panics on a duplicate name; tables are built once at package init.
func NewEventTable(proto string, names ...string) *EventTable {
	t := &EventTable{
		proto: proto,
		names: append([]string(nil), names...),
		ids:   make(map[string]int, len(names)),
	}
	for i, n := range names {
		if _, dup := t.ids[n]; dup {
			panic(fmt.Sprintf("applayer: duplicate event %q in %s table", n, proto))
		}
		t.ids[n] = i
	}
	return t
}

// ID returns the id of name.
func (t *EventTable) ID(name string) (int, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// MustID is ID for names known at compile time.
func (t *EventTable) MustID(name string) int {
	id, ok := t.ids[name]
	if !ok {
		panic(fmt.Sprintf("applayer: unknown %s event %q", t.proto, name))
	}
	return id
}

// Name returns the name of id.
func (t *EventTable) Name(id int) (string, bool) {
	if id < 0 || id >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

func (t *EventTable) Len() int { return len(t.names) }

// Names returns the event names in id order.
func (t *EventTable) Names() []string { return append([]string(nil), t.names...) }

// EventSet is the ordered list of events raised on one transaction.
type EventSet struct {
	ids []int
}

func (s *EventSet) Add(id int) { s.ids = append(s.ids, id) }
func (s *EventSet) Len() int   { return len(s.ids) }

// IDs returns the raised ids in order.
func (s *EventSet) IDs() []int { return append([]int(nil), s.ids...) }

func (s *EventSet) Has(id int) bool {
	for _, v := range s.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Names resolves the ids through t. Unknown ids are skipped.
func (s *EventSet) Names(t *EventTable) []string {
	out := make([]string, 0, len(s.ids))
	for _, id := range s.ids {
		if n, ok := t.Name(id); ok {
			out = append(out, n)
		}
	}
	return out
}
