package engine

import (
	"testing"

	"firestige.xyz/applayer/internal/core"
)

func TestFlowTable(t *testing.T) {
	table := NewFlowTable()

	if _, ok := table.Get(client); ok {
		t.Error("Expected Get to return false on empty table")
	}

	f1 := &Flow{Key: client}
	table.Set(f1)

	if got, ok := table.Get(client); !ok || got != f1 {
		t.Errorf("Expected flow %p, got %p (%v)", f1, got, ok)
	}
	// either orientation finds the flow
	if got, ok := table.Get(client.Reverse()); !ok || got != f1 {
		t.Error("Expected Get of the reverse key to find the flow")
	}

	f2 := &Flow{Key: tcpKey("10.0.0.3", 80, "10.0.0.4", 8080)}
	table.Set(f2)
	if table.Count() != 2 {
		t.Errorf("Expected count 2, got %d", table.Count())
	}

	// overwrite keeps the count
	table.Set(&Flow{Key: client.Reverse()})
	if table.Count() != 2 {
		t.Errorf("Expected count 2 after overwrite, got %d", table.Count())
	}

	table.Delete(client)
	if _, ok := table.Get(client); ok {
		t.Error("Expected Get to return false after Delete")
	}
	if table.Count() != 1 {
		t.Errorf("Expected count 1 after delete, got %d", table.Count())
	}

	table.Delete(client)
	if table.Count() != 1 {
		t.Errorf("Expected count 1 after deleting a missing flow, got %d", table.Count())
	}
}

func TestFlowTableRangeAndClear(t *testing.T) {
	table := NewFlowTable()
	for i := uint16(0); i < 10; i++ {
		table.Set(&Flow{Key: tcpKey("10.0.0.1", 40000+i, "10.0.0.2", 7000)})
	}

	seen := 0
	table.Range(func(*Flow) bool {
		seen++
		return true
	})
	if seen != 10 {
		t.Errorf("Expected Range to visit 10 flows, got %d", seen)
	}

	seen = 0
	table.Range(func(*Flow) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Errorf("Expected Range to stop after 3 flows, got %d", seen)
	}

	table.Clear()
	if table.Count() != 0 {
		t.Errorf("Expected count 0 after Clear, got %d", table.Count())
	}
}

func TestFlowReverse(t *testing.T) {
	f := &Flow{Key: client}
	f.dir(core.ToServer).pending = []byte("a")

	f.reverse()
	if f.Key != client.Reverse() {
		t.Errorf("Expected key %v, got %v", client.Reverse(), f.Key)
	}
	if string(f.dirs[1].pending) != "a" {
		t.Error("Expected direction state to move with the key")
	}
	if d := f.direction(client); d != core.ToClient {
		t.Errorf("Expected data along the old key to be toclient, got %v", d)
	}
}
