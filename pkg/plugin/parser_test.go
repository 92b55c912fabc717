package plugin

import (
	"net/netip"
	"testing"
)

func TestFlowKeyCanonical(t *testing.T) {
	a := FlowKey{
		SrcIP:   netip.MustParseAddr("10.0.0.2"),
		DstIP:   netip.MustParseAddr("10.0.0.1"),
		SrcPort: 40000,
		DstPort: 88,
		Proto:   6,
	}
	ca, swappedA := a.Canonical()
	cb, swappedB := a.Reverse().Canonical()
	if ca != cb {
		t.Fatalf("both directions must map to one key: %v != %v", ca, cb)
	}
	if swappedA == swappedB {
		t.Errorf("exactly one direction is swapped")
	}

	same := FlowKey{SrcIP: a.SrcIP, DstIP: a.SrcIP, SrcPort: 1, DstPort: 2, Proto: 17}
	if c, swapped := same.Canonical(); swapped || c != same {
		t.Errorf("lower port first on equal addresses, got %v", c)
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagUnidirTxs
	if !f.Has(FlagUnidirTxs) || f.Has(FlagAcceptGaps) {
		t.Errorf("unexpected flags %b", f)
	}
}
