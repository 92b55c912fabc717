package engine

import (
	"testing"
)

func TestFlowHashSymmetric(t *testing.T) {
	if FlowHash(client) != FlowHash(client.Reverse()) {
		t.Error("Expected both directions of a flow to hash alike")
	}
	other := tcpKey("10.0.0.1", 40001, "10.0.0.2", 7000)
	if FlowHash(client) == FlowHash(other) {
		t.Error("Expected different flows to hash apart")
	}
	udp := udpKey("10.0.0.1", 40000, "10.0.0.2", 7000)
	if FlowHash(client) == FlowHash(udp) {
		t.Error("Expected the transport to be part of the hash")
	}
}

func TestShard(t *testing.T) {
	const workers = 4
	first := Shard(client, workers)
	for i := 0; i < 100; i++ {
		if got := Shard(client.Reverse(), workers); got != first {
			t.Fatalf("Shard not consistent: first=%d, got=%d at iteration %d", first, got, i)
		}
	}

	counts := make([]int, workers)
	for port := uint16(1024); port < 2048; port++ {
		idx := Shard(tcpKey("192.168.1.1", port, "10.0.0.1", 1883), workers)
		if idx < 0 || idx >= workers {
			t.Fatalf("Shard returned out-of-range index: %d", idx)
		}
		counts[idx]++
	}
	for i, c := range counts {
		if c == 0 {
			t.Errorf("worker %d received no flows", i)
		}
	}

	if Shard(client, 1) != 0 {
		t.Error("Expected a single worker to get every flow")
	}
}
