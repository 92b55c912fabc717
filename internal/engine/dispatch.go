package engine

import (
	"encoding/binary"
	"hash/fnv"

	"firestige.xyz/applayer/pkg/plugin"
)

// FlowHash returns the FNV-1a hash of the canonical 5-tuple of key, so both
// directions of a flow hash alike.
func FlowHash(key plugin.FlowKey) uint32 {
	c, _ := key.Canonical()
	h := fnv.New32a()
	src := c.SrcIP.As16()
	dst := c.DstIP.As16()
	h.Write(src[:])
	h.Write(dst[:])
	var b [5]byte
	binary.BigEndian.PutUint16(b[0:2], c.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], c.DstPort)
	b[4] = c.Proto
	h.Write(b[:])
	return h.Sum32()
}

// Shard returns the worker index (0-based) for key.
// workers must be > 0.
func Shard(key plugin.FlowKey, workers int) int {
	return int(FlowHash(key) % uint32(workers))
}
