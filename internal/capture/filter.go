// Package capture provides the packet sources of the engine.
package capture

import (
	"fmt"
	"slices"

	"golang.org/x/net/bpf"
)

// AFPacketSourceName is the name of the live capture source.
const AFPacketSourceName = "afpacket"

// PortFilter is a classic BPF program over Ethernet frames that accepts
// TCP and UDP packets with a source or destination port in a set. Non-first
// IPv4 fragments are accepted since they carry no ports.
type PortFilter struct {
	ports   []uint16
	program []bpf.Instruction
	vm      *bpf.VM
}

// NewPortFilter compiles the filter for ports. snapLen is the number of
// bytes of an accepted frame to keep.
func NewPortFilter(ports []uint16, snapLen int) (*PortFilter, error) {
	ports = slices.Clone(ports)
	slices.Sort(ports)
	ports = slices.Compact(ports)
	if len(ports) == 0 {
		return nil, fmt.Errorf("port filter without ports")
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	prog, err := portProgram(ports, uint32(snapLen))
	if err != nil {
		return nil, err
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("invalid port filter: %w", err)
	}
	return &PortFilter{ports: ports, program: prog, vm: vm}, nil
}

// Ports returns the sorted ports of the filter.
func (f *PortFilter) Ports() []uint16 { return slices.Clone(f.ports) }

// Instructions returns the program.
func (f *PortFilter) Instructions() []bpf.Instruction { return f.program }

// Raw assembles the program for a socket filter.
func (f *PortFilter) Raw() ([]bpf.RawInstruction, error) {
	return bpf.Assemble(f.program)
}

// Match runs the program over frame.
func (f *PortFilter) Match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

const (
	labelAccept = "accept"
	labelDrop   = "drop"
	labelIPv6   = "ipv6"
	labelFrag4  = "frag4"
	labelPorts6 = "ports6"
)

// asm assembles a program with symbolic jump targets.
type asm struct {
	insns  []bpf.Instruction
	labels map[string]int
	jumps  []jump
}

type jump struct {
	at      int
	onTrue  string // "" falls through
	onFalse string
	always  bool
}

func (a *asm) emit(i bpf.Instruction) { a.insns = append(a.insns, i) }

func (a *asm) label(name string) { a.labels[name] = len(a.insns) }

func (a *asm) jumpIf(cond bpf.JumpTest, val uint32, onTrue, onFalse string) {
	a.jumps = append(a.jumps, jump{at: len(a.insns), onTrue: onTrue, onFalse: onFalse})
	a.emit(bpf.JumpIf{Cond: cond, Val: val})
}

func (a *asm) jumpTo(target string) {
	a.jumps = append(a.jumps, jump{at: len(a.insns), onTrue: target, always: true})
	a.emit(bpf.Jump{})
}

func (a *asm) skip(from int, target string) (int, error) {
	if target == "" {
		return 0, nil
	}
	to, ok := a.labels[target]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", target)
	}
	return to - from - 1, nil
}

func (a *asm) resolve() ([]bpf.Instruction, error) {
	for _, j := range a.jumps {
		t, err := a.skip(j.at, j.onTrue)
		if err != nil {
			return nil, err
		}
		if j.always {
			a.insns[j.at] = bpf.Jump{Skip: uint32(t)}
			continue
		}
		f, err := a.skip(j.at, j.onFalse)
		if err != nil {
			return nil, err
		}
		if t > 255 || f > 255 {
			return nil, fmt.Errorf("port filter too large")
		}
		ji := a.insns[j.at].(bpf.JumpIf)
		ji.SkipTrue, ji.SkipFalse = uint8(t), uint8(f)
		a.insns[j.at] = ji
	}
	return a.insns, nil
}

func (a *asm) matchPorts(ports []uint16) {
	for _, p := range ports {
		a.jumpIf(bpf.JumpEqual, uint32(p), labelAccept, "")
	}
}

func portProgram(ports []uint16, snapLen uint32) ([]bpf.Instruction, error) {
	a := &asm{labels: make(map[string]int)}

	a.emit(bpf.LoadAbsolute{Off: 12, Size: 2}) // ethertype
	a.jumpIf(bpf.JumpEqual, 0x0800, "", labelIPv6)

	// IPv4
	a.emit(bpf.LoadAbsolute{Off: 23, Size: 1}) // protocol
	a.jumpIf(bpf.JumpEqual, 6, labelFrag4, "")
	a.jumpIf(bpf.JumpEqual, 17, "", labelDrop)
	a.label(labelFrag4)
	a.emit(bpf.LoadAbsolute{Off: 20, Size: 2}) // flags and fragment offset
	a.jumpIf(bpf.JumpBitsSet, 0x1fff, labelAccept, "")
	a.emit(bpf.LoadMemShift{Off: 14}) // X = IPv4 header length
	a.emit(bpf.LoadIndirect{Off: 14, Size: 2})
	a.matchPorts(ports)
	a.emit(bpf.LoadIndirect{Off: 16, Size: 2})
	a.matchPorts(ports)
	a.jumpTo(labelDrop)

	// IPv6 without extension headers
	a.label(labelIPv6)
	a.jumpIf(bpf.JumpEqual, 0x86dd, "", labelDrop)
	a.emit(bpf.LoadAbsolute{Off: 20, Size: 1}) // next header
	a.jumpIf(bpf.JumpEqual, 6, labelPorts6, "")
	a.jumpIf(bpf.JumpEqual, 17, "", labelDrop)
	a.label(labelPorts6)
	a.emit(bpf.LoadAbsolute{Off: 54, Size: 2})
	a.matchPorts(ports)
	a.emit(bpf.LoadAbsolute{Off: 56, Size: 2})
	a.matchPorts(ports)

	a.label(labelDrop)
	a.emit(bpf.RetConstant{Val: 0})
	a.label(labelAccept)
	a.emit(bpf.RetConstant{Val: snapLen})

	return a.resolve()
}
