// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filter implements the optional packet filter hook consulted by
// the IPv4 engine before its local-delivery check. Each Rule compiles to
// a tiny classic-BPF program run on golang.org/x/net/bpf's pure-Go
// virtual machine against the IPv4 header the engine has already parsed
// — no kernel socket filter attachment, no cgo.
package filter

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/bpf"

	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
)

// Action is what a Filter does with a packet that matches one of its
// rules.
type Action int

const (
	// Drop discards a packet that matches any rule; non-matching packets
	// continue through the stack unchanged. A Drop Filter is a blocklist.
	Drop Action = iota
	// Accept lets a packet that matches any rule continue through the
	// stack; a packet matching no rule is discarded. An Accept Filter is
	// an allowlist.
	Accept
)

// Rule is one classifier condition, given in terms a caller writes by
// hand rather than as raw BPF. A zero Protocol matches any protocol; a
// zero Mask matches any source address. At least one of the two must be
// set — New rejects an empty Rule with an error.
type Rule struct {
	Protocol uint8
	Net      tcpip.Address
	Mask     tcpip.Address
}

const (
	protoOff = 9
	srcOff   = 12
)

// compiledRule holds a rule's tiny standalone program, loaded into its
// own VM.
type compiledRule struct {
	vm *bpf.VM
}

// matches runs the rule's program against an IPv4 header (and whatever
// follows it) and reports whether it accepted the packet. vm.Run returns
// the program's return value; the programs New builds return 1 on a
// match and 0 otherwise, so > 0 is enough to read as a match.
func (c *compiledRule) matches(data []byte) bool {
	n, err := c.vm.Run(data)
	return err == nil && n > 0
}

// Filter is a compiled list of Rules plus the Action taken when any rule
// matches.
type Filter struct {
	rules  []*compiledRule
	action Action
}

// New compiles rules into a Filter that applies action whenever any one
// of them matches an inbound datagram's header.
func New(rules []Rule, action Action) (*Filter, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("filter: at least one rule is required")
	}
	f := &Filter{action: action}
	for i, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("filter: rule %d: %w", i, err)
		}
		f.rules = append(f.rules, c)
	}
	return f, nil
}

// compile builds the 4-, 5-, or 7-instruction classic-BPF program for one
// rule. Every shape ends the same way: a JumpIf whose SkipFalse lands
// exactly on the trailing RetConstant{0}, and whose fall-through (the
// immediately following instruction) is RetConstant{1}.
func compile(r Rule) (*compiledRule, error) {
	hasProto := r.Protocol != 0
	hasNet := len(r.Mask) == 4 && binary.BigEndian.Uint32([]byte(r.Mask)) != 0
	if !hasProto && !hasNet {
		return nil, fmt.Errorf("rule matches nothing: need Protocol or Net/Mask")
	}

	var insns []bpf.Instruction
	switch {
	case hasProto && hasNet:
		insns = []bpf.Instruction{
			bpf.LoadAbsolute{Off: protoOff, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(r.Protocol), SkipFalse: 4},
			bpf.LoadAbsolute{Off: srcOff, Size: 4},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: binary.BigEndian.Uint32([]byte(r.Mask))},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: netValue(r), SkipFalse: 1},
			bpf.RetConstant{Val: 1},
			bpf.RetConstant{Val: 0},
		}
	case hasProto:
		insns = []bpf.Instruction{
			bpf.LoadAbsolute{Off: protoOff, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(r.Protocol), SkipFalse: 1},
			bpf.RetConstant{Val: 1},
			bpf.RetConstant{Val: 0},
		}
	default:
		insns = []bpf.Instruction{
			bpf.LoadAbsolute{Off: srcOff, Size: 4},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: binary.BigEndian.Uint32([]byte(r.Mask))},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: netValue(r), SkipFalse: 1},
			bpf.RetConstant{Val: 1},
			bpf.RetConstant{Val: 0},
		}
	}

	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, err
	}
	return &compiledRule{vm: vm}, nil
}

// netValue returns the rule's network address pre-masked, so the
// compiled program can compare it directly against the masked source
// address without a second AND.
func netValue(r Rule) uint32 {
	if len(r.Net) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32([]byte(r.Net)) & binary.BigEndian.Uint32([]byte(r.Mask))
}

// Filter implements the ipv4.Filter interface. It runs every compiled
// rule against the IPv4 header bytes pkt currently carries at its front
// and applies f.action on the first match.
func (f *Filter) Filter(pkt *packet.Buffer, ipHdr header.IPv4) (bool, *tcpip.Error) {
	data := []byte(ipHdr)
	matched := false
	for _, r := range f.rules {
		if r.matches(data) {
			matched = true
			break
		}
	}
	switch f.action {
	case Drop:
		return matched, nil
	default: // Accept
		return !matched, nil
	}
}
