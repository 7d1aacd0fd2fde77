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

// Package flow implements L3 dispatch: deciding, for a just-parsed IPv4
// header, which core owns the packet, and — when that core is not the
// one currently running — handing it across via the reactor's
// message-passing primitive instead of ever touching another core's
// state directly.
package flow

import (
	"encoding/binary"

	"shardnet/pkg/l4"
	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
	"shardnet/pkg/toeplitz"
)

// Dispatcher computes owning cores for received IPv4 datagrams. It holds
// no per-packet state and is safe to share read-only across every core,
// since the registry it wraps is written only at startup.
type Dispatcher struct {
	registry *l4.Registry
	numCores int
}

// NewDispatcher builds a Dispatcher over registry, reducing every hash
// to one of numCores cores.
func NewDispatcher(registry *l4.Registry, numCores int) *Dispatcher {
	return &Dispatcher{registry: registry, numCores: numCores}
}

// OwningCore computes the core that should process pkt, whose front is
// ipHdr's bytes. l4Offset is where the transport header begins, needed
// only when a handler is consulted for an atomic datagram.
//
// An atomic datagram (MF=0, fragment offset 0) with a registered handler
// asks that handler to hash the full flow tuple. Anything else — a
// fragment, or a datagram whose protocol has no handler — is steered by
// hashing the fragment-key (src_ip, dst_ip, id, protocol) alone, so that
// every fragment of the same datagram lands on the same core.
func (d *Dispatcher) OwningCore(pkt *packet.Buffer, ipHdr header.IPv4, l4Offset int) int {
	src, dst := ipHdr.SourceAddress(), ipHdr.DestinationAddress()

	if !ipHdr.More() && ipHdr.FragmentOffset() == 0 {
		if h, ok := d.registry.Lookup(ipHdr.Protocol()); ok {
			return h.Forward(pkt, l4Offset, src, dst)
		}
	}
	return FragmentKeyCore(src, dst, ipHdr.ID(), ipHdr.Protocol(), d.numCores)
}

// FragmentKeyCore reduces the fragment-key (src_ip, dst_ip, id,
// protocol) to a core index using the same Toeplitz hash the hardware
// RSS function uses, so a fragment's steering is as deterministic as an
// atomic datagram's. Exposed standalone so it can be computed (and
// tested) without constructing a Dispatcher.
func FragmentKeyCore(src, dst tcpip.Address, id uint16, protocol uint8, numCores int) int {
	if numCores <= 0 {
		return 0
	}
	var key [4 + 4 + 2 + 1]byte
	copy(key[0:4], src)
	copy(key[4:8], dst)
	binary.BigEndian.PutUint16(key[8:10], id)
	key[10] = protocol
	return int(toeplitz.Hash(key[:]) % uint32(numCores))
}

// Forward delivers pkt to the core that owns it. If owner is the core
// currently running (current), it calls deliver inline. Otherwise, it
// first retargets pkt's release hook to run on current — so that a
// driver-owned buffer always returns to its own core's pool even though
// the packet is about to be processed elsewhere — and then submits
// delivery as a task on owner's queue.
func Forward(pkt *packet.Buffer, current, owner int, submit func(core int, task func()), deliver func(*packet.Buffer)) {
	if owner == current {
		deliver(pkt)
		return
	}
	pkt.FreeOnCore(current, submit)
	submit(owner, func() {
		deliver(pkt)
	})
}
