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

// Package l4 implements the transport-protocol plug-in registry: a
// bounded, dense table indexed by the IPv4 "protocol" field's 8-bit
// number. It is written once, at startup, and is read-only for the rest
// of the process's life, so lookups never need to synchronize with
// registration.
package l4

import (
	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
)

// Handler is what a transport protocol registers under its protocol
// number. Forward is pure — it must not touch shared state or deliver
// the packet — and exists solely so the L3 dispatch can pick the owning
// core for an atomic datagram before handing it to Received.
type Handler interface {
	// Forward computes the core that should own this datagram, given
	// its source and destination addresses and the offset at which the
	// transport header begins in pkt.
	Forward(pkt *packet.Buffer, l4Offset int, src, dst tcpip.Address) int

	// Received delivers a datagram whose front is the transport
	// payload (the IPv4 header has already been trimmed) to the
	// handler for terminal processing.
	Received(pkt *packet.Buffer, src, dst tcpip.Address)
}

// numProtocols is the size of the dense table: one slot per possible
// IPv4 protocol-number byte.
const numProtocols = 256

// Registry is the dense handler table. Its zero value is a registry with
// no handlers bound, which is a valid (if useless) starting point.
type Registry struct {
	handlers [numProtocols]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds protocol to handler. Registration is idempotent: a
// second call for the same protocol number silently overwrites the
// first, matching the spec's "double registration overwrites" rule —
// there is no use case in this repository for partial or additive
// registration.
func (r *Registry) Register(protocol uint8, handler Handler) {
	r.handlers[protocol] = handler
}

// Lookup returns the handler bound to protocol, or nil, ok=false if none
// is registered. Callers treat a missing handler as a silent drop on RX
// and a precondition violation on TX.
func (r *Registry) Lookup(protocol uint8) (Handler, bool) {
	h := r.handlers[protocol]
	return h, h != nil
}
