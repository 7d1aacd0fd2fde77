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

// Package ipv4 implements the IPv4 engine: per-core header validation,
// fragment reassembly, and the transmit path that prepends a header and
// fragments a datagram when the outbound MTU requires it. Every Engine
// is owned by exactly one reactor core and touches no state that any
// other core can see directly — cross-core delivery always goes through
// the core's submit function, never a shared lock.
package ipv4

import (
	"shardnet/pkg/flow"
	"shardnet/pkg/l4"
	"shardnet/pkg/nic"
	"shardnet/pkg/packet"
	"shardnet/pkg/reactor"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
)

// LinkTransmitter is the slice of a NIC queue the engine needs: its MTU
// and advertised offloads to decide whether to fragment or checksum in
// software, and Transmit to hand a finished frame to the driver.
type LinkTransmitter interface {
	MTU() uint32
	Offload() nic.OffloadCapabilities
	Transmit(pkt *packet.Buffer) *tcpip.Error
}

// AddressResolver is the slice of pkg/arp.Resolver the engine needs to
// turn a next-hop IPv4 address into a link address before handing a
// frame to the driver.
type AddressResolver interface {
	Lookup(addr tcpip.Address) (tcpip.LinkAddress, <-chan struct{}, *tcpip.Error)
	Learn(addr tcpip.Address, linkAddr tcpip.LinkAddress)
}

// Filter is an optional hook consulted after header validation and ARP
// learning, before the reassembly/delivery decision. A filter that
// returns handled=true stops the receive pipeline, and the engine then
// releases the packet; the filter does not release it itself.
type Filter interface {
	Filter(pkt *packet.Buffer, ipHdr header.IPv4) (handled bool, err *tcpip.Error)
}

// logger is the narrow slice of *logrus.Entry this package calls.
type logger interface {
	Warnf(format string, args ...interface{})
}

// Options configures a new Engine.
type Options struct {
	Core     *reactor.Core
	NumCores int
	Config   Config
	NIC      LinkTransmitter
	ARP      AddressResolver
	Registry *l4.Registry
	Submit   func(core int, task func())
	IDs      *header.IDGenerator
	Filter   Filter
	Log      logger
}

// Engine is one core's IPv4 stack instance. Every field is set once at
// construction (or, for peer, once all cores' engines exist) and never
// mutated afterward except the fields that are this core's own private
// state (frags).
type Engine struct {
	coreID int
	cfg    Config

	nic      LinkTransmitter
	arp      AddressResolver
	registry *l4.Registry
	filter   Filter

	dispatcher *flow.Dispatcher
	core       *reactor.Core
	submit     func(core int, task func())
	ids        *header.IDGenerator
	frags      *reassemblyTable
	log        logger

	// peer resolves another core's Engine, used only when a reassembled
	// datagram's flow hash lands on a different core than the one that
	// reassembled it. Wired after construction, once every core's Engine
	// exists — a single Engine cannot be built knowing all its peers.
	peer func(core int) *Engine
}

// NewEngine builds an Engine bound to one reactor core.
func NewEngine(opts Options) *Engine {
	return &Engine{
		coreID:     opts.Core.ID(),
		cfg:        opts.Config,
		nic:        opts.NIC,
		arp:        opts.ARP,
		registry:   opts.Registry,
		filter:     opts.Filter,
		dispatcher: flow.NewDispatcher(opts.Registry, opts.NumCores),
		core:       opts.Core,
		submit:     opts.Submit,
		ids:        opts.IDs,
		frags:      newReassemblyTable(opts.Core.Clock()),
		log:        opts.Log,
	}
}

// SetPeer wires the lookup function used to reach another core's Engine.
// Must be called once, after every core's Engine has been constructed,
// and before any traffic flows.
func (e *Engine) SetPeer(peer func(core int) *Engine) {
	e.peer = peer
}

// ReceiveFrame is the NIC's delivery callback: pkt's front is a full
// Ethernet frame. Non-IPv4 frames are dropped. Parses just enough of the
// IPv4 header to compute the owning core and hands off via flow.Forward,
// which runs the rest of the pipeline inline if this core already owns
// the flow.
func (e *Engine) ReceiveFrame(pkt *packet.Buffer) {
	data := pkt.Frag(0)
	if len(data) < header.EthernetMinimumSize {
		pkt.Release()
		return
	}
	eth := header.Ethernet(data[:header.EthernetMinimumSize])
	if eth.Type() != header.IPv4ProtocolNumber {
		pkt.Release()
		return
	}
	linkSrc := eth.SourceAddress()
	pkt.TrimFront(header.EthernetMinimumSize)

	data = pkt.Frag(0)
	if len(data) < header.IPv4MinimumSize {
		pkt.Release()
		return
	}
	hdrLen := int(header.IPv4(data).HeaderLength())
	if hdrLen < header.IPv4MinimumSize || len(data) < hdrLen {
		pkt.Release()
		return
	}
	ipHdr := header.IPv4(data[:hdrLen])

	owner := e.dispatcher.OwningCore(pkt, ipHdr, hdrLen)
	flow.Forward(pkt, e.coreID, owner, e.submit, func(p *packet.Buffer) {
		e.peer(owner).receiveOnOwner(p, linkSrc)
	})
}

// receiveOnOwner runs the validation/reassembly/delivery pipeline on the
// core that owns this datagram's flow. pkt's front is the IPv4 header;
// the Ethernet header has already been stripped by ReceiveFrame.
func (e *Engine) receiveOnOwner(pkt *packet.Buffer, linkSrc tcpip.LinkAddress) {
	data := pkt.Frag(0)
	if len(data) < header.IPv4MinimumSize {
		pkt.Release()
		return
	}
	hdrLen := int(header.IPv4(data).HeaderLength())
	if hdrLen < header.IPv4MinimumSize || len(data) < hdrLen {
		pkt.Release()
		return
	}
	ipHdr := header.IPv4(data[:hdrLen])
	if !ipHdr.IsValid(pkt.Len()) {
		pkt.Release()
		return
	}

	if !pkt.Offload.Reassembled && !e.nic.Offload().RXChecksum {
		if !ipHdr.IsChecksumValid() {
			pkt.Release()
			return
		}
	}

	// IsValid above already guarantees TotalLength <= pkt.Len(); trim
	// whatever padding the link layer appended past it.
	totalLen := int(ipHdr.TotalLength())
	if pkt.Len() > totalLen {
		pkt.TrimBack(pkt.Len() - totalLen)
	}

	if int(ipHdr.FragmentOffset())*8+totalLen > ipPacketLenMax {
		pkt.Release()
		return
	}

	src, dst := ipHdr.SourceAddress(), ipHdr.DestinationAddress()
	if e.cfg.inSubnet(src) && src != e.cfg.HostAddr {
		e.arp.Learn(src, linkSrc)
	}

	if e.filter != nil {
		if handled, ferr := e.filter.Filter(pkt, ipHdr); handled {
			if ferr != nil && e.log != nil {
				e.log.Warnf("ipv4: filter rejected packet: %s", ferr.String())
			}
			pkt.Release()
			return
		}
	}

	if dst != e.cfg.HostAddr {
		pkt.Release()
		return
	}

	if ipHdr.More() || ipHdr.FragmentOffset() != 0 {
		e.receiveFragment(pkt, ipHdr, hdrLen)
		return
	}

	protocol := ipHdr.Protocol()
	pkt.TrimFront(hdrLen)
	e.deliverL4(pkt, protocol, src, dst)
}

// deliverL4 hands pkt, whose front is now the transport payload, to the
// registered handler for protocol, releasing it either way. An unknown
// protocol is a silent drop.
func (e *Engine) deliverL4(pkt *packet.Buffer, protocol uint8, src, dst tcpip.Address) {
	h, ok := e.registry.Lookup(protocol)
	if !ok {
		pkt.Release()
		return
	}
	h.Received(pkt, src, dst)
	pkt.Release()
}

// receiveFragment folds one fragment into its reassembly entry and, once
// complete, delivers the assembled datagram — locally if this core still
// owns the reassembled flow's hash, or across cores otherwise.
func (e *Engine) receiveFragment(pkt *packet.Buffer, ipHdr header.IPv4, hdrLen int) {
	e.frags.limitMem()

	id := fragID{src: ipHdr.SourceAddress(), dst: ipHdr.DestinationAddress(), id: ipHdr.ID(), protocol: ipHdr.Protocol()}
	entry := e.frags.getOrCreate(id)
	if !ipHdr.More() {
		entry.lastFragReceived = true
	}

	full := pkt.Bytes()
	added := entry.merge(full[:hdrLen], ipHdr.FragmentOffset()*8, full[hdrLen:])
	e.frags.fragMem += added
	pkt.Release()

	if entry.complete() {
		e.frags.remove(id)
		e.deliverReassembled(entry.assembled(), id)
		return
	}
	e.armReassemblyTimerIfNeeded()
}

// deliverReassembled re-derives the owning core for a just-completed
// datagram (the handler's flow hash, which may differ from the
// fragment-key hash that steered the individual fragments here) and
// delivers it there, locally or via a cross-core submit.
func (e *Engine) deliverReassembled(assembled []byte, id fragID) {
	hdrLen := int(header.IPv4(assembled).HeaderLength())
	pkt := packet.New(assembled, 0, func() {})
	pkt.Offload.Reassembled = true

	h, ok := e.registry.Lookup(id.protocol)
	if !ok {
		pkt.Release()
		return
	}
	owner := h.Forward(pkt, hdrLen, id.src, id.dst)
	if owner == e.coreID || e.peer == nil {
		pkt.TrimFront(hdrLen)
		e.deliverL4(pkt, id.protocol, id.src, id.dst)
		return
	}

	pkt.FreeOnCore(e.coreID, e.submit)
	e.submit(owner, func() {
		pkt.TrimFront(hdrLen)
		e.peer(owner).deliverL4(pkt, id.protocol, id.src, id.dst)
	})
}

// armReassemblyTimerIfNeeded starts the reassembly sweep timer if one
// isn't already running; repeated fragments for entries already being
// watched by a pending timer don't need a second one.
func (e *Engine) armReassemblyTimerIfNeeded() {
	if e.frags.timer != nil {
		return
	}
	e.frags.timer = e.core.AfterFunc(fragTimeout, e.onReassemblyTimeout)
}

// onReassemblyTimeout sweeps every entry older than fragTimeout and
// re-arms itself if entries remain, or resets fragMem to exactly 0 once
// the table drains, matching the invariant that an empty table carries
// no memory accounting debt.
func (e *Engine) onReassemblyTimeout() {
	e.frags.timer = nil
	e.frags.sweepTimedOut()
	if len(e.frags.entries) > 0 {
		e.frags.timer = e.core.AfterFunc(fragTimeout, e.onReassemblyTimeout)
		return
	}
	e.frags.fragMem = 0
}

// hasSegOffload reports whether the NIC advertises a large-segment
// hardware offload for protocol, letting the engine hand it an
// oversized datagram instead of fragmenting in software.
func (e *Engine) hasSegOffload(protocol uint8) bool {
	off := e.nic.Offload()
	switch protocol {
	case uint8(header.TCPProtocolNumber):
		return off.TXTSO
	case uint8(header.UDPProtocolNumber):
		return off.TXUFO
	default:
		return false
	}
}

// Transmit implements l4.IPv4Sender: it is the only way a transport
// handler originates an outbound datagram. body must have been built
// with at least l4.TXHeadroom bytes of headroom.
func (e *Engine) Transmit(to tcpip.Address, protocol uint8, body *packet.Buffer) *tcpip.Error {
	gateway := e.cfg.gatewayFor(to)
	id := e.ids.NextID(e.cfg.HostAddr, to, protocol)

	if body.Len()+header.IPv4MinimumSize <= int(e.nic.MTU()) || e.hasSegOffload(protocol) {
		e.finalize(body, to, id, protocol, false, 0)
		return e.sendOverL2(body, gateway)
	}
	return e.transmitFragmented(body, to, gateway, protocol, id)
}

// finalize prepends the IPv4 header onto pkt, filling in every field the
// spec's TX path specifies, and either computes the checksum in software
// or requests hardware offload for it.
func (e *Engine) finalize(pkt *packet.Buffer, to tcpip.Address, id uint16, protocol uint8, mf bool, fragOffset uint16) {
	var flags uint8
	if mf {
		flags = header.IPv4FlagMoreFragments
	}
	totalLen := pkt.Len() + header.IPv4MinimumSize

	hdr := header.IPv4(pkt.PrependHeader(header.IPv4MinimumSize))
	hdr.Encode(&header.IPv4Fields{
		IHL:            header.IPv4MinimumSize,
		TotalLength:    uint16(totalLen),
		ID:             id,
		Flags:          flags,
		FragmentOffset: fragOffset,
		TTL:            64,
		Protocol:       protocol,
		SrcAddr:        e.cfg.HostAddr,
		DstAddr:        to,
	})

	pkt.Offload.Protocol = protocol
	pkt.Offload.IPHeaderLen = header.IPv4MinimumSize
	if e.nic.Offload().TXIPCksum {
		pkt.Offload.NeedsIPChecksum = true
		hdr.SetChecksum(0)
		return
	}
	hdr.SetChecksum(^hdr.CalculateChecksum())
}

// transmitFragmented carves body into MTU-sized pieces, per the spec's
// ⌈payload / (MTU − 20)⌉ TX-fragmentation invariant, sharing body's
// backing memory rather than copying it.
func (e *Engine) transmitFragmented(body *packet.Buffer, to, gateway tcpip.Address, protocol uint8, id uint16) *tcpip.Error {
	maxPayload := int(e.nic.MTU()) - header.IPv4MinimumSize
	if maxPayload <= 0 {
		body.Release()
		return nil
	}

	total := body.Len()
	offset := 0
	for offset < total {
		size := total - offset
		if size > maxPayload {
			size = maxPayload
		}
		more := offset+size < total

		// Share only returns the requested byte range, with no spare
		// headroom of its own, so each piece is wrapped in a freshly
		// headroomed Buffer before a header can be prepended onto it.
		frag := packet.New(nil, l4.TXHeadroom, func() {})
		frag.Append(body.Share(offset, size))
		e.finalize(frag, to, id, protocol, more, uint16(offset/8))
		e.sendOverL2(frag, gateway)

		offset += size
	}
	body.Release()
	return nil
}

// sendOverL2 resolves gateway's link address and hands the finished IP
// frame to the driver. If resolution is still pending, it waits on the
// resolver's channel from a background goroutine and resubmits the send
// onto this core once resolution finishes — the packet itself is never
// touched off this core's loop, only the retry trigger is.
func (e *Engine) sendOverL2(pkt *packet.Buffer, gateway tcpip.Address) *tcpip.Error {
	return e.sendOverL2Attempt(pkt, gateway, 0)
}

const arpRetryAttempts = 1

func (e *Engine) sendOverL2Attempt(pkt *packet.Buffer, gateway tcpip.Address, attempt int) *tcpip.Error {
	linkAddr, pending, err := e.arp.Lookup(gateway)
	if err == nil {
		return e.transmitFrame(pkt, linkAddr)
	}
	if err != tcpip.ErrWouldBlock || attempt >= arpRetryAttempts {
		pkt.Release()
		return nil
	}

	core := e.coreID
	go func() {
		<-pending
		e.submit(core, func() {
			e.sendOverL2Attempt(pkt, gateway, attempt+1)
		})
	}()
	return nil
}

// transmitFrame prepends the Ethernet header and hands the frame to the
// NIC queue.
func (e *Engine) transmitFrame(pkt *packet.Buffer, linkAddr tcpip.LinkAddress) *tcpip.Error {
	eth := header.Ethernet(pkt.PrependHeader(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: e.cfg.LinkAddr,
		DstAddr: linkAddr,
		Type:    header.IPv4ProtocolNumber,
	})
	return e.nic.Transmit(pkt)
}
