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

package arp

import (
	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
)

// broadcast is the Ethernet broadcast address, the destination of every
// ARP request.
const broadcast = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")

// LinkTransmitter is the slice of a NIC queue a WireRequester needs to
// put an ARP frame on the wire.
type LinkTransmitter interface {
	Transmit(pkt *packet.Buffer) *tcpip.Error
}

// WireRequester implements Requester by broadcasting a real RFC 826
// ARP request over Ethernet, the wire-level counterpart to Resolver's
// in-memory retry/timeout policy.
type WireRequester struct {
	nic      LinkTransmitter
	linkAddr tcpip.LinkAddress
	self     tcpip.Address
}

// NewWireRequester builds a WireRequester that sends from linkAddr/self
// and transmits through nic.
func NewWireRequester(nic LinkTransmitter, linkAddr tcpip.LinkAddress, self tcpip.Address) *WireRequester {
	return &WireRequester{nic: nic, linkAddr: linkAddr, self: self}
}

// Request implements arp.Requester.
func (w *WireRequester) Request(target tcpip.Address) {
	pkt := packet.New(nil, header.EthernetMinimumSize+header.ARPSize, func() {})
	req := header.ARP(pkt.PrependHeader(header.ARPSize))
	req.SetIPv4OverEthernet()
	req.SetOp(header.ARPRequest)
	copy(req.HardwareAddressSender(), w.linkAddr)
	copy(req.ProtocolAddressSender(), w.self)
	copy(req.ProtocolAddressTarget(), target)

	eth := header.Ethernet(pkt.PrependHeader(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{SrcAddr: w.linkAddr, DstAddr: broadcast, Type: header.ARPProtocolNumber})

	w.nic.Transmit(pkt)
}

// HandleFrame processes one Ethernet frame already known to carry an
// ARP packet: it always learns the sender's mapping into resolver, and
// if the packet is a request naming this interface's own address as the
// target, replies in kind. pkt is released unconditionally.
func HandleFrame(pkt *packet.Buffer, resolver *Resolver, nic LinkTransmitter, linkAddr tcpip.LinkAddress) {
	defer pkt.Release()

	data := pkt.Frag(0)
	if len(data) < header.EthernetMinimumSize {
		return
	}
	data = data[header.EthernetMinimumSize:]
	if !header.ARP(data).IsValid() {
		return
	}
	req := header.ARP(data)

	senderIP := tcpip.Address(req.ProtocolAddressSender())
	senderLink := tcpip.LinkAddress(req.HardwareAddressSender())
	resolver.Learn(senderIP, senderLink)

	if req.Op() != header.ARPRequest {
		return
	}
	if tcpip.Address(req.ProtocolAddressTarget()) != resolver.Self() {
		return
	}

	reply := packet.New(nil, header.EthernetMinimumSize+header.ARPSize, func() {})
	out := header.ARP(reply.PrependHeader(header.ARPSize))
	out.SetIPv4OverEthernet()
	out.SetOp(header.ARPReply)
	copy(out.HardwareAddressSender(), linkAddr)
	copy(out.ProtocolAddressSender(), resolver.Self())
	copy(out.HardwareAddressTarget(), senderLink)
	copy(out.ProtocolAddressTarget(), senderIP)

	eth := header.Ethernet(reply.PrependHeader(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{SrcAddr: linkAddr, DstAddr: senderLink, Type: header.ARPProtocolNumber})

	nic.Transmit(reply)
}
