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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
)

var llB = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")

type fakeWire struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeWire) Transmit(pkt *packet.Buffer) *tcpip.Error {
	f.mu.Lock()
	f.sent = append(f.sent, pkt.Bytes())
	f.mu.Unlock()
	pkt.Release()
	return nil
}

func (f *fakeWire) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func buildARPFrame(op header.ARPOp, srcLink, dstLink tcpip.LinkAddress, senderIP, targetIP tcpip.Address) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	arpPkt := header.ARP(frame[header.EthernetMinimumSize:])
	arpPkt.SetIPv4OverEthernet()
	arpPkt.SetOp(op)
	copy(arpPkt.HardwareAddressSender(), srcLink)
	copy(arpPkt.ProtocolAddressSender(), senderIP)
	copy(arpPkt.ProtocolAddressTarget(), targetIP)

	eth := header.Ethernet(frame[:header.EthernetMinimumSize])
	eth.Encode(&header.EthernetFields{SrcAddr: srcLink, DstAddr: dstLink, Type: header.ARPProtocolNumber})
	return frame
}

func TestWireRequesterBroadcastsRequest(t *testing.T) {
	nic := &fakeWire{}
	w := NewWireRequester(nic, llA, addrA)

	w.Request(addrB)

	frames := nic.frames()
	require.Len(t, frames, 1)

	eth := header.Ethernet(frames[0][:header.EthernetMinimumSize])
	require.Equal(t, broadcast, eth.DestinationAddress())
	require.Equal(t, header.ARPProtocolNumber, eth.Type())

	req := header.ARP(frames[0][header.EthernetMinimumSize:])
	require.True(t, req.IsValid())
	require.Equal(t, header.ARPRequest, req.Op())
	require.Equal(t, []byte(llA), req.HardwareAddressSender())
	require.Equal(t, []byte(addrA), req.ProtocolAddressSender())
	require.Equal(t, []byte(addrB), req.ProtocolAddressTarget())
}

func TestHandleFrameLearnsSenderFromRequest(t *testing.T) {
	core := newTestCore(t, &tcpip.StdClock{})
	r := NewResolver(core, &recordingRequester{})
	nic := &fakeWire{}

	runOn(core, func() { r.SetSelf(addrA) })

	frame := buildARPFrame(header.ARPRequest, llB, broadcast, addrB, addrA)
	runOn(core, func() {
		HandleFrame(packet.New(frame, 0, func() {}), r, nic, llA)
	})

	var linkAddr tcpip.LinkAddress
	var err *tcpip.Error
	runOn(core, func() {
		linkAddr, _, err = r.Lookup(addrB)
	})
	require.Nil(t, err)
	require.Equal(t, llB, linkAddr)

	frames := nic.frames()
	require.Len(t, frames, 1, "a request naming our own address should draw exactly one reply")
	reply := header.ARP(frames[0][header.EthernetMinimumSize:])
	require.Equal(t, header.ARPReply, reply.Op())
	require.Equal(t, []byte(addrA), reply.ProtocolAddressSender())
	require.Equal(t, []byte(addrB), reply.ProtocolAddressTarget())
}

func TestHandleFrameIgnoresRequestForOtherAddress(t *testing.T) {
	core := newTestCore(t, &tcpip.StdClock{})
	r := NewResolver(core, &recordingRequester{})
	nic := &fakeWire{}

	runOn(core, func() { r.SetSelf(addrA) })

	other := tcpip.Address("\x0a\x00\x00\x09")
	frame := buildARPFrame(header.ARPRequest, llB, broadcast, addrB, other)
	runOn(core, func() {
		HandleFrame(packet.New(frame, 0, func() {}), r, nic, llA)
	})

	require.Empty(t, nic.frames(), "a request for someone else's address should not draw a reply")
}
