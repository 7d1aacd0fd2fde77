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

package l4

import (
	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
	"shardnet/pkg/toeplitz"
)

// UDPEcho is a minimal UDP echo responder, registered under
// header.UDPProtocolNumber. Like ICMPEcho, it is a test fixture that
// exercises the reassembly path end to end (S2 in the testable
// scenarios) rather than a real UDP stack — no sockets, no demux by
// destination port beyond routing every datagram straight back to its
// sender.
type UDPEcho struct {
	sender   IPv4Sender
	numCores int
}

// NewUDPEcho builds a responder that replies through sender and steers
// flows across numCores cores.
func NewUDPEcho(sender IPv4Sender, numCores int) *UDPEcho {
	return &UDPEcho{sender: sender, numCores: numCores}
}

// Forward hashes the full 4-tuple — addresses and ports — the way a
// device's IPv4+UDP RSS hash function would, so that a UDP flow's
// atomic datagrams land on the same core the device's RSS already
// picked for it.
func (h *UDPEcho) Forward(pkt *packet.Buffer, l4Offset int, src, dst tcpip.Address) int {
	if h.numCores <= 0 {
		return 0
	}
	data := pkt.Bytes()
	if len(data) < l4Offset+header.UDPMinimumSize {
		return 0
	}
	udp := header.UDP(data[l4Offset:])

	var key [12]byte
	copy(key[0:4], src)
	copy(key[4:8], dst)
	key[8] = byte(udp.SourcePort() >> 8)
	key[9] = byte(udp.SourcePort())
	key[10] = byte(udp.DestinationPort() >> 8)
	key[11] = byte(udp.DestinationPort())
	return int(toeplitz.Hash(key[:]) % uint32(h.numCores))
}

// Received echoes the datagram's payload straight back to its sender,
// swapping source and destination ports.
func (h *UDPEcho) Received(pkt *packet.Buffer, src, dst tcpip.Address) {
	data := pkt.Bytes()
	if len(data) < header.UDPMinimumSize {
		return
	}
	req := header.UDP(data)
	payload := req.Payload()

	reply := make([]byte, header.UDPMinimumSize+len(payload))
	r := header.UDP(reply)
	r.Encode(&header.UDPFields{
		SrcPort: req.DestinationPort(),
		DstPort: req.SourcePort(),
		Length:  uint16(len(reply)),
	})
	copy(reply[header.UDPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, dst, src, uint16(len(reply)))
	xsum = header.Checksum(payload, xsum)
	r.SetChecksum(^r.CalculateChecksum(xsum))

	body := packet.New(reply, TXHeadroom, func() {})
	if h.sender != nil {
		h.sender.Transmit(src, uint8(header.UDPProtocolNumber), body)
	}
}
