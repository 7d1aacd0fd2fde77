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
	"shardnet/pkg/tcpip/buffer"
	"shardnet/pkg/tcpip/header"
	"shardnet/pkg/toeplitz"
)

// ICMPEcho is a minimal ICMP echo (ping) responder, registered under
// header.ICMPv4ProtocolNumber. It exists to give the rest of the stack
// (flow dispatch, reassembly, checksum offload decisions) an end-to-end
// path to exercise — S1 in the testable scenarios — not as a general
// ICMP implementation.
type ICMPEcho struct {
	sender   IPv4Sender
	numCores int
}

// NewICMPEcho builds a responder that replies through sender and steers
// flows across numCores cores.
func NewICMPEcho(sender IPv4Sender, numCores int) *ICMPEcho {
	return &ICMPEcho{sender: sender, numCores: numCores}
}

// Forward hashes the address pair with the same Toeplitz function the
// hardware RSS would use; ICMP echo carries no port numbers to fold in.
func (h *ICMPEcho) Forward(pkt *packet.Buffer, l4Offset int, src, dst tcpip.Address) int {
	if h.numCores <= 0 {
		return 0
	}
	var key [8]byte
	copy(key[0:4], src)
	copy(key[4:8], dst)
	return int(toeplitz.Hash(key[:]) % uint32(h.numCores))
}

// Received answers an echo request with an echo reply carrying the same
// identifier, sequence number, and payload. Anything that is not an
// echo request (other ICMP types) is dropped silently; this responder
// implements only ping.
func (h *ICMPEcho) Received(pkt *packet.Buffer, src, dst tcpip.Address) {
	data := pkt.Bytes()
	if len(data) < header.ICMPv4MinimumSize {
		return
	}
	req := header.ICMPv4(data)
	if req.Type() != header.ICMPv4Echo || req.Code() != 0 {
		return
	}

	reply := append([]byte(nil), data...)
	r := header.ICMPv4(reply)
	r.SetType(header.ICMPv4EchoReply)
	r.SetCode(0)
	r.SetChecksum(0)

	payload := reply[header.ICMPv4PayloadOffset:]
	vv := buffer.NewVectorisedView(len(payload), []buffer.View{buffer.View(payload)})
	r.SetChecksum(header.ICMPv4Checksum(r[:header.ICMPv4PayloadOffset], vv))

	body := packet.New(reply, TXHeadroom, func() {})
	if h.sender != nil {
		h.sender.Transmit(src, uint8(header.ICMPv4ProtocolNumber), body)
	}
}
