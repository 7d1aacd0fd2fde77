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

package header

import (
	"encoding/binary"

	"shardnet/pkg/tcpip"
)

// TCP represents a TCP header stored in a byte array. Only the fields
// needed to steer a flow to a core and recognize a connection-opening
// segment are exposed here; full TCP semantics are an external
// collaborator's concern.
type TCP []byte

const (
	tcpSrcPort  = 0
	tcpDstPort  = 2
	tcpSeqNum   = 4
	tcpAckNum   = 8
	tcpFlagsOff = 13
)

const (
	// TCPMinimumSize is the minimum size of a valid TCP header.
	TCPMinimumSize = 20

	// TCPProtocolNumber is TCP's IPv4 protocol number.
	TCPProtocolNumber tcpip.TransportProtocolNumber = 6
)

// TCP flag bits, as laid out in the 13th header byte.
const (
	TCPFlagFin = 1 << 0
	TCPFlagSyn = 1 << 1
	TCPFlagRst = 1 << 2
	TCPFlagPsh = 1 << 3
	TCPFlagAck = 1 << 4
	TCPFlagUrg = 1 << 5
)

// SourcePort returns the "source port" field of the TCP header.
func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[tcpSrcPort:])
}

// DestinationPort returns the "destination port" field of the TCP header.
func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[tcpDstPort:])
}

// SequenceNumber returns the "sequence number" field of the TCP header.
func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[tcpSeqNum:])
}

// Flags returns the flags field of the TCP header.
func (b TCP) Flags() uint8 {
	return b[tcpFlagsOff]
}

// DataOffset returns the size of the TCP header in bytes, including
// options.
func (b TCP) DataOffset() uint8 {
	return (b[12] >> 4) * 4
}

// IsSYN reports whether the SYN flag is set and ACK is not — i.e. this
// segment opens a new connection rather than completing or continuing one.
func (b TCP) IsSYN() bool {
	f := b.Flags()
	return f&TCPFlagSyn != 0 && f&TCPFlagAck == 0
}

// SetSourcePort sets the "source port" field of the TCP header.
func (b TCP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[tcpSrcPort:], port)
}

// SetDestinationPort sets the "destination port" field of the TCP header.
func (b TCP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[tcpDstPort:], port)
}
