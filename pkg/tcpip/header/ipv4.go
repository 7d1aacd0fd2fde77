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
	"sync/atomic"

	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/checksum"
)

// IPv4Fields contains the fields of an IPv4 packet. It is used to describe
// the fields of a packet that needs to be encoded.
type IPv4Fields struct {
	// IHL is the "internet header length" field of an IPv4 packet. The
	// value is in bytes.
	IHL uint8

	// TOS is the "type of service" field of an IPv4 packet.
	TOS uint8

	// TotalLength is the "total length" field of an IPv4 packet.
	TotalLength uint16

	// ID is the "identification" field of an IPv4 packet.
	ID uint16

	// Flags is the "flags" field of an IPv4 packet.
	Flags uint8

	// FragmentOffset is the "fragment offset" field of an IPv4 packet, in
	// 8-octet units.
	FragmentOffset uint16

	// TTL is the "time to live" field of an IPv4 packet.
	TTL uint8

	// Protocol is the "protocol" field of an IPv4 packet.
	Protocol uint8

	// Checksum is the "checksum" field of an IPv4 packet.
	Checksum uint16

	// SrcAddr is the "source ip address" of an IPv4 packet.
	SrcAddr tcpip.Address

	// DstAddr is the "destination ip address" of an IPv4 packet.
	DstAddr tcpip.Address
}

// IPv4 represents an ipv4 header stored in a byte array, per RFC 791.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Version|  IHL  |     DSCP  |ECN|          Total Length         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         Identification        |Flags|     Fragment Offset     |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Time to Live |    Protocol   |        Header Checksum         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Source Address                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                   Destination Address                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type IPv4 []byte

const (
	versIHL  = 0
	tosOff   = 1
	lenOff   = 2
	idOff    = 4
	flagsFO  = 6
	ttlOff   = 8
	protoOff = 9
	checksumOff = 10
	srcAddrOff  = 12
	dstAddrOff  = 16
)

const (
	// IPv4MinimumSize is the minimum size of a valid IPv4 packet (the
	// fixed header, with no options).
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is the largest header an IPv4 packet can
	// have, accounting for options. This implementation never emits
	// options (spec Non-goal), but accepts the field width for parsing
	// a peer's header correctly.
	IPv4MaximumHeaderSize = 60

	// IPv4AddressSize is the size, in bytes, of an IPv4 address.
	IPv4AddressSize = 4

	// IPv4ProtocolNumber is IP's ethertype.
	IPv4ProtocolNumber tcpip.NetworkProtocolNumber = 0x0800

	// IPv4Version is the version of the IPv4 protocol.
	IPv4Version = 4

	// IPv4FlagMoreFragments, the MF flag, indicates that the datagram is
	// not the final fragment of a packet.
	IPv4FlagMoreFragments = 1

	// IPv4FlagDontFragment, the DF flag, indicates that the datagram
	// should not be fragmented.
	IPv4FlagDontFragment = 2

	// ipv4FlagsShift places the 3-bit flags field at the top of the
	// combined 16-bit flags|fragment-offset word.
	ipv4FlagsShift = 13

	// IPv4MaximumPayloadSize is the maximum size of an IPv4 datagram,
	// accounting for the fixed header.
	IPv4MaximumPayloadSize = 0xffff - IPv4MinimumSize
)

// IPv4EmptySubnet is the empty IPv4 subnet.
var IPv4EmptySubnet = tcpip.Address("\x00\x00\x00\x00")

// HeaderLength returns the value of the "header length" field of the IPv4
// header, in bytes, obtained from the lower 4 bits of the version/IHL byte.
func (b IPv4) HeaderLength() uint8 {
	return (b[versIHL] & 0xf) * 4
}

// SetHeaderLength sets the "header length" field, in bytes.
func (b IPv4) SetHeaderLength(hdrLen uint8) {
	b[versIHL] = (IPv4Version << 4) | ((hdrLen / 4) & 0xf)
}

// Version returns the "version" field of the IPv4 header.
func (b IPv4) Version() int {
	return int(b[versIHL] >> 4)
}

// TOS returns the "type of service" field of the IPv4 header.
func (b IPv4) TOS() uint8 {
	return b[tosOff]
}

// TotalLength returns the "total length" field of the IPv4 header.
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[lenOff:])
}

// ID returns the "identification" field of the IPv4 header.
func (b IPv4) ID() uint16 {
	return binary.BigEndian.Uint16(b[idOff:])
}

// flagsAndFragmentOffset returns the combined 16-bit flags|fragment-offset
// word in host order.
func (b IPv4) flagsAndFragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[flagsFO:])
}

// Flags returns the flags field of the IPv4 header, the top 3 bits of the
// flags|fragment-offset word.
func (b IPv4) Flags() uint8 {
	return uint8(b.flagsAndFragmentOffset() >> ipv4FlagsShift)
}

// More reports whether the more-fragments (MF) bit is set.
func (b IPv4) More() bool {
	return b.Flags()&IPv4FlagMoreFragments != 0
}

// FragmentOffset returns the "fragment offset" field, in 8-octet units.
func (b IPv4) FragmentOffset() uint16 {
	return b.flagsAndFragmentOffset() & 0x1fff
}

// TTL returns the "time to live" field of the IPv4 header.
func (b IPv4) TTL() uint8 {
	return b[ttlOff]
}

// Protocol returns the "protocol" field of the IPv4 header.
func (b IPv4) Protocol() uint8 {
	return b[protoOff]
}

// Checksum returns the checksum field of the IPv4 header.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[checksumOff:])
}

// SourceAddress returns the "source address" field of the IPv4 header.
func (b IPv4) SourceAddress() tcpip.Address {
	return tcpip.Address(b[srcAddrOff : srcAddrOff+IPv4AddressSize])
}

// DestinationAddress returns the "destination address" field of the IPv4
// header.
func (b IPv4) DestinationAddress() tcpip.Address {
	return tcpip.Address(b[dstAddrOff : dstAddrOff+IPv4AddressSize])
}

// SetTotalLength sets the "total length" field of the IPv4 header.
func (b IPv4) SetTotalLength(totalLength uint16) {
	binary.BigEndian.PutUint16(b[lenOff:], totalLength)
}

// SetChecksum sets the checksum field of the IPv4 header.
func (b IPv4) SetChecksum(v uint16) {
	checksum.Put(b[checksumOff:], v)
}

// SetFlagsFragmentOffset sets the flags and fragment offset fields.
func (b IPv4) SetFlagsFragmentOffset(flags uint8, offset uint16) {
	v := (uint16(flags) << ipv4FlagsShift) | (offset & 0x1fff)
	binary.BigEndian.PutUint16(b[flagsFO:], v)
}

// SetID sets the identification field.
func (b IPv4) SetID(id uint16) {
	binary.BigEndian.PutUint16(b[idOff:], id)
}

// SetSourceAddress sets the "source address" field of the IPv4 header.
func (b IPv4) SetSourceAddress(addr tcpip.Address) {
	copy(b[srcAddrOff:srcAddrOff+IPv4AddressSize], addr)
}

// SetDestinationAddress sets the "destination address" field of the IPv4
// header.
func (b IPv4) SetDestinationAddress(addr tcpip.Address) {
	copy(b[dstAddrOff:dstAddrOff+IPv4AddressSize], addr)
}

// CalculateChecksum calculates the checksum of the IPv4 header, assuming the
// checksum field itself is zeroed.
func (b IPv4) CalculateChecksum() uint16 {
	return checksum.Checksum(b[:b.HeaderLength()], 0)
}

// IsChecksumValid reports whether the header's stored checksum is
// consistent with its contents: summing the whole header, checksum
// field included, yields the all-ones value iff the checksum is valid.
func (b IPv4) IsChecksumValid() bool {
	return checksum.Checksum(b[:b.HeaderLength()], 0) == 0xffff
}

// IsValid reports whether this header holds a plausible IPv4 packet: it is
// at least the minimum header size, declares a header length that fits
// inside the supplied bytes, and is IPv4.
func (b IPv4) IsValid(pktSize int) bool {
	if len(b) < IPv4MinimumSize {
		return false
	}
	hlen := int(b.HeaderLength())
	if hlen < IPv4MinimumSize || hlen > len(b) {
		return false
	}
	if b.Version() != IPv4Version {
		return false
	}
	return int(b.TotalLength()) <= pktSize
}

// Encode encodes all the fields of the IPv4 header.
func (b IPv4) Encode(i *IPv4Fields) {
	if i.IHL == 0 {
		i.IHL = IPv4MinimumSize
	}
	b.SetHeaderLength(i.IHL)
	b[tosOff] = i.TOS
	b.SetTotalLength(i.TotalLength)
	b.SetID(i.ID)
	b.SetFlagsFragmentOffset(i.Flags, i.FragmentOffset)
	b[ttlOff] = i.TTL
	b[protoOff] = i.Protocol
	b.SetSourceAddress(i.SrcAddr)
	b.SetDestinationAddress(i.DstAddr)
	b.SetChecksum(i.Checksum)
}

// idBuckets is the number of identification buckets used to generate
// per-flow, lock-free unique IP identifiers.
const idBuckets = 2048

// IDGenerator produces per-(src,dst,protocol) monotonic IP identification
// values without a global counter or lock: each flow hashes to one of a
// fixed set of buckets, each with its own atomic counter seeded randomly at
// startup. Two different flows that collide on a bucket simply share a
// counter, which still yields a value unique within the reassembly timeout
// window for any one flow, per RFC 791's requirement.
type IDGenerator struct {
	hashIV uint32
	ids    [idBuckets]uint32
}

// NewIDGenerator creates an IDGenerator seeded from a source of randomness.
// Callers pass shardnet/pkg/rand.Read-backed bytes so the seed is
// unpredictable across process restarts.
func NewIDGenerator(seed func([]byte) (int, error)) *IDGenerator {
	g := &IDGenerator{}
	var b [4]byte
	seed(b[:])
	g.hashIV = binary.BigEndian.Uint32(b[:])
	for i := range g.ids {
		seed(b[:])
		g.ids[i] = binary.BigEndian.Uint32(b[:])
	}
	return g
}

// NextID returns the next identification value to use for a datagram with
// the given source, destination, and protocol. It is safe to call
// concurrently from multiple cores; each flow's bucket is advanced with a
// single atomic add.
func (g *IDGenerator) NextID(src, dst tcpip.Address, protocol uint8) uint16 {
	bucket := flowHash(src, dst, protocol, g.hashIV) % idBuckets
	return uint16(atomic.AddUint32(&g.ids[bucket], 1))
}

func addrWord(a tcpip.Address) uint32 {
	if len(a) < 4 {
		return 0
	}
	return uint32(a[0]) | uint32(a[1])<<8 | uint32(a[2])<<16 | uint32(a[3])<<24
}

// flowHash computes a Jenkins one-at-a-time style hash of 3 32-bit words,
// adapted from the Linux kernel's jhash_3words and used (as in netstack) to
// spread per-flow identification counters across buckets.
func flowHash(src, dst tcpip.Address, protocol uint8, initval uint32) uint32 {
	a, b, c := addrWord(src), addrWord(dst), uint32(protocol)

	const iv = 0xdeadbeef + (3 << 2)
	initval += iv
	a += initval
	b += initval
	c += initval

	c ^= b
	c -= rol32(b, 14)
	a ^= c
	a -= rol32(c, 11)
	b ^= a
	b -= rol32(a, 25)
	c ^= b
	c -= rol32(b, 16)
	a ^= c
	a -= rol32(c, 4)
	b ^= a
	b -= rol32(a, 14)
	c ^= b
	c -= rol32(b, 24)

	return c
}

func rol32(v, shift uint32) uint32 {
	return (v << shift) | (v >> ((32 - shift) & 31))
}
