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

// Package toeplitz computes the RSS Toeplitz hash NIC hardware uses to
// steer flows to queues, keyed by the Mellanox Linux driver's default
// 40-byte key. It lives in its own package, with no dependency on the
// flow dispatcher or the L4 registry, so that both can depend on it
// without creating an import cycle: an L4 handler's Forward method needs
// the same hash the flow dispatcher uses for fragments, and the
// dispatcher needs to call into registered handlers.
package toeplitz

// Key is the Mellanox Linux driver's default 40-byte RSS key, in network
// byte order, as specified verbatim by the external interface.
var Key = [40]byte{
	0xd1, 0x81, 0xc6, 0x2c, 0xf7, 0xf4, 0xdb, 0x5b,
	0x19, 0x83, 0xa2, 0xfc, 0x94, 0x3e, 0x1a, 0xdb,
	0xd9, 0x38, 0x9e, 0x6b, 0xd1, 0x03, 0x9c, 0x2c,
	0xa7, 0x44, 0x99, 0xad, 0x59, 0x3d, 0x56, 0xd9,
	0xf3, 0x25, 0x3c, 0x06, 0x2a, 0xdc, 0x1f, 0xfc,
}

// Hash computes the Toeplitz hash of data against Key: initialize v from
// the key's first 4 bytes, then for each data byte and each bit from MSB
// to LSB, XOR v into the result when the bit is set, shift v left one,
// and feed in the corresponding bit of the key 4 bytes ahead.
func Hash(data []byte) uint32 {
	var hash uint32
	v := uint32(Key[0])<<24 | uint32(Key[1])<<16 | uint32(Key[2])<<8 | uint32(Key[3])

	for i := 0; i < len(data); i++ {
		for b := 0; b < 8; b++ {
			if data[i]&(1<<(7-b)) != 0 {
				hash ^= v
			}
			v <<= 1
			if i+4 < len(Key) && Key[i+4]&(1<<(7-b)) != 0 {
				v |= 1
			}
		}
	}
	return hash
}
