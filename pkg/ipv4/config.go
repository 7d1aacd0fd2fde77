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

package ipv4

import "shardnet/pkg/tcpip"

// Config is the interface's address configuration. It is set once at
// startup and handed to each core's Engine as an immutable value —
// runtime mutation is out of scope, matching this system's treatment of
// interface configuration as startup-only state.
type Config struct {
	HostAddr tcpip.Address
	Netmask  tcpip.Address
	Gateway  tcpip.Address
	LinkAddr tcpip.LinkAddress
}

// inSubnet reports whether addr shares this interface's network prefix.
func (c Config) inSubnet(addr tcpip.Address) bool {
	if len(addr) != 4 || len(c.HostAddr) != 4 || len(c.Netmask) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if (addr[i] & c.Netmask[i]) != (c.HostAddr[i] & c.Netmask[i]) {
			return false
		}
	}
	return true
}

// gatewayFor returns the link-layer next hop IP for a packet addressed
// to dst: dst itself if it is on the local subnet, otherwise the
// configured default gateway.
func (c Config) gatewayFor(dst tcpip.Address) tcpip.Address {
	if c.inSubnet(dst) {
		return dst
	}
	return c.Gateway
}
