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

//go:build linux

package rawfile

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// etherTypeAll is ETH_P_ALL in network byte order, the protocol value an
// AF_PACKET socket binds with to see every frame on the interface,
// matching what a DPDK port capturing a full queue would see.
const etherTypeAll = 0x0300

// OpenPacketSocket creates an AF_PACKET/SOCK_RAW socket bound to the
// named interface and puts it in non-blocking mode, the host primitive
// a poll-mode nic.Queue reads and writes against in place of a real NIC
// ring.
//
// If fanoutGroup is non-zero, the socket joins that PACKET_FANOUT group
// in FANOUT_CPU mode: the kernel hands each incoming frame to exactly
// one member socket, chosen by the CPU that received it, the same way
// hardware RSS spreads frames across a multi-queue NIC's descriptor
// rings. Every core's Queue should open with the same fanoutGroup so the
// whole set acts as one sharded port.
func OpenPacketSocket(ifaceName string, fanoutGroup uint16) (int, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return -1, fmt.Errorf("rawfile: looking up interface %q: %w", ifaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, etherTypeAll)
	if err != nil {
		return -1, fmt.Errorf("rawfile: opening AF_PACKET socket: %w", err)
	}

	ll := unix.SockaddrLinklayer{Protocol: etherTypeAll, Ifindex: iface.Index}
	if err := unix.Bind(fd, &ll); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rawfile: binding to %q: %w", ifaceName, err)
	}

	if fanoutGroup != 0 {
		arg := int(fanoutGroup) | (unix.PACKET_FANOUT_CPU << 16)
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT, arg); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("rawfile: joining fanout group %d: %w", fanoutGroup, err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rawfile: setting non-blocking: %w", err)
	}

	return fd, nil
}
