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
)

// IPv4Sender is the one method a handler needs from the IPv4 engine to
// originate a reply. It is an interface, not a concrete import of the
// engine's package, because the dependency runs both ways: the engine
// holds a Registry of handlers to deliver to, and a handler (like the
// ICMPEcho responder in icmp.go) holds a sender to reply through. Declaring
// the narrow interface here — and having the engine merely happen to
// implement it — breaks what would otherwise be an import cycle.
type IPv4Sender interface {
	Transmit(to tcpip.Address, protocol uint8, body *packet.Buffer) *tcpip.Error
}

// TXHeadroom is how much headroom a handler must reserve in any packet.Buffer
// it builds to hand to an IPv4Sender: room for the IPv4 header the engine
// prepends, plus the Ethernet header the link layer prepends after it.
const TXHeadroom = 20 + 14
