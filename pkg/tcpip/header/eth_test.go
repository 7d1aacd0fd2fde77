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
	"testing"

	"shardnet/pkg/tcpip"
)

func TestEthernetEncodeAndAccessors(t *testing.T) {
	b := make(Ethernet, EthernetMinimumSize)
	fields := &EthernetFields{
		SrcAddr: tcpip.LinkAddress("\x02\x02\x03\x04\x05\x06"),
		DstAddr: tcpip.LinkAddress("\x01\x02\x03\x04\x05\x06"),
		Type:    0x0800,
	}
	b.Encode(fields)

	if got, want := b.SourceAddress(), fields.SrcAddr; got != want {
		t.Errorf("SourceAddress() = %v, want %v", got, want)
	}
	if got, want := b.DestinationAddress(), fields.DstAddr; got != want {
		t.Errorf("DestinationAddress() = %v, want %v", got, want)
	}
	if got, want := b.Type(), fields.Type; got != want {
		t.Errorf("Type() = %v, want %v", got, want)
	}
}

func TestIsValidUnicastEthernetAddress(t *testing.T) {
	tests := []struct {
		name     string
		addr     tcpip.LinkAddress
		expected bool
	}{
		{"Nil", tcpip.LinkAddress([]byte(nil)), false},
		{"Empty", tcpip.LinkAddress(""), false},
		{"InvalidLength", tcpip.LinkAddress("\x01\x02\x03"), false},
		{"Unspecified", unspecifiedEthernetAddress, false},
		{"Multicast", tcpip.LinkAddress("\x01\x02\x03\x04\x05\x06"), false},
		{"Valid", tcpip.LinkAddress("\x02\x02\x03\x04\x05\x06"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsValidUnicastEthernetAddress(test.addr); got != test.expected {
				t.Fatalf("got IsValidUnicastEthernetAddress = %t, want = %t", got, test.expected)
			}
		})
	}
}
