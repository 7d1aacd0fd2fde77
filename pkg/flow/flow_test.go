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

package flow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"shardnet/pkg/l4"
	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
)

var (
	addrA = tcpip.Address("\x0a\x00\x00\x05")
	addrB = tcpip.Address("\x0a\x00\x00\x01")
	addrC = tcpip.Address("\x0a\x00\x00\x06")
)

type fakeHandler struct {
	core int
}

func (h *fakeHandler) Forward(pkt *packet.Buffer, l4Offset int, src, dst tcpip.Address) int {
	return h.core
}

func (h *fakeHandler) Received(pkt *packet.Buffer, src, dst tcpip.Address) {}

func newIPv4Header(src, dst tcpip.Address, id uint16, mf bool, fragOffset uint16, protocol uint8) header.IPv4 {
	b := make(header.IPv4, header.IPv4MinimumSize)
	flags := uint8(0)
	if mf {
		flags = header.IPv4FlagMoreFragments
	}
	b.Encode(&header.IPv4Fields{
		IHL:            header.IPv4MinimumSize,
		TotalLength:    header.IPv4MinimumSize,
		ID:             id,
		Flags:          flags,
		FragmentOffset: fragOffset,
		TTL:            64,
		Protocol:       protocol,
		SrcAddr:        src,
		DstAddr:        dst,
	})
	return b
}

func TestOwningCoreUsesHandlerForAtomicDatagram(t *testing.T) {
	reg := l4.NewRegistry()
	reg.Register(17, &fakeHandler{core: 2})
	d := NewDispatcher(reg, 4)

	ip := newIPv4Header(addrA, addrB, 0, false, 0, 17)
	require.Equal(t, 2, d.OwningCore(nil, ip, header.IPv4MinimumSize))
}

func TestOwningCoreHashesFragmentKeyForFragments(t *testing.T) {
	reg := l4.NewRegistry()
	reg.Register(17, &fakeHandler{core: 2})
	d := NewDispatcher(reg, 4)

	fragIP := newIPv4Header(addrA, addrB, 0x1234, true, 0, 17)

	// The fragment branch must match FragmentKeyCore exactly — it must not
	// consult the registered handler (which would have returned 2).
	want := FragmentKeyCore(addrA, addrB, 0x1234, 17, 4)
	require.Equal(t, want, d.OwningCore(nil, fragIP, header.IPv4MinimumSize))

	// Determinism: repeated calls for the same flow land on the same core.
	require.Equal(t, want, d.OwningCore(nil, fragIP, header.IPv4MinimumSize))
}

func TestFragmentKeyCoreIsDeterministicAcrossFragmentsOfSameFlow(t *testing.T) {
	core1 := FragmentKeyCore(addrA, addrB, 0x1234, 17, 4)
	core2 := FragmentKeyCore(addrA, addrB, 0x1234, 17, 4)
	require.Equal(t, core1, core2)

	other := FragmentKeyCore(addrC, addrB, 0x1234, 17, 4)
	require.NotEqual(t, core1, other, "a different flow should very likely hash elsewhere")
}

func TestForwardDeliversInlineWhenOwnerIsCurrentCore(t *testing.T) {
	delivered := false
	pkt := packet.New([]byte("x"), 0, func() {})
	defer pkt.Release()

	Forward(pkt, 0, 0, func(int, func()) { t.Fatal("must not submit cross-core when owner == current") }, func(*packet.Buffer) {
		delivered = true
	})
	require.True(t, delivered)
}

func TestForwardRetargetsReleaseAndSubmitsToOwner(t *testing.T) {
	released := 0
	var submittedTo []int
	pkt := packet.New([]byte("x"), 0, func() { released++ })

	submit := func(core int, task func()) {
		submittedTo = append(submittedTo, core)
		task()
	}

	var deliveredOnSubmit bool
	Forward(pkt, 0, 3, submit, func(p *packet.Buffer) {
		deliveredOnSubmit = true
		p.Release()
	})

	require.True(t, deliveredOnSubmit)
	require.Equal(t, []int{3, 0}, submittedTo, "packet delivery goes to the owner core; the retargeted release then runs back on the originating core")
	require.Equal(t, 1, released, "release must have run exactly once, retargeted through submit")
}
