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

package nic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip/header"
)

func TestTranslateOffloadPicksProtocolSpecificFlag(t *testing.T) {
	ip, tcp, udp := translateOffload(packet.OffloadInfo{NeedsIPChecksum: true, Protocol: uint8(header.TCPProtocolNumber)})
	require.True(t, ip)
	require.True(t, tcp)
	require.False(t, udp)

	ip, tcp, udp = translateOffload(packet.OffloadInfo{NeedsIPChecksum: true, Protocol: uint8(header.UDPProtocolNumber)})
	require.True(t, ip)
	require.False(t, tcp)
	require.True(t, udp)

	ip, tcp, udp = translateOffload(packet.OffloadInfo{NeedsIPChecksum: false, Protocol: uint8(header.TCPProtocolNumber)})
	require.False(t, ip)
	require.False(t, tcp)
	require.False(t, udp)
}

func TestPoolGetPutRestoresFullCapacity(t *testing.T) {
	p := newPool(1)
	b := p.get()
	require.NotNil(t, b)
	require.Len(t, b.data, maxDriverBufferSize)

	b.data = b.data[:10]
	p.put(b)

	b2 := p.get()
	require.Equal(t, maxDriverBufferSize, len(b2.data), "a reused buffer must regain full capacity")
}

func TestPoolExhaustion(t *testing.T) {
	p := newPool(1)
	total := cap(p.free)
	for i := 0; i < total; i++ {
		require.NotNil(t, p.get())
	}
	require.Nil(t, p.get(), "pool must not grow past its fixed size")
}

func TestTransmitZeroLengthSucceedsWithoutTouchingRing(t *testing.T) {
	q := NewQueue(Options{FD: -1, MTU: 1500, RingSize: 2})
	pkt := packet.New(nil, 0, func() {})
	defer pkt.Release()

	err := q.Transmit(pkt)
	require.Nil(t, err)
}

func TestStageForTXSplitsAcrossMultipleBuffers(t *testing.T) {
	q := NewQueue(Options{FD: -1, MTU: 1500, RingSize: 4})
	data := make([]byte, maxDriverBufferSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	pkt := packet.New(data, 0, func() {})
	defer pkt.Release()

	bufs, ok := q.stageForTX(pkt)
	require.True(t, ok)
	require.Len(t, bufs, 2)
	require.Len(t, bufs[0].data, maxDriverBufferSize)
	require.Len(t, bufs[1].data, 100)

	for _, b := range bufs {
		q.pool.put(b)
	}
}
