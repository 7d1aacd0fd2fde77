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

// Package nic implements the poll-mode NIC driver adapter: a per-core
// pair of RX/TX queues backed by a fixed driver-buffer pool, standing in
// for a DPDK port's queue pair. It never blocks a core's loop on I/O —
// RX is a bounded, non-blocking burst poll, and TX either completes
// against the host descriptor ring or is rate-limited rather than
// spinning forever.
package nic

import (
	"golang.org/x/time/rate"

	"shardnet/pkg/packet"
	"shardnet/pkg/tcpip"
	"shardnet/pkg/tcpip/header"
	"shardnet/pkg/tcpip/link/rawfile"
)

// rxBurst bounds how many driver buffers a single Poll call drains from
// the RX ring, matching the spec's 32-buffer burst.
const rxBurst = 32

// maxDriverBufferSize is the largest chunk of bytes a single driver
// buffer carries; a TX packet whose fragment exceeds this is split into
// a chain of driver buffers joined as a cluster.
const maxDriverBufferSize = 2048

// OffloadCapabilities records which hardware offloads this adapter
// exposes, mirroring what a device's reported Ethernet device info would
// carry. Needed to decide whether the IPv4 engine must fragment an
// outbound datagram itself (see ipv4.Engine.Transmit) or whether the
// device's tx_tso/tx_ufo handles it.
type OffloadCapabilities struct {
	RXChecksum bool
	TXIPCksum  bool
	TXTCPCksum bool
	TXUDPCksum bool
	TXTSO      bool
	TXUFO      bool
}

// driverBuffer is one slot of the fixed-size pool backing both RX
// refills and TX staging, mimicking an rte_mbuf.
type driverBuffer struct {
	data []byte
}

// pool is a fixed-size, per-core free list of driver buffers, sized to
// 2x the ring depth at construction and never grown — a failed
// allocation is a transient resource exhaustion per the error taxonomy,
// not something the pool recovers from by expanding.
type pool struct {
	free []*driverBuffer
}

func newPool(ringSize int) *pool {
	p := &pool{free: make([]*driverBuffer, 0, 2*ringSize)}
	for i := 0; i < 2*ringSize; i++ {
		p.free = append(p.free, &driverBuffer{data: make([]byte, maxDriverBufferSize)})
	}
	return p
}

func (p *pool) get() *driverBuffer {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	// A buffer may have been returned to the pool with its slice
	// truncated to whatever it last carried (RX payload length, TX
	// bytes staged); restore full capacity before handing it out again.
	b.data = b.data[:cap(b.data)]
	return b
}

func (p *pool) put(b *driverBuffer) {
	p.free = append(p.free, b)
}

// Queue is one core's RX/TX queue pair over a single raw file descriptor
// standing in for a hardware port queue bound 1:1 to that core by RSS.
type Queue struct {
	fd       int
	mtu      uint32
	linkAddr tcpip.LinkAddress
	offload  OffloadCapabilities
	pool     *pool
	txLim    *rate.Limiter

	log logger
}

// logger is the narrow slice of *logrus.Entry this package actually
// calls, kept as an interface so tests don't need to construct a real
// logger.
type logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Options configures a Queue.
type Options struct {
	FD         int
	MTU        uint32
	LinkAddr   tcpip.LinkAddress
	RingSize   int
	Offload    OffloadCapabilities
	TXRateHz   rate.Limit
	TXBurstCap int
	Log        logger
}

// NewQueue builds a Queue with its own driver-buffer pool. It does not
// take ownership of fd's lifetime beyond reading and writing it.
func NewQueue(opts Options) *Queue {
	ringSize := opts.RingSize
	if ringSize <= 0 {
		ringSize = rxBurst
	}
	lim := opts.TXRateHz
	if lim <= 0 {
		lim = rate.Inf
	}
	burst := opts.TXBurstCap
	if burst <= 0 {
		burst = rxBurst
	}
	return &Queue{
		fd:       opts.FD,
		mtu:      opts.MTU,
		linkAddr: opts.LinkAddr,
		offload:  opts.Offload,
		pool:     newPool(ringSize),
		txLim:    rate.NewLimiter(lim, burst),
		log:      opts.Log,
	}
}

// MTU returns the queue's configured MTU.
func (q *Queue) MTU() uint32 { return q.mtu }

// Offload returns the queue's advertised offload capabilities.
func (q *Queue) Offload() OffloadCapabilities { return q.offload }

// Poll drains up to rxBurst buffers from the RX ring without blocking
// and invokes deliver for each accepted packet. It returns the number
// of packets delivered. A read that would block (empty ring) is not an
// error — it simply ends the burst early.
func (q *Queue) Poll(deliver func(*packet.Buffer)) int {
	delivered := 0
	for i := 0; i < rxBurst; i++ {
		buf := q.pool.get()
		if buf == nil {
			if q.log != nil {
				q.log.Warnf("nic: RX buffer pool exhausted")
			}
			break
		}

		n, err := rawfile.NonBlockingRead(q.fd, buf.data)
		if err != nil {
			q.pool.put(buf)
			if err == tcpip.ErrWouldBlock {
				break
			}
			if q.log != nil {
				q.log.Warnf("nic: RX read failed: %s", err.String())
			}
			break
		}
		if n == 0 {
			q.pool.put(buf)
			break
		}

		pkt := q.fromRXBuffer(buf, n)
		if pkt == nil {
			continue
		}
		deliver(pkt)
		delivered++
	}
	return delivered
}

// fromRXBuffer wraps a filled driver buffer as a packet whose release
// hook returns the buffer to this queue's own pool, and clears its
// Reassembled flag. It records no hardware offload results; SetRXHints
// does that separately.
func (q *Queue) fromRXBuffer(buf *driverBuffer, n int) *packet.Buffer {
	pkt := packet.New(buf.data[:n], 0, func() {
		q.pool.put(buf)
	})
	pkt.Offload.Reassembled = false
	return pkt
}

// Transmit sends pkt out this queue. A zero-length packet succeeds
// immediately without touching the ring. Fragment counts above the
// driver's scatter limit are linearized first. Allocation failure at
// any point frees everything staged so far and reports success without
// actually transmitting, matching the silent-drop policy for transient
// resource exhaustion on TX.
func (q *Queue) Transmit(pkt *packet.Buffer) *tcpip.Error {
	if pkt.Len() == 0 {
		return nil
	}
	if pkt.NrFrags() > packet.ScatterLimit {
		pkt.Linearize(0, pkt.Len())
	}

	if !q.txLim.Allow() {
		if q.log != nil {
			q.log.Debugf("nic: TX rate-limited, dropping burst")
		}
		return nil
	}

	bufs, ok := q.stageForTX(pkt)
	if !ok {
		for _, b := range bufs {
			q.pool.put(b)
		}
		return nil
	}

	iovecs := make([]byte, 0, pkt.Len())
	for _, b := range bufs {
		iovecs = append(iovecs, b.data...)
	}
	defer func() {
		for _, b := range bufs {
			q.pool.put(b)
		}
	}()
	return rawfile.NonBlockingWrite(q.fd, iovecs)
}

// stageForTX copies pkt's fragments into one or more pool-allocated
// driver buffers of at most maxDriverBufferSize bytes each, as a
// DPDK-style mbuf chain would. ok is false if the pool ran out midway.
func (q *Queue) stageForTX(pkt *packet.Buffer) ([]*driverBuffer, bool) {
	var bufs []*driverBuffer
	cur := q.pool.get()
	if cur == nil {
		return nil, false
	}
	bufs = append(bufs, cur)
	off := 0

	for i := 0; i < pkt.NrFrags(); i++ {
		frag := pkt.Frag(i)
		for len(frag) > 0 {
			room := maxDriverBufferSize - off
			if room == 0 {
				next := q.pool.get()
				if next == nil {
					return bufs, false
				}
				bufs = append(bufs, next)
				cur = next
				off = 0
				room = maxDriverBufferSize
			}
			n := len(frag)
			if n > room {
				n = room
			}
			copy(cur.data[off:], frag[:n])
			off += n
			frag = frag[n:]
		}
	}
	cur.data = cur.data[:off]
	return bufs, true
}

// translateOffload maps a packet's offload request onto driver TX flags,
// the way the adapter would program nb_segs/ol_flags on the mbuf head.
// Transmit does not call it; this package's tests assert the flag
// selected for a given protocol.
func translateOffload(o packet.OffloadInfo) (ipCksum, tcpCksum, udpCksum bool) {
	if !o.NeedsIPChecksum {
		return false, false, false
	}
	switch o.Protocol {
	case uint8(header.TCPProtocolNumber):
		return true, true, false
	case uint8(header.UDPProtocolNumber):
		return true, false, true
	default:
		return true, false, false
	}
}

// SetRXHints records what the hardware reported for a just-polled
// packet: whether hardware stripped a VLAN tag, and the tag. It records
// no per-packet RX checksum result.
func SetRXHints(pkt *packet.Buffer, hwVLAN bool, vlanTCI uint16) {
	pkt.Offload.HWVLAN = hwVLAN
	pkt.Offload.VLANTCI = vlanTCI
}
