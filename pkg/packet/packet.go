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

// Package packet implements the zero-copy, multi-fragment packet buffer
// that the NIC driver adapter and the IPv4 engine pass between each
// other. A Buffer never copies the bytes it was handed unless told to
// (Linearize); instead it carries a reference-counted release hook that
// returns the backing memory to whoever owns it — a driver buffer pool,
// the heap — exactly once, no matter how many times the buffer was
// shared or which core finally drops the last reference.
package packet

import (
	"sync/atomic"

	"shardnet/pkg/tcpip/buffer"
)

// ScatterLimit is the maximum number of fragments a NIC driver's transmit
// path can scatter-gather in one burst; Buffers with more fragments than
// this must be linearized before being handed to the driver.
const ScatterLimit = 32

// OffloadInfo travels alongside a Buffer and records what the NIC has
// already done, or is asked to do, for checksumming and VLAN handling.
type OffloadInfo struct {
	// NeedsIPChecksum is set on transmit to ask the driver to compute the
	// IPv4 header checksum in hardware instead of software.
	NeedsIPChecksum bool

	// Protocol is the IPv4 "protocol" field, used by the driver to pick
	// TX_TCP_CKSUM vs TX_UDP_CKSUM when a transport checksum offload is
	// requested.
	Protocol uint8

	// IPHeaderLen is the length of the IP header in bytes, needed by the
	// driver to set L3 length fields for checksum/segmentation offload.
	IPHeaderLen int

	// HWVLAN and VLANTCI report that a VLAN tag was stripped by hardware
	// on receive.
	HWVLAN  bool
	VLANTCI uint16

	// Reassembled marks a packet that was produced by fragment
	// reassembly rather than received as a single datagram; the IPv4
	// engine uses this to skip a redundant checksum recompute.
	Reassembled bool
}

// release is the shared, reference-counted finalizer behind every share of
// a Buffer's underlying memory. It runs its hook exactly once, when the
// last reference drops — never zero times, never twice.
type release struct {
	refs int32
	hook func()
}

func newRelease(hook func()) *release {
	return &release{refs: 1, hook: hook}
}

func (r *release) addRef() {
	atomic.AddInt32(&r.refs, 1)
}

func (r *release) decRef() {
	if atomic.AddInt32(&r.refs, -1) == 0 && r.hook != nil {
		r.hook()
	}
}

// Buffer is a multi-fragment, zero-copy byte container. Its logical
// content is the concatenation of its prepended headroom (if any header
// bytes have been prepended) followed by its fragments, in order.
//
// rels holds one entry per distinct underlying allocation currently
// backing this Buffer's content: ordinarily just one, but Append merges
// in the releases of whatever it absorbs, so that releasing the
// resulting Buffer once still returns every piece of memory it is made
// of, each exactly once.
type Buffer struct {
	hdr     buffer.Prependable
	hdrUsed bool
	frags   []buffer.View
	rels    []*release

	Offload OffloadInfo
}

// New wraps data as a single-fragment Buffer. headroomSize bytes are
// reserved in front for later header prepends (e.g. Ethernet + IPv4). hook
// runs exactly once, when the last reference to the returned Buffer (and
// anything later produced by Share) drops.
func New(data []byte, headroomSize int, hook func()) *Buffer {
	b := &Buffer{
		hdr:  buffer.NewPrependable(headroomSize),
		rels: []*release{newRelease(hook)},
	}
	if len(data) > 0 {
		b.frags = []buffer.View{buffer.View(data)}
	}
	return b
}

// Len returns the total number of content bytes across headroom and all
// fragments.
func (b *Buffer) Len() int {
	n := 0
	if b.hdrUsed {
		n += b.hdr.UsedLength()
	}
	for _, f := range b.frags {
		n += len(f)
	}
	return n
}

// NrFrags returns the number of fragments Frag can address, counting the
// used headroom (if any) as fragment 0.
func (b *Buffer) NrFrags() int {
	n := len(b.frags)
	if b.hdrUsed {
		n++
	}
	return n
}

// Frag returns the i-th fragment's bytes.
func (b *Buffer) Frag(i int) []byte {
	if b.hdrUsed {
		if i == 0 {
			return b.hdr.UsedBytes()
		}
		i--
	}
	return b.frags[i]
}

// PrependHeader carves size bytes out of the headroom region, in front of
// everything prepended so far, and returns it for the caller to fill in.
// It panics if size exceeds the remaining headroom, mirroring
// buffer.Prependable's own preconditions: headroom is sized once at
// construction and running out of it is a caller bug, not a runtime
// condition to recover from.
func (b *Buffer) PrependHeader(size int) []byte {
	h := b.hdr.Prepend(size)
	if h == nil {
		panic("packet: insufficient headroom for PrependHeader")
	}
	b.hdrUsed = true
	return h
}

// TrimFront removes the first n bytes of content, across headroom and
// fragments as needed.
func (b *Buffer) TrimFront(n int) {
	if b.hdrUsed {
		hlen := b.hdr.UsedLength()
		if n < hlen {
			v := b.hdr.View()
			v.TrimFront(n)
			b.hdr = rebuildPrependable(v)
			return
		}
		n -= hlen
		b.hdrUsed = false
		b.hdr = buffer.NewPrependable(0)
	}
	for n > 0 && len(b.frags) > 0 {
		if n < len(b.frags[0]) {
			b.frags[0].TrimFront(n)
			return
		}
		n -= len(b.frags[0])
		b.frags = b.frags[1:]
	}
}

// rebuildPrependable wraps an already-trimmed View back into a
// Prependable with no spare headroom, since Prependable itself offers no
// way to shrink its used region from the front in place.
func rebuildPrependable(v buffer.View) buffer.Prependable {
	p := buffer.NewPrependable(len(v))
	copy(p.Prepend(len(v)), v)
	return p
}

// TrimBack removes the last n bytes of content.
func (b *Buffer) TrimBack(n int) {
	for n > 0 && len(b.frags) > 0 {
		last := len(b.frags) - 1
		if n < len(b.frags[last]) {
			b.frags[last].CapLength(len(b.frags[last]) - n)
			return
		}
		n -= len(b.frags[last])
		b.frags = b.frags[:last]
	}
	if n > 0 && b.hdrUsed {
		hlen := b.hdr.UsedLength()
		if n >= hlen {
			b.hdrUsed = false
			b.hdr = buffer.NewPrependable(0)
			return
		}
		v := b.hdr.View()
		v.CapLength(hlen - n)
		b.hdr = rebuildPrependable(v)
	}
}

// Share returns a new Buffer covering [offset, offset+length) of b's
// current content, referencing the same underlying memory for fragment
// bytes; bytes taken from the prepended header region are copied into the
// new Buffer's own headroom. The two Buffers' Release calls are counted
// against the same finalizer: it runs once, when the last of all shares
// releases.
func (b *Buffer) Share(offset, length int) *Buffer {
	for _, r := range b.rels {
		r.addRef()
	}
	out := &Buffer{rels: append([]*release{}, b.rels...), Offload: b.Offload}

	skip := offset
	remaining := length
	for i := 0; i < b.NrFrags() && remaining > 0; i++ {
		f := b.Frag(i)
		if skip >= len(f) {
			skip -= len(f)
			continue
		}
		start := skip
		skip = 0
		end := len(f)
		if start+remaining < end {
			end = start + remaining
		}
		piece := buffer.View(f[start:end])
		if i == 0 && b.hdrUsed {
			out.hdr = buffer.NewPrependable(len(piece))
			copy(out.hdr.Prepend(len(piece)), piece)
			out.hdrUsed = true
		} else {
			out.frags = append(out.frags, piece)
		}
		remaining -= (end - start)
	}
	return out
}

// Append concatenates other's content onto the end of b, taking ownership
// of other's reference: callers must not use other after Append. other's
// releases are merged into b's, so that a single later call to
// b.Release() returns every fragment's backing memory, each exactly
// once — Append itself never runs a release hook.
func (b *Buffer) Append(other *Buffer) {
	if other.hdrUsed {
		b.frags = append(b.frags, other.hdr.View())
	}
	b.frags = append(b.frags, other.frags...)
	b.rels = append(b.rels, other.rels...)
	other.hdrUsed = false
	other.frags = nil
	other.rels = nil
}

// Linearize copies fragments [atFrag, NrFrags) into one newly allocated,
// contiguous buffer of desiredSize bytes and replaces them with it,
// leaving any fragments before atFrag untouched. The prior release is
// unaffected — the copy does not drop the reference to the source
// memory, so the driver buffer it came from is still returned to its pool
// exactly once when the Buffer is eventually released. This repository
// only ever calls Linearize with atFrag == 0 (the NIC TX path, when a
// packet's fragment count exceeds the driver's scatter limit).
func (b *Buffer) Linearize(atFrag, desiredSize int) {
	buf := make([]byte, 0, desiredSize)
	for i := atFrag; i < b.NrFrags(); i++ {
		buf = append(buf, b.Frag(i)...)
	}

	if atFrag == 0 {
		b.hdrUsed = false
		b.hdr = buffer.NewPrependable(0)
		b.frags = []buffer.View{buffer.View(buf)}
		return
	}

	kept := b.frags[:atFrag-boolToIndexAdjust(b.hdrUsed)]
	b.frags = append(append([]buffer.View{}, kept...), buffer.View(buf))
}

func boolToIndexAdjust(v bool) int {
	if v {
		return 1
	}
	return 0
}

// FreeOnCore wraps the buffer's release hook so that, when the last
// reference finally drops, the real release runs as a task submitted to
// the given core instead of running inline on whichever core happened to
// drop that last reference. This must be called before a packet crosses
// to another core, so that a driver-owned buffer is always returned to
// its own core's pool.
func (b *Buffer) FreeOnCore(core int, submit func(core int, task func())) {
	for _, r := range b.rels {
		prev := r.hook
		r.hook = func() {
			submit(core, prev)
		}
	}
}

// Release drops this Buffer's reference to every underlying allocation it
// is made of, running each one's release hook if this was the last
// outstanding reference to it.
func (b *Buffer) Release() {
	for _, r := range b.rels {
		r.decRef()
	}
}

// Bytes concatenates the Buffer's full content into a single new slice.
// Used by tests and by the handful of callers (fragment reassembly, the
// ICMP and UDP echo handlers) that genuinely need one contiguous view of
// the data.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.Len())
	for i := 0; i < b.NrFrags(); i++ {
		out = append(out, b.Frag(i)...)
	}
	return out
}
