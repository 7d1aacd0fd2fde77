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

import (
	"sort"
	"time"

	"shardnet/pkg/tcpip"
)

const (
	// fragTimeout is how long a partially reassembled datagram is kept
	// before being dropped as abandoned.
	fragTimeout = 30 * time.Second

	// fragLowThresh and fragHighThresh bound the reassembly table's
	// memory: once total held bytes exceeds fragHighThresh, entries are
	// evicted oldest-first until usage is back at or below fragLowThresh.
	fragLowThresh  = 3 * 1024 * 1024
	fragHighThresh = 4 * 1024 * 1024

	// ipPacketLenMax is the largest total length (header + payload) a
	// reassembled IPv4 datagram may reach.
	ipPacketLenMax = 65535
)

// fragID identifies one in-flight reassembly: every fragment of the same
// original datagram carries the same four values.
type fragID struct {
	src, dst tcpip.Address
	id       uint16
	protocol uint8
}

// span is one contiguous run of payload bytes already received, at a
// given byte offset into the reassembled payload.
type span struct {
	offset uint16
	data   []byte
}

// fragEntry tracks one datagram's in-progress reassembly.
type fragEntry struct {
	header           []byte // the offset-0 fragment's IP header, captured once
	spans            []span // sorted, non-overlapping, merged where adjacent
	memSize          int
	lastFragReceived bool
	rxTime           time.Time
}

// complete reports whether every gap has been filled: exactly one span
// remains, and it starts at offset 0.
func (e *fragEntry) complete() bool {
	return e.lastFragReceived && len(e.spans) == 1 && e.spans[0].offset == 0
}

// merge folds a newly arrived fragment's payload into the entry,
// capturing headerBytes as the entry's header slot if this fragment sits
// at offset 0, and returns how many bytes this merge added to memSize
// (which can be less than len(payload) if the fragment overlapped bytes
// already held).
func (e *fragEntry) merge(headerBytes []byte, offset uint16, payload []byte) int {
	old := e.memSize
	if offset == 0 {
		e.header = append([]byte(nil), headerBytes...)
	}
	if len(payload) > 0 {
		e.insert(offset, payload)
	}
	e.memSize = len(e.header)
	for _, s := range e.spans {
		e.memSize += len(s.data)
	}
	return e.memSize - old
}

// insert adds a span at offset, coalescing it with any spans it overlaps
// or abuts so the span list stays sorted and non-overlapping.
func (e *fragEntry) insert(offset uint16, data []byte) {
	spans := append(e.spans, span{offset: offset, data: data})
	sort.Slice(spans, func(i, j int) bool { return spans[i].offset < spans[j].offset })

	merged := spans[:0]
	for _, s := range spans {
		if len(merged) == 0 {
			merged = append(merged, s)
			continue
		}
		last := &merged[len(merged)-1]
		lastEnd := int(last.offset) + len(last.data)
		sEnd := int(s.offset) + len(s.data)
		if int(s.offset) <= lastEnd {
			if sEnd > lastEnd {
				extra := sEnd - lastEnd
				last.data = append(last.data, s.data[len(s.data)-extra:]...)
			}
			continue
		}
		merged = append(merged, s)
	}
	e.spans = merged
}

// assembled returns the full reassembled datagram: header followed by
// the single remaining span's payload. Callers must only call this when
// complete() is true.
func (e *fragEntry) assembled() []byte {
	out := make([]byte, 0, len(e.header)+len(e.spans[0].data))
	out = append(out, e.header...)
	out = append(out, e.spans[0].data...)
	return out
}

// reassemblyTable is one core's fragment reassembly state: no locking,
// since it is only ever touched from the core that owns it.
type reassemblyTable struct {
	clock   tcpip.Clock
	entries map[fragID]*fragEntry
	ageList []fragID // arrival order, oldest first
	fragMem int
	timer   tcpip.Timer
}

func newReassemblyTable(clock tcpip.Clock) *reassemblyTable {
	return &reassemblyTable{
		clock:   clock,
		entries: make(map[fragID]*fragEntry),
	}
}

// now returns the clock's current time, used for entry ages.
func (t *reassemblyTable) now() time.Time {
	return time.Unix(0, t.clock.NowNanoseconds())
}

// getOrCreate returns the entry for id, creating and age-listing it if
// this is the first fragment seen for it.
func (t *reassemblyTable) getOrCreate(id fragID) *fragEntry {
	e, ok := t.entries[id]
	if ok {
		return e
	}
	e = &fragEntry{rxTime: t.now()}
	t.entries[id] = e
	t.ageList = append(t.ageList, id)
	return e
}

// remove drops id from both the entry table and the age list.
func (t *reassemblyTable) remove(id fragID) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	t.fragMem -= e.memSize
	if t.fragMem < 0 {
		t.fragMem = 0
	}
	for i, other := range t.ageList {
		if other == id {
			t.ageList = append(t.ageList[:i], t.ageList[i+1:]...)
			break
		}
	}
}

// limitMem evicts entries oldest-first until fragMem is back at or below
// fragLowThresh, but only once fragMem has climbed past fragHighThresh.
func (t *reassemblyTable) limitMem() {
	if t.fragMem <= fragHighThresh {
		return
	}
	target := t.fragMem - fragLowThresh
	for target > 0 && len(t.ageList) > 0 {
		id := t.ageList[0]
		e := t.entries[id]
		target -= e.memSize
		t.remove(id)
	}
}

// sweepTimedOut removes every entry whose age exceeds fragTimeout,
// scanning oldest-first and stopping at the first entry that has not
// yet timed out, since ageList is arrival-ordered.
func (t *reassemblyTable) sweepTimedOut() {
	now := t.now()
	for len(t.ageList) > 0 {
		id := t.ageList[0]
		e := t.entries[id]
		if now.Sub(e.rxTime) <= fragTimeout {
			break
		}
		t.remove(id)
	}
}
