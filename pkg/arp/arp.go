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

// Package arp implements the address resolution contract the IPv4
// engine depends on: map a next-hop IPv4 address to a link address,
// with its own retry and timeout policy hidden behind the interface.
// A Resolver is per-core state — like every other structure in this
// repository, it is touched only from the reactor loop that owns it,
// so it needs no locking.
package arp

import (
	"time"

	"shardnet/pkg/reactor"
	"shardnet/pkg/tcpip"
)

const (
	// resolutionTimeout is how long a Resolver waits for a reply to a
	// single request before retrying.
	resolutionTimeout = 1 * time.Second

	// maxAttempts is how many requests a Resolver sends before giving up
	// on a pending lookup and failing every waiter.
	maxAttempts = 3

	// entryLifetime is how long a learned mapping is trusted before a
	// fresh lookup re-resolves it.
	entryLifetime = 5 * time.Minute
)

// Requester sends an ARP request for target onto the wire. It is
// best-effort: the Resolver does not learn of send failures, only of
// replies (via Learn) or of the retry budget running out.
type Requester interface {
	Request(target tcpip.Address)
}

type entryState int

const (
	incomplete entryState = iota
	resolved
)

type entry struct {
	state    entryState
	linkAddr tcpip.LinkAddress
	expires  int64 // NowMonotonic units; only meaningful when state == resolved
	attempt  int
	waiters  []chan struct{}
	timer    tcpip.Timer
}

// Resolver is a single core's IPv4-to-link-address cache. All of its
// methods must be called from the core that owns it.
type Resolver struct {
	core      *reactor.Core
	requester Requester
	self      tcpip.Address
	table     map[tcpip.Address]*entry
}

// NewResolver builds a Resolver that arms its retry timers on core and
// sends requests through requester.
func NewResolver(core *reactor.Core, requester Requester) *Resolver {
	return &Resolver{
		core:      core,
		requester: requester,
		table:     make(map[tcpip.Address]*entry),
	}
}

// SetSelf records this interface's own IPv4 address, so the engine
// never has to resolve it and never learns a mapping for it.
func (r *Resolver) SetSelf(addr tcpip.Address) {
	r.self = addr
}

// Self returns the address most recently passed to SetSelf.
func (r *Resolver) Self() tcpip.Address {
	return r.self
}

// Lookup returns addr's link address if already known. Otherwise it
// starts (or joins) resolution and returns ErrWouldBlock along with a
// channel that closes once the lookup completes, one way or the other;
// the caller should call Lookup again after the channel closes.
func (r *Resolver) Lookup(addr tcpip.Address) (tcpip.LinkAddress, <-chan struct{}, *tcpip.Error) {
	if addr == r.self {
		return "", nil, tcpip.ErrDestinationLocal
	}

	e, ok := r.table[addr]
	if ok && e.state == resolved {
		if r.core.Clock().NowMonotonic() < e.expires {
			return e.linkAddr, nil, nil
		}
		e.state = incomplete
		e.attempt = 0
	}

	if !ok {
		e = &entry{state: incomplete}
		r.table[addr] = e
	}

	done := make(chan struct{})
	e.waiters = append(e.waiters, done)

	if e.timer == nil {
		r.sendRequest(addr, e)
	}
	return "", done, tcpip.ErrWouldBlock
}

// Learn records that addr resolves to linkAddr, completing any pending
// lookups for it. Unsolicited learns (e.g. from a received datagram
// whose source is on the local subnet) are accepted the same way as a
// reply to our own request.
func (r *Resolver) Learn(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	if addr == r.self || len(linkAddr) == 0 {
		return
	}

	e, ok := r.table[addr]
	if !ok {
		e = &entry{}
		r.table[addr] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	e.state = resolved
	e.linkAddr = linkAddr
	e.expires = r.core.Clock().NowMonotonic() + entryLifetime.Nanoseconds()
	e.attempt = 0

	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		close(w)
	}
}

func (r *Resolver) sendRequest(addr tcpip.Address, e *entry) {
	e.attempt++
	if r.requester != nil {
		r.requester.Request(addr)
	}
	e.timer = r.core.AfterFunc(resolutionTimeout, func() {
		r.retryOrFail(addr)
	})
}

func (r *Resolver) retryOrFail(addr tcpip.Address) {
	e, ok := r.table[addr]
	if !ok || e.state == resolved {
		return
	}
	if e.attempt >= maxAttempts {
		delete(r.table, addr)
		waiters := e.waiters
		e.waiters = nil
		for _, w := range waiters {
			close(w)
		}
		return
	}
	r.sendRequest(addr, e)
}
