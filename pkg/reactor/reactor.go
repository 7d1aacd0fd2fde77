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

// Package reactor implements the single-threaded, cooperative per-core
// event loop that every other component in this repository runs on top
// of. A Core owns a task queue; the only way another core, or any
// background goroutine, may touch a core's state is by submitting a
// closure through that queue. There is no locking anywhere in this
// package, matching the no-locking requirement on per-core state: the
// channel is the lock.
//
// This is a minimal stand-in for the kind of reactor a full DPDK-style
// poll-mode stack would build on; the reactor's own implementation
// (io_uring/epoll integration, CPU pinning, run-to-completion scheduling
// policy) is treated as already available infrastructure, per this
// repository's scope.
package reactor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shardnet/pkg/tcpip"
)

// taskQueueDepth bounds how many pending cross-core submissions a core
// will buffer before SubmitTo blocks the submitter. Forwarding is
// best-effort per the concurrency model, but an unbounded channel would
// let one core's backlog grow without limit if a peer stalls.
const taskQueueDepth = 4096

// Core is one shard of the shared-nothing stack: a single goroutine
// running a run-to-completion loop, plus a clock used for all of this
// core's timekeeping so that tests can substitute a deterministic one.
type Core struct {
	id    int
	tasks chan func()
	clock tcpip.Clock
	log   *logrus.Entry
}

// Manager owns the full set of cores and is the only way one core's code
// reaches another core's queue.
type Manager struct {
	cores []*Core
}

// NewManager creates a Manager with n cores sharing the given clock. In
// production each core would carry its own high-resolution monotonic
// clock; sharing one clock (real or fake) across cores is what lets tests
// drive every core's timers from a single ManualClock.Advance call.
func NewManager(n int, clock tcpip.Clock, log *logrus.Logger) *Manager {
	m := &Manager{cores: make([]*Core, n)}
	for i := 0; i < n; i++ {
		m.cores[i] = &Core{
			id:    i,
			tasks: make(chan func(), taskQueueDepth),
			clock: clock,
			log:   log.WithField("core", i),
		}
	}
	return m
}

// NumCores returns the number of cores the manager was built with.
func (m *Manager) NumCores() int {
	return len(m.cores)
}

// Core returns the core with the given id. It panics on an out-of-range
// id, matching the spec's treatment of an unknown NIC/core id as a
// programmer error rather than a runtime condition to recover from.
func (m *Manager) Core(id int) *Core {
	return m.cores[id]
}

// SubmitTo enqueues a task onto the named core's queue. This is the only
// concurrency primitive in the stack: every cross-core interaction —
// flow-hash forwarding, a ref-counted packet's release being retargeted
// to its owning core — goes through here.
func (m *Manager) SubmitTo(core int, task func()) {
	m.cores[core].tasks <- task
}

// ID returns the core's index.
func (c *Core) ID() int {
	return c.id
}

// Log returns this core's tagged logger.
func (c *Core) Log() *logrus.Entry {
	return c.log
}

// Clock returns this core's clock.
func (c *Core) Clock() tcpip.Clock {
	return c.clock
}

// SubmitTo enqueues a task onto this core's own queue. Code already
// running on the core uses this to schedule follow-up work (e.g. a timer
// callback) without reentering the caller's stack.
func (c *Core) SubmitTo(task func()) {
	c.tasks <- task
}

// AfterFunc arms a timer that, when it fires, runs f on this core's loop
// rather than on the clock's own goroutine — preserving the invariant
// that every piece of per-core state is only ever touched from that
// core's loop.
func (c *Core) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	return c.clock.AfterFunc(d, func() {
		c.SubmitTo(f)
	})
}

// Run drives the core's run-to-completion loop until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-c.tasks:
			task()
		}
	}
}

// Start runs every core's loop concurrently and blocks until ctx is
// cancelled or one core's loop returns an error, at which point the
// others are cancelled too. This mirrors how a production stack's EAL
// would bring up one lcore thread per configured queue and tear all of
// them down together on a fatal error.
func (m *Manager) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, core := range m.cores {
		core := core
		g.Go(func() error {
			return core.Run(gctx)
		})
	}
	return g.Wait()
}
