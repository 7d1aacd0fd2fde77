// Copyright 2020 The gVisor Authors.
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

// Package cleanup provides a Cleanup helper for unwinding partially
// constructed state on an error path: a multi-step setup (allocate driver
// buffers, then register RX queue, then...) that fails halfway through
// needs every prior step's acquisition undone in reverse order, unless
// construction reaches the end successfully.
package cleanup

// Cleanup runs a stack of functions in reverse order of registration,
// unless Release is called first. It is meant to be used with defer to
// simplify functions with multiple failure points and resources that need
// to be released.
type Cleanup struct {
	cleanups []func()
}

// Make creates a new Cleanup object with f as its first registered
// function, which therefore runs last.
func Make(f func()) Cleanup {
	return Cleanup{cleanups: []func(){f}}
}

// Add adds a new function to the stack of functions to run, on top of the
// function(s) already present.
func (c *Cleanup) Add(f func()) {
	c.cleanups = append(c.cleanups, f)
}

// Clean runs all cleanup functions in reverse order of registration.
func (c *Cleanup) Clean() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

// Release releases the cleanup from its duty, returning a function that
// will run the same cleanups as Clean would have. Call this to turn off
// the cleanup after construction has succeeded.
func (c *Cleanup) Release() func() {
	cleanups := c.cleanups
	c.cleanups = nil
	return func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}
