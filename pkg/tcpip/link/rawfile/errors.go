// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package rawfile

import (
	"golang.org/x/sys/unix"

	"shardnet/pkg/tcpip"
)

var translations = map[unix.Errno]*tcpip.Error{
	unix.ENETUNREACH: tcpip.ErrNoRoute,
	unix.EWOULDBLOCK: tcpip.ErrWouldBlock, // EAGAIN is an alias for EWOULDBLOCK on linux
	unix.ETIMEDOUT:   tcpip.ErrTimeout,
	unix.ENOBUFS:     tcpip.ErrNoBufferSpace,
	unix.ENOMEM:      tcpip.ErrNoBufferSpace,
	unix.EPIPE:       tcpip.ErrClosedForSend,
}

// TranslateErrno translates an errno returned by a raw syscall into a
// *tcpip.Error. Unrecognized errnos fall back to ErrAborted rather than
// panicking, since an unexpected errno from the host is still just a
// transmit/receive failure to the stack above.
func TranslateErrno(e unix.Errno) *tcpip.Error {
	if err, ok := translations[e]; ok {
		return err
	}
	return tcpip.ErrAborted
}
