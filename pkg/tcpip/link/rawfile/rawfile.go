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

//go:build linux

// Package rawfile contains low-level utilities for talking to a raw or TUN
// host file descriptor standing in for a poll-mode NIC ring.
package rawfile

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"shardnet/pkg/tcpip"
)

// SizeofIovec is the size of a unix.Iovec in bytes.
const SizeofIovec = unsafe.Sizeof(unix.Iovec{})

// MaxIovs is the maximum number of iovecs passed to a single host call.
const MaxIovs = 1024

// IovecFromBytes returns a unix.Iovec representing bs.
//
// Preconditions: len(bs) > 0.
func IovecFromBytes(bs []byte) unix.Iovec {
	iov := unix.Iovec{Base: &bs[0]}
	iov.SetLen(len(bs))
	return iov
}

// GetMTU determines the MTU of a network interface device.
func GetMTU(name string) (uint32, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifreq struct {
		name [16]byte
		mtu  int32
		_    [20]byte
	}
	copy(ifreq.name[:], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGIFMTU, uintptr(unsafe.Pointer(&ifreq)))
	if errno != 0 {
		return 0, errno
	}
	return uint32(ifreq.mtu), nil
}

// NonBlockingWrite writes the given buffer to a file descriptor. It fails if
// partial data is written.
func NonBlockingWrite(fd int, buf []byte) *tcpip.Error {
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	_, _, e := unix.RawSyscall(unix.SYS_WRITE, uintptr(fd), uintptr(ptr), uintptr(len(buf)))
	if e != 0 {
		return TranslateErrno(e)
	}
	return nil
}

// NonBlockingWriteIovec writes iovec to a file descriptor in a single call.
func NonBlockingWriteIovec(fd int, iovec []unix.Iovec) *tcpip.Error {
	_, _, e := unix.RawSyscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&iovec[0])), uintptr(len(iovec)))
	if e != 0 {
		return TranslateErrno(e)
	}
	return nil
}

// BlockingRead reads from a file descriptor that is set up as non-blocking.
// If no data is available, it blocks in poll(2) until the descriptor
// becomes readable.
func BlockingRead(fd int, b []byte) (int, *tcpip.Error) {
	for {
		n, _, e := unix.RawSyscall(unix.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)))
		if e == 0 {
			return int(n), nil
		}
		if e != unix.EWOULDBLOCK && e != unix.EAGAIN {
			return 0, TranslateErrno(e)
		}
		if err := pollReadable(fd); err != 0 && err != unix.EINTR {
			return 0, TranslateErrno(err)
		}
	}
}

// NonBlockingRead reads from a non-blocking file descriptor without
// waiting: it returns ErrWouldBlock immediately if no data is queued,
// rather than parking in poll(2). This is what a poll-mode RX loop calls
// once per core, per tick, instead of ever blocking a core on I/O.
func NonBlockingRead(fd int, b []byte) (int, *tcpip.Error) {
	n, _, e := unix.RawSyscall(unix.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)))
	if e == 0 {
		return int(n), nil
	}
	return 0, TranslateErrno(e)
}

// pollReadable blocks until fd is readable.
func pollReadable(fd int) unix.Errno {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, -1); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		return unix.EINVAL
	}
	return 0
}
