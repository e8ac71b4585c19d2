// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockerr recognises the errno values returned by non-blocking
// socket system calls.
//
// Every predicate uses [errors.As] so it also matches errnos wrapped in
// [*os.SyscallError] or any other error chain.
package sockerr

import (
	"errors"
	"slices"

	"golang.org/x/sys/unix"
)

// Errno extracts the [unix.Errno] in the error chain, if any.
func Errno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

func matches(err error, set []unix.Errno) bool {
	errno, ok := Errno(err)
	return ok && slices.Contains(set, errno)
}

// IsWouldBlock returns true for EAGAIN/EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	return matches(err, wouldBlock)
}

// IsInProgress returns true when a non-blocking connect is still running.
//
// EINTR belongs here because POSIX specifies that an interrupted connect
// continues asynchronously.
func IsInProgress(err error) bool {
	return matches(err, inProgress)
}

// IsInterrupted returns true for EINTR.
func IsInterrupted(err error) bool {
	errno, ok := Errno(err)
	return ok && errno == errEINTR
}

// IsAddrInUse returns true for EADDRINUSE.
func IsAddrInUse(err error) bool {
	errno, ok := Errno(err)
	return ok && errno == errEADDRINUSE
}

// IsDisconnect returns true for errors meaning the peer went away
// (broken pipe, connection reset or aborted, not connected).
func IsDisconnect(err error) bool {
	return matches(err, disconnect)
}
