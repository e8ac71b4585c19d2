//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/unix.go
//

package sockerr

import "golang.org/x/sys/unix"

// wouldBlock are the errnos a non-blocking descriptor returns when the
// operation must be retried once the descriptor becomes ready.
var wouldBlock = []unix.Errno{
	unix.EAGAIN,
	unix.EWOULDBLOCK,
}

// inProgress are the errnos a non-blocking connect returns while the
// three-way handshake is still running.
var inProgress = []unix.Errno{
	unix.EINPROGRESS,
	unix.EALREADY,
	unix.EINTR,
}

// disconnect are the errnos meaning the peer is gone.
var disconnect = []unix.Errno{
	unix.EPIPE,
	unix.ECONNRESET,
	unix.ECONNABORTED,
	unix.ENOTCONN,
	unix.ESHUTDOWN,
}

const (
	errEADDRINUSE = unix.EADDRINUSE
	errEINTR      = unix.EINTR
)
