//go:build unix && !linux && !darwin

// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import "golang.org/x/sys/unix"

// fdSend relies on the Go runtime turning SIGPIPE into EPIPE for
// descriptors other than stdout and stderr.
func fdSend(fd int, data []byte) (int, error) {
	return unix.Write(fd, data)
}

func fdNoSigPipe(fd int) error {
	return nil
}

func fdDeferAccept(fd int) {
	// not supported
}
