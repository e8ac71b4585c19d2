// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import "golang.org/x/sys/unix"

func fdSend(fd int, data []byte) (int, error) {
	return unix.Write(fd, data)
}

// fdNoSigPipe sets SO_NOSIGPIPE since darwin has no MSG_NOSIGNAL.
func fdNoSigPipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

func fdDeferAccept(fd int) {
	// not supported
}
