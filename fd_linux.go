// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import "golang.org/x/sys/unix"

// fdSend writes using MSG_NOSIGNAL so a dead peer yields EPIPE, not SIGPIPE.
func fdSend(fd int, data []byte) (int, error) {
	return unix.SendmsgN(fd, data, nil, nil, unix.MSG_NOSIGNAL)
}

func fdNoSigPipe(fd int) error {
	return nil
}

// fdDeferAccept wakes accept only once the client has sent data.
func fdDeferAccept(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 30)
}
