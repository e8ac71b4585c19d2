//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"io"
	"os"
	"syscall"

	"github.com/bassosimone/nbnet/sockerr"
	"golang.org/x/sys/unix"
)

// fdNewStream creates a non-blocking stream socket of the given family.
//
// Unless inherit is true the descriptor is marked close-on-exec while
// holding [syscall.ForkLock], like the net package does.
func fdNewStream(family int, inherit bool) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil && !inherit {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := fdPrepare(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// fdPrepare makes fd non-blocking and suppresses SIGPIPE where the
// platform does that per socket.
func fdPrepare(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	if err := fdNoSigPipe(fd); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

// fdConnect issues a non-blocking connect.
//
// Returns (true, nil) when connected immediately and (false, nil) when the
// connection is in progress.
func fdConnect(fd int, sa unix.Sockaddr) (bool, error) {
	err := unix.Connect(fd, sa)
	switch {
	case err == nil:
		return true, nil
	case sockerr.IsInProgress(err):
		return false, nil
	default:
		return false, os.NewSyscallError("connect", err)
	}
}

// fdConnectResult reads the pending socket error after a non-blocking
// connect reported writability.
func fdConnectResult(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soerr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soerr))
	}
	return nil
}

// fdRead reads from a non-blocking descriptor, retrying on EINTR.
//
// Returns [io.EOF] on orderly shutdown and the raw EAGAIN errno when no data
// is available.
func fdRead(fd int, buf []byte) (int, error) {
	if len(buf) <= 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case sockerr.IsInterrupted(err):
			continue
		case sockerr.IsWouldBlock(err):
			return 0, err
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// fdWrite writes to a non-blocking descriptor, retrying on EINTR.
//
// Returns the raw EAGAIN errno when the send buffer is full.
func fdWrite(fd int, data []byte) (int, error) {
	if len(data) <= 0 {
		return 0, nil
	}
	for {
		n, err := fdSend(fd, data)
		switch {
		case err == nil:
			return n, nil
		case sockerr.IsInterrupted(err):
			continue
		case sockerr.IsWouldBlock(err):
			return 0, err
		default:
			return 0, os.NewSyscallError("write", err)
		}
	}
}

// fdListen creates, configures, binds and listens on a socket for addr.
func fdListen(addr Address, backlog int, opts ListenOptions) (int, error) {
	fd, err := fdNewStream(addr.Family(), opts&ListenInherit != 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if addr.Family() == unix.AF_INET6 {
		// Otherwise binding [::] conflicts with a 0.0.0.0 listener on the same port.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt", err)
		}
	}
	if opts&ListenDeferAccept != 0 {
		fdDeferAccept(fd) // best effort
	}
	if err := unix.Bind(fd, addr.sockaddr()); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// fdAccept accepts a pending connection and prepares the new descriptor.
//
// Returns the raw EAGAIN errno when no connection is pending.
func fdAccept(fd int, inherit bool) (int, unix.Sockaddr, error) {
	for {
		syscall.ForkLock.RLock()
		nfd, sa, err := unix.Accept(fd)
		if err == nil && !inherit {
			unix.CloseOnExec(nfd)
		}
		syscall.ForkLock.RUnlock()
		switch {
		case err == nil:
			if err := fdPrepare(nfd); err != nil {
				unix.Close(nfd)
				return -1, nil, err
			}
			return nfd, sa, nil
		case sockerr.IsInterrupted(err), err == unix.ECONNABORTED:
			continue
		case sockerr.IsWouldBlock(err):
			return -1, nil, err
		default:
			return -1, nil, os.NewSyscallError("accept", err)
		}
	}
}

// fdLocalAddress returns the bound address of fd.
func fdLocalAddress(host string, fd int) Address {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Address{host: host}
	}
	return addressFromSockaddr(host, sa)
}

// fdClose closes fd ignoring EINTR, which on Linux still releases it.
func fdClose(fd int) error {
	if err := unix.Close(fd); err != nil && !sockerr.IsInterrupted(err) {
		return os.NewSyscallError("close", err)
	}
	return nil
}
