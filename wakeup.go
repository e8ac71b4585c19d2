//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/cancelwatch.go
//

package nbnet

import (
	"context"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// wakeup is a self-pipe used to interrupt a blocking [Poll] from another
// goroutine: the read end sits in the descriptor set next to the real
// descriptors and becomes readable once [*wakeup.Signal] is called.
type wakeup struct {
	mu     sync.Mutex
	rfd    int
	wfd    int
	closed bool
}

func newWakeup() (*wakeup, error) {
	var p [2]int
	syscall.ForkLock.RLock()
	err := unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	return &wakeup{rfd: p[0], wfd: p[1]}, nil
}

// FD returns the descriptor to poll for readability.
func (w *wakeup) FD() int {
	return w.rfd
}

// Signal makes the read end readable. Safe to call from any goroutine.
func (w *wakeup) Signal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	_, err := unix.Write(w.wfd, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil // a full pipe is already signalled
}

// Drain consumes all pending signals and reports whether there were any.
func (w *wakeup) Drain() bool {
	var (
		buf      [64]byte
		signaled bool
	)
	for {
		n, err := unix.Read(w.rfd, buf[:])
		if n > 0 {
			signaled = true
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return signaled
		}
	}
}

// WatchContext arranges for the wakeup to fire when ctx is done.
//
// Calling the returned function unregisters the watcher.
func (w *wakeup) WatchContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = w.Signal()
	})
}

// Close releases both ends of the pipe.
func (w *wakeup) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	unix.Close(w.wfd)
	return fdClose(w.rfd)
}
