//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/observeconn.go
//

package nbnet

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// NetConn returns a [net.Conn] view of a connected socket.
//
// The view lets libraries that expect a [net.Conn] (HTTP/2, DNS transports)
// run over a [*Socket]: deadlines become context deadlines of the blocking
// socket operations and moving a deadline into the past interrupts a pending
// read or write. Like any [net.Conn], one Read may run concurrently with one
// Write. Closing the view closes the socket.
//
// The socket must not be used directly while the view is in use.
func (s *Socket) NetConn() net.Conn {
	c := &socketConn{sock: s}
	c.rd.wake, _ = newWakeup()
	c.wr.wake, _ = newWakeup()
	return c
}

// socketConn adapts a [*Socket] to [net.Conn].
type socketConn struct {
	closed    atomic.Bool
	closeonce sync.Once
	rd        connDirection
	sock      *Socket
	wr        connDirection
}

// connDirection is the deadline and wakeup state of one I/O direction.
type connDirection struct {
	io       sync.Mutex // serializes operations in this direction
	mu       sync.Mutex
	deadline time.Time
	cancel   context.CancelFunc
	wake     *wakeup
}

var _ net.Conn = &socketConn{}

// Close implements [net.Conn].
//
// Subsequent calls return [net.ErrClosed], consistent with Go's standard
// library behavior for closed connections.
func (c *socketConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		c.closed.Store(true)
		c.rd.interrupt()
		c.wr.interrupt()
		c.rd.io.Lock()
		defer c.rd.io.Unlock()
		c.wr.io.Lock()
		defer c.wr.io.Unlock()
		err = c.sock.Close()
		for _, w := range []*wakeup{c.rd.wake, c.wr.wake} {
			if w != nil {
				w.Close()
			}
		}
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *socketConn) LocalAddr() net.Addr {
	return c.sock.local.TCPAddr()
}

// RemoteAddr implements [net.Conn].
func (c *socketConn) RemoteAddr() net.Addr {
	return c.sock.remote.TCPAddr()
}

// ConnectionState returns the TLS state of the socket, if any.
func (c *socketConn) ConnectionState() tls.ConnectionState {
	state, _ := c.sock.ConnectionState()
	return state
}

// Read implements [net.Conn].
func (c *socketConn) Read(buf []byte) (int, error) {
	c.rd.io.Lock()
	defer c.rd.io.Unlock()
	ctx, cancel := c.rd.begin()
	defer cancel()
	count, err := c.sock.read(ctx, c.rd.wake, buf)
	return count, c.interrupted(&c.rd, "read", err)
}

// Write implements [net.Conn].
func (c *socketConn) Write(data []byte) (int, error) {
	c.wr.io.Lock()
	defer c.wr.io.Unlock()
	ctx, cancel := c.wr.begin()
	defer cancel()
	count, err := c.sock.write(ctx, c.wr.wake, data)
	return count, c.interrupted(&c.wr, "write", err)
}

// SetDeadline implements [net.Conn].
func (c *socketConn) SetDeadline(t time.Time) error {
	c.logDeadline("setDeadline", t)
	c.rd.set(t)
	c.wr.set(t)
	return nil
}

// SetReadDeadline implements [net.Conn].
func (c *socketConn) SetReadDeadline(t time.Time) error {
	c.logDeadline("setReadDeadline", t)
	c.rd.set(t)
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *socketConn) SetWriteDeadline(t time.Time) error {
	c.logDeadline("setWriteDeadline", t)
	c.wr.set(t)
	return nil
}

// interrupted maps the cancellation caused by Close or by an expired
// deadline to the errors a [net.Conn] user expects.
func (c *socketConn) interrupted(d *connDirection, op string, err error) error {
	if err == nil || !errors.Is(err, context.Canceled) {
		return err
	}
	if c.closed.Load() {
		return net.ErrClosed
	}
	if d.expired() {
		return &OpError{Op: op, Addr: c.sock.remote.String(), Err: ErrIOTimeout}
	}
	return err
}

func (c *socketConn) logDeadline(msg string, t time.Time) {
	c.sock.Logger.Debug(
		msg,
		slog.Time("deadline", t),
		slog.String("localAddr", c.sock.local.String()),
		slog.String("protocol", c.sock.protocol()),
		slog.String("remoteAddr", c.sock.remote.String()),
		slog.Time("t", c.sock.TimeNow()),
	)
}

// begin returns the context of one operation, bounded by the current
// deadline and cancelled by [*connDirection.interrupt].
func (d *connDirection) begin() (context.Context, context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	if !d.deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, d.deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	d.cancel = cancel
	return ctx, func() {
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
		cancel()
	}
}

// set changes the deadline, interrupting a running operation when the
// new deadline is already expired. Deadlines set while an operation is
// running apply to the next one.
func (d *connDirection) set(t time.Time) {
	d.mu.Lock()
	d.deadline = t
	d.mu.Unlock()
	if !t.IsZero() && !t.After(time.Now()) {
		d.interrupt()
	}
}

func (d *connDirection) expired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.deadline.IsZero() && !d.deadline.After(time.Now())
}

func (d *connDirection) interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}
