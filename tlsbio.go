// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/nbnet/sockerr"
)

// tlsWant is the outcome of one incremental TLS step.
type tlsWant int

const (
	// tlsComplete means the operation finished (successfully or not).
	tlsComplete tlsWant = iota

	// tlsWantRead means the step needs the descriptor to become readable.
	tlsWantRead

	// tlsWantWrite means the step needs the descriptor to become writable.
	tlsWantWrite
)

// events converts the want into the readiness to wait for.
func (w tlsWant) events() Events {
	switch w {
	case tlsWantRead:
		return Readable
	case tlsWantWrite:
		return Writable
	default:
		return 0
	}
}

// errWouldBlock is returned to the TLS engine when the descriptor has no
// data. Temporary errors are not sticky in [*tls.Conn], so the same record
// read is resumed by the next Read call.
type errWouldBlock struct{}

var _ net.Error = errWouldBlock{}

func (errWouldBlock) Error() string   { return "nbnet: operation would block" }
func (errWouldBlock) Timeout() bool   { return false }
func (errWouldBlock) Temporary() bool { return true }

// tlsBIO is the memory transport a [TLSConn] runs over.
//
// Ciphertext produced by the engine is queued in out and flushed to the
// descriptor by [*tlsBIO.flush]. While a handshake is driven by [*tlsBIO.step]
// the engine runs in its own goroutine and Read parks until step feeds it
// ciphertext. Once the handshake is over Read reads the descriptor directly and
// reports [errWouldBlock] instead of blocking.
type tlsBIO struct {
	fd     int
	laddr  net.Addr
	raddr  net.Addr
	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	eof    bool
	rerr   error
	closed bool

	// handshake goroutine bookkeeping
	parked  bool
	running bool
	done    bool
	herr    error
	cancel  context.CancelFunc
}

var _ net.Conn = &tlsBIO{}

func newTLSBIO(fd int, laddr, raddr net.Addr) *tlsBIO {
	b := &tlsBIO{fd: fd, laddr: laddr, raddr: raddr}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Read implements [net.Conn].
func (b *tlsBIO) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.parked = true
		b.cond.Broadcast()
		for len(b.in) <= 0 && !b.eof && b.rerr == nil && !b.closed {
			b.cond.Wait()
		}
		b.parked = false
	}
	switch {
	case b.closed:
		return 0, net.ErrClosed
	case len(b.in) > 0:
		n := copy(p, b.in)
		b.in = b.in[n:]
		return n, nil
	case b.rerr != nil:
		return 0, b.rerr
	case b.eof:
		return 0, io.EOF
	}
	n, err := fdRead(b.fd, p)
	switch {
	case sockerr.IsWouldBlock(err):
		return 0, errWouldBlock{}
	case err == io.EOF:
		b.eof = true
	}
	return n, err
}

// Write implements [net.Conn]. The data is queued and never fails
// because write errors are sticky inside the TLS engine.
func (b *tlsBIO) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, net.ErrClosed
	}
	b.out = append(b.out, data...)
	return len(data), nil
}

// Close implements [net.Conn]. It does not close the descriptor, which
// belongs to the [*Socket].
func (b *tlsBIO) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// LocalAddr implements [net.Conn].
func (b *tlsBIO) LocalAddr() net.Addr { return b.laddr }

// RemoteAddr implements [net.Conn].
func (b *tlsBIO) RemoteAddr() net.Addr { return b.raddr }

// SetDeadline implements [net.Conn]. Deadlines are enforced by the poll
// loop driving the socket, so they are ignored here.
func (b *tlsBIO) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline implements [net.Conn].
func (b *tlsBIO) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline implements [net.Conn].
func (b *tlsBIO) SetWriteDeadline(t time.Time) error { return nil }

// truncated returns whether the engine read the end of the stream from the
// descriptor. The engine stops reading once it sees close_notify, so this
// only happens when the peer closed the connection without sending one.
func (b *tlsBIO) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof
}

// flush writes queued ciphertext to the descriptor without blocking.
//
// Returns [tlsWantWrite] when the send buffer filled up first.
func (b *tlsBIO) flush() (tlsWant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.out) > 0 {
		n, err := fdWrite(b.fd, b.out)
		if sockerr.IsWouldBlock(err) {
			return tlsWantWrite, nil
		}
		if err != nil {
			return tlsComplete, err
		}
		b.out = b.out[n:]
	}
	b.out = nil
	return tlsComplete, nil
}

// start runs a blocking handshake function in a background goroutine
// whose reads are fed by [*tlsBIO.step].
func (b *tlsBIO) start(handshake func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()
	go func() {
		err := handshake(ctx)
		b.mu.Lock()
		b.done = true
		b.herr = err
		b.running = false
		b.cond.Broadcast()
		b.mu.Unlock()
		cancel()
	}()
}

// step advances the handshake started with [*tlsBIO.start] as far as
// possible without blocking on the descriptor.
//
// Returns [tlsComplete] together with the handshake result once the engine
// is done and its last flight has been flushed.
func (b *tlsBIO) step() (tlsWant, error) {
	for {
		b.mu.Lock()
		for !b.done && !(b.parked && len(b.in) <= 0) {
			b.cond.Wait()
		}
		done, herr := b.done, b.herr
		b.mu.Unlock()

		want, err := b.flush()
		if err != nil {
			return tlsComplete, err
		}
		if want != tlsComplete {
			return want, nil
		}
		if done {
			return tlsComplete, herr
		}

		var buf [16384]byte
		n, err := fdRead(b.fd, buf[:])
		if sockerr.IsWouldBlock(err) {
			return tlsWantRead, nil
		}
		b.mu.Lock()
		switch {
		case err == io.EOF:
			b.eof = true
		case err != nil:
			b.rerr = err
		default:
			b.in = append(b.in, buf[:n]...)
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// abort stops a handshake goroutine still waiting for ciphertext.
func (b *tlsBIO) abort() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.Close()
}

