// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/bassosimone/nbnet/sockerr"
)

// ListenOptions are the option bits of [*Listener.Listen].
type ListenOptions int

const (
	// ListenInherit keeps the listening descriptors open across exec.
	ListenInherit ListenOptions = 1 << iota

	// ListenDeferAccept asks the kernel to wake accept only once data
	// arrives. It is best effort and ignored where unsupported.
	ListenDeferAccept
)

// AcceptFlags are the option bits of [*Listener.Accept].
type AcceptFlags int

const (
	// AcceptInherit keeps the accepted descriptor open across exec.
	AcceptInherit AcceptFlags = 1 << iota
)

// NewListener returns a new [*Listener] that is not listening yet.
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewListener(cfg *Config, logger SLogger) *Listener {
	return &Listener{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      NewResolver(cfg, logger),
		TLSEngine:     cfg.TLSEngine,
		TimeNow:       cfg.TimeNow,
		pending:       -1,
	}
}

// Listener owns one listening descriptor per resolved local address.
//
// Accept must be called by a single goroutine at a time. [*Listener.TerminateAccept]
// is the only method that may be called from another goroutine.
type Listener struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewListener] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewListener] to the user-provided logger.
	Logger SLogger

	// Resolver resolves the address to bind.
	//
	// Set by [NewListener] to a [*Resolver] built from the same config.
	Resolver *Resolver

	// TLSEngine is inherited by the accepted sockets.
	//
	// Set by [NewListener] from [Config.TLSEngine].
	TLSEngine TLSEngine

	// TimeNow is the function to get the current time.
	//
	// Set by [NewListener] from [Config.TimeNow].
	TimeNow func() time.Time

	// OnConnectionPending fires when a listening descriptor of an attached
	// listener becomes readable. The handler should call [*Listener.Accept],
	// which serves the pending descriptor first.
	OnConnectionPending func(l *Listener) error

	fds       []listenFD
	terminate *wakeup
	wake      *wakeup
	poller    *Poller
	pending   int
	closed    bool
}

type listenFD struct {
	fd   int
	addr Address
}

// Listen resolves host and binds and listens on every resolved address.
//
// Addresses that fail (e.g., an unsupported family) are logged and skipped.
// When none succeeds the returned [*ListenError] lists every attempt and
// matches [ErrAddressInUse] if the OS reported the address as in use.
func (l *Listener) Listen(ctx context.Context, host string, port uint16, backlog int, opts ListenOptions) error {
	if l.closed {
		return ErrClosed
	}
	if len(l.fds) > 0 {
		return ErrInvalidState
	}
	addrs, err := l.Resolver.ResolveBind(ctx, host, port)
	if err != nil {
		return err
	}
	terminate, err := newWakeup()
	if err != nil {
		return err
	}

	var attempts []AttemptError
	for addr := range addrs.All() {
		t0 := l.TimeNow()
		l.logListenStart(addr, t0)
		fd, err := fdListen(addr, backlog, opts)
		bound := addr
		if err == nil {
			bound = fdLocalAddress(host, fd)
		}
		l.logListenDone(bound, t0, err)
		if err != nil {
			attempts = append(attempts, AttemptError{Addr: addr, Err: err})
			continue
		}
		l.fds = append(l.fds, listenFD{fd: fd, addr: bound})
	}
	if len(l.fds) <= 0 {
		terminate.Close()
		return &ListenError{Target: net.JoinHostPort(host, strconv.Itoa(int(port))), Attempts: attempts}
	}
	l.terminate = terminate
	l.updateInterest()
	return nil
}

// Addrs returns the bound addresses, including kernel-chosen ports.
func (l *Listener) Addrs() []Address {
	out := make([]Address, 0, len(l.fds))
	for _, entry := range l.fds {
		out = append(out, entry.addr)
	}
	return out
}

// Accept waits for a connection on any listening descriptor and returns
// it as a connected [*Socket].
//
// When [*Listener.TerminateAccept] fires, Accept fails with
// [ErrAcceptTerminated]. The termination is consumed, so the next Accept
// waits normally.
func (l *Listener) Accept(ctx context.Context, flags AcceptFlags) (*Socket, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if len(l.fds) <= 0 {
		return nil, ErrInvalidState
	}

	if idx := l.pending; idx >= 0 {
		l.pending = -1
		sock, err := l.acceptOn(idx, flags)
		if !sockerr.IsWouldBlock(err) {
			return sock, err
		}
	}

	fds := make([]PollFD, 0, len(l.fds)+1)
	for _, entry := range l.fds {
		fds = append(fds, PollFD{FD: entry.fd, Events: Readable})
	}
	fds = append(fds, PollFD{FD: l.terminate.FD(), Events: Readable})
	for {
		if _, err := pollContext(ctx, l.wakeup(), fds); err != nil {
			return nil, &OpError{Op: "accept", Err: err}
		}
		if fds[len(fds)-1].Ready != 0 {
			l.terminate.Drain()
			return nil, ErrAcceptTerminated
		}
		for idx := range l.fds {
			if fds[idx].Ready == 0 {
				continue
			}
			sock, err := l.acceptOn(idx, flags)
			if sockerr.IsWouldBlock(err) {
				continue // another process won the race
			}
			return sock, err
		}
	}
}

// TerminateAccept makes a blocked (or the next) [*Listener.Accept] fail
// with [ErrAcceptTerminated]. It is safe to call from any goroutine.
func (l *Listener) TerminateAccept() error {
	if l.terminate == nil {
		return ErrInvalidState
	}
	return l.terminate.Signal()
}

// Attach registers the listening descriptors with p.
func (l *Listener) Attach(p *Poller) {
	l.detach()
	l.poller = p
	l.updateInterest()
}

// Close closes all the listening descriptors.
func (l *Listener) Close() error {
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	l.detach()
	var errs []error
	for _, entry := range l.fds {
		if err := fdClose(entry.fd); err != nil {
			errs = append(errs, err)
		}
	}
	l.fds = nil
	for _, w := range []*wakeup{l.terminate, l.wake} {
		if w != nil {
			w.Close()
		}
	}
	return errors.Join(errs...)
}

func (l *Listener) acceptOn(idx int, flags AcceptFlags) (*Socket, error) {
	entry := l.fds[idx]
	t0 := l.TimeNow()
	l.logAcceptStart(entry.addr, t0)
	fd, sa, err := fdAccept(entry.fd, flags&AcceptInherit != 0)
	if sockerr.IsWouldBlock(err) {
		return nil, err
	}
	var sock *Socket
	remote := Address{}
	if err == nil {
		remote = addressFromSockaddr("", sa)
		sock = NewSocket(&Config{
			ErrClassifier: l.ErrClassifier,
			TLSEngine:     l.TLSEngine,
			TimeNow:       l.TimeNow,
		}, l.Logger)
		sock.fd = fd
		sock.local = fdLocalAddress(entry.addr.Host(), fd)
		sock.remote = remote
		sock.transition(evAccepted)
	} else {
		err = &OpError{Op: "accept", Addr: entry.addr.String(), Err: err}
	}
	l.logAcceptDone(entry.addr, remote, t0, err)
	return sock, err
}

func (l *Listener) wakeup() *wakeup {
	if l.wake == nil {
		if w, err := newWakeup(); err == nil {
			l.wake = w
		}
	}
	return l.wake
}

func (l *Listener) updateInterest() {
	if l.poller == nil {
		return
	}
	for idx, entry := range l.fds {
		l.poller.Register(entry.fd, Readable, func(ready Events) error {
			l.pending = idx
			if l.OnConnectionPending == nil {
				return nil
			}
			return l.OnConnectionPending(l)
		})
	}
}

func (l *Listener) detach() {
	if l.poller == nil {
		return
	}
	for _, entry := range l.fds {
		l.poller.Unregister(entry.fd)
	}
}

func (l *Listener) logListenStart(addr Address, t0 time.Time) {
	l.Logger.Info(
		"listenStart",
		slog.String("localAddr", addr.String()),
		slog.String("protocol", "tcp"),
		slog.Time("t", t0),
	)
}

func (l *Listener) logListenDone(addr Address, t0 time.Time, err error) {
	l.Logger.Info(
		"listenDone",
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", addr.String()),
		slog.String("protocol", "tcp"),
		slog.Time("t0", t0),
		slog.Time("t", l.TimeNow()),
	)
}

func (l *Listener) logAcceptStart(addr Address, t0 time.Time) {
	l.Logger.Debug(
		"acceptStart",
		slog.String("localAddr", addr.String()),
		slog.String("protocol", "tcp"),
		slog.Time("t", t0),
	)
}

func (l *Listener) logAcceptDone(addr, remote Address, t0 time.Time, err error) {
	l.Logger.Info(
		"acceptDone",
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", addr.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remote.String()),
		slog.Time("t0", t0),
		slog.Time("t", l.TimeNow()),
	)
}
