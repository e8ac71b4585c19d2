// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"
)

// NewSocket returns a new idle [*Socket].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSocket(cfg *Config, logger SLogger) *Socket {
	return &Socket{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TLSEngine:     cfg.TLSEngine,
		TimeNow:       cfg.TimeNow,
		fd:            -1,
		registered:    -1,
	}
}

// Socket is a non-blocking TCP endpoint with an embedded TLS state machine.
//
// Every operation exists in two flavours. Blocking operations take a
// [context.Context] and wait for readiness internally: an expired deadline
// fails with [ErrIOTimeout] and leaves the socket in the state it was in, so
// the operation may be resumed or the socket closed. Event-driven operations
// (BeginXxx) require [*Socket.Attach] and return immediately; the matching
// OnXxx callback fires from [*Poller.Wait] once the operation completes and
// the result is collected with the matching EndXxx method.
//
// A Socket must be used by a single goroutine at a time, except through
// [*Socket.NetConn], which allows one reader and one writer. To interrupt a
// blocking operation from another goroutine, cancel its context.
type Socket struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewSocket] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewSocket] to the user-provided logger.
	Logger SLogger

	// TLSEngine creates the TLS session. Server handshakes require
	// the engine to implement [TLSServerEngine].
	//
	// Set by [NewSocket] from [Config.TLSEngine].
	TLSEngine TLSEngine

	// TimeNow is the function to get the current time.
	//
	// Set by [NewSocket] from [Config.TimeNow].
	TimeNow func() time.Time

	// VerifyPeer, when not nil, is called after a successful handshake.
	// Returning an error rejects the peer: the socket goes back to plain
	// [SocketConnected] and the handshake fails with [ErrCertificateRejected].
	VerifyPeer func(state tls.ConnectionState) error

	// OnConnected fires when an event-driven connect completes.
	OnConnected func(s *Socket) error

	// OnInput fires when an event-driven read completes.
	OnInput func(s *Socket) error

	// OnOutput fires when an event-driven write completes.
	OnOutput func(s *Socket) error

	// OnTLSHandshake fires when an event-driven handshake completes.
	OnTLSHandshake func(s *Socket) error

	// OnTLSShutdown fires when an event-driven TLS shutdown completes.
	OnTLSShutdown func(s *Socket) error

	// mu guards state and fault, which the reader and the writer
	// of a [*Socket.NetConn] view may change concurrently.
	mu    sync.Mutex
	state SocketState

	fd     int
	local  Address
	remote Address

	// connect candidates
	addrs     *AddressList
	next      int
	attempts  []AttemptError
	connectT0 time.Time

	// pending is the asynchronous connect failure reported by EndConnect.
	pending error

	// fault is the error that moved the socket to SocketFaulted.
	fault error

	// tls is the active session; rejected is a session whose peer was
	// refused by VerifyPeer, kept until Close.
	tls      *tlsSession
	rejected *tlsSession
	tlsEOF   bool

	wake       *wakeup
	poller     *Poller
	registered int

	// event-driven read; rwant is the readiness the read waits for
	rbuf    []byte
	rwant   Events
	reading bool
	rdone   bool
	rn      int
	rerr    error

	// write progress, shared by the blocking and event-driven paths
	wbuf    []byte
	wn      int
	wsealed bool
	writing bool
	wdone   bool
	werr    error

	// event-driven TLS handshake or shutdown
	tlsBusy bool
	tlsWant Events
	tlsDone bool
	tlsErr  error
}

// State returns the current state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FD returns the descriptor or -1 when there is none.
func (s *Socket) FD() int {
	return s.fd
}

// LocalAddress returns the local address of a connected socket.
func (s *Socket) LocalAddress() Address {
	return s.local
}

// RemoteAddress returns the peer address, or the candidate being
// tried while connecting.
func (s *Socket) RemoteAddress() Address {
	return s.remote
}

// Err returns the error that faulted the socket, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// ConnectionState returns the TLS state when the socket speaks TLS.
func (s *Socket) ConnectionState() (tls.ConnectionState, bool) {
	if s.tls == nil {
		return tls.ConnectionState{}, false
	}
	return s.tls.conn.ConnectionState(), true
}

// Attach registers the socket with p so that event-driven operations
// can make progress from [*Poller.Wait].
func (s *Socket) Attach(p *Poller) {
	s.detach()
	s.poller = p
	s.updateInterest()
}

// Close releases the descriptor and any TLS session together.
//
// Close is allowed in every state, including [SocketFaulted]. Closing
// twice fails with [ErrClosed].
func (s *Socket) Close() error {
	if s.State() == SocketClosed {
		return ErrClosed
	}
	t0 := s.TimeNow()
	s.logCloseStart(t0)
	s.detach()
	for _, sess := range []*tlsSession{s.tls, s.rejected} {
		if sess != nil {
			sess.bio.abort()
		}
	}
	s.tls, s.rejected = nil, nil
	var err error
	if s.fd >= 0 {
		err = fdClose(s.fd)
		s.fd = -1
	}
	if s.wake != nil {
		s.wake.Close()
		s.wake = nil
	}
	s.transition(evClose)
	s.logCloseDone(t0, err)
	return err
}

// transition applies ev to the current state.
func (s *Socket) transition(ev socketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := nextSocketState(s.state, ev)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// usable fails when the socket is faulted or closed.
func (s *Socket) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SocketFaulted:
		return s.fault
	case SocketClosed:
		return ErrClosed
	default:
		return nil
	}
}

// fail moves the socket to [SocketFaulted] and stores the error that
// all the following operations will return.
//
// When the other direction of a [*Socket.NetConn] view faulted first, the
// stored error wins and is returned instead.
func (s *Socket) fail(op string, err error) error {
	s.mu.Lock()
	if s.state == SocketFaulted {
		fault := s.fault
		s.mu.Unlock()
		return fault
	}
	s.fault = &OpError{Op: op, Addr: s.remote.String(), Err: normalizeIOError(err)}
	s.state, _ = nextSocketState(s.state, evFault)
	fault := s.fault
	s.mu.Unlock()
	if s.poller != nil {
		s.reading, s.writing, s.tlsBusy = false, false, false
		s.updateInterest()
	}
	return fault
}

// wakeup returns the lazily created wake descriptor used to observe
// context cancellation, or nil if it cannot be created.
func (s *Socket) wakeup() *wakeup {
	if s.wake == nil {
		if w, err := newWakeup(); err == nil {
			s.wake = w
		}
	}
	return s.wake
}

// await blocks until the descriptor is ready for want or ctx is done,
// observing cancellation through w.
func (s *Socket) await(ctx context.Context, w *wakeup, op string, want Events) error {
	fds := []PollFD{{FD: s.fd, Events: want}}
	if _, err := pollContext(ctx, w, fds); err != nil {
		return &OpError{Op: op, Addr: s.remote.String(), Err: err}
	}
	return nil
}

// drive runs step until it no longer asks to wait, waiting for the
// readiness it asks for in between.
func (s *Socket) drive(ctx context.Context, w *wakeup, op string, step func() (Events, error)) error {
	for {
		want, err := step()
		if err != nil || want == 0 {
			return err
		}
		if err := s.await(ctx, w, op, want); err != nil {
			return err
		}
	}
}

// updateInterest synchronizes the poller registration with the
// operations in progress.
func (s *Socket) updateInterest() {
	if s.poller == nil {
		return
	}
	if s.fd < 0 {
		s.detach()
		return
	}
	var events Events
	switch {
	case s.State() == SocketConnecting:
		events = Writable
	case s.tlsBusy:
		events = s.tlsWant
	default:
		if s.reading {
			events |= s.rwant
		}
		if s.writing {
			events |= Writable
		}
	}
	if s.registered != s.fd {
		if s.registered >= 0 {
			s.poller.Unregister(s.registered)
		}
		s.poller.Register(s.fd, events, s.onReady)
		s.registered = s.fd
		return
	}
	s.poller.Modify(s.fd, events)
}

func (s *Socket) detach() {
	if s.poller != nil && s.registered >= 0 {
		s.poller.Unregister(s.registered)
	}
	s.registered = -1
}

// onReady is the [ReadyFunc] registered with the poller.
func (s *Socket) onReady(ready Events) error {
	state := s.State()
	switch {
	case state == SocketConnecting:
		return s.onConnectReady()
	case s.tlsBusy && state.handshaking():
		return s.onHandshakeReady()
	case s.tlsBusy && state == SocketTLSShuttingDown:
		return s.onShutdownReady()
	}
	var errs []error
	if s.reading && ready&(s.rwant|Error) != 0 {
		if err := s.onReadReady(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.writing && ready&(Writable|Error) != 0 {
		if err := s.onWriteReady(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// emit fires cb. Without a subscriber, the failure stored in *errp is
// returned to [*Poller.Wait] so it is never lost.
func (s *Socket) emit(cb func(*Socket) error, errp *error) error {
	if cb != nil {
		return cb(s)
	}
	err := *errp
	*errp = nil
	return err
}

func (s *Socket) logCloseStart(t0 time.Time) {
	s.Logger.Info(
		"closeStart",
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", s.remote.String()),
		slog.String("socketState", s.State().String()),
		slog.Time("t", t0),
	)
}

func (s *Socket) logCloseDone(t0 time.Time, err error) {
	s.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}
