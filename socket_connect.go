// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bassosimone/runtimex"
)

// Connect connects to the first reachable candidate of addrs, blocking
// until the connection is established or every candidate has failed.
//
// On failure the returned [*ConnectError] lists every address tried and why
// it failed. A deadline expiring while a candidate is still pending leaves the
// socket in [SocketConnecting]; the returned error matches [ErrIOTimeout].
func (s *Socket) Connect(ctx context.Context, addrs *AddressList) error {
	connected, err := s.BeginConnect(addrs)
	if err != nil || connected {
		return err
	}
	return s.EndConnect(ctx)
}

// BeginConnect starts connecting to the candidates of addrs in order.
//
// Returns true when the connection was established immediately. Otherwise
// the connect is in progress: complete it with [*Socket.EndConnect] or, when
// attached to a [*Poller], wait for [Socket.OnConnected].
func (s *Socket) BeginConnect(addrs *AddressList) (bool, error) {
	runtimex.Assert(addrs != nil)
	if err := s.usable(); err != nil {
		return false, err
	}
	if state := s.State(); state != SocketIdle {
		return false, fmt.Errorf("%w: connect in state %s", ErrInvalidState, state)
	}
	s.addrs, s.next, s.attempts, s.pending = addrs, 0, nil, nil
	connected, err := s.connectNext()
	s.updateInterest()
	return connected, err
}

// EndConnect completes a connect started by [*Socket.BeginConnect].
//
// When the connect is still in progress EndConnect waits for it. When it
// already completed in event-driven mode, EndConnect returns its result,
// even when [*Poller.Wait] already reported it for lack of a subscriber.
func (s *Socket) EndConnect(ctx context.Context) error {
	if err := s.pending; err != nil {
		s.pending = nil
		return err
	}
	switch s.State() {
	case SocketConnecting:
	case SocketFaulted:
		return s.Err()
	case SocketClosed:
		return ErrClosed
	case SocketIdle:
		if len(s.attempts) > 0 {
			return s.connectError()
		}
		return ErrInvalidState
	default:
		return nil
	}
	for {
		if err := s.await(ctx, s.wakeup(), "connect", Writable); err != nil {
			return s.connectError(AttemptError{Addr: s.remote, Err: err})
		}
		connected, err := s.connectCheck()
		if err != nil || connected {
			s.updateInterest()
			return err
		}
	}
}

// connectNext tries the remaining candidates until one is connected or
// pending. When none is left it returns the accumulated [*ConnectError].
func (s *Socket) connectNext() (bool, error) {
	for s.next < s.addrs.Len() {
		addr := s.addrs.At(s.next)
		s.next++
		s.transition(evConnectStart)
		s.remote = addr
		s.connectT0 = s.TimeNow()
		s.logConnectStart(addr, s.connectT0)

		fd, err := fdNewStream(addr.Family(), false)
		var connected bool
		if err == nil {
			if connected, err = fdConnect(fd, addr.sockaddr()); err != nil {
				fdClose(fd)
			}
		}
		if err != nil {
			s.connectAttemptFailed(err)
			continue
		}
		s.fd = fd
		if connected {
			s.connectSucceeded()
			return true, nil
		}
		return false, nil
	}
	if s.State() == SocketConnecting {
		s.transition(evConnectExhausted)
	}
	return false, s.connectError()
}

// connectCheck inspects the outcome of a pending connect after the
// descriptor became writable and moves on to the next candidate on failure.
func (s *Socket) connectCheck() (bool, error) {
	err := fdConnectResult(s.fd)
	if err == nil {
		s.connectSucceeded()
		return true, nil
	}
	s.detach()
	fdClose(s.fd)
	s.fd = -1
	s.connectAttemptFailed(err)
	return s.connectNext()
}

func (s *Socket) connectSucceeded() {
	s.local = fdLocalAddress("", s.fd)
	s.transition(evConnectDone)
	s.logConnectDone(s.remote, s.connectT0, nil)
}

func (s *Socket) connectAttemptFailed(err error) {
	s.logConnectDone(s.remote, s.connectT0, err)
	s.attempts = append(s.attempts, AttemptError{Addr: s.remote, Err: err})
}

func (s *Socket) connectError(extra ...AttemptError) error {
	return &ConnectError{
		Target:   s.addrs.Target(),
		Attempts: append(slices.Clone(s.attempts), extra...),
	}
}

func (s *Socket) onConnectReady() error {
	connected, err := s.connectCheck()
	if err == nil && !connected {
		s.updateInterest() // next candidate in progress
		return nil
	}
	s.pending = err
	s.updateInterest()
	return s.emit(s.OnConnected, &s.pending)
}

func (s *Socket) logConnectStart(addr Address, t0 time.Time) {
	s.Logger.Info(
		"connectStart",
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addr.String()),
		slog.String("remoteHost", addr.Host()),
		slog.Time("t", t0),
	)
}

func (s *Socket) logConnectDone(addr Address, t0 time.Time, err error) {
	s.Logger.Info(
		"connectDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addr.String()),
		slog.String("remoteHost", addr.Host()),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}
