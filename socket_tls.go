// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
)

// TLSRole selects the side of a TLS handshake.
type TLSRole int

const (
	// TLSClient performs the client side of the handshake.
	TLSClient TLSRole = iota

	// TLSServer performs the server side of the handshake.
	TLSServer
)

// tlsSession is a TLS engine running over the socket descriptor.
type tlsSession struct {
	bio      *tlsBIO
	conn     TLSConn
	config   *tls.Config
	engine   TLSEngine
	role     TLSRole
	t0       time.Time
	deadline time.Time
}

// errNoServerEngine indicates that the configured engine cannot accept.
var errNoServerEngine = errors.New("nbnet: TLS engine does not support server handshakes")

// errTLSTruncated indicates that the peer closed the TCP connection
// without sending close_notify first.
var errTLSTruncated = fmt.Errorf("%w: TLS stream ended without close_notify", ErrLostConnection)

// ClientHandshake performs the client side of a TLS handshake, blocking
// until it completes.
//
// Calling ClientHandshake again after a timeout resumes the handshake.
func (s *Socket) ClientHandshake(ctx context.Context, tc *TLSContext) error {
	return s.handshake(ctx, tc, TLSClient)
}

// ServerHandshake performs the server side of a TLS handshake, blocking
// until it completes.
func (s *Socket) ServerHandshake(ctx context.Context, tc *TLSContext) error {
	return s.handshake(ctx, tc, TLSServer)
}

func (s *Socket) handshake(ctx context.Context, tc *TLSContext, role TLSRole) error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.State().handshaking() {
		deadline, _ := ctx.Deadline()
		if err := s.startHandshake(tc, role, deadline); err != nil {
			return err
		}
	}
	return s.drive(ctx, s.wakeup(), "tls handshake", s.handshakeStep)
}

// BeginTLSHandshake starts an event-driven handshake.
//
// Returns true when the handshake completed immediately. Otherwise
// [Socket.OnTLSHandshake] fires once [*Socket.EndTLSHandshake] can
// collect the result.
func (s *Socket) BeginTLSHandshake(tc *TLSContext, role TLSRole) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	if err := s.startHandshake(tc, role, time.Time{}); err != nil {
		return false, err
	}
	want, err := s.handshakeStep()
	if err != nil || want == 0 {
		return err == nil, err
	}
	s.tlsBusy, s.tlsWant = true, want
	s.updateInterest()
	return false, nil
}

// EndTLSHandshake returns the result of the handshake started by
// [*Socket.BeginTLSHandshake], waiting for it when still in progress.
func (s *Socket) EndTLSHandshake(ctx context.Context) error {
	if err := s.usable(); err != nil {
		s.tlsBusy, s.tlsDone, s.tlsErr = false, false, nil
		return err
	}
	if s.tlsDone {
		err := s.tlsErr
		s.tlsDone, s.tlsErr = false, nil
		return err
	}
	state := s.State()
	if state.handshaking() {
		s.tlsBusy = false
		s.updateInterest()
		return s.drive(ctx, s.wakeup(), "tls handshake", s.handshakeStep)
	}
	if state == SocketTLSConnected {
		return nil
	}
	return fmt.Errorf("%w: no TLS handshake in progress", ErrInvalidState)
}

// TLSShutdown sends close_notify and waits for the peer's close_notify.
//
// On success the TLS session is discarded and the socket is back to
// plain [SocketConnected]: the caller may keep using or close it.
func (s *Socket) TLSShutdown(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.State() != SocketTLSShuttingDown {
		deadline, _ := ctx.Deadline()
		if err := s.startShutdown(deadline); err != nil {
			return err
		}
	}
	return s.drive(ctx, s.wakeup(), "tls shutdown", s.shutdownStep)
}

// BeginTLSShutdown starts an event-driven TLS shutdown.
//
// Returns true when the shutdown completed immediately. Otherwise
// [Socket.OnTLSShutdown] fires once [*Socket.EndTLSShutdown] can
// collect the result.
func (s *Socket) BeginTLSShutdown() (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	if err := s.startShutdown(time.Time{}); err != nil {
		return false, err
	}
	want, err := s.shutdownStep()
	if err != nil || want == 0 {
		return err == nil, err
	}
	s.tlsBusy, s.tlsWant = true, want
	s.updateInterest()
	return false, nil
}

// EndTLSShutdown returns the result of the shutdown started by
// [*Socket.BeginTLSShutdown], waiting for it when still in progress.
func (s *Socket) EndTLSShutdown(ctx context.Context) error {
	if err := s.usable(); err != nil {
		s.tlsBusy, s.tlsDone, s.tlsErr = false, false, nil
		return err
	}
	if s.tlsDone {
		err := s.tlsErr
		s.tlsDone, s.tlsErr = false, nil
		return err
	}
	state := s.State()
	if state == SocketTLSShuttingDown {
		s.tlsBusy = false
		s.updateInterest()
		return s.drive(ctx, s.wakeup(), "tls shutdown", s.shutdownStep)
	}
	if state == SocketConnected {
		return nil
	}
	return fmt.Errorf("%w: no TLS shutdown in progress", ErrInvalidState)
}

func (s *Socket) startHandshake(tc *TLSContext, role TLSRole, deadline time.Time) error {
	runtimex.Assert(tc != nil)
	ev := evTLSClientStart
	if role == TLSServer {
		ev = evTLSServerStart
	}
	if _, err := nextSocketState(s.State(), ev); err != nil {
		return err
	}

	bio := newTLSBIO(s.fd, s.local.TCPAddr(), s.remote.TCPAddr())
	var (
		config *tls.Config
		conn   TLSConn
	)
	switch role {
	case TLSServer:
		engine, ok := s.TLSEngine.(TLSServerEngine)
		if !ok {
			return errNoServerEngine
		}
		config = tc.ServerConfig()
		config.Time = s.TimeNow
		conn = engine.Server(bio, config)
	default:
		serverName := s.remote.Host()
		if serverName == "" {
			serverName = s.remote.AddrPort().Addr().String()
		}
		config = tc.ClientConfig(serverName)
		config.Time = s.TimeNow
		conn = s.TLSEngine.Client(bio, config)
	}

	s.tls = &tlsSession{
		bio:      bio,
		conn:     conn,
		config:   config,
		engine:   s.TLSEngine,
		role:     role,
		t0:       s.TimeNow(),
		deadline: deadline,
	}
	s.tlsEOF = false
	s.transition(ev)
	s.logHandshakeStart(s.tls)
	bio.start(conn.HandshakeContext)
	return nil
}

// handshakeStep advances the handshake. A non-zero want means the
// handshake is blocked on the descriptor.
func (s *Socket) handshakeStep() (Events, error) {
	sess := s.tls
	want, err := sess.bio.step()
	if err == nil && want != tlsComplete {
		return want.events(), nil
	}
	state := sess.conn.ConnectionState()
	if err == nil && s.VerifyPeer != nil {
		if verr := s.VerifyPeer(state); verr != nil {
			err = fmt.Errorf("%w: %w", ErrCertificateRejected, verr)
			s.logHandshakeDone(sess, state, err)
			s.rejected, s.tls = sess, nil
			s.transition(evTLSRejected)
			return 0, &OpError{Op: "tls handshake", Addr: s.remote.String(), Err: err}
		}
	}
	if err != nil && sess.bio.truncated() {
		err = errTLSTruncated
	}
	s.logHandshakeDone(sess, state, err)
	if err != nil {
		return 0, s.fail("tls handshake", err)
	}
	s.transition(evTLSHandshakeDone)
	return 0, nil
}

func (s *Socket) onHandshakeReady() error {
	want, err := s.handshakeStep()
	if err == nil && want != 0 {
		s.tlsWant = want
		s.updateInterest()
		return nil
	}
	s.tlsBusy, s.tlsDone, s.tlsErr = false, true, err
	s.updateInterest()
	return s.emit(s.OnTLSHandshake, &s.tlsErr)
}

func (s *Socket) startShutdown(deadline time.Time) error {
	if err := s.transition(evTLSShutdownStart); err != nil {
		return err
	}
	s.tls.t0, s.tls.deadline = s.TimeNow(), deadline
	s.logShutdownStart(s.tls)
	if cw, ok := s.tls.conn.(tlsCloseWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			err = s.fail("tls shutdown", err)
			s.logShutdownDone(s.tls, err)
			return err
		}
	}
	return nil
}

// shutdownStep flushes our close_notify and drains the connection until
// the peer's close_notify (or the end of the stream) arrives.
func (s *Socket) shutdownStep() (Events, error) {
	sess := s.tls
	want, err := sess.bio.flush()
	if err != nil {
		err = s.fail("tls shutdown", err)
		s.logShutdownDone(sess, err)
		return 0, err
	}
	if want != tlsComplete {
		return want.events(), nil
	}
	var (
		buf        [4096]byte
		wouldBlock errWouldBlock
	)
	for !s.tlsEOF {
		_, err := sess.conn.Read(buf[:]) // application data is discarded
		switch {
		case err == nil:
			continue
		case errors.As(err, &wouldBlock):
			return Readable, nil
		case err == io.EOF && !sess.bio.truncated():
			s.tlsEOF = true
		case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
			err = s.fail("tls shutdown", errTLSTruncated)
			s.logShutdownDone(sess, err)
			return 0, err
		default:
			err = s.fail("tls shutdown", err)
			s.logShutdownDone(sess, err)
			return 0, err
		}
	}
	sess.bio.abort()
	s.tls = nil
	s.transition(evTLSShutdownDone)
	s.logShutdownDone(sess, nil)
	return 0, nil
}

func (s *Socket) onShutdownReady() error {
	want, err := s.shutdownStep()
	if err == nil && want != 0 {
		s.tlsWant = want
		s.updateInterest()
		return nil
	}
	s.tlsBusy, s.tlsDone, s.tlsErr = false, true, err
	s.updateInterest()
	return s.emit(s.OnTLSShutdown, &s.tlsErr)
}

func (s *Socket) logHandshakeStart(sess *tlsSession) {
	s.Logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", sess.deadline),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t", sess.t0),
		slog.String("tlsEngineName", sess.engine.Name()),
		slog.String("tlsParrot", sess.engine.Parrot()),
		slog.Any("tlsOfferedProtocols", sess.config.NextProtos),
		slog.String("tlsRole", sess.role.String()),
		slog.String("tlsServerName", sess.config.ServerName),
		slog.Bool("tlsSkipVerify", sess.config.InsecureSkipVerify),
	)
}

func (s *Socket) logHandshakeDone(sess *tlsSession, state tls.ConnectionState, err error) {
	s.Logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", sess.deadline),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t0", sess.t0),
		slog.Time("t", s.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", sess.engine.Name()),
		slog.String("tlsParrot", sess.engine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", sess.config.NextProtos),
		slog.Any("tlsPeerCerts", tlsPeerCerts(state, err)),
		slog.String("tlsRole", sess.role.String()),
		slog.String("tlsServerName", sess.config.ServerName),
		slog.Bool("tlsSkipVerify", sess.config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func (s *Socket) logShutdownStart(sess *tlsSession) {
	s.Logger.Info(
		"tlsShutdownStart",
		slog.Time("deadline", sess.deadline),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tls"),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t", sess.t0),
	)
}

func (s *Socket) logShutdownDone(sess *tlsSession, err error) {
	s.Logger.Info(
		"tlsShutdownDone",
		slog.Time("deadline", sess.deadline),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", "tls"),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t0", sess.t0),
		slog.Time("t", s.TimeNow()),
	)
}

// String implements [fmt.Stringer].
func (r TLSRole) String() string {
	if r == TLSServer {
		return "server"
	}
	return "client"
}
