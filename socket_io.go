// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bassosimone/nbnet/sockerr"
)

// Read reads into buf, waiting for data when none is available.
//
// A clean end of stream, including a TLS close_notify from the peer, is
// reported as [io.EOF]. Transport failures fault the socket, and so does a
// TLS stream that ends without close_notify.
func (s *Socket) Read(ctx context.Context, buf []byte) (int, error) {
	return s.read(ctx, s.wakeup(), buf)
}

func (s *Socket) read(ctx context.Context, w *wakeup, buf []byte) (int, error) {
	if err := s.readable(); err != nil {
		return 0, err
	}
	t0 := s.TimeNow()
	s.logIOStart("readStart", len(buf), t0)
	var count int
	err := s.drive(ctx, w, "read", func() (Events, error) {
		var (
			want Events
			err  error
		)
		count, want, err = s.readStep(buf)
		return want, err
	})
	s.logIODone("readDone", count, t0, err)
	return count, err
}

// Write writes all of data, waiting for buffer space as needed.
//
// Returns the number of bytes written, which is len(data) on success.
func (s *Socket) Write(ctx context.Context, data []byte) (int, error) {
	return s.write(ctx, s.wakeup(), data)
}

func (s *Socket) write(ctx context.Context, w *wakeup, data []byte) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	t0 := s.TimeNow()
	s.logIOStart("writeStart", len(data), t0)
	s.wbuf, s.wn, s.wsealed = data, 0, false
	err := s.drive(ctx, w, "write", s.writeStep)
	count := s.wn
	s.wbuf = nil
	s.logIODone("writeDone", count, t0, err)
	return count, err
}

// BeginRead starts an event-driven read into buf.
//
// When data (or EOF, or an error) is available right away it is returned
// immediately and no event fires. Otherwise BeginRead returns (0, nil) and
// [Socket.OnInput] fires once [*Socket.EndRead] can collect the result.
func (s *Socket) BeginRead(buf []byte) (int, error) {
	if err := s.readable(); err != nil {
		return 0, err
	}
	if s.reading || s.rdone {
		return 0, fmt.Errorf("%w: read already in progress", ErrInvalidState)
	}
	count, want, err := s.readStep(buf)
	if err != nil || want == 0 {
		return count, err
	}
	s.rbuf, s.reading, s.rwant = buf, true, want
	s.updateInterest()
	return 0, nil
}

// EndRead returns the result of the read started by [*Socket.BeginRead],
// waiting for it when it has not completed yet.
func (s *Socket) EndRead(ctx context.Context) (int, error) {
	if err := s.usable(); err != nil {
		s.reading, s.rdone, s.rn, s.rerr, s.rbuf = false, false, 0, nil, nil
		return 0, err
	}
	switch {
	case s.rdone:
		count, err := s.rn, s.rerr
		s.rdone, s.rn, s.rerr, s.rbuf = false, 0, nil, nil
		return count, err
	case s.reading:
		buf := s.rbuf
		s.reading, s.rbuf = false, nil
		s.updateInterest()
		return s.Read(ctx, buf)
	default:
		return 0, fmt.Errorf("%w: no read in progress", ErrInvalidState)
	}
}

// BeginWrite starts an event-driven write of data.
//
// When everything can be written right away BeginWrite returns len(data)
// and no event fires. Otherwise it returns (0, nil) and [Socket.OnOutput]
// fires once [*Socket.EndWrite] can collect the result. The caller must not
// modify data until then.
func (s *Socket) BeginWrite(data []byte) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	if s.writing || s.wdone {
		return 0, fmt.Errorf("%w: write already in progress", ErrInvalidState)
	}
	s.wbuf, s.wn, s.wsealed = data, 0, false
	want, err := s.writeStep()
	if err != nil || want == 0 {
		count := s.wn
		s.wbuf = nil
		return count, err
	}
	s.writing = true
	s.updateInterest()
	return 0, nil
}

// EndWrite returns the result of the write started by [*Socket.BeginWrite],
// waiting for it when it has not completed yet.
func (s *Socket) EndWrite(ctx context.Context) (int, error) {
	if err := s.usable(); err != nil {
		count := s.wn
		s.writing, s.wdone, s.wn, s.werr, s.wbuf = false, false, 0, nil, nil
		return count, err
	}
	switch {
	case s.wdone:
		count, err := s.wn, s.werr
		s.wdone, s.wn, s.werr, s.wbuf = false, 0, nil, nil
		return count, err
	case s.writing:
		s.writing = false
		s.updateInterest()
		err := s.drive(ctx, s.wakeup(), "write", s.writeStep)
		count := s.wn
		if err == nil {
			s.wbuf = nil
		}
		return count, err
	default:
		return 0, fmt.Errorf("%w: no write in progress", ErrInvalidState)
	}
}

func (s *Socket) readable() error {
	return s.transportUsable("read")
}

func (s *Socket) writable() error {
	return s.transportUsable("write")
}

func (s *Socket) transportUsable(op string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if state := s.State(); !state.transport() {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, state)
	}
	return nil
}

// readStep performs one non-blocking read. A non-zero want means no
// data is available yet.
func (s *Socket) readStep(buf []byte) (int, Events, error) {
	if len(buf) <= 0 {
		return 0, 0, nil
	}
	if s.State() == SocketTLSConnected {
		return s.tlsReadStep(buf)
	}
	count, err := fdRead(s.fd, buf)
	switch {
	case sockerr.IsWouldBlock(err):
		return 0, Readable, nil
	case err == io.EOF:
		return 0, 0, io.EOF
	case err != nil:
		return 0, 0, s.fail("read", err)
	default:
		return count, 0, nil
	}
}

func (s *Socket) tlsReadStep(buf []byte) (int, Events, error) {
	if s.tlsEOF {
		return 0, 0, io.EOF
	}
	bio := s.tls.bio
	count, err := s.tls.conn.Read(buf)
	// Reading may have produced records of its own, e.g., a key update.
	// What does not fit in the send buffer stays queued for the next step,
	// which also waits for writability.
	flushed, ferr := bio.flush()
	if ferr != nil {
		return 0, 0, s.fail("read", ferr)
	}
	var wouldBlock errWouldBlock
	switch {
	case count > 0:
		s.tlsEOF = err == io.EOF && !bio.truncated()
		return count, 0, nil
	case errors.As(err, &wouldBlock):
		return 0, Readable | flushed.events(), nil
	case err == io.EOF && !bio.truncated():
		s.tlsEOF = true
		return 0, 0, io.EOF
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
		return 0, 0, s.fail("read", errTLSTruncated)
	case err != nil:
		return 0, 0, s.fail("read", err)
	default:
		return 0, Readable | flushed.events(), nil
	}
}

// writeStep writes as much of the pending buffer as possible. A non-zero
// want means the send buffer is full.
func (s *Socket) writeStep() (Events, error) {
	if s.State() == SocketTLSConnected {
		return s.tlsWriteStep()
	}
	for s.wn < len(s.wbuf) {
		count, err := fdWrite(s.fd, s.wbuf[s.wn:])
		if sockerr.IsWouldBlock(err) {
			return Writable, nil
		}
		if err != nil {
			return 0, s.fail("write", err)
		}
		s.wn += count
	}
	return 0, nil
}

func (s *Socket) tlsWriteStep() (Events, error) {
	if !s.wsealed {
		if _, err := s.tls.conn.Write(s.wbuf); err != nil {
			return 0, s.fail("write", err)
		}
		s.wsealed = true
	}
	want, err := s.tls.bio.flush()
	if err != nil {
		return 0, s.fail("write", err)
	}
	if want != tlsComplete {
		return want.events(), nil
	}
	s.wn = len(s.wbuf)
	return 0, nil
}

func (s *Socket) onReadReady() error {
	count, want, err := s.readStep(s.rbuf)
	if err == nil && want != 0 {
		if want != s.rwant {
			s.rwant = want
			s.updateInterest()
		}
		return nil // spurious wakeup, or queued TLS records flushed
	}
	s.reading, s.rdone, s.rn, s.rerr = false, true, count, err
	s.updateInterest()
	if s.OnInput == nil && err == io.EOF {
		return nil
	}
	return s.emit(s.OnInput, &s.rerr)
}

func (s *Socket) onWriteReady() error {
	want, err := s.writeStep()
	if err == nil && want != 0 {
		return nil
	}
	s.writing, s.wdone, s.werr = false, true, err
	s.updateInterest()
	return s.emit(s.OnOutput, &s.werr)
}

func (s *Socket) logIOStart(msg string, size int, t0 time.Time) {
	s.Logger.Debug(
		msg,
		slog.Int("ioBufferSize", size),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", s.protocol()),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t", t0),
	)
}

func (s *Socket) logIODone(msg string, count int, t0 time.Time, err error) {
	s.Logger.Debug(
		msg,
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.local.String()),
		slog.String("protocol", s.protocol()),
		slog.String("remoteAddr", s.remote.String()),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}

// protocol names the transport for logging.
func (s *Socket) protocol() string {
	if s.tls != nil {
		return "tls"
	}
	return "tcp"
}
