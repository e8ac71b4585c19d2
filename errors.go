// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bassosimone/nbnet/sockerr"
)

var (
	// ErrResolution indicates that name lookup failed for all candidates.
	ErrResolution = errors.New("nbnet: name resolution failed")

	// ErrAddressInUse indicates that bind failed because the OS reported
	// the address as already in use.
	ErrAddressInUse = errors.New("nbnet: address already in use")

	// ErrConnect indicates that every candidate address failed to connect.
	ErrConnect = errors.New("nbnet: connect failed")

	// ErrIOTimeout indicates that a deadline expired while waiting for readiness.
	//
	// It wraps [os.ErrDeadlineExceeded] so generic timeout checks work.
	ErrIOTimeout = fmt.Errorf("nbnet: i/o timeout: %w", os.ErrDeadlineExceeded)

	// ErrIO is the generic transport failure.
	ErrIO = errors.New("nbnet: i/o error")

	// ErrLostConnection is the [ErrIO] flavour for broken pipes and resets.
	ErrLostConnection = fmt.Errorf("%w: lost connection to peer", ErrIO)

	// ErrAcceptTerminated indicates that [*Listener.TerminateAccept]
	// interrupted a blocked accept.
	ErrAcceptTerminated = errors.New("nbnet: accept terminated")

	// ErrCertificateRejected indicates that the peer certificate was
	// rejected by the application-level verification callback.
	ErrCertificateRejected = errors.New("nbnet: peer certificate rejected")

	// ErrInvalidChunkFraming indicates a malformed chunked body.
	ErrInvalidChunkFraming = errors.New("nbnet: invalid chunk framing")

	// ErrProtocol indicates a malformed HTTP header block.
	ErrProtocol = errors.New("nbnet: protocol error")

	// ErrClosed indicates an operation on a closed socket or listener.
	ErrClosed = errors.New("nbnet: use of closed socket")

	// ErrInvalidState indicates an operation not allowed in the current socket state.
	ErrInvalidState = errors.New("nbnet: invalid socket state")
)

// AttemptError is the failure of a single candidate address.
type AttemptError struct {
	Addr Address
	Err  error
}

// Error implements error.
func (e AttemptError) Error() string {
	return e.Addr.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e AttemptError) Unwrap() error {
	return e.Err
}

// ConnectError reports why every candidate address failed to connect.
//
// It matches [ErrConnect] and every per-attempt error with [errors.Is].
type ConnectError struct {
	// Target is the host:port the caller asked for.
	Target string

	// Attempts contains one entry per address that was tried, in order.
	Attempts []AttemptError
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("nbnet: connect to %s failed: %s", e.Target, joinAttempts(e.Attempts))
}

// Unwrap returns [ErrConnect] followed by the per-attempt errors.
func (e *ConnectError) Unwrap() []error {
	out := []error{ErrConnect}
	for _, a := range e.Attempts {
		out = append(out, a.Err)
	}
	return out
}

// ListenError reports why no listening socket could be created.
type ListenError struct {
	Target   string
	Attempts []AttemptError
}

// Error implements error.
func (e *ListenError) Error() string {
	return fmt.Sprintf("nbnet: listen on %s failed: %s", e.Target, joinAttempts(e.Attempts))
}

// Unwrap returns [ErrAddressInUse] when any attempt reported EADDRINUSE,
// followed by the per-attempt errors.
func (e *ListenError) Unwrap() []error {
	var out []error
	for _, a := range e.Attempts {
		if sockerr.IsAddrInUse(a.Err) {
			out = append(out, ErrAddressInUse)
			break
		}
	}
	for _, a := range e.Attempts {
		out = append(out, a.Err)
	}
	return out
}

func joinAttempts(attempts []AttemptError) string {
	if len(attempts) <= 0 {
		return "no candidate addresses"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, a.Error())
	}
	return strings.Join(parts, "; ")
}

// ResolveError reports a failed name lookup.
type ResolveError struct {
	Target string
	Err    error
}

// Error implements error.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("nbnet: cannot resolve %s: %s", e.Target, e.Err.Error())
}

// Unwrap returns [ErrResolution] and the lookup error.
func (e *ResolveError) Unwrap() []error {
	return []error{ErrResolution, e.Err}
}

// OpError is a failed socket operation on a known address.
type OpError struct {
	// Op is the operation name (e.g., "read", "tls handshake").
	Op string

	// Addr is the address of the peer, when known.
	Addr string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *OpError) Error() string {
	if e.Addr == "" {
		return "nbnet: " + e.Op + ": " + e.Err.Error()
	}
	return "nbnet: " + e.Op + " " + e.Addr + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure is a deadline expiration.
func (e *OpError) Timeout() bool {
	return errors.Is(e.Err, ErrIOTimeout)
}

// ChunkFramingError reports the offending byte of a malformed chunked body.
type ChunkFramingError struct {
	// Byte is the unexpected byte.
	Byte byte

	// State names what the decoder was expecting.
	State string
}

// Error implements error.
func (e *ChunkFramingError) Error() string {
	return fmt.Sprintf("nbnet: invalid chunk framing: unexpected byte %q while reading %s", e.Byte, e.State)
}

// Unwrap returns [ErrInvalidChunkFraming].
func (e *ChunkFramingError) Unwrap() error {
	return ErrInvalidChunkFraming
}

// ProtocolError reports a malformed HTTP header block.
type ProtocolError struct {
	// Line is the offending line, possibly truncated.
	Line string

	// Reason explains what is wrong with Line.
	Reason string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nbnet: protocol error: %s: %q", e.Reason, e.Line)
}

// Unwrap returns [ErrProtocol].
func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// normalizeIOError maps OS errors into the package taxonomy.
//
// Broken pipes and resets become [ErrLostConnection] regardless of the
// mechanism used to suppress SIGPIPE; EOF passes through untouched.
func normalizeIOError(err error) error {
	switch {
	case err == nil, err == io.EOF:
		return err
	case errors.Is(err, ErrIO), errors.Is(err, ErrIOTimeout), errors.Is(err, ErrClosed):
		return err
	case sockerr.IsDisconnect(err):
		return fmt.Errorf("%w: %w", ErrLostConnection, err)
	default:
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
}
