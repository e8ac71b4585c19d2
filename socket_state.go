// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import "fmt"

// SocketState is the state of a [*Socket].
type SocketState int

const (
	// SocketIdle is a socket that has no descriptor yet.
	SocketIdle SocketState = iota

	// SocketConnecting is a socket with a connect in progress.
	SocketConnecting

	// SocketConnected is a plain connected socket.
	SocketConnected

	// SocketTLSClientHandshaking is a socket running a client handshake.
	SocketTLSClientHandshaking

	// SocketTLSServerHandshaking is a socket running a server handshake.
	SocketTLSServerHandshaking

	// SocketTLSConnected is a socket whose transport is TLS.
	SocketTLSConnected

	// SocketTLSShuttingDown is a socket exchanging close_notify alerts.
	SocketTLSShuttingDown

	// SocketFaulted is a socket that failed and must be closed.
	SocketFaulted

	// SocketClosed is a closed socket.
	SocketClosed
)

// String implements [fmt.Stringer].
func (s SocketState) String() string {
	switch s {
	case SocketIdle:
		return "Idle"
	case SocketConnecting:
		return "Connecting"
	case SocketConnected:
		return "Connected"
	case SocketTLSClientHandshaking:
		return "TLSHandshaking(client)"
	case SocketTLSServerHandshaking:
		return "TLSHandshaking(server)"
	case SocketTLSConnected:
		return "TLSConnected"
	case SocketTLSShuttingDown:
		return "TLSShuttingDown"
	case SocketFaulted:
		return "Faulted"
	case SocketClosed:
		return "Closed"
	default:
		return fmt.Sprintf("SocketState(%d)", int(s))
	}
}

// handshaking returns whether the state is either handshake state.
func (s SocketState) handshaking() bool {
	return s == SocketTLSClientHandshaking || s == SocketTLSServerHandshaking
}

// transport returns whether data may be read and written in this state.
func (s SocketState) transport() bool {
	return s == SocketConnected || s == SocketTLSConnected
}

// socketEvent is an input of the socket state machine.
type socketEvent int

const (
	evConnectStart socketEvent = iota
	evConnectDone
	evConnectExhausted
	evAccepted
	evTLSClientStart
	evTLSServerStart
	evTLSHandshakeDone
	evTLSRejected
	evTLSShutdownStart
	evTLSShutdownDone
	evFault
	evClose
)

// String implements [fmt.Stringer].
func (ev socketEvent) String() string {
	switch ev {
	case evConnectStart:
		return "connectStart"
	case evConnectDone:
		return "connectDone"
	case evConnectExhausted:
		return "connectExhausted"
	case evAccepted:
		return "accepted"
	case evTLSClientStart:
		return "tlsClientStart"
	case evTLSServerStart:
		return "tlsServerStart"
	case evTLSHandshakeDone:
		return "tlsHandshakeDone"
	case evTLSRejected:
		return "tlsRejected"
	case evTLSShutdownStart:
		return "tlsShutdownStart"
	case evTLSShutdownDone:
		return "tlsShutdownDone"
	case evFault:
		return "fault"
	case evClose:
		return "close"
	default:
		return fmt.Sprintf("socketEvent(%d)", int(ev))
	}
}

// nextSocketState is the only place where socket transitions are decided.
//
// It fails with [ErrInvalidState] when ev is not allowed in state.
func nextSocketState(state SocketState, ev socketEvent) (SocketState, error) {
	switch {
	case state == SocketClosed:
		return state, ErrClosed

	case ev == evClose:
		return SocketClosed, nil

	case state == SocketFaulted:
		return state, ErrInvalidState

	case ev == evFault:
		return SocketFaulted, nil
	}

	switch state {
	case SocketIdle:
		switch ev {
		case evConnectStart:
			return SocketConnecting, nil
		case evAccepted:
			return SocketConnected, nil
		}

	case SocketConnecting:
		switch ev {
		case evConnectStart:
			return SocketConnecting, nil
		case evConnectDone:
			return SocketConnected, nil
		case evConnectExhausted:
			return SocketIdle, nil
		}

	case SocketConnected:
		switch ev {
		case evTLSClientStart:
			return SocketTLSClientHandshaking, nil
		case evTLSServerStart:
			return SocketTLSServerHandshaking, nil
		}

	case SocketTLSClientHandshaking, SocketTLSServerHandshaking:
		switch ev {
		case evTLSHandshakeDone:
			return SocketTLSConnected, nil
		case evTLSRejected:
			return SocketConnected, nil
		}

	case SocketTLSConnected:
		if ev == evTLSShutdownStart {
			return SocketTLSShuttingDown, nil
		}

	case SocketTLSShuttingDown:
		if ev == evTLSShutdownDone {
			return SocketConnected, nil
		}
	}
	return state, fmt.Errorf("%w: %s in state %s", ErrInvalidState, ev, state)
}
