//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/tls.go
//

package nbnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/bassosimone/runtimex"
)

// TLSEngine is the engine to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSServerEngine is a [TLSEngine] that can also accept handshakes.
//
// [*Socket.ServerHandshake] requires the socket engine to implement it.
type TLSServerEngine interface {
	TLSEngine

	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn
}

// TLSEngineStdlib implements [TLSServerEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSServerEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSServerEngine].
//
// This function uses [tls.Server] to build a new [*tls.Conn].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
//
// A [*Socket] runs the TLSConn over an in-memory transport, so Read may
// return a temporary [net.Error] meaning that no ciphertext is available yet.
// Implementations must treat temporary transport errors as retryable, which
// is what [*tls.Conn] does after the handshake.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// tlsCloseWriter is implemented by engines able to send close_notify
// without closing the transport, like [*tls.Conn].
type tlsCloseWriter interface {
	CloseWrite() error
}

// NewTLSHandshakeFunc returns a new [*TLSHandshakeFunc] using the given [*TLSContext].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The tc argument is the TLS context to use.
//
// The handshake is logged by the [*Socket] using its own logger.
func NewTLSHandshakeFunc(cfg *Config, tc *TLSContext) *TLSHandshakeFunc {
	runtimex.Assert(tc != nil)
	return &TLSHandshakeFunc{
		Context: tc,
		Engine:  cfg.TLSEngine,
	}
}

// TLSHandshakeFunc performs a client TLS handshake over a connected [*Socket].
//
// Returns either the same [*Socket], now speaking TLS, or an error, never both.
// On failure the socket is closed.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type TLSHandshakeFunc struct {
	// Context contains the TLS configuration to use.
	//
	// Set by [NewTLSHandshakeFunc] to the user-provided [*TLSContext].
	Context *TLSContext

	// Engine is the [TLSEngine] to use to handshake.
	//
	// Set by [NewTLSHandshakeFunc] from [Config.TLSEngine].
	Engine TLSEngine
}

var _ Func[*Socket, *Socket] = &TLSHandshakeFunc{}

// Call invokes the [*TLSHandshakeFunc] to upgrade the [*Socket] to TLS.
func (op *TLSHandshakeFunc) Call(ctx context.Context, sock *Socket) (*Socket, error) {
	runtimex.Assert(op.Context != nil)
	sock.TLSEngine = op.Engine
	if err := sock.ClientHandshake(ctx, op.Context); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

// tlsPeerCerts returns the raw peer certificates, taking them from the
// verification error when the handshake failed.
func tlsPeerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
