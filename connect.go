//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package nbnet

import (
	"context"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// The datagram lookup backend ([*DNSOverUDPLookup]) uses it to create UDP
// sockets, which are outside of the stream-oriented [*Socket] model.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewResolveFunc returns a new [*ResolveFunc].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolveFunc(cfg *Config, logger SLogger) *ResolveFunc {
	return &ResolveFunc{Resolver: NewResolver(cfg, logger)}
}

// ResolveFunc resolves an [Endpoint] into the candidate [*AddressList].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ResolveFunc struct {
	// Resolver is the [*Resolver] to use.
	//
	// Set by [NewResolveFunc] to a resolver built from the same config.
	Resolver *Resolver
}

var _ Func[Endpoint, *AddressList] = &ResolveFunc{}

// Call implements [Func].
func (op *ResolveFunc) Call(ctx context.Context, endpoint Endpoint) (*AddressList, error) {
	return op.Resolver.Resolve(ctx, endpoint.Host, endpoint.Port)
}

// NewConnectFunc returns a new [*ConnectFunc].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TLSEngine:     cfg.TLSEngine,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc creates a [*Socket] and connects it to the first reachable
// candidate of an [*AddressList].
//
// Returns either a connected [*Socket] or an error, never both. The
// connect span events are emitted by the socket, one pair per candidate.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// TLSEngine is inherited by the created sockets.
	//
	// Set by [NewConnectFunc] from [Config.TLSEngine].
	TLSEngine TLSEngine

	// TimeNow is the function to get the current time.
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[*AddressList, *Socket] = &ConnectFunc{}

// Call implements [Func].
func (op *ConnectFunc) Call(ctx context.Context, addrs *AddressList) (*Socket, error) {
	sock := NewSocket(&Config{
		ErrClassifier: op.ErrClassifier,
		TLSEngine:     op.TLSEngine,
		TimeNow:       op.TimeNow,
	}, op.Logger)
	if err := sock.Connect(ctx, addrs); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}
