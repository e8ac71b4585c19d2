// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import "context"

// Func is one stage of a connection pipeline.
//
// The stages of this package turn an [Endpoint] into an [*AddressList]
// ([*ResolveFunc]), an [*AddressList] into a connected [*Socket] ([*ConnectFunc])
// and a [*Socket] into a TLS [*Socket] ([*TLSHandshakeFunc]). [Compose2],
// [Compose3] and friends chain stages whose types line up.
//
// A stage that receives a [*Socket] and fails closes it before returning,
// so a failed pipeline never leaks a descriptor.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter turns a closure into a [Func], e.g., to set [Socket.VerifyPeer]
// on the socket between the connect and handshake stages.
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}

// Unit is the empty input of a pipeline starting from a constant, such
// as one built with [NewEndpointFunc].
type Unit struct{}
