// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"net"
	"strconv"
)

// Endpoint is a host name (or literal address) and a port.
//
// Unlike [Address], the host is not resolved yet.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// NewEndpointFunc returns a [Func] that always returns the given [Endpoint].
//
// This is a convenience wrapper around [ConstFunc] for the common case of
// injecting the target endpoint into a pipeline.
func NewEndpointFunc(endpoint Endpoint) Func[Unit, Endpoint] {
	return ConstFunc(endpoint)
}
