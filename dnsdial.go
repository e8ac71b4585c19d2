// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"fmt"
	"net"
)

// dnsConnectedDialer is the [Dialer] given to the DNS transports.
//
// [*DNSOverTCPLookup] exchanges over the [*Socket.NetConn] view of a socket
// it connected itself, and [*DNSOverUDPLookup] over a UDP socket obtained from
// [Config.Dialer]. The transports only ever see that connection, so a dial
// attempt means a transport bypassed it.
type dnsConnectedDialer struct{}

var _ Dialer = dnsConnectedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsConnectedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic(fmt.Sprintf("nbnet: DNS transport dialed %s/%s instead of using its connection", network, address))
}
