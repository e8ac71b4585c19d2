// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// dnsConnectedDialer panics naming the endpoint a transport tried to dial.
func TestDNSConnectedDialerPanics(t *testing.T) {
	d := dnsConnectedDialer{}
	assert.PanicsWithValue(t,
		"nbnet: DNS transport dialed tcp/127.0.0.1:53 instead of using its connection",
		func() {
			d.DialContext(context.Background(), "tcp", "127.0.0.1:53")
		},
	)
}
