// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// NewAddress keeps the host name and unmaps IPv4-mapped IPv6 addresses.
func TestNewAddress(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// host is the host name passed to NewAddress.
		host string

		// ap is the address and port passed to NewAddress.
		ap netip.AddrPort

		// wantString is the expected String result.
		wantString string

		// wantFamily is the expected address family.
		wantFamily int
	}{
		{
			name:       "IPv4",
			host:       "example.org",
			ap:         netip.MustParseAddrPort("93.184.216.34:80"),
			wantString: "93.184.216.34:80",
			wantFamily: unix.AF_INET,
		},

		{
			name:       "IPv6",
			host:       "example.org",
			ap:         netip.MustParseAddrPort("[2001:db8::1]:443"),
			wantString: "[2001:db8::1]:443",
			wantFamily: unix.AF_INET6,
		},

		{
			name:       "IPv4-mapped IPv6",
			host:       "",
			ap:         netip.MustParseAddrPort("[::ffff:127.0.0.1]:8080"),
			wantString: "127.0.0.1:8080",
			wantFamily: unix.AF_INET,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := NewAddress(tt.host, tt.ap)

			assert.True(t, addr.IsValid())
			assert.Equal(t, tt.host, addr.Host())
			assert.Equal(t, tt.ap.Port(), addr.Port())
			assert.Equal(t, tt.wantString, addr.String())
			assert.Equal(t, tt.wantFamily, addr.Family())
			assert.Equal(t, tt.wantString, addr.TCPAddr().String())
		})
	}
}

// The zero Address is invalid and renders as the empty string.
func TestAddressZero(t *testing.T) {
	var addr Address

	assert.False(t, addr.IsValid())
	assert.Equal(t, "", addr.String())
}

// sockaddr and addressFromSockaddr are inverse of each other.
func TestAddressSockaddr(t *testing.T) {
	for _, s := range []string{"127.0.0.1:80", "[::1]:443", "[fe80::1%2]:53"} {
		t.Run(s, func(t *testing.T) {
			addr := NewAddress("host", netip.MustParseAddrPort(s))

			got := addressFromSockaddr("host", addr.sockaddr())

			assert.Equal(t, addr, got)
		})
	}
}

// AddressList preserves order and can be iterated more than once.
func TestAddressList(t *testing.T) {
	list := NewAddressList("example.org", 8080,
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.1"),
	)

	require.Equal(t, 2, list.Len())
	assert.Equal(t, "example.org", list.Host())
	assert.Equal(t, uint16(8080), list.Port())
	assert.Equal(t, "example.org:8080", list.Target())
	assert.Equal(t, "[2001:db8::1]:8080", list.At(0).String())
	assert.Equal(t, "192.0.2.1:8080", list.At(1).String())
	for range 2 {
		var got []string
		for addr := range list.All() {
			assert.Equal(t, "example.org", addr.Host())
			got = append(got, addr.String())
		}
		assert.Equal(t, []string{"[2001:db8::1]:8080", "192.0.2.1:8080"}, got)
	}
}

// All stops when the consumer breaks out of the loop.
func TestAddressListAllBreak(t *testing.T) {
	list := NewAddressList("", 80, netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("::1"))

	var count int
	for range list.All() {
		count++
		break
	}

	assert.Equal(t, 1, count)
}
