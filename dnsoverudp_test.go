// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewDNSOverUDPLookup populates all fields from Config and the provided arguments.
func TestNewDNSOverUDPLookup(t *testing.T) {
	cfg := NewConfig()
	server := netip.MustParseAddrPort("8.8.8.8:53")

	l := NewDNSOverUDPLookup(cfg, server, DefaultSLogger())

	require.NotNil(t, l)
	assert.NotNil(t, l.Dialer)
	assert.NotNil(t, l.ErrClassifier)
	assert.NotNil(t, l.Logger)
	assert.Equal(t, server, l.Server)
	assert.NotNil(t, l.TimeNow)
}

// LookupNetIP queries the records of the requested families.
func TestDNSOverUDPLookupNetIP(t *testing.T) {
	type testcase struct {
		// name is the test case name.
		name string

		// network is the lookup network.
		network string

		// host is the name to resolve.
		host string

		// want contains the expected addresses.
		want []netip.Addr

		// wantErr is true when the lookup should fail.
		wantErr bool
	}

	cases := []testcase{
		{
			name:    "both families with IPv4 first",
			network: "ip",
			host:    "example.org",
			want:    []netip.Addr{dnsTestAddrA, dnsTestAddrAAAA},
		},

		{
			name:    "IPv4 only",
			network: "ip4",
			host:    "example.org",
			want:    []netip.Addr{dnsTestAddrA},
		},

		{
			name:    "IPv6 only",
			network: "ip6",
			host:    "example.org",
			want:    []netip.Addr{dnsTestAddrAAAA},
		},

		{
			name:    "missing AAAA records",
			network: "ip",
			host:    "v4.example.org",
			want:    []netip.Addr{netip.MustParseAddr("192.0.2.1")},
		},

		{
			name:    "nonexistent domain",
			network: "ip",
			host:    "nonexistent.example.org",
			wantErr: true,
		},
	}

	server := newDNSTestServer(t, "udp")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewDNSOverUDPLookup(NewConfig(), server, DefaultSLogger())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			addrs, err := l.LookupNetIP(ctx, tc.network, tc.host)

			if tc.wantErr {
				var dnsErr *net.DNSError
				require.ErrorAs(t, err, &dnsErr)
				assert.Equal(t, tc.host, dnsErr.Name)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, addrs)
		})
	}
}

// Each query logs the exchange over UDP.
func TestDNSOverUDPLookupLogging(t *testing.T) {
	server := newDNSTestServer(t, "udp")
	logger, records := newCapturingLogger()
	l := NewDNSOverUDPLookup(NewConfig(), server, logger)

	_, err := l.LookupNetIP(context.Background(), "ip4", "example.org")

	require.NoError(t, err)
	assert.Equal(t, []string{"dnsExchangeStart", "dnsQuery", "dnsResponse", "dnsExchangeDone"}, recordMessages(*records))
	value, found := recordAttr((*records)[0], "serverProtocol")
	require.True(t, found)
	assert.Equal(t, "udp", value.String())
	value, _ = recordAttr((*records)[0], "remoteAddr")
	assert.Equal(t, server.String(), value.String())
}

// LookupNetIP fails when the UDP socket cannot be created.
func TestDNSOverUDPLookupDialError(t *testing.T) {
	wantErr := errors.New("mocked dial error")
	cfg := NewConfig()
	cfg.Dialer = funcDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, wantErr
	})
	l := NewDNSOverUDPLookup(cfg, netip.MustParseAddrPort("127.0.0.1:53"), DefaultSLogger())

	_, err := l.LookupNetIP(context.Background(), "ip4", "example.org")

	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.Equal(t, wantErr.Error(), dnsErr.Err)
}

// The lookup serves as the [Resolver] backend.
func TestDNSOverUDPLookupResolver(t *testing.T) {
	server := newDNSTestServer(t, "udp")
	cfg := NewConfig()
	cfg.Lookup = NewDNSOverUDPLookup(cfg, server, DefaultSLogger())

	addrs, err := NewResolver(cfg, DefaultSLogger()).Resolve(context.Background(), "example.org", 443)

	require.NoError(t, err)
	require.Equal(t, 2, addrs.Len())
	assert.Equal(t, netip.AddrPortFrom(dnsTestAddrA, 443), addrs.At(0).AddrPort())
	assert.Equal(t, netip.AddrPortFrom(dnsTestAddrAAAA, 443), addrs.At(1).AddrPort())
	assert.Equal(t, "example.org", addrs.Host())
}

// funcDialer is a [Dialer] implemented by a function.
type funcDialer func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements [Dialer].
func (f funcDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}
