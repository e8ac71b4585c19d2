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

// NewResolveFunc builds a resolver from Config.
func TestNewResolveFunc(t *testing.T) {
	cfg := NewConfig()

	fn := NewResolveFunc(cfg, DefaultSLogger())

	require.NotNil(t, fn)
	require.NotNil(t, fn.Resolver)
	assert.Equal(t, cfg.Lookup, fn.Resolver.Lookup)
}

// NewConnectFunc populates all fields from Config and the provided logger.
func TestNewConnectFunc(t *testing.T) {
	cfg := NewConfig()

	fn := NewConnectFunc(cfg, DefaultSLogger())

	require.NotNil(t, fn)
	assert.NotNil(t, fn.ErrClassifier)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TLSEngine)
	assert.NotNil(t, fn.TimeNow)
}

// Call resolves an Endpoint into the candidate address list.
func TestResolveFunc(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// endpoint is the endpoint to resolve.
		endpoint Endpoint

		// lookup is the lookup backend.
		lookup funcLookuper

		// want contains the expected candidates.
		want []string

		// wantErr is the expected error, if any.
		wantErr error
	}{
		{
			name:     "literal IPv4 address",
			endpoint: Endpoint{Host: "127.0.0.1", Port: 80},
			want:     []string{"127.0.0.1:80"},
		},

		{
			name:     "literal IPv6 address",
			endpoint: Endpoint{Host: "::1", Port: 443},
			want:     []string{"[::1]:443"},
		},

		{
			name:     "host name in backend order",
			endpoint: Endpoint{Host: "example.org", Port: 8080},
			lookup: func(ctx context.Context, network, host string) ([]netip.Addr, error) {
				return []netip.Addr{
					netip.MustParseAddr("2001:db8::1"),
					netip.MustParseAddr("192.0.2.1"),
				}, nil
			},
			want: []string{"[2001:db8::1]:8080", "192.0.2.1:8080"},
		},

		{
			name:     "lookup failure",
			endpoint: Endpoint{Host: "example.invalid", Port: 80},
			lookup: func(ctx context.Context, network, host string) ([]netip.Addr, error) {
				return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
			},
			wantErr: ErrResolution,
		},

		{
			name:     "empty answer",
			endpoint: Endpoint{Host: "example.org", Port: 80},
			lookup: func(ctx context.Context, network, host string) ([]netip.Addr, error) {
				return nil, nil
			},
			wantErr: ErrResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			if tt.lookup != nil {
				cfg.Lookup = tt.lookup
			}

			addrs, err := NewResolveFunc(cfg, DefaultSLogger()).Call(context.Background(), tt.endpoint)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, addrs)
				return
			}
			require.NoError(t, err)
			var got []string
			for addr := range addrs.All() {
				got = append(got, addr.String())
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.endpoint.Host, addrs.Host())
		})
	}
}

// Call connects to a listening loopback server.
func TestConnectFuncSuccess(t *testing.T) {
	server := newLoopbackServer(t, func(conn net.Conn) {})
	logger, records := newCapturingLogger()

	fn := NewConnectFunc(NewConfig(), logger)
	sock, err := fn.Call(context.Background(), NewAddressList("", server.Port(), server.Addr()))

	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, SocketConnected, sock.State())
	assert.Equal(t, server.String(), sock.RemoteAddress().String())
	assert.True(t, sock.LocalAddress().IsValid())
	assert.Equal(t, []string{"connectStart", "connectDone"}, recordMessages(*records))
}

// Call skips refused candidates and connects to the first reachable one.
func TestConnectFuncFallback(t *testing.T) {
	server := newLoopbackServer(t, func(conn net.Conn) {})
	refused := netip.AddrPortFrom(server.Addr(), unusedLoopbackPort(t))
	logger, records := newCapturingLogger()

	addrs := &AddressList{host: "localhost", port: server.Port(), addrs: []Address{
		NewAddress("localhost", refused),
		NewAddress("localhost", server),
	}}
	sock, err := NewConnectFunc(NewConfig(), logger).Call(context.Background(), addrs)

	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, server, sock.RemoteAddress().AddrPort())
	assert.Equal(t, "localhost", sock.RemoteAddress().Host())
	assert.Equal(t,
		[]string{"connectStart", "connectDone", "connectStart", "connectDone"},
		recordMessages(*records))
}

// Call reports every candidate when none is reachable.
func TestConnectFuncAllRefused(t *testing.T) {
	first := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), unusedLoopbackPort(t))
	second := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), unusedLoopbackPort(t))
	addrs := &AddressList{host: "127.0.0.1", port: first.Port(), addrs: []Address{
		NewAddress("127.0.0.1", first),
		NewAddress("127.0.0.1", second),
	}}

	sock, err := NewConnectFunc(NewConfig(), DefaultSLogger()).Call(context.Background(), addrs)

	require.ErrorIs(t, err, ErrConnect)
	assert.Nil(t, sock)
	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr))
	require.Len(t, connectErr.Attempts, 2)
	assert.Equal(t, first, connectErr.Attempts[0].Addr.AddrPort())
	assert.Equal(t, second, connectErr.Attempts[1].Addr.AddrPort())
	assert.Contains(t, err.Error(), first.String())
	assert.Contains(t, err.Error(), second.String())
}

// Call honors the context deadline while a candidate is pending.
func TestConnectFuncTimeout(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and normally blackholed
	addrs := NewAddressList("", 80, netip.MustParseAddr("192.0.2.1"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	t0 := time.Now()
	sock, err := NewConnectFunc(NewConfig(), DefaultSLogger()).Call(ctx, addrs)

	require.Error(t, err)
	assert.Nil(t, sock)
	if !errors.Is(err, ErrIOTimeout) {
		t.Skipf("network did not blackhole the connect: %s", err)
	}
	assert.Less(t, time.Since(t0), 2*time.Second)
}

// Compose2 of resolve and connect yields a connected socket.
func TestResolveConnectPipeline(t *testing.T) {
	server := newLoopbackServer(t, func(conn net.Conn) {})
	cfg := NewConfig()

	dial := Compose3(
		NewEndpointFunc(Endpoint{Host: "127.0.0.1", Port: server.Port()}),
		NewResolveFunc(cfg, DefaultSLogger()),
		NewConnectFunc(cfg, DefaultSLogger()),
	)
	sock, err := dial.Call(context.Background(), Unit{})

	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, SocketConnected, sock.State())
}
