// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/safeconn"
)

// NewDNSOverTCPLookup returns a new [*DNSOverTCPLookup].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The server argument is the address and port of the DNS server.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverTCPLookup(cfg *Config, server netip.AddrPort, logger SLogger) *DNSOverTCPLookup {
	return &DNSOverTCPLookup{
		Connect:       NewConnectFunc(cfg, logger),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSOverTCPLookup is a [Lookuper] sending A and AAAA queries over TCP.
//
// Each query uses a fresh [*Socket], which the DNS transport drives
// through [*Socket.NetConn] and which is closed after the exchange.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [LookupNetIP].
type DNSOverTCPLookup struct {
	// Connect creates the connected sockets.
	//
	// Set by [NewDNSOverTCPLookup] using [NewConnectFunc].
	Connect Func[*AddressList, *Socket]

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverTCPLookup] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSOverTCPLookup] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server address.
	//
	// Set by [NewDNSOverTCPLookup] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSOverTCPLookup] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Lookuper = &DNSOverTCPLookup{}

// LookupNetIP implements [Lookuper].
func (l *DNSOverTCPLookup) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return dnsLookupNetIP(ctx, network, host, l.exchange)
}

func (l *DNSOverTCPLookup) exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	// 1. Connect to the server
	addrs := NewAddressList("", l.Server.Port(), l.Server.Addr())
	sock, err := l.Connect.Call(ctx, addrs)
	if err != nil {
		return nil, err
	}
	conn := sock.NetConn()
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// 2. Create the log context
	t0 := l.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier:  l.ErrClassifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         l.Logger,
		Protocol:       safeconn.Network(conn),
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: "tcp",
		TimeNow:        l.TimeNow,
	}

	// 3. Create the transport, which uses our socket and never dials
	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(dnsConnectedDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, l.Server)
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)

	// 4. Execute with logging
	lc.logStart(t0, deadline)
	so := dnsoverstream.NewTCPStreamOpener(conn)
	resp, err := txp.ExchangeWithStreamOpener(ctx, so, query)
	lc.logDone(t0, deadline, err)
	return resp, err
}
