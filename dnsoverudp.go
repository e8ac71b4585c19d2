// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
)

// NewDNSOverUDPLookup returns a new [*DNSOverUDPLookup].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The server argument is the address and port of the DNS server.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverUDPLookup(cfg *Config, server netip.AddrPort, logger SLogger) *DNSOverUDPLookup {
	return &DNSOverUDPLookup{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSOverUDPLookup is a [Lookuper] sending A and AAAA queries over UDP.
//
// Each query uses a fresh UDP socket, which is closed after the exchange.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [LookupNetIP].
type DNSOverUDPLookup struct {
	// Dialer creates the UDP sockets.
	//
	// Set by [NewDNSOverUDPLookup] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverUDPLookup] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSOverUDPLookup] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server address.
	//
	// Set by [NewDNSOverUDPLookup] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSOverUDPLookup] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Lookuper = &DNSOverUDPLookup{}

// LookupNetIP implements [Lookuper].
func (l *DNSOverUDPLookup) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return dnsLookupNetIP(ctx, network, host, l.exchange)
}

func (l *DNSOverUDPLookup) exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	// 1. Create the UDP socket
	conn, err := l.Dialer.DialContext(ctx, "udp", l.Server.String())
	if err != nil {
		return nil, err
	}
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
		ServerProtocol: "udp",
		TimeNow:        l.TimeNow,
	}

	// 3. Create the transport, which uses our socket and never dials
	txp := minest.NewDNSOverUDPTransport(dnsConnectedDialer{}, l.Server)
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)

	// 4. Execute with logging
	lc.logStart(t0, deadline)
	resp, err := txp.ExchangeWithConn(ctx, conn, query)
	lc.logDone(t0, deadline, err)
	return resp, err
}
