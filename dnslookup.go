//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/dnsexchange.go
//

package nbnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
)

// dnsExchangeFunc sends a query and returns the matching response.
type dnsExchangeFunc func(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error)

// dnsQueryTypes returns the query types needed for network, which is
// "ip", "ip4", or "ip6" as in [*net.Resolver.LookupNetIP].
func dnsQueryTypes(network string) ([]uint16, error) {
	switch network {
	case "ip":
		return []uint16{dns.TypeA, dns.TypeAAAA}, nil
	case "ip4":
		return []uint16{dns.TypeA}, nil
	case "ip6":
		return []uint16{dns.TypeAAAA}, nil
	default:
		return nil, net.UnknownNetworkError(network)
	}
}

// dnsLookupNetIP queries the A and/or AAAA records of host using exchange.
//
// IPv4 addresses come first. The lookup fails only when every query fails,
// in which case the first error is returned wrapped in a [*net.DNSError].
func dnsLookupNetIP(ctx context.Context, network, host string, exchange dnsExchangeFunc) ([]netip.Addr, error) {
	qtypes, err := dnsQueryTypes(network)
	if err != nil {
		return nil, err
	}
	var (
		addrs []netip.Addr
		errv  []error
	)
	for _, qtype := range qtypes {
		values, err := dnsLookupRecords(ctx, host, qtype, exchange)
		if err != nil {
			errv = append(errv, err)
			continue
		}
		addrs = append(addrs, values...)
	}
	if len(addrs) <= 0 && len(errv) > 0 {
		return nil, &net.DNSError{
			Err:       errv[0].Error(),
			Name:      host,
			IsTimeout: errors.Is(errv[0], context.DeadlineExceeded) || isTimeout(errv[0]),
		}
	}
	return addrs, nil
}

func dnsLookupRecords(ctx context.Context, host string, qtype uint16, exchange dnsExchangeFunc) ([]netip.Addr, error) {
	resp, err := exchange(ctx, dnscodec.NewQuery(host, qtype))
	if err != nil {
		return nil, err
	}
	var values []string
	if qtype == dns.TypeA {
		values, err = resp.RecordsA()
	} else {
		values, err = resp.RecordsAAAA()
	}
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(values))
	for _, value := range values {
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("invalid address in DNS response: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func isTimeout(err error) bool {
	var terr interface{ Timeout() bool }
	return errors.As(err, &terr) && terr.Timeout()
}

// dnsExchangeLogContext holds common logging state for DNS exchanges.
type dnsExchangeLogContext struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// LocalAddr is the local address of the connection.
	LocalAddr string

	// Logger is the SLogger to use.
	Logger SLogger

	// Protocol is the network protocol (e.g., "tcp", "udp").
	Protocol string

	// RemoteAddr is the remote address of the connection.
	RemoteAddr string

	// ServerProtocol is the DNS protocol ("udp", "tcp", or "doh").
	ServerProtocol string

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

func (lc *dnsExchangeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.Time("t", t0),
	)
}

func (lc *dnsExchangeLogContext) logDone(t0 time.Time, deadline time.Time, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

// makeQueryObserver returns an observer for raw queries, which stores
// the query into rqr so that the response observer can log it too.
func (lc *dnsExchangeLogContext) makeQueryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.Logger.Info(
			"dnsQuery",
			slog.String("serverProtocol", lc.ServerProtocol),
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t", t0),
		)
		*rqr = rawQuery
	}
}

func (lc *dnsExchangeLogContext) makeResponseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.Logger.Info(
			"dnsResponse",
			slog.String("serverProtocol", lc.ServerProtocol),
			slog.Any("dnsRawQuery", *rqr),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
			slog.Any("dnsRawResponse", rawResp),
		)
	}
}
