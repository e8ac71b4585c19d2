// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
)

// NewDNSOverHTTPSLookup returns a new [*DNSOverHTTPSLookup].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The client argument is the [*Client] connected to the server in url.
//
// The url argument is the DoH endpoint (e.g., "https://dns.google/dns-query").
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverHTTPSLookup(cfg *Config, client *Client, url string, logger SLogger) *DNSOverHTTPSLookup {
	return &DNSOverHTTPSLookup{
		Client:        client,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		URL:           url,
	}
}

// DNSOverHTTPSLookup is a [Lookuper] sending A and AAAA queries through
// a [*Client], which keeps its connection alive across queries.
//
// Lookups are serialized since the [*Client] owns a single connection.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [LookupNetIP].
type DNSOverHTTPSLookup struct {
	// Client performs the HTTP round trips.
	//
	// Set by [NewDNSOverHTTPSLookup] to the user-provided value.
	Client *Client

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverHTTPSLookup] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSOverHTTPSLookup] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSOverHTTPSLookup] from [Config.TimeNow].
	TimeNow func() time.Time

	// URL is the DoH endpoint URL.
	//
	// Set by [NewDNSOverHTTPSLookup] to the user-provided value.
	URL string

	mu sync.Mutex
}

var _ Lookuper = &DNSOverHTTPSLookup{}

// LookupNetIP implements [Lookuper].
func (l *DNSOverHTTPSLookup) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return dnsLookupNetIP(ctx, network, host, l.exchange)
}

// Close closes the connection of the [*Client].
func (l *DNSOverHTTPSLookup) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Client.Close()
}

func (l *DNSOverHTTPSLookup) exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	// 1. Create the log context
	t0 := l.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier:  l.ErrClassifier,
		LocalAddr:      l.Client.local(),
		Logger:         l.Logger,
		Protocol:       l.Client.protocol(),
		RemoteAddr:     l.Client.remote(),
		ServerProtocol: "doh",
		TimeNow:        l.TimeNow,
	}

	// 2. Create the HTTP request and the query message
	lc.logStart(t0, deadline)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, l.URL, lc.makeQueryObserver(t0, &rqr))
	if err != nil {
		lc.logDone(t0, deadline, err)
		return nil, err
	}

	// 3. Perform the HTTP round trip
	httpResp, err := l.Client.RoundTrip(httpReq)
	if err != nil {
		lc.logDone(t0, deadline, err)
		return nil, err
	}
	defer httpResp.Body.Close()

	// 4. Read the response and validate it
	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.makeResponseObserver(t0, &rqr))
	lc.logDone(t0, deadline, err)
	return resp, err
}
