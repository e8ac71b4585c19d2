// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/bassosimone/nbnet"
	"github.com/bassosimone/runtimex"
)

// This example shows how to resolve a domain name with DNS-over-UDP
// using Google's public DNS server as the [nbnet.Resolver] backend.
func Example_dnsOverUDP() {
	// Create context with overall timeout for the entire operation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create a config and logger with a span ID for correlating log entries
	cfg := nbnet.NewConfig()
	spanID := nbnet.NewSpanID()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("spanID", spanID)

	// Replace the system resolver with DNS-over-UDP
	cfg.Lookup = nbnet.NewDNSOverUDPLookup(cfg, netip.MustParseAddrPort("8.8.8.8:53"), logger)

	// Resolve the IPv4 addresses only
	resolver := nbnet.NewResolver(cfg, logger)
	addrs := runtimex.PanicOnError1(resolver.Lookup.LookupNetIP(ctx, "ip4", "dns.google"))

	// Print the results
	slices.SortFunc(addrs, netip.Addr.Compare)
	fmt.Printf("%+v\n", addrs)

	// Output:
	// [8.8.4.4 8.8.8.8]
}
