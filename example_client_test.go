// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bassosimone/nbnet"
	"github.com/bassosimone/runtimex"
)

// This example shows how to fetch a page over HTTPS with the blocking
// API of the HTTP client engine.
func Example_httpsExecute() {
	// Create context with overall timeout for the entire operation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create a config and logger with a span ID for correlating log entries
	cfg := nbnet.NewConfig()
	spanID := nbnet.NewSpanID()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("spanID", spanID)

	// Create the client, which connects lazily on the first exchange
	tc := runtimex.PanicOnError1(nbnet.NewTLSContext(nbnet.TLSOptions{Verify: nbnet.TLSVerifyRequire}))
	client := nbnet.NewClient(cfg, nbnet.Endpoint{Host: "dns.google", Port: 443}, tc, logger)
	defer client.Close()

	// Send the request and wait for the reply header
	reply := runtimex.PanicOnError1(client.Execute(ctx, nbnet.NewRequest("GET", "/")))
	runtimex.Assert(reply.StatusCode < 400)

	// Read the body
	body := runtimex.PanicOnError1(io.ReadAll(client.Body(ctx)))

	// Extract and print the title from the HTML
	fmt.Printf("%s\n", extractTitle(string(body)))

	// Output:
	// Google Public DNS
}

// This example shows how to drive an exchange from a [nbnet.Poller]
// with the event-driven API of the HTTP client engine.
func Example_httpsBeginExecute() {
	// Create a config and logger with a span ID for correlating log entries
	cfg := nbnet.NewConfig()
	spanID := nbnet.NewSpanID()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("spanID", spanID)

	// Create the poller dispatching the readiness events
	poller := runtimex.PanicOnError1(nbnet.NewPoller())
	defer poller.Close()

	// Create the client and subscribe to the exchange events
	tc := runtimex.PanicOnError1(nbnet.NewTLSContext(nbnet.TLSOptions{Verify: nbnet.TLSVerifyRequire}))
	client := nbnet.NewClient(cfg, nbnet.Endpoint{Host: "dns.google", Port: 443}, tc, logger)
	defer client.Close()
	client.Attach(poller)
	var body strings.Builder
	client.OnBodyAvailable = func(c *nbnet.Client, data []byte) error {
		body.Write(data)
		return nil
	}

	// Start the exchange and dispatch events until it is over
	if err := client.BeginExecute(nbnet.NewRequest("GET", "/")); err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reply := runtimex.PanicOnError1(client.EndExecute(ctx))
	runtimex.Assert(reply.StatusCode < 400)

	// Extract and print the title from the HTML
	fmt.Printf("%s\n", extractTitle(body.String()))

	// Output:
	// Google Public DNS
}

// extractTitle extracts the content of the <title> tag from HTML.
func extractTitle(html string) string {
	const startTag = "<title>"
	const endTag = "</title>"
	start := strings.Index(html, startTag)
	if start == -1 {
		return ""
	}
	start += len(startTag)
	end := strings.Index(html[start:], endTag)
	if end == -1 {
		return ""
	}
	return html[start : start+end]
}
