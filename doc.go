// SPDX-License-Identifier: GPL-3.0-or-later

// Package nbnet provides non-blocking TCP sockets with TLS, a readiness
// poller, and an HTTP/1.x client engine built on top of them.
//
// # Core Types
//
// Name resolution and connection establishment:
//   - [Resolver]: turns host and port into an ordered [*AddressList]
//   - [Socket]: a TCP stream that connects to the first reachable candidate,
//     optionally speaks TLS, and supports blocking and event-driven I/O
//   - [Listener]: binds one socket per resolved address and accepts
//     connections, with [*Listener.TerminateAccept] to interrupt a blocked
//     accept from another goroutine
//   - [Poller]: dispatches readiness of registered descriptors to handlers
//
// TLS:
//   - [TLSContext]: immutable certificates, trust store, verification level,
//     and protocol bounds shared by many sockets
//   - [TLSEngine]: pluggable TLS implementation, [TLSEngineStdlib] by default
//
// HTTP:
//   - [Client]: HTTP/1.x client engine with keep-alive, a blocking API
//     ([*Client.Execute]) and an event-driven API ([*Client.BeginExecute]);
//     it also implements [net/http.RoundTripper] and switches to HTTP/2 when
//     the server negotiates it
//   - [ChunkedDecoder]: incremental chunked transfer coding parser, with the
//     [ChunkedReader] and [ChunkedWriter] stream adapters
//
// Lookup backends, usable as [Config.Lookup]:
//   - [DNSOverUDPLookup], [DNSOverTCPLookup], [DNSOverHTTPSLookup]
//
// # Blocking and Event-Driven Operations
//
// Every blocking operation takes a [context.Context] whose deadline bounds
// the wait for readiness; an expired deadline fails with an error matching
// [ErrIOTimeout] and leaves the socket usable.
//
// Event-driven operations follow a Begin/End pattern. BeginXxx starts the
// operation and returns immediately, possibly with the result when it could
// complete at once. Otherwise, once the socket is attached to a [*Poller]
// with [*Socket.Attach], the matching OnXxx callback fires from
// [*Poller.Wait] and the callback calls EndXxx to collect the result.
// Callbacks may close the socket they are invoked for.
//
// # Composition
//
// Connection pipelines are built from [Func] values composed with [Compose2]
// through [Compose4]:
//
//	dial := nbnet.Compose3(
//		nbnet.NewResolveFunc(cfg, logger),
//		nbnet.NewConnectFunc(cfg, logger),
//		nbnet.NewTLSHandshakeFunc(cfg, tc),
//	)
//
// # Observability
//
// All types support structured logging via [SLogger] (compatible with [log/slog]).
// By default, logging is disabled.
//
// Span events come in *Start/*Done pairs (resolve, connect, listen, accept,
// tlsHandshake, tlsShutdown, close, httpRoundTrip, httpBodyStream,
// dnsExchange) and share the localAddr, remoteAddr, protocol, and t fields.
// Completion events additionally include t0, err, and errClass. I/O events
// (readStart/readDone, writeStart/writeDone) use [slog.LevelDebug].
//
// # Errors
//
// Failures wrap one of the sentinel errors ([ErrResolution], [ErrConnect],
// [ErrIOTimeout], [ErrIO], ...) so they can be tested with [errors.Is], and
// carry the underlying OS error when there is one.
package nbnet
