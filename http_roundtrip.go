//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/httpconn.go
//

package nbnet

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"golang.org/x/net/http2"
)

var _ http.RoundTripper = &Client{}

// RoundTrip implements [http.RoundTripper], so that a [*Client] can back
// an [*http.Client] talking to [Client.Endpoint].
//
// HTTP/1.x exchanges use [*Client.Execute] and the reply body reads from
// the connection. When the TLS handshake negotiates "h2" through ALPN, the
// connection is handed to an HTTP/2 transport that serves all the following
// round trips. A failed HTTP/2 round trip closes the connection.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.closed {
		return nil, ErrClosed
	}
	ctx := req.Context()
	if c.h2 == nil && c.sock == nil && c.wantsH2() {
		if err := c.connectRoundTrip(ctx); err != nil {
			return nil, err
		}
	}
	if c.h2 != nil {
		return c.roundTripH2(req)
	}
	return c.roundTripH1(ctx, req)
}

func (c *Client) wantsH2() bool {
	return c.TLSContext != nil && slices.Contains(c.TLSContext.opts.NextProtos, http2.NextProtoTLS)
}

// connectRoundTrip connects and switches to HTTP/2 when the server agrees.
func (c *Client) connectRoundTrip(ctx context.Context) error {
	c.abandonBody()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.connectBlocking(ctx); err != nil {
		return err
	}
	if state, ok := c.sock.ConnectionState(); ok && state.NegotiatedProtocol == http2.NextProtoTLS {
		conn := c.sock.NetConn()
		dialer := sud.NewSingleUseDialer(conn)
		c.h2 = &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		c.h2conn = conn
		c.sock = nil
	}
	return nil
}

func (c *Client) dropH2() {
	if c.h2 != nil {
		c.h2.CloseIdleConnections()
		c.h2 = nil
	}
	if c.h2conn != nil {
		c.h2conn.Close()
		c.h2conn = nil
	}
}

func (c *Client) roundTripH1(ctx context.Context, req *http.Request) (*http.Response, error) {
	r := &Request{
		Method:  req.Method,
		Path:    req.URL.RequestURI(),
		Header:  req.Header.Clone(),
		Version: "HTTP/1.1",
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	if req.Host != "" {
		r.Header.Set("Host", req.Host)
	}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}

	reply, err := c.Execute(ctx, r)
	if err != nil {
		return nil, err
	}
	major, minor, _ := http.ParseHTTPVersion(reply.Proto)
	resp := &http.Response{
		Status:        strconv.Itoa(reply.StatusCode) + " " + reply.Reason,
		StatusCode:    reply.StatusCode,
		Proto:         reply.Proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        reply.Header,
		ContentLength: reply.ContentLength(),
		Close:         !reply.KeepAlive(),
		Body:          c.Body(ctx),
		Request:       req,
	}
	if reply.ChunkedTransferEncoding() {
		resp.TransferEncoding = []string{"chunked"}
		resp.ContentLength = -1
	}
	return resp, nil
}

// h2Span is the logging metadata of an HTTP/2 round trip.
type h2Span struct {
	id       string
	laddr    string
	protocol string
	raddr    string
}

func (c *Client) roundTripH2(req *http.Request) (*http.Response, error) {
	conn := c.h2conn
	span := &h2Span{
		id:       NewSpanID(),
		laddr:    safeconn.LocalAddr(conn),
		protocol: safeconn.Network(conn),
		raddr:    safeconn.RemoteAddr(conn),
	}

	t0 := c.TimeNow()
	deadline, _ := req.Context().Deadline()
	c.logH2RoundTripStart(span, req, t0, deadline)

	resp, err := c.h2.RoundTrip(req)

	c.logH2RoundTripDone(span, req, t0, deadline, resp, err)
	if err != nil {
		c.dropH2()
		return nil, err
	}
	resp.Body = httpBodyWrap(resp.Body, c, span)
	return resp, nil
}

func (c *Client) logH2RoundTripStart(span *h2Span, req *http.Request, t0, deadline time.Time) {
	c.Logger.Info(
		"httpRoundTripStart",
		slog.Time("deadline", deadline),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", req.Header),
		slog.String("localAddr", span.laddr),
		slog.String("protocol", span.protocol),
		slog.String("remoteAddr", span.raddr),
		slog.String("spanID", span.id),
		slog.Time("t", t0),
	)
}

func (c *Client) logH2RoundTripDone(span *h2Span, req *http.Request,
	t0, deadline time.Time, resp *http.Response, err error) {
	var (
		statusCode int
		headers    http.Header
	)
	if resp != nil {
		statusCode = resp.StatusCode
		headers = resp.Header
	}
	c.Logger.Info(
		"httpRoundTripDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", req.Header),
		slog.Any("httpResponseHeaders", headers),
		slog.Int("httpResponseStatusCode", statusCode),
		slog.String("localAddr", span.laddr),
		slog.String("protocol", span.protocol),
		slog.String("remoteAddr", span.raddr),
		slog.String("spanID", span.id),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}
