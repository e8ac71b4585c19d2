// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// serveEcho answers each request with its method, path, and body.
func serveEcho(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		body, _ := io.ReadAll(req.Body)
		payload := fmt.Sprintf("%s %s %s", req.Method, req.URL.Path, body)
		resp := &http.Response{
			StatusCode:    http.StatusOK,
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        http.Header{"Content-Type": {"text/plain"}},
			ContentLength: int64(len(payload)),
			Body:          io.NopCloser(strings.NewReader(payload)),
		}
		if err := resp.Write(conn); err != nil {
			return
		}
	}
}

// serveH2 speaks HTTP/2 over the accepted TLS connection.
func serveH2(conn net.Conn) {
	tconn := conn.(*tls.Conn)
	if err := tconn.HandshakeContext(context.Background()); err != nil {
		return
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Proto, r.URL.Path)
	})
	(&http2.Server{}).ServeConn(tconn, &http2.ServeConnOpts{Handler: handler})
}

// A [*Client] backs an [*http.Client] using HTTP/1.1 with keep-alive.
func TestClientRoundTripH1(t *testing.T) {
	server := newLoopbackServer(t, serveEcho)
	c := newTestClient(t, server, DefaultSLogger())
	hc := &http.Client{Transport: c}
	base := fmt.Sprintf("http://%s", server)

	resp, err := hc.Post(base+"/submit", "text/plain", strings.NewReader("abc"))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, 1, resp.ProtoMinor)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "POST /submit abc", string(data))

	resp, err = hc.Get(base + "/again")
	require.NoError(t, err)
	data, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "GET /again ", string(data))
}

// Chunked replies are exposed with an unknown content length.
func TestClientRoundTripH1Chunked(t *testing.T) {
	server := newLoopbackServer(t, serveCanned(nil, nil, wikipediaReply))
	c := newTestClient(t, server, DefaultSLogger())
	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/", server), nil)
	require.NoError(t, err)

	resp, err := c.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)

	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(data))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Same(t, req, resp.Request)
}

// RoundTrip fails once the client is closed.
func TestClientRoundTripClosed(t *testing.T) {
	c := NewClient(NewConfig(), Endpoint{Host: "127.0.0.1", Port: 80}, nil, DefaultSLogger())
	require.NoError(t, c.Close())
	req, err := http.NewRequest("GET", "http://127.0.0.1/", nil)
	require.NoError(t, err)

	resp, err := c.RoundTrip(req)

	require.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, resp)
}

// RoundTrip switches to HTTP/2 when ALPN negotiates "h2".
func TestClientRoundTripH2(t *testing.T) {
	cert := newTestCertificate(t)
	server := newTLSLoopbackServer(t, cert, []string{"h2"}, serveH2)
	logger, records := newCapturingLogger()
	tc := newClientTLSContext(t, cert, "h2", "http/1.1")
	c := NewClient(NewConfig(), Endpoint{Host: "127.0.0.1", Port: server.Port()}, tc, logger)
	defer c.Close()
	base := fmt.Sprintf("https://%s", server)

	for _, path := range []string{"/a", "/b"} {
		req, err := http.NewRequest("GET", base+path, nil)
		require.NoError(t, err)
		resp, err := c.RoundTrip(req)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, 2, resp.ProtoMajor)
		assert.Equal(t, "HTTP/2.0 "+path, string(data))
	}

	messages := recordMessages(*records)
	assert.Contains(t, messages, "tlsHandshakeDone")
	assert.Contains(t, messages, "httpRoundTripDone")
	assert.Contains(t, messages, "httpBodyStreamStart")
	assert.Contains(t, messages, "httpBodyStreamDone")
}

// RoundTrip stays on HTTP/1.1 when the server does not negotiate "h2".
func TestClientRoundTripH2Declined(t *testing.T) {
	cert := newTestCertificate(t)
	server := newTLSLoopbackServer(t, cert, []string{"http/1.1"}, serveEcho)
	tc := newClientTLSContext(t, cert, "h2", "http/1.1")
	c := NewClient(NewConfig(), Endpoint{Host: "127.0.0.1", Port: server.Port()}, tc, DefaultSLogger())
	defer c.Close()
	req, err := http.NewRequest("GET", fmt.Sprintf("https://%s/x", server), nil)
	require.NoError(t, err)

	resp, err := c.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)

	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "GET /x ", string(data))
}
