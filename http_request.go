// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"bytes"
	"encoding/base64"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"
)

// Request is an HTTP/1.x request sent by [*Client].
type Request struct {
	// Method is the request method (e.g., "GET").
	Method string

	// Path is the request target path. Empty means "/".
	Path string

	// Query contains the query parameters, which are appended to
	// the path only for GET requests.
	Query url.Values

	// Header contains the request headers. Headers the client adds by
	// default are only added when missing.
	Header http.Header

	// Body is the request body.
	Body []byte

	// Version is the protocol version. Empty means "HTTP/1.1".
	Version string
}

// NewRequest returns a new [*Request] with empty query and headers.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Query:   url.Values{},
		Header:  http.Header{},
		Version: "HTTP/1.1",
	}
}

// RequestURI returns the request target of the request line.
func (r *Request) RequestURI() string {
	path := r.Path
	if path == "" {
		path = "/"
	}
	if r.Method == http.MethodGet && len(r.Query) > 0 {
		path += "?" + r.Query.Encode()
	}
	return path
}

func (r *Request) version() string {
	if r.Version == "" {
		return "HTTP/1.1"
	}
	return r.Version
}

// requestDefaults are the values for the headers added when missing.
type requestDefaults struct {
	// Now is the time used for the Date header.
	Now time.Time

	// Remote is the connected peer, used for the Host header.
	Remote Address

	// DefaultPort is the port omitted from the Host header.
	DefaultPort uint16

	// UserAgent is the User-Agent header value.
	UserAgent string

	// Username and Password, when Username is not empty, become
	// Basic credentials in the Authorization header.
	Username string
	Password string
}

// hostHeader returns the Host header value for the given peer.
func hostHeader(remote Address, defaultPort uint16) string {
	host := remote.Host()
	if host == "" {
		host = remote.AddrPort().Addr().Unmap().String()
	}
	if remote.Port() == defaultPort {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(remote.Port())))
}

// serializeRequest returns the wire representation of req after adding
// the missing default headers. The headers are emitted in sorted order.
func serializeRequest(req *Request, defaults *requestDefaults) []byte {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Length") == "" && header.Get("Transfer-Encoding") == "" {
		header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	if header.Get("Connection") == "" {
		header.Set("Connection", "keep-alive")
	}
	if header.Get("Date") == "" {
		header.Set("Date", defaults.Now.UTC().Format(http.TimeFormat))
	}
	if header.Get("Host") == "" {
		header.Set("Host", hostHeader(defaults.Remote, defaults.DefaultPort))
	}
	if header.Get("User-Agent") == "" && defaults.UserAgent != "" {
		header.Set("User-Agent", defaults.UserAgent)
	}
	if header.Get("Authorization") == "" && defaults.Username != "" {
		creds := defaults.Username + ":" + defaults.Password
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}

	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.RequestURI())
	buf.WriteByte(' ')
	buf.WriteString(req.version())
	buf.WriteString("\r\n")
	for _, key := range slices.Sorted(maps.Keys(header)) {
		for _, value := range header[key] {
			buf.WriteString(key)
			buf.WriteString(": ")
			buf.WriteString(value)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)
	return buf.Bytes()
}
