// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Reply is the header block of an HTTP/1.x reply read by [*Client].
type Reply struct {
	// Proto is the protocol version (e.g., "HTTP/1.1").
	Proto string

	// StatusCode is the numeric status.
	StatusCode int

	// Reason is the reason phrase, possibly empty.
	Reason string

	// Header contains the reply headers with canonical keys.
	Header http.Header
}

// ChunkedTransferEncoding reports whether the body uses chunked framing.
func (r *Reply) ChunkedTransferEncoding() bool {
	codings := headerTokens(r.Header, "Transfer-Encoding")
	return len(codings) > 0 && codings[len(codings)-1] == "chunked"
}

// ContentLength returns the Content-Length value or -1 when the header
// is missing or invalid.
func (r *Reply) ContentLength() int64 {
	value := strings.TrimSpace(r.Header.Get("Content-Length"))
	if value == "" {
		return -1
	}
	length, err := strconv.ParseInt(value, 10, 64)
	if err != nil || length < 0 {
		return -1
	}
	return length
}

// KeepAlive reports whether the server allows reusing the connection.
//
// An explicit Connection header wins; otherwise HTTP/1.1 and later
// default to persistent connections and HTTP/1.0 does not.
func (r *Reply) KeepAlive() bool {
	for _, token := range headerTokens(r.Header, "Connection") {
		switch token {
		case "close":
			return false
		case "keep-alive":
			return true
		}
	}
	return r.Proto != "HTTP/1.0"
}

// hasBody reports whether a reply to method may carry a body.
func (r *Reply) hasBody(method string) bool {
	switch {
	case method == http.MethodHead:
		return false
	case r.StatusCode >= 100 && r.StatusCode < 200:
		return false
	case r.StatusCode == http.StatusNoContent, r.StatusCode == http.StatusNotModified:
		return false
	default:
		return true
	}
}

// headerTokens returns the lowercase comma-separated tokens of key.
func headerTokens(header http.Header, key string) (out []string) {
	for _, value := range header.Values(key) {
		for token := range strings.SplitSeq(value, ",") {
			if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
				out = append(out, token)
			}
		}
	}
	return
}

// defaultMaxHeaderBytes bounds the size of a reply header block.
const defaultMaxHeaderBytes = 64 << 10

// replyParser incrementally parses a reply header block.
//
// The zero value is not ready to use; construct with [newReplyParser].
type replyParser struct {
	line     []byte
	lastKey  string
	maxBytes int
	reply    *Reply
	size     int
	started  bool
}

func newReplyParser(maxBytes int) *replyParser {
	if maxBytes <= 0 {
		maxBytes = defaultMaxHeaderBytes
	}
	return &replyParser{maxBytes: maxBytes}
}

// Parse consumes bytes from data until the end of the header block.
//
// It returns the number of bytes consumed and whether the header block
// is complete, in which case the parsed [*Reply] is available through
// the reply field. Malformed lines fail with a [*ProtocolError].
func (p *replyParser) Parse(data []byte) (int, bool, error) {
	for idx, ch := range data {
		p.started = true
		p.size++
		if p.size > p.maxBytes {
			return idx, false, &ProtocolError{Line: truncateLine(p.line), Reason: "header block too large"}
		}
		if ch != '\n' {
			p.line = append(p.line, ch)
			continue
		}
		line := strings.TrimSuffix(string(p.line), "\r")
		p.line = p.line[:0]
		done, err := p.parseLine(line)
		if err != nil || done {
			return idx + 1, done, err
		}
	}
	return len(data), false, nil
}

func (p *replyParser) parseLine(line string) (bool, error) {
	if p.reply == nil {
		if line == "" {
			return false, nil // tolerate empty lines before the status line
		}
		reply, err := parseStatusLine(line)
		if err != nil {
			return false, err
		}
		p.reply = reply
		return false, nil
	}
	if line == "" {
		return true, nil
	}
	if line[0] == ' ' || line[0] == '\t' {
		if p.lastKey == "" {
			return false, &ProtocolError{Line: line, Reason: "continuation without header"}
		}
		values := p.reply.Header[p.lastKey]
		values[len(values)-1] += " " + strings.TrimSpace(line)
		return false, nil
	}
	key, value, found := strings.Cut(line, ":")
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return false, &ProtocolError{Line: line, Reason: "malformed header line"}
	}
	p.lastKey = textproto.CanonicalMIMEHeaderKey(key)
	p.reply.Header.Add(p.lastKey, strings.TrimSpace(value))
	return false, nil
}

func parseStatusLine(line string) (*Reply, error) {
	proto, rest, _ := strings.Cut(line, " ")
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return nil, &ProtocolError{Line: line, Reason: "malformed protocol version"}
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return nil, &ProtocolError{Line: line, Reason: "malformed status code"}
	}
	return &Reply{
		Proto:      proto,
		StatusCode: status,
		Reason:     reason,
		Header:     http.Header{},
	}, nil
}

func truncateLine(line []byte) string {
	const maxLen = 128
	if len(line) > maxLen {
		return string(line[:maxLen])
	}
	return string(line)
}
