//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/httpbody.go
//

package nbnet

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// httpBodyWrap wraps an HTTP/2 reply body so that we emit structured log
// events lazily: httpBodyStreamStart on the first Read, and httpBodyStreamDone
// on Close (only if at least one Read happened).
//
// HTTP/1.x bodies do not need this since [*Client] frames them itself.
func httpBodyWrap(body io.ReadCloser, c *Client, span *h2Span) io.ReadCloser {
	return &httpBodyWrapper{
		body:     body,
		errClass: c.ErrClassifier,
		logger:   c.Logger,
		span:     span,
		timeNow:  c.TimeNow,
	}
}

type httpBodyWrapper struct {
	// body is the actual body.
	body io.ReadCloser

	// closeOnce ensures that Close has "once" semantics.
	closeOnce sync.Once

	// didRead tracks whether at least one Read happened.
	didRead atomic.Bool

	// errClass is the err classifier in use.
	errClass ErrClassifier

	// logger is the [SLogger] in use.
	logger SLogger

	// readOnce ensures we log httpBodyStreamStart only once.
	readOnce sync.Once

	// span contains the connection metadata and the span ID.
	span *h2Span

	// t0 is the time when we started reading the body.
	t0 time.Time

	// timeNow mocks [time.Now].
	timeNow func() time.Time
}

var _ io.ReadCloser = &httpBodyWrapper{}

// Close implements [io.ReadCloser].
func (b *httpBodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		if b.didRead.Load() { // acquire: t0 is visible if this returns true
			b.logger.Info(
				"httpBodyStreamDone",
				slog.Any("err", err),
				slog.String("errClass", b.errClass.Classify(err)),
				slog.String("localAddr", b.span.laddr),
				slog.String("protocol", b.span.protocol),
				slog.String("remoteAddr", b.span.raddr),
				slog.String("spanID", b.span.id),
				slog.Time("t0", b.t0),
				slog.Time("t", b.timeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *httpBodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()    // write t0 BEFORE the atomic store (release)
		b.didRead.Store(true) // release: makes t0 visible to Close
		b.logger.Info(
			"httpBodyStreamStart",
			slog.String("localAddr", b.span.laddr),
			slog.String("protocol", b.span.protocol),
			slog.String("remoteAddr", b.span.raddr),
			slog.String("spanID", b.span.id),
			slog.Time("t", b.t0),
		)
	})
	return b.body.Read(buffer)
}
