// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/http2"
)

// NewClient returns a new [*Client] talking to endpoint.
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The endpoint argument is the server host and port.
//
// The tc argument is the TLS context for HTTPS; nil means plaintext HTTP.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewClient(cfg *Config, endpoint Endpoint, tc *TLSContext, logger SLogger) *Client {
	resolveOp := NewResolveFunc(cfg, logger)
	connectOp := NewConnectFunc(cfg, logger)
	var dial Func[Endpoint, *Socket] = Compose2(resolveOp, connectOp)
	if tc != nil {
		dial = Compose3(resolveOp, connectOp, NewTLSHandshakeFunc(cfg, tc))
	}
	return &Client{
		Dial:          dial,
		Endpoint:      endpoint,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      resolveOp.Resolver,
		TLSContext:    tc,
		TLSEngine:     cfg.TLSEngine,
		TimeNow:       cfg.TimeNow,
		UserAgent:     "nbnet/0.1",
	}
}

// Client is an HTTP/1.x client engine owning at most one connection.
//
// The blocking API is [*Client.Execute] followed by [*Client.ReadBody] or
// [*Client.Body]. The event-driven API is [*Client.BeginExecute], which
// delivers the reply through the OnXxx callbacks from [*Poller.Wait], and
// [*Client.EndExecute]. The connection is reused across exchanges while the
// server allows it; an exchange on a reused connection that fails before any
// reply byte arrives is retried once on a fresh connection.
//
// A Client must be used by a single goroutine at a time.
type Client struct {
	// Dial creates the connection for an exchange.
	//
	// Set by [NewClient] to resolve, connect and, with a TLS context,
	// handshake, composed with [Compose3].
	Dial Func[Endpoint, *Socket]

	// Endpoint is the server.
	//
	// Set by [NewClient] to the user-provided value.
	Endpoint Endpoint

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewClient] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewClient] to the user-provided logger.
	Logger SLogger

	// Resolver resolves the endpoint for event-driven exchanges.
	//
	// Set by [NewClient] to the resolver used by Dial.
	Resolver *Resolver

	// TLSContext enables HTTPS when not nil.
	//
	// Set by [NewClient] to the user-provided value.
	TLSContext *TLSContext

	// TLSEngine is used by the sockets of event-driven exchanges.
	//
	// Set by [NewClient] from [Config.TLSEngine].
	TLSEngine TLSEngine

	// TimeNow is the function to get the current time.
	//
	// Set by [NewClient] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout bounds each blocking call. Zero means no timeout.
	Timeout time.Duration

	// ConnectTimeout bounds establishing a connection. Zero means
	// no timeout other than [Client.Timeout].
	ConnectTimeout time.Duration

	// UserAgent is the default User-Agent header.
	//
	// Set by [NewClient] to "nbnet/0.1".
	UserAgent string

	// Username and Password are sent as Basic credentials when
	// Username is not empty and the request has no Authorization.
	Username string
	Password string

	// MaxHeaderBytes bounds the reply header block. Zero means 64 KiB.
	MaxHeaderBytes int

	// OnReplyHeader fires when the reply header of an event-driven
	// exchange is available through [*Client.Reply].
	OnReplyHeader func(c *Client) error

	// OnBodyAvailable fires for each body fragment of an event-driven
	// exchange. The data is only valid during the call.
	OnBodyAvailable func(c *Client, data []byte) error

	// OnReplyFinished fires when an event-driven exchange is over,
	// successfully or not. Collect the result with [*Client.EndExecute].
	OnReplyFinished func(c *Client) error

	sock    *Socket
	used    int // exchanges sent over sock
	rbuf    []byte
	roff    int
	rend    int
	scratch []byte
	ex      *exchange
	poller  *Poller
	h2      *http2.Transport
	h2conn  net.Conn
	closed  bool
}

// bodyFraming is how the end of a reply body is found.
type bodyFraming int

const (
	bodyNone bodyFraming = iota
	bodyLength
	bodyChunked
	bodyUntilEOF
)

// exchangePhase is the progress of an event-driven exchange.
type exchangePhase int

const (
	phaseConnecting exchangePhase = iota
	phaseHandshaking
	phaseSending
	phaseHeader
	phaseBody
)

// exchange is the state of one request and reply.
type exchange struct {
	req      *Request
	spanID   string
	t0       time.Time
	deadline time.Time
	reused   bool
	retried  bool
	parser   *replyParser
	reply    *Reply

	framing     bodyFraming
	remain      int64
	chunked     ChunkedDecoder
	bodyStarted bool
	bodyT0      time.Time
	bodyDone    bool

	async    bool
	phase    exchangePhase
	finished bool
	err      error
}

// errBodyAbandoned closes a connection whose reply body was not consumed.
var errBodyAbandoned = errors.New("nbnet: reply body not consumed")

// Reply returns the reply header of the current exchange, if any.
func (c *Client) Reply() *Reply {
	if c.ex == nil {
		return nil
	}
	return c.ex.reply
}

// Execute sends req and reads the reply header block.
//
// The body must then be read with [*Client.ReadBody] or [*Client.Body]
// before the next exchange, otherwise the connection is closed. Failing to
// resolve the endpoint matches [ErrResolution] and failing to connect to every
// address matches [ErrConnect]. Once connected, transport failures match
// [ErrIO] and expired deadlines match [ErrIOTimeout].
func (c *Client) Execute(ctx context.Context, req *Request) (*Reply, error) {
	if err := c.startExchange(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ex := c.newExchange(ctx, req, false)
	c.logRoundTripStart(ex)
	err := c.exchangeBlocking(ctx, ex)
	c.logRoundTripDone(ex, err)
	if err != nil {
		c.dropConnection()
		ex.bodyDone = true
		return nil, err
	}
	return ex.reply, nil
}

// ReadBody reads the body of the current reply into buf.
//
// It returns [io.EOF] once the body is over; the connection is then closed
// unless the reply allows keeping it alive. An expired deadline leaves the
// body readable.
func (c *Client) ReadBody(ctx context.Context, buf []byte) (int, error) {
	ex := c.ex
	if ex == nil || ex.reply == nil || ex.async {
		return 0, fmt.Errorf("%w: no reply to read", ErrInvalidState)
	}
	if ex.bodyDone {
		return 0, io.EOF
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	c.startBody(ex)
	for {
		count, err := c.bodyStep(ex, buf)
		if err != nil {
			c.finishBody(ex, err)
			return count, err
		}
		if count > 0 || len(buf) <= 0 {
			return count, nil
		}
		if ex.bodyDone {
			return 0, io.EOF
		}
		if err := c.fill(ctx); err != nil {
			switch {
			case err == io.EOF && ex.framing == bodyUntilEOF:
				c.finishBody(ex, nil)
				return 0, io.EOF
			case err == io.EOF:
				err = c.truncated("http read body")
			case errors.Is(err, ErrIOTimeout):
				return 0, err
			}
			c.finishBody(ex, err)
			return 0, err
		}
	}
}

// Body returns the body of the current reply as an [io.ReadCloser].
//
// Closing the body before the end closes the connection.
func (c *Client) Body(ctx context.Context) io.ReadCloser {
	return &clientBody{c: c, ctx: ctx, ex: c.ex}
}

type clientBody struct {
	c   *Client
	ctx context.Context
	ex  *exchange
}

// Read implements [io.Reader].
func (b *clientBody) Read(buf []byte) (int, error) {
	if b.c.ex != b.ex {
		return 0, io.EOF
	}
	return b.c.ReadBody(b.ctx, buf)
}

// Close implements [io.Closer].
func (b *clientBody) Close() error {
	if b.c.ex == b.ex && b.ex != nil && !b.ex.bodyDone {
		b.c.finishBody(b.ex, errBodyAbandoned)
	}
	return nil
}

// Close closes the connection. The client may be used again afterwards
// only if it was not closed; closing twice fails with [ErrClosed].
func (c *Client) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.abandonBody()
	c.dropConnection()
	c.dropH2()
	return nil
}

func (c *Client) startExchange() error {
	if c.closed {
		return ErrClosed
	}
	if c.ex != nil && c.ex.async && !c.ex.finished {
		return fmt.Errorf("%w: exchange in progress", ErrInvalidState)
	}
	c.abandonBody()
	return nil
}

func (c *Client) newExchange(ctx context.Context, req *Request, async bool) *exchange {
	deadline, _ := ctx.Deadline()
	ex := &exchange{
		req:      req,
		spanID:   NewSpanID(),
		t0:       c.TimeNow(),
		deadline: deadline,
		parser:   newReplyParser(c.MaxHeaderBytes),
		async:    async,
	}
	c.ex = ex
	return ex
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) exchangeBlocking(ctx context.Context, ex *exchange) error {
	for {
		err := c.sendBlocking(ctx, ex)
		if err == nil {
			err = c.readHeaderBlocking(ctx, ex)
		}
		if err == nil || !c.retryable(ex, err) {
			return err
		}
		c.prepareRetry(ex)
	}
}

func (c *Client) sendBlocking(ctx context.Context, ex *exchange) error {
	ex.reused = c.sock != nil && c.used > 0
	if c.sock == nil {
		if err := c.connectBlocking(ctx); err != nil {
			return err
		}
	}
	c.used++
	_, err := c.sock.Write(ctx, c.serialize(ex.req))
	return err
}

func (c *Client) connectBlocking(ctx context.Context) error {
	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}
	sock, err := c.Dial.Call(ctx, c.Endpoint)
	if err != nil {
		return err
	}
	c.adopt(sock)
	return nil
}

// adopt makes sock the connection of the client.
func (c *Client) adopt(sock *Socket) {
	c.sock, c.used = sock, 0
	c.roff, c.rend = 0, 0
	if c.rbuf == nil {
		c.rbuf = make([]byte, 16<<10)
	}
}

func (c *Client) readHeaderBlocking(ctx context.Context, ex *exchange) error {
	for {
		accepted, err := c.parseHeader(ex)
		if err != nil || accepted {
			return err
		}
		if err := c.fill(ctx); err != nil {
			if err == io.EOF {
				err = c.truncated("http read header")
			}
			return err
		}
	}
}

// parseHeader feeds the buffered bytes to the parser and returns true
// once a final (non 1xx) reply header has been accepted.
func (c *Client) parseHeader(ex *exchange) (bool, error) {
	for c.roff < c.rend {
		count, done, err := ex.parser.Parse(c.rbuf[c.roff:c.rend])
		c.roff += count
		if err != nil {
			return false, err
		}
		if !done {
			continue
		}
		reply := ex.parser.reply
		if reply.StatusCode < 200 && reply.StatusCode != 101 {
			ex.parser = newReplyParser(c.MaxHeaderBytes)
			continue
		}
		ex.reply = reply
		c.setupBody(ex)
		return true, nil
	}
	return false, nil
}

func (c *Client) setupBody(ex *exchange) {
	reply := ex.reply
	switch {
	case !reply.hasBody(ex.req.Method):
		ex.framing = bodyNone
	case reply.ChunkedTransferEncoding():
		ex.framing = bodyChunked
	case reply.ContentLength() >= 0:
		ex.framing, ex.remain = bodyLength, reply.ContentLength()
	default:
		ex.framing = bodyUntilEOF
	}
	if ex.framing == bodyNone || (ex.framing == bodyLength && ex.remain <= 0) {
		c.finishBody(ex, nil)
	}
}

// bodyStep moves buffered body bytes into buf.
func (c *Client) bodyStep(ex *exchange, buf []byte) (int, error) {
	if ex.bodyDone {
		return 0, nil
	}
	avail := c.rbuf[c.roff:c.rend]
	switch ex.framing {
	case bodyChunked:
		nDst, nSrc, err := ex.chunked.Decode(buf, avail)
		c.roff += nSrc
		if err != nil {
			return nDst, &OpError{Op: "http read body", Addr: c.remote(), Err: err}
		}
		if ex.chunked.EOD() {
			c.finishBody(ex, nil)
		}
		return nDst, nil

	case bodyLength:
		count := min(int64(len(avail)), int64(len(buf)), ex.remain)
		copy(buf, avail[:count])
		c.roff += int(count)
		ex.remain -= count
		if ex.remain <= 0 {
			c.finishBody(ex, nil)
		}
		return int(count), nil

	default:
		count := copy(buf, avail)
		c.roff += count
		return count, nil
	}
}

func (c *Client) startBody(ex *exchange) {
	if ex.bodyStarted {
		return
	}
	ex.bodyStarted, ex.bodyT0 = true, c.TimeNow()
	c.logBodyStart(ex)
}

// finishBody ends the body of ex and closes the connection unless it
// can be reused for another exchange.
func (c *Client) finishBody(ex *exchange, err error) {
	if ex.bodyDone {
		return
	}
	ex.bodyDone = true
	if ex.bodyStarted {
		c.logBodyDone(ex, err)
	}
	if err != nil || ex.framing == bodyUntilEOF || !ex.reply.KeepAlive() {
		c.dropConnection()
	}
}

func (c *Client) abandonBody() {
	if ex := c.ex; ex != nil && ex.reply != nil && !ex.bodyDone {
		c.finishBody(ex, errBodyAbandoned)
	}
}

// fill reads more bytes from the connection into the receive buffer.
func (c *Client) fill(ctx context.Context) error {
	if c.sock == nil {
		return ErrClosed
	}
	c.compact()
	count, err := c.sock.Read(ctx, c.rbuf[c.rend:])
	c.rend += count
	return err
}

func (c *Client) compact() {
	if c.roff == c.rend {
		c.roff, c.rend = 0, 0
		return
	}
	if c.roff > 0 && c.rend == len(c.rbuf) {
		c.rend = copy(c.rbuf, c.rbuf[c.roff:c.rend])
		c.roff = 0
	}
}

// retryable reports whether an exchange failure on a reused connection
// looks like the server closed it while idle.
func (c *Client) retryable(ex *exchange, err error) bool {
	if !ex.reused || ex.retried || ex.reply != nil {
		return false
	}
	if errors.Is(err, ErrIOTimeout) || errors.Is(err, context.Canceled) {
		return false
	}
	if ex.parser.started {
		return false
	}
	return errors.Is(err, ErrIO)
}

func (c *Client) prepareRetry(ex *exchange) {
	ex.retried = true
	ex.parser = newReplyParser(c.MaxHeaderBytes)
	c.dropConnection()
	c.Logger.Info(
		"httpRetry",
		slog.String("httpMethod", ex.req.Method),
		slog.String("httpUrl", c.url(ex.req)),
		slog.String("spanID", ex.spanID),
		slog.Time("t", c.TimeNow()),
	)
}

func (c *Client) dropConnection() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.roff, c.rend = 0, 0
}

func (c *Client) truncated(op string) error {
	return &OpError{Op: op, Addr: c.remote(), Err: fmt.Errorf("%w: %w", ErrIO, io.ErrUnexpectedEOF)}
}

// serialize returns the wire form of req for the current connection.
func (c *Client) serialize(req *Request) []byte {
	return serializeRequest(req, &requestDefaults{
		Now:         c.TimeNow(),
		Remote:      c.sock.RemoteAddress(),
		DefaultPort: c.defaultPort(),
		UserAgent:   c.UserAgent,
		Username:    c.Username,
		Password:    c.Password,
	})
}

func (c *Client) defaultPort() uint16 {
	if c.TLSContext != nil {
		return 443
	}
	return 80
}

func (c *Client) scheme() string {
	if c.TLSContext != nil {
		return "https"
	}
	return "http"
}

func (c *Client) url(req *Request) string {
	return c.scheme() + "://" + c.Endpoint.String() + req.RequestURI()
}

func (c *Client) remote() string {
	if c.sock == nil {
		return c.Endpoint.String()
	}
	return c.sock.RemoteAddress().String()
}

func (c *Client) local() string {
	if c.sock == nil {
		return ""
	}
	return c.sock.LocalAddress().String()
}

func (c *Client) protocol() string {
	if c.TLSContext != nil {
		return "tls"
	}
	return "tcp"
}

func (c *Client) logRoundTripStart(ex *exchange) {
	c.Logger.Info(
		"httpRoundTripStart",
		slog.Time("deadline", ex.deadline),
		slog.String("httpMethod", ex.req.Method),
		slog.String("httpUrl", c.url(ex.req)),
		slog.Any("httpRequestHeaders", ex.req.Header),
		slog.String("localAddr", c.local()),
		slog.String("protocol", c.protocol()),
		slog.String("remoteAddr", c.remote()),
		slog.String("spanID", ex.spanID),
		slog.Time("t", ex.t0),
	)
}

func (c *Client) logRoundTripDone(ex *exchange, err error) {
	var (
		statusCode int
		headers    map[string][]string
	)
	if ex.reply != nil {
		statusCode = ex.reply.StatusCode
		headers = ex.reply.Header
	}
	c.Logger.Info(
		"httpRoundTripDone",
		slog.Time("deadline", ex.deadline),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("httpMethod", ex.req.Method),
		slog.String("httpUrl", c.url(ex.req)),
		slog.Any("httpRequestHeaders", ex.req.Header),
		slog.Any("httpResponseHeaders", headers),
		slog.Int("httpResponseStatusCode", statusCode),
		slog.String("localAddr", c.local()),
		slog.String("protocol", c.protocol()),
		slog.String("remoteAddr", c.remote()),
		slog.String("spanID", ex.spanID),
		slog.Time("t0", ex.t0),
		slog.Time("t", c.TimeNow()),
	)
}

func (c *Client) logBodyStart(ex *exchange) {
	c.Logger.Info(
		"httpBodyStreamStart",
		slog.String("localAddr", c.local()),
		slog.String("protocol", c.protocol()),
		slog.String("remoteAddr", c.remote()),
		slog.String("spanID", ex.spanID),
		slog.Time("t", ex.bodyT0),
	)
}

func (c *Client) logBodyDone(ex *exchange, err error) {
	c.Logger.Info(
		"httpBodyStreamDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", c.local()),
		slog.String("protocol", c.protocol()),
		slog.String("remoteAddr", c.remote()),
		slog.String("spanID", ex.spanID),
		slog.Time("t0", ex.bodyT0),
		slog.Time("t", c.TimeNow()),
	)
}
