// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Attach makes p drive the event-driven exchanges of the client.
func (c *Client) Attach(p *Poller) {
	c.poller = p
	if c.sock != nil {
		c.sock.Attach(p)
	}
}

// BeginExecute starts an event-driven exchange and returns immediately.
//
// The client must be attached to a [*Poller]. Name resolution happens
// before BeginExecute returns and its failure is returned directly; every
// later step runs from [*Poller.Wait]: [Client.OnReplyHeader] fires once the
// header is parsed, [Client.OnBodyAvailable] once per body fragment, and
// [Client.OnReplyFinished] when the exchange is over. Errors returned by the
// callbacks abort the exchange and are reported by [*Client.EndExecute].
func (c *Client) BeginExecute(req *Request) error {
	if c.poller == nil {
		return fmt.Errorf("%w: client not attached to a poller", ErrInvalidState)
	}
	if err := c.startExchange(); err != nil {
		return err
	}
	ex := c.newExchange(context.Background(), req, true)
	c.logRoundTripStart(ex)
	if err := c.asyncStart(ex); err != nil {
		ex.err, ex.finished, ex.bodyDone = err, true, true
		c.dropConnection()
		c.logRoundTripDone(ex, err)
		return err
	}
	return nil
}

// EndExecute returns the result of the exchange started by
// [*Client.BeginExecute].
//
// Call it from [Client.OnReplyFinished] or afterwards. When the exchange is
// still running, EndExecute dispatches events of the attached [*Poller]
// until it is over or ctx is done.
func (c *Client) EndExecute(ctx context.Context) (*Reply, error) {
	ex := c.ex
	if ex == nil || !ex.async {
		return nil, fmt.Errorf("%w: no event-driven exchange", ErrInvalidState)
	}
	if !ex.finished {
		if err := c.pump(ctx, ex); err != nil {
			return nil, err
		}
	}
	if ex.err != nil {
		return nil, ex.err
	}
	return ex.reply, nil
}

func (c *Client) pump(ctx context.Context, ex *exchange) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stop := c.poller.wake.WatchContext(ctx)
	defer stop()
	for !ex.finished {
		if err := ctx.Err(); err != nil {
			return &OpError{Op: "http execute", Addr: c.remote(), Err: contextError(err)}
		}
		timeout := time.Duration(-1)
		if deadline, ok := ctx.Deadline(); ok {
			if timeout = time.Until(deadline); timeout < 0 {
				timeout = 0
			}
		}
		err := c.poller.Wait(timeout)
		switch {
		case err == nil, ex.finished:
		case errors.Is(err, ErrIOTimeout):
			// the next iteration observes the expired context
		default:
			return err
		}
	}
	return nil
}

func (c *Client) asyncStart(ex *exchange) error {
	ex.reused = c.sock != nil && c.used > 0
	if c.sock != nil {
		return c.asyncSend(ex)
	}
	ctx := context.Background()
	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}
	addrs, err := c.Resolver.Resolve(ctx, c.Endpoint.Host, c.Endpoint.Port)
	if err != nil {
		return err
	}
	sock := NewSocket(&Config{
		ErrClassifier: c.ErrClassifier,
		TLSEngine:     c.TLSEngine,
		TimeNow:       c.TimeNow,
	}, c.Logger)
	sock.OnConnected = c.onConnected
	sock.OnTLSHandshake = c.onHandshake
	sock.OnOutput = c.onOutput
	sock.OnInput = c.onInput
	c.adopt(sock)
	sock.Attach(c.poller)
	ex.phase = phaseConnecting
	connected, err := sock.BeginConnect(addrs)
	if err != nil || !connected {
		return err
	}
	return c.asyncConnected(ex)
}

func (c *Client) asyncConnected(ex *exchange) error {
	if c.TLSContext == nil {
		return c.asyncSend(ex)
	}
	ex.phase = phaseHandshaking
	done, err := c.sock.BeginTLSHandshake(c.TLSContext, TLSClient)
	if err != nil || !done {
		return err
	}
	return c.asyncSend(ex)
}

func (c *Client) asyncSend(ex *exchange) error {
	ex.phase = phaseSending
	c.used++
	data := c.serialize(ex.req)
	count, err := c.sock.BeginWrite(data)
	if err != nil {
		return c.asyncRetry(ex, err)
	}
	if count < len(data) {
		return nil // OnOutput fires later
	}
	return c.asyncRead(ex)
}

func (c *Client) asyncRead(ex *exchange) error {
	ex.phase = phaseHeader
	return c.asyncPump(ex)
}

// asyncPump processes the buffered bytes and starts reads until the
// exchange is over or a read is pending.
func (c *Client) asyncPump(ex *exchange) error {
	for !ex.finished {
		if err := c.asyncProcess(ex); err != nil || ex.finished {
			return err
		}
		if c.sock == nil {
			return ErrClosed // closed by a callback
		}
		c.compact()
		count, err := c.sock.BeginRead(c.rbuf[c.rend:])
		c.rend += count
		if err != nil {
			return c.asyncReadError(ex, err)
		}
		if count <= 0 {
			return nil // OnInput fires later
		}
	}
	return nil
}

// asyncProcess consumes the buffered bytes according to the phase.
func (c *Client) asyncProcess(ex *exchange) error {
	if ex.phase == phaseHeader {
		accepted, err := c.parseHeader(ex)
		if err != nil || !accepted {
			return err
		}
		ex.phase = phaseBody
		c.logRoundTripDone(ex, nil)
		if c.OnReplyHeader != nil {
			if err := c.OnReplyHeader(c); err != nil {
				return err
			}
		}
		c.startBody(ex)
	}
	if c.scratch == nil {
		c.scratch = make([]byte, len(c.rbuf))
	}
	for !ex.bodyDone && c.roff < c.rend {
		count, err := c.bodyStep(ex, c.scratch)
		if err != nil {
			c.finishBody(ex, err)
			return err
		}
		if count > 0 && c.OnBodyAvailable != nil {
			if err := c.OnBodyAvailable(c, c.scratch[:count]); err != nil {
				return err
			}
		}
	}
	if ex.bodyDone {
		return c.complete(ex)
	}
	return nil
}

func (c *Client) asyncReadError(ex *exchange, err error) error {
	if err != io.EOF {
		if ex.phase == phaseHeader {
			return c.asyncRetry(ex, err)
		}
		return err
	}
	switch {
	case ex.phase == phaseHeader:
		return c.asyncRetry(ex, c.truncated("http read header"))
	case ex.framing == bodyUntilEOF:
		c.finishBody(ex, nil)
		return c.complete(ex)
	default:
		return c.truncated("http read body")
	}
}

// asyncRetry restarts the exchange on a fresh connection when err is
// retryable and returns err otherwise.
func (c *Client) asyncRetry(ex *exchange, err error) error {
	if !c.retryable(ex, err) {
		return err
	}
	c.prepareRetry(ex)
	return c.asyncStart(ex)
}

// dispatch runs a socket callback on behalf of the current exchange.
//
// Failures abort the exchange and are reported through complete.
func (c *Client) dispatch(sock *Socket, fn func(ex *exchange) error) error {
	ex := c.ex
	if ex == nil || !ex.async || ex.finished || sock != c.sock {
		return nil
	}
	if err := fn(ex); err != nil {
		ex.err = err
		if ex.reply == nil {
			c.logRoundTripDone(ex, err)
		} else {
			c.finishBody(ex, err)
		}
		c.dropConnection()
		return c.complete(ex)
	}
	return nil
}

// complete ends the exchange and fires OnReplyFinished. Without a
// subscriber, a failure is returned to [*Poller.Wait] so it is never lost.
func (c *Client) complete(ex *exchange) error {
	if ex.finished {
		return nil
	}
	ex.finished = true
	if c.OnReplyFinished == nil {
		return ex.err
	}
	err := c.OnReplyFinished(c)
	if err != nil && ex.err == nil {
		ex.err = err
	}
	return err
}

func (c *Client) onConnected(sock *Socket) error {
	return c.dispatch(sock, func(ex *exchange) error {
		if err := sock.EndConnect(context.Background()); err != nil {
			return err
		}
		return c.asyncConnected(ex)
	})
}

func (c *Client) onHandshake(sock *Socket) error {
	return c.dispatch(sock, func(ex *exchange) error {
		if err := sock.EndTLSHandshake(context.Background()); err != nil {
			return err
		}
		return c.asyncSend(ex)
	})
}

func (c *Client) onOutput(sock *Socket) error {
	return c.dispatch(sock, func(ex *exchange) error {
		if _, err := sock.EndWrite(context.Background()); err != nil {
			return c.asyncRetry(ex, err)
		}
		return c.asyncRead(ex)
	})
}

func (c *Client) onInput(sock *Socket) error {
	return c.dispatch(sock, func(ex *exchange) error {
		count, err := sock.EndRead(context.Background())
		c.rend += count
		if err != nil {
			return c.asyncReadError(ex, err)
		}
		return c.asyncPump(ex)
	})
}
