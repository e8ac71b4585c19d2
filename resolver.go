// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Lookuper abstracts the [*net.Resolver] behavior.
//
// By making [*Resolver] depend on an abstract implementation we allow for
// unit testing and for alternative lookup backends such as [*DNSOverUDPLookup].
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NewResolver returns a new [*Resolver].
//
// The cfg argument contains the common configuration for nbnet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolver(cfg *Config, logger SLogger) *Resolver {
	return &Resolver{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Lookup:        cfg.Lookup,
		MaxRetries:    8,
		RetryDelay:    100 * time.Millisecond,
		TimeNow:       cfg.TimeNow,
	}
}

// Resolver turns a host and port into an ordered [*AddressList].
//
// The resolver imposes no family preference: candidates are returned in the
// order produced by the lookup backend and callers iterate in that order.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to the methods.
type Resolver struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewResolver] to the user-provided logger.
	Logger SLogger

	// Lookup is the backend used for host names.
	//
	// Set by [NewResolver] from [Config.Lookup].
	Lookup Lookuper

	// MaxRetries bounds the retries of temporary lookup failures.
	//
	// Set by [NewResolver] to 8.
	MaxRetries int

	// RetryDelay is the pause between retries of temporary failures.
	//
	// Set by [NewResolver] to 100 milliseconds.
	RetryDelay time.Duration

	// TimeNow is the function to get the current time.
	//
	// Set by [NewResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Resolve resolves host and port for connecting.
//
// An empty host resolves to the loopback addresses. Literal IPv4 and IPv6
// addresses are returned without any lookup.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16) (*AddressList, error) {
	return r.resolve(ctx, host, port, false)
}

// ResolveBind resolves host and port for listening.
//
// An empty host resolves to the IPv4 and IPv6 wildcard addresses.
func (r *Resolver) ResolveBind(ctx context.Context, host string, port uint16) (*AddressList, error) {
	return r.resolve(ctx, host, port, true)
}

func (r *Resolver) resolve(ctx context.Context, host string, port uint16, passive bool) (*AddressList, error) {
	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	r.logResolveStart(host, port, passive, t0, deadline)
	addrs, err := r.lookup(ctx, host, passive)
	var list *AddressList
	if err == nil {
		list = NewAddressList(host, port, addrs...)
	} else {
		err = &ResolveError{Target: net.JoinHostPort(host, strconv.Itoa(int(port))), Err: err}
	}
	r.logResolveDone(host, port, passive, t0, deadline, addrs, err)
	return list, err
}

// errNoAddresses is returned when the backend succeeds with an empty answer.
var errNoAddresses = errors.New("no addresses found")

func (r *Resolver) lookup(ctx context.Context, host string, passive bool) ([]netip.Addr, error) {
	if host == "" {
		if passive {
			return []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}, nil
		}
		return []netip.Addr{netip.IPv6Loopback(), netip.AddrFrom4([4]byte{127, 0, 0, 1})}, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	for attempt := 0; ; attempt++ {
		addrs, err := r.Lookup.LookupNetIP(ctx, "ip", host)
		if err == nil && len(addrs) <= 0 {
			err = errNoAddresses
		}
		if err == nil {
			return addrs, nil
		}
		if !isTemporaryLookupError(err) || attempt >= r.MaxRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, contextError(ctx.Err())
		case <-time.After(r.RetryDelay):
		}
	}
}

func isTemporaryLookupError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary && !dnsErr.IsTimeout
}

func (r *Resolver) logResolveStart(host string, port uint16, passive bool, t0, deadline time.Time) {
	r.Logger.Info(
		"resolveStart",
		slog.Time("deadline", deadline),
		slog.String("resolveHost", host),
		slog.Bool("resolvePassive", passive),
		slog.Int("resolvePort", int(port)),
		slog.Time("t", t0),
	)
}

func (r *Resolver) logResolveDone(host string, port uint16, passive bool,
	t0, deadline time.Time, addrs []netip.Addr, err error) {
	r.Logger.Info(
		"resolveDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.Any("resolveAddrs", addrs),
		slog.String("resolveHost", host),
		slog.Bool("resolvePassive", passive),
		slog.Int("resolvePort", int(port)),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
}
