// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"net"
	"time"
)

// Config is shared by the nbnet constructors.
//
// [NewSocket], [NewResolver], [NewClient] and the lookup backends copy the
// fields they need when they are called, so changing a Config afterwards
// does not affect objects already built from it. Tests usually start from
// [NewConfig] and override TimeNow, Lookup or TLSEngine.
type Config struct {
	// Dialer creates the UDP sockets of [*DNSOverUDPLookup]. TCP always
	// goes through [*Socket].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier maps errors to the errClass field of log records.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Lookup is the backend [*Resolver] asks for the addresses of names
	// that are not IP literals.
	//
	// Set by [NewConfig] to [net.DefaultResolver].
	Lookup Lookuper

	// TLSEngine creates the TLS sessions of [*Socket].
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TimeNow is the clock used for log timestamps and TLS certificate
	// validation.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig returns a [*Config] using the system resolver, the standard
// library TLS stack and a logger-friendly error classifier.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Lookup:        net.DefaultResolver,
		TLSEngine:     TLSEngineStdlib{},
		TimeNow:       time.Now,
	}
}
