//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package nbnet

// SLogger is the structured logger of [*Socket], [*Listener], [*Resolver],
// [*Client] and the DNS lookup backends.
//
// Each operation logs a start record and a done record carrying the same
// addresses, t0 and t, and err together with errClass, so that a trace can
// be reassembled from the records alone. Levels are:
//   - Info for lifecycle and protocol events (resolve, connect, listen,
//     accept, close, TLS handshake and shutdown, HTTP round trip, DNS exchange)
//   - Debug for per-I/O events (read, write, set deadline), including the
//     ones of [*Socket.NetConn] views
//
// The [*slog.Logger] type satisfies this interface.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// DefaultSLogger returns an [SLogger] that drops every record, which is what
// [NewSocket] and friends get unless a [*slog.Logger] is passed instead.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

type discardSLogger struct{}

var _ SLogger = discardSLogger{}

// Debug implements [SLogger].
func (discardSLogger) Debug(msg string, args ...any) {}

// Info implements [SLogger].
func (discardSLogger) Info(msg string, args ...any) {}
