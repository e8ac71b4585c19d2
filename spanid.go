// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. [*Client] tags every request and reply exchange with a fresh span ID
// so the connect, handshake, and round trip events can be grouped.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
