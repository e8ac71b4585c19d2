// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpanID(t *testing.T) {
	spanID := NewSpanID()

	parsed, err := uuid.Parse(spanID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	// Should not repeat
	seen := map[string]bool{spanID: true}
	for range 100 {
		id := NewSpanID()
		require.False(t, seen[id], "duplicate span ID generated: %s", id)
		seen[id] = true
	}
}
