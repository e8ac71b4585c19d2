// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Signal makes the descriptor readable until Drain consumes the signals.
func TestWakeupSignalDrain(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.Close()

	assert.False(t, w.Drain())

	require.NoError(t, w.Signal())
	require.NoError(t, w.Signal())
	fds := []PollFD{{FD: w.FD(), Events: Readable}}
	_, err = Poll(fds, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Readable, fds[0].Ready)

	assert.True(t, w.Drain())
	_, err = Poll(fds, 0)
	require.ErrorIs(t, err, ErrIOTimeout)
}

// Signal on a full pipe succeeds since the wakeup is already pending.
func TestWakeupSignalFullPipe(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.Close()

	for range 1 << 17 {
		require.NoError(t, w.Signal())
	}
	assert.True(t, w.Drain())
}

// WatchContext signals the wakeup once the context is canceled.
func TestWakeupWatchContext(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())

	stop := w.WatchContext(ctx)
	defer stop()
	cancel()

	fds := []PollFD{{FD: w.FD(), Events: Readable}}
	_, err = Poll(fds, time.Second)
	require.NoError(t, err)
	assert.True(t, w.Drain())
}

// A stopped watcher never signals.
func TestWakeupWatchContextStop(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())

	stop := w.WatchContext(ctx)
	assert.True(t, stop())
	cancel()

	assert.False(t, w.Drain())
}

// Close is not idempotent and Signal fails after Close.
func TestWakeupClose(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)

	require.NoError(t, w.Close())

	require.ErrorIs(t, w.Close(), ErrClosed)
	require.ErrorIs(t, w.Signal(), ErrClosed)
}
