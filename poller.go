// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"time"

	"github.com/bassosimone/nbnet/sockerr"
	"golang.org/x/sys/unix"
)

// Events is a readiness bitmask.
type Events uint8

const (
	// Readable means a read will not block.
	Readable Events = 1 << iota

	// Writable means a write will not block.
	Writable

	// Error means the descriptor reported an error or hangup.
	Error
)

// String implements [fmt.Stringer].
func (ev Events) String() string {
	var parts []string
	if ev&Readable != 0 {
		parts = append(parts, "Readable")
	}
	if ev&Writable != 0 {
		parts = append(parts, "Writable")
	}
	if ev&Error != 0 {
		parts = append(parts, "Error")
	}
	if len(parts) <= 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// PollFD is a descriptor to wait for together with the readiness
// observed by [Poll].
type PollFD struct {
	// FD is the file descriptor.
	FD int

	// Events is the readiness we are interested in.
	Events Events

	// Ready is set by [Poll]. Error is always reported even when
	// not requested in Events.
	Ready Events
}

// Poll waits until at least one descriptor in fds is ready and sets the
// Ready field of each entry. It returns the number of ready descriptors.
//
// A negative timeout blocks indefinitely and a zero timeout polls once.
// When nothing becomes ready before the timeout expires, Poll fails with
// [ErrIOTimeout]. Interruptions by signals are retried with the remaining
// timeout and never surface.
func Poll(fds []PollFD, timeout time.Duration) (int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd.FD), Events: toPollEvents(fd.Events)}
		fds[i].Ready = 0
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		n, err := unix.Poll(pfds, pollMillis(timeout))
		if sockerr.IsInterrupted(err) {
			if timeout > 0 {
				if timeout = time.Until(deadline); timeout < 0 {
					timeout = 0
				}
			}
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("poll", err)
		}
		if n <= 0 {
			return 0, ErrIOTimeout
		}
		for i := range pfds {
			fds[i].Ready = fromPollEvents(pfds[i].Revents)
		}
		return n, nil
	}
}

func pollMillis(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}
	// Round up so we never wake up before the deadline.
	msec := (timeout + time.Millisecond - 1) / time.Millisecond
	if msec > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(msec)
}

func toPollEvents(ev Events) int16 {
	var out int16
	if ev&Readable != 0 {
		out |= unix.POLLIN
	}
	if ev&Writable != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPollEvents(revents int16) Events {
	var out Events
	if revents&(unix.POLLIN|unix.POLLHUP) != 0 {
		out |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		out |= Writable
	}
	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		out |= Error
	}
	return out
}

// pollContext is [Poll] bounded by ctx: the deadline becomes the timeout and
// cancellation is delivered through w, which is polled alongside fds.
//
// An expired deadline yields [ErrIOTimeout] and cancellation yields the
// context error.
func pollContext(ctx context.Context, w *wakeup, fds []PollFD) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contextError(err)
	}
	timeout := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout < 0 {
			timeout = 0
		}
	}
	if w == nil || ctx.Done() == nil {
		return Poll(fds, timeout)
	}

	stop := w.WatchContext(ctx)
	defer stop()
	all := append(fds[:len(fds):len(fds)], PollFD{FD: w.FD(), Events: Readable})
	n, err := Poll(all, timeout)
	copy(fds, all)
	if err != nil {
		return 0, err
	}
	if all[len(all)-1].Ready != 0 {
		w.Drain()
		n--
		if err := ctx.Err(); err != nil {
			return 0, contextError(err)
		}
		if n <= 0 {
			// Stale signal from an earlier context; poll again.
			return pollContext(ctx, w, fds)
		}
	}
	return n, nil
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrIOTimeout
	}
	return err
}

// ReadyFunc handles readiness of a descriptor registered with [*Poller].
type ReadyFunc func(ready Events) error

// Poller is a readiness-driven event loop over many descriptors.
//
// A Poller must be driven by a single goroutine. Only [*Poller.Wake] may be
// called concurrently, to interrupt a blocked [*Poller.Wait].
//
// Handlers may register, modify and unregister descriptors (including their
// own) while being dispatched: removed entries are marked and compacted after
// the dispatch round, so a removed handler is never invoked again.
type Poller struct {
	entries []*pollEntry
	index   map[int]*pollEntry
	wake    *wakeup
}

type pollEntry struct {
	fd      int
	events  Events
	fn      ReadyFunc
	removed bool
}

// NewPoller creates a new [*Poller].
func NewPoller() (*Poller, error) {
	wake, err := newWakeup()
	if err != nil {
		return nil, err
	}
	return &Poller{index: make(map[int]*pollEntry), wake: wake}, nil
}

// Register starts watching fd for the given events, replacing any
// existing registration of fd.
func (p *Poller) Register(fd int, events Events, fn ReadyFunc) {
	p.Unregister(fd)
	entry := &pollEntry{fd: fd, events: events, fn: fn}
	p.entries = append(p.entries, entry)
	p.index[fd] = entry
}

// Modify changes the events watched for fd. Zero events pauses fd
// without unregistering it.
func (p *Poller) Modify(fd int, events Events) {
	if entry, ok := p.index[fd]; ok {
		entry.events = events
	}
}

// Unregister stops watching fd.
func (p *Poller) Unregister(fd int) {
	if entry, ok := p.index[fd]; ok {
		entry.removed = true
		delete(p.index, fd)
	}
}

// Registered returns whether fd is registered.
func (p *Poller) Registered(fd int) bool {
	_, ok := p.index[fd]
	return ok
}

// Active returns the number of registrations with non-zero interest.
func (p *Poller) Active() int {
	var count int
	for _, entry := range p.index {
		if entry.events != 0 {
			count++
		}
	}
	return count
}

// Wait waits up to timeout for readiness and dispatches the handlers of
// the ready descriptors. It fails with [ErrIOTimeout] when nothing became
// ready. Handler errors are joined and returned after the whole round has
// been dispatched. A [*Poller.Wake] makes Wait return nil early.
func (p *Poller) Wait(timeout time.Duration) error {
	snapshot := make([]*pollEntry, 0, len(p.entries))
	fds := make([]PollFD, 0, len(p.entries)+1)
	for _, entry := range p.entries {
		if entry.removed || entry.events == 0 {
			continue
		}
		snapshot = append(snapshot, entry)
		fds = append(fds, PollFD{FD: entry.fd, Events: entry.events})
	}
	fds = append(fds, PollFD{FD: p.wake.FD(), Events: Readable})

	if _, err := Poll(fds, timeout); err != nil {
		return err
	}
	if fds[len(fds)-1].Ready != 0 {
		p.wake.Drain()
	}

	var errs []error
	for i, entry := range snapshot {
		ready := fds[i].Ready
		if ready == 0 || entry.removed {
			continue
		}
		if err := entry.fn(ready); err != nil {
			errs = append(errs, err)
		}
	}
	p.compact()
	return errors.Join(errs...)
}

// Run dispatches events until no registration has interest left, ctx is
// done, or a handler fails.
func (p *Poller) Run(ctx context.Context) error {
	stop := p.wake.WatchContext(ctx)
	defer stop()
	for p.Active() > 0 {
		if err := ctx.Err(); err != nil {
			return contextError(err)
		}
		timeout := time.Duration(-1)
		if deadline, ok := ctx.Deadline(); ok {
			if timeout = time.Until(deadline); timeout < 0 {
				timeout = 0
			}
		}
		if err := p.Wait(timeout); err != nil {
			if errors.Is(err, ErrIOTimeout) && ctx.Err() != nil {
				return contextError(ctx.Err())
			}
			return err
		}
	}
	return nil
}

func (p *Poller) compact() {
	out := p.entries[:0]
	for _, entry := range p.entries {
		if !entry.removed {
			out = append(out, entry)
		}
	}
	clear(p.entries[len(out):])
	p.entries = out
}

// Wake interrupts a blocked [*Poller.Wait] from another goroutine.
func (p *Poller) Wake() error {
	return p.wake.Signal()
}

// Close releases the resources owned by the poller. It does not close the
// registered descriptors.
func (p *Poller) Close() error {
	p.entries = nil
	clear(p.index)
	return p.wake.Close()
}
