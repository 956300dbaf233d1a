// Package reactor implements a single-threaded, level-triggered event
// multiplexer over a small, dynamic set of file descriptors.
//
// Everything after initial setup runs inside RunOnce callbacks: the
// display connection, the verdict channel, and the wake pipe are all
// plain registered descriptors. Callbacks may register and unregister
// descriptors freely; such changes take effect on the next RunOnce, never
// mid-dispatch. One-shot timers bound the poll wait; they exist for the
// cosmetic invalid-indicator decay and carry no security meaning.
package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrFdRegistered is returned by Register for a descriptor that already
// has an entry, including one staged by a callback this iteration.
var ErrFdRegistered = errors.New("reactor: fd already registered")

// Callback is invoked with the descriptor and the readiness bits that
// were reported for it.
type Callback func(fd int, revents int16)

type entry struct {
	fd     int
	events int16
	cb     Callback
}

// Timer is a one-shot deadline. Cancel is safe after firing.
type Timer struct {
	deadline time.Time
	cb       func()
	fired    bool
}

// Cancel prevents the callback from firing.
func (t *Timer) Cancel() {
	t.fired = true
}

// Reactor multiplexes descriptors and timers. It is intentionally not
// safe for concurrent use: all interaction happens on the thread that
// calls RunOnce.
type Reactor struct {
	entries []*entry
	staged  []*entry
	removed map[int]bool
	timers  []*Timer

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New returns an empty reactor.
func New() *Reactor {
	return &Reactor{
		removed: make(map[int]bool),
		now:     time.Now,
	}
}

// Register stages a descriptor with the given poll interest bits. The
// entry becomes pollable on the next RunOnce. Dispatch order among
// simultaneously ready descriptors follows registration order.
func (r *Reactor) Register(fd int, events int16, cb Callback) error {
	if r.lookup(fd) != nil {
		return fmt.Errorf("%w: %d", ErrFdRegistered, fd)
	}
	r.staged = append(r.staged, &entry{fd: fd, events: events, cb: cb})
	return nil
}

// Unregister stages removal of a descriptor. No-op when absent.
func (r *Reactor) Unregister(fd int) {
	if r.lookup(fd) == nil {
		return
	}
	for i, e := range r.staged {
		if e.fd == fd {
			r.staged = append(r.staged[:i], r.staged[i+1:]...)
			return
		}
	}
	r.removed[fd] = true
}

func (r *Reactor) lookup(fd int) *entry {
	if r.removed[fd] {
		return nil
	}
	for _, e := range r.entries {
		if e.fd == fd {
			return e
		}
	}
	for _, e := range r.staged {
		if e.fd == fd {
			return e
		}
	}
	return nil
}

// AddTimer arms a one-shot timer. Timers fire inside RunOnce, on the
// same thread as descriptor callbacks.
func (r *Reactor) AddTimer(d time.Duration, cb func()) *Timer {
	t := &Timer{deadline: r.now().Add(d), cb: cb}
	r.timers = append(r.timers, t)
	return t
}

// apply folds staged registration changes into the live set.
func (r *Reactor) apply() {
	if len(r.removed) > 0 {
		live := r.entries[:0]
		for _, e := range r.entries {
			if !r.removed[e.fd] {
				live = append(live, e)
			}
		}
		r.entries = live
		clear(r.removed)
	}
	r.entries = append(r.entries, r.staged...)
	r.staged = nil
}

// RunOnce blocks until at least one registered descriptor is ready or
// the nearest timer deadline elapses, then invokes each ready
// descriptor's callback exactly once, in registration order. There is no
// cancellation inside a single call; the control loop decides whether to
// call again.
func (r *Reactor) RunOnce() error {
	r.apply()

	fds := make([]unix.PollFd, len(r.entries))
	for i, e := range r.entries {
		fds[i] = unix.PollFd{Fd: int32(e.fd), Events: e.events}
	}

	timeout := r.nextTimeout()
	var err error
	for {
		_, err = unix.Poll(fds, timeout)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("reactor: poll: %w", err)
	}

	r.fireTimers()

	for i, e := range r.entries {
		if fds[i].Revents != 0 && !r.removed[e.fd] {
			e.cb(e.fd, fds[i].Revents)
		}
	}
	return nil
}

// nextTimeout converts the nearest live timer deadline into poll
// milliseconds; -1 blocks indefinitely when no timers are armed.
func (r *Reactor) nextTimeout() int {
	timeout := -1
	now := r.now()
	for _, t := range r.timers {
		if t.fired {
			continue
		}
		remaining := t.deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		// Round up: truncating would turn the final sub-millisecond of
		// a deadline into a zero-timeout spin.
		ms := int((remaining + time.Millisecond - 1) / time.Millisecond)
		if timeout < 0 || ms < timeout {
			timeout = ms
		}
	}
	return timeout
}

// fireTimers runs every expired timer once and drops spent entries.
func (r *Reactor) fireTimers() {
	now := r.now()
	live := r.timers[:0]
	for _, t := range r.timers {
		if !t.fired && !t.deadline.After(now) {
			t.fired = true
			t.cb()
			continue
		}
		if !t.fired {
			live = append(live, t)
		}
	}
	r.timers = live
}
