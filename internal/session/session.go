// Package session binds the locker to the running graphical session.
//
// The display side speaks the compositor's session-lock protocol and
// turns keyboard traffic into keystroke classes; the logind side keeps
// the login manager's view of the session in agreement with ours. Both
// plug into the poll loop through file descriptors, never their own
// threads of control over the secret buffer.
package session

import (
	"errors"

	"veillock/internal/state"
)

// ErrSessionFault is wrapped by every display-side failure after which
// the session can no longer be considered locked: the compositor
// refused the lock, revoked it, or the connection died. It maps to exit
// code 2 so callers know the screen may be visible.
var ErrSessionFault = errors.New("session lock fault")

// Handlers receives display-side events on the loop goroutine, from
// inside DispatchPending. No handler is called from any other
// goroutine.
type Handlers struct {
	// Keystroke delivers one classified key press.
	Keystroke func(state.Keystroke)

	// Locked fires once, when the compositor confirms every output is
	// covered and the lock is in effect.
	Locked func()
}

// Binding is the display connection as the event loop sees it.
//
// Fd is readable whenever events are pending; the loop then calls
// DispatchPending to drain them and Flush before going back to sleep.
// BeginLock and EndLock bracket the locked interval.
type Binding interface {
	// BeginLock establishes the session lock. It returns a fault
	// wrapping ErrSessionFault when the compositor does not support
	// locking or refuses it.
	BeginLock() error

	// EndLock releases the lock after a successful credential check.
	EndLock() error

	// Fd returns the descriptor the event loop polls for readability.
	Fd() int

	// DispatchPending drains pending events, invoking Handlers inline.
	// It returns an error wrapping ErrSessionFault when the compositor
	// has revoked the lock.
	DispatchPending() error

	// Flush pushes queued requests to the compositor.
	Flush() error

	// Close tears down the connection. Safe after EndLock or a fault.
	Close() error
}
