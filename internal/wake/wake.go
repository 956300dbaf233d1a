// Package wake implements the self-pipe channel that defers
// asynchronous unlock requests into the reactor.
//
// A signal handler must not run application logic: the only legal action
// in that context is a non-blocking single-byte write to a dedicated
// pipe, whose read end the reactor watches like any other descriptor.
// The byte carries no payload semantics; readability alone means
// "re-check the unlock condition".
package wake

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Pipe is a nonblocking notification pipe.
type Pipe struct {
	r, w int
}

// NewPipe creates the channel. Both ends are close-on-exec so the
// credential worker never inherits them.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("wake: creating pipe: %w", err)
	}
	return &Pipe{r: fds[0], w: fds[1]}, nil
}

// ReadFd is the end to register with the reactor.
func (p *Pipe) ReadFd() int { return p.r }

// Poke writes the single opaque byte. It never blocks: a full pipe
// already guarantees a pending wakeup, so EAGAIN is success.
func (p *Pipe) Poke() {
	_, _ = unix.Write(p.w, []byte{1})
}

// Drain empties the pipe. Called from the reactor callback so a burst of
// pokes collapses into one wakeup.
func (p *Pipe) Drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.r, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both ends.
func (p *Pipe) Close() {
	unix.Close(p.r)
	unix.Close(p.w)
}

// NotifyOnSignal pokes the pipe whenever one of the given signals
// arrives. The goroutine is the Go analogue of the async-signal-safe
// handler: it does nothing but forward the edge into the pipe. The
// returned stop function detaches the handler.
func NotifyOnSignal(p *Pipe, signals ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ch:
				p.Poke()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
