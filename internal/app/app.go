// Package app owns the locker's main loop.
//
// Everything the loop touches hangs off the App struct and is threaded
// through reactor callbacks explicitly; there is no package-level
// state. The loop itself is single-threaded: the display connection,
// the credential worker's verdict channel, and the wake pipe all enter
// through file descriptors, so one poll call is the only place the
// process ever blocks.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"veillock/internal/config"
	"veillock/internal/reactor"
	"veillock/internal/secbuf"
	"veillock/internal/session"
	"veillock/internal/state"
	"veillock/internal/wake"
)

// Worker is the credential worker as the loop sees it: a submit sink
// and a pollable verdict source.
type Worker interface {
	Submit(secret []byte) error
	VerdictFd() int
	ReadVerdict() (bool, error)
	Close() error
}

// LockedHinter mirrors lock state into the login manager. It is
// optional; a nil hinter means no logind on this machine.
type LockedHinter interface {
	SetLockedHint(locked bool) error
	NotifyUnlock(unlock func()) error
	Close() error
}

// BindingFactory builds the display binding once the event handlers
// exist. The indirection lets the binding capture the App without the
// App needing the binding first.
type BindingFactory func(session.Handlers) (session.Binding, error)

// Render receives one state snapshot per redraw cycle, on the loop
// goroutine, between the sampling and the input-hint decay that
// follows it. Pixels, fonts, and layout are entirely its business; the
// loop only guarantees the edge-triggered delivery.
type Render func(state.Snapshot)

// Options carries everything App needs. Worker and NewBinding are
// required; Hint and Render are optional.
type Options struct {
	Config     *config.Config
	Worker     Worker
	NewBinding BindingFactory
	Hint       LockedHinter
	Render     Render
	Log        *slog.Logger
}

// App is the context object handed to every reactor callback.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	loop    *reactor.Reactor
	buf     *secbuf.Buffer
	machine *state.Machine
	worker  Worker
	binding session.Binding
	hint    LockedHinter
	render  Render
	wakeup  *wake.Pipe

	decay      *reactor.Timer
	redraw     bool
	done       bool
	unlockSent bool
	runErr     error
}

// New allocates the secret buffer, builds the state machine and the
// display binding, and wires them together. The session lock itself is
// not yet requested.
func New(opts Options) (*App, error) {
	buf, err := secbuf.New()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    opts.Config,
		log:    opts.Log.With("component", "app"),
		loop:   reactor.New(),
		buf:    buf,
		worker: opts.Worker,
		hint:   opts.Hint,
		render: opts.Render,
	}

	a.machine = state.New(buf, opts.Worker, opts.Config.IgnoreEmptyPassword, state.Hooks{
		RequestRedraw: func() { a.redraw = true },
		ArmDecay:      a.armDecay,
		Unlocked:      func() { a.finish(nil) },
	})

	a.wakeup, err = wake.NewPipe()
	if err != nil {
		buf.Destroy()
		return nil, err
	}

	a.binding, err = opts.NewBinding(session.Handlers{
		Keystroke: a.handleKeystroke,
		Locked:    a.handleLocked,
	})
	if err != nil {
		a.wakeup.Close()
		buf.Destroy()
		return nil, err
	}
	return a, nil
}

// Wake returns the pipe that makes the loop tear down from the
// outside: a signal handler or a logind Unlock both end up here.
func (a *App) Wake() *wake.Pipe {
	return a.wakeup
}

// Run locks the session and blocks until a verdict, a wake byte, or a
// fault ends it. Teardown always runs in the same order: secret buffer
// first, worker channel, session unlock, locked hint.
func (a *App) Run() error {
	defer a.teardown()

	if err := a.binding.BeginLock(); err != nil {
		return err
	}

	if err := a.loop.Register(a.binding.Fd(), unix.POLLIN, a.onDisplay); err != nil {
		return err
	}
	if err := a.loop.Register(a.worker.VerdictFd(), unix.POLLIN, a.onVerdict); err != nil {
		return err
	}
	if err := a.loop.Register(a.wakeup.ReadFd(), unix.POLLIN, a.onWake); err != nil {
		return err
	}

	for !a.done {
		if err := a.binding.Flush(); err != nil {
			a.finish(err)
			break
		}
		if err := a.loop.RunOnce(); err != nil {
			a.finish(fmt.Errorf("poll: %w", err))
			break
		}
		a.drainRedraw()
	}
	return a.runErr
}

// finish records the first terminal condition; later ones do not
// overwrite it.
func (a *App) finish(err error) {
	if a.done {
		return
	}
	a.done = true
	a.runErr = err
}

func (a *App) handleKeystroke(k state.Keystroke) {
	if err := a.machine.HandleKeystroke(k); err != nil {
		a.finish(err)
	}
}

func (a *App) handleLocked() {
	if a.hint != nil {
		if err := a.hint.SetLockedHint(true); err != nil {
			a.log.Warn("locked hint not set", "error", err)
		}
		if err := a.hint.NotifyUnlock(a.wakeup.Poke); err != nil {
			a.log.Warn("unlock signal not subscribed", "error", err)
		}
	}
	a.notifyReady()
}

// notifyReady writes one newline to the configured descriptor so
// scripts sequencing suspend know the screen is covered.
func (a *App) notifyReady() {
	if a.cfg.ReadyFd < 0 {
		return
	}
	f := os.NewFile(uintptr(a.cfg.ReadyFd), "ready")
	if f == nil {
		return
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		a.log.Warn("readiness write failed", "fd", a.cfg.ReadyFd, "error", err)
	}
	f.Close()
	a.cfg.ReadyFd = -1
}

func (a *App) onDisplay(fd int, revents int16) {
	if err := a.binding.DispatchPending(); err != nil {
		a.finish(err)
	}
}

func (a *App) onVerdict(fd int, revents int16) {
	ok, err := a.worker.ReadVerdict()
	if err != nil {
		a.finish(err)
		return
	}
	a.machine.HandleVerdict(ok)
}

func (a *App) onWake(fd int, revents int16) {
	a.wakeup.Drain()
	a.log.Info("external unlock requested")
	a.finish(nil)
}

func (a *App) armDecay(d time.Duration, elapsed func()) {
	if a.decay != nil {
		a.decay.Cancel()
	}
	a.decay = a.loop.AddTimer(d, elapsed)
}

// drainRedraw samples one snapshot per requested redraw cycle and
// hands it to the renderer, then lets the input hint decay.
func (a *App) drainRedraw() {
	if !a.redraw || a.done {
		return
	}
	a.redraw = false
	snap := a.machine.Snapshot()
	if a.render != nil {
		a.render(snap)
	}
	a.log.Debug("redraw",
		"auth", int(snap.Auth), "input", int(snap.Input),
		"failed_attempts", snap.FailedAttempts)
	a.machine.EndRedrawCycle()
}

func (a *App) teardown() {
	a.buf.Destroy()
	if err := a.worker.Close(); err != nil {
		a.log.Warn("worker close", "error", err)
	}
	if err := a.binding.EndLock(); err != nil {
		a.log.Warn("unlock", "error", err)
	}
	if err := a.binding.Close(); err != nil {
		a.log.Warn("display close", "error", err)
	}
	if a.hint != nil {
		if err := a.hint.Close(); err != nil {
			a.log.Warn("logind close", "error", err)
		}
	}
	a.wakeup.Close()
}
