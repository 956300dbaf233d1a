// Package state holds the input/authentication state machine.
//
// The machine is pure transition logic: it consumes keystroke events and
// worker verdicts and produces display snapshots, redraw requests, and
// at most one in-flight Submit on the verdict channel. It performs no
// I/O of its own; the submitter, the decay timer, and the randomness
// source are injected, which keeps every transition testable without a
// display or a worker process.
package state

import (
	"math"
	"math/rand"
	"time"
	"unicode/utf8"

	"veillock/internal/secbuf"
)

// AuthState is the authentication half of the machine.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthValidating
	AuthInvalid
)

// InputState reflects the most recent keystroke class. It is cosmetic:
// the renderer uses it to pick highlight colors, and it decays back to
// Idle on the redraw cycle after it was sampled.
type InputState int

const (
	InputIdle InputState = iota
	InputLetter
	InputBackspace
	InputClear
)

// KeystrokeClass partitions decoded keys into the transitions the
// machine understands. Anything unmapped never reaches the machine.
type KeystrokeClass int

const (
	KeystrokePrintable KeystrokeClass = iota
	KeystrokeBackspace
	KeystrokeClear
	KeystrokeSubmit
)

// Keystroke is one decoded key press. Rune is set only for printables.
type Keystroke struct {
	Class KeystrokeClass
	Rune  rune
}

// Snapshot is the read-only view handed to renderers.
type Snapshot struct {
	Auth           AuthState
	Input          InputState
	FailedAttempts uint
	HighlightPhase float64
}

// Submitter sends one passphrase through the verdict channel.
type Submitter interface {
	Submit(secret []byte) error
}

// invalidDecay is how long the "wrong passphrase" indication persists
// before the machine returns to idle.
const invalidDecay = 3 * time.Second

// Hooks are the machine's side-effect outlets. RequestRedraw is an
// edge-trigger toward the renderer; ArmDecay (re)arms the one-shot
// Invalid→Idle timer, replacing any previous arming; Unlocked tells the
// control loop to begin teardown.
type Hooks struct {
	RequestRedraw func()
	ArmDecay      func(time.Duration, func())
	Unlocked      func()
}

// Machine is the auth/input state machine. It is mutated only from
// reactor callbacks, so it needs no synchronization.
type Machine struct {
	buf       *secbuf.Buffer
	submitter Submitter
	hooks     Hooks

	ignoreEmpty bool

	auth           AuthState
	input          InputState
	inputSampled   bool
	failedAttempts uint
	highlight      float64

	// phase produces the cosmetic highlight offset; swappable in tests.
	phase func() float64
}

// New creates a machine with both sub-states idle. ignoreEmpty drops
// empty-buffer submits without any state change.
func New(buf *secbuf.Buffer, submitter Submitter, ignoreEmpty bool, hooks Hooks) *Machine {
	return &Machine{
		buf:         buf,
		submitter:   submitter,
		hooks:       hooks,
		ignoreEmpty: ignoreEmpty,
		phase:       func() float64 { return rand.Float64() * 2 * math.Pi },
	}
}

// HandleKeystroke applies one decoded key press. The returned error is
// only ever a channel fault from the submit path, which the caller
// treats as fatal.
func (m *Machine) HandleKeystroke(k Keystroke) error {
	switch k.Class {
	case KeystrokePrintable:
		// Encoded on the stack and wiped: no transient heap copy of
		// secret bytes.
		var enc [utf8.UTFMax]byte
		n := utf8.EncodeRune(enc[:], k.Rune)
		for i := 0; i < n; i++ {
			if err := m.buf.Append(enc[i]); err != nil {
				return err
			}
			enc[i] = 0
		}
		m.setInput(InputLetter)
		m.highlight = m.phase()

	case KeystrokeBackspace:
		m.buf.RemoveLast()
		m.setInput(InputBackspace)
		m.highlight = m.phase()

	case KeystrokeClear:
		m.buf.Clear()
		m.setInput(InputClear)
		if m.auth == AuthInvalid {
			m.auth = AuthIdle
		}

	case KeystrokeSubmit:
		return m.submit()
	}

	m.hooks.RequestRedraw()
	return nil
}

// submit sends the buffer contents through the verdict channel. Only one
// Submit may be outstanding: the protocol has no request identifiers, so
// a second send while validating could not be matched to its verdict.
func (m *Machine) submit() error {
	if m.auth == AuthValidating {
		// Rapid successive submits are rejected, not queued.
		return nil
	}
	if m.buf.Len() == 0 && m.ignoreEmpty {
		return nil
	}

	err := m.submitter.Submit(m.buf.Bytes())
	// The transmitted bytes must not outlive the send, whether or not it
	// worked; the worker owns the pending check from here.
	m.buf.Clear()
	if err != nil {
		return err
	}

	m.auth = AuthValidating
	m.hooks.RequestRedraw()
	return nil
}

// HandleVerdict applies the worker's answer to the outstanding Submit.
func (m *Machine) HandleVerdict(ok bool) {
	if ok {
		m.hooks.Unlocked()
		return
	}

	m.auth = AuthInvalid
	m.failedAttempts++
	m.buf.Clear()
	// Time-bound the "wrong" indication rather than leaving it up.
	m.hooks.ArmDecay(invalidDecay, m.decayElapsed)
	m.hooks.RequestRedraw()
}

func (m *Machine) decayElapsed() {
	if m.auth == AuthInvalid {
		m.auth = AuthIdle
		m.hooks.RequestRedraw()
	}
}

// Snapshot samples the current display state for the renderer.
func (m *Machine) Snapshot() Snapshot {
	m.inputSampled = true
	return Snapshot{
		Auth:           m.auth,
		Input:          m.input,
		FailedAttempts: m.failedAttempts,
		HighlightPhase: m.highlight,
	}
}

// EndRedrawCycle decays the input hint once a redraw has sampled it.
func (m *Machine) EndRedrawCycle() {
	if m.inputSampled {
		m.input = InputIdle
		m.inputSampled = false
	}
}

func (m *Machine) setInput(s InputState) {
	m.input = s
	m.inputSampled = false
}
