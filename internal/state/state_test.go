package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veillock/internal/secbuf"
)

// recordingSubmitter captures every Submit the machine issues.
type recordingSubmitter struct {
	sent [][]byte
	err  error
}

func (s *recordingSubmitter) Submit(secret []byte) error {
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	s.sent = append(s.sent, cp)
	return nil
}

type fixture struct {
	m         *Machine
	buf       *secbuf.Buffer
	sub       *recordingSubmitter
	redraws   int
	unlocked  bool
	decayCb   func()
	decayArms int
}

func newFixture(t *testing.T, ignoreEmpty bool) *fixture {
	t.Helper()
	buf, err := secbuf.New()
	require.NoError(t, err)
	t.Cleanup(buf.Destroy)

	f := &fixture{buf: buf, sub: &recordingSubmitter{}}
	f.m = New(buf, f.sub, ignoreEmpty, Hooks{
		RequestRedraw: func() { f.redraws++ },
		ArmDecay: func(_ time.Duration, cb func()) {
			f.decayArms++
			f.decayCb = cb
		},
		Unlocked: func() { f.unlocked = true },
	})
	// Deterministic highlight for the tests that assert on it.
	f.m.phase = func() float64 { return float64(f.redraws) + 1 }
	return f
}

func (f *fixture) typeString(t *testing.T, s string) {
	t.Helper()
	for _, r := range s {
		require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokePrintable, Rune: r}))
	}
}

// A rejected passphrase leaves the machine invalid with an empty buffer.
func TestFailedAttempt(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "abc")

	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	require.Len(t, f.sub.sent, 1)
	assert.Equal(t, []byte("abc"), f.sub.sent[0])
	assert.Equal(t, AuthValidating, f.m.Snapshot().Auth)
	assert.Equal(t, 0, f.buf.Len(), "buffer is cleared as soon as the submit is sent")

	f.m.HandleVerdict(false)
	snap := f.m.Snapshot()
	assert.Equal(t, AuthInvalid, snap.Auth)
	assert.Equal(t, uint(1), snap.FailedAttempts)
	assert.Equal(t, 0, f.buf.Len())
	assert.Equal(t, 1, f.decayArms, "invalid indication is time-bounded")
}

// An empty buffer under the ignore-empty policy drops the submit.
func TestIgnoreEmptySubmit(t *testing.T) {
	f := newFixture(t, true)

	before := f.m.Snapshot()
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))

	assert.Empty(t, f.sub.sent)
	assert.Equal(t, before, f.m.Snapshot())
}

func TestEmptySubmitAllowedByPolicy(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	require.Len(t, f.sub.sent, 1)
	assert.Empty(t, f.sub.sent[0])
}

func TestNoSecondSubmitWhileValidating(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "pw")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))

	// Rapid successive submits while validating: rejected, not queued.
	f.typeString(t, "pw")
	for i := 0; i < 5; i++ {
		require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	}
	assert.Len(t, f.sub.sent, 1)

	// After a failure verdict a new submit may flow again.
	f.m.HandleVerdict(false)
	f.typeString(t, "pw2")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	assert.Len(t, f.sub.sent, 2)
}

func TestSuccessVerdictUnlocks(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "pw")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))

	f.m.HandleVerdict(true)
	assert.True(t, f.unlocked)
	assert.Equal(t, uint(0), f.m.Snapshot().FailedAttempts)
}

func TestSubmitErrorPropagates(t *testing.T) {
	f := newFixture(t, true)
	f.sub.err = errors.New("broken pipe")
	f.typeString(t, "pw")

	err := f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit})
	assert.Error(t, err)
	assert.Equal(t, 0, f.buf.Len(), "buffer is cleared even when the send fails")
	assert.NotEqual(t, AuthValidating, f.m.Snapshot().Auth)
}

func TestBackspaceAndClear(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "abc")

	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeBackspace}))
	assert.Equal(t, 2, f.buf.Len())
	assert.Equal(t, InputBackspace, f.m.Snapshot().Input)

	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeClear}))
	assert.Equal(t, 0, f.buf.Len())
	assert.Equal(t, InputClear, f.m.Snapshot().Input)
}

func TestClearResetsInvalid(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "x")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	f.m.HandleVerdict(false)
	require.Equal(t, AuthInvalid, f.m.Snapshot().Auth)

	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeClear}))
	assert.Equal(t, AuthIdle, f.m.Snapshot().Auth)
}

func TestDecayReturnsToIdle(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "x")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	f.m.HandleVerdict(false)

	require.NotNil(t, f.decayCb)
	f.decayCb()
	assert.Equal(t, AuthIdle, f.m.Snapshot().Auth)

	// A decay firing after the state moved on must not clobber it.
	f.typeString(t, "y")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	f.decayCb()
	assert.Equal(t, AuthValidating, f.m.Snapshot().Auth)
}

func TestHighlightChangesOnLetterAndBackspace(t *testing.T) {
	f := newFixture(t, true)

	f.typeString(t, "a")
	first := f.m.Snapshot().HighlightPhase
	f.typeString(t, "b")
	second := f.m.Snapshot().HighlightPhase
	assert.NotEqual(t, first, second)

	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeBackspace}))
	assert.NotEqual(t, second, f.m.Snapshot().HighlightPhase)
}

func TestInputHintDecaysAfterSampling(t *testing.T) {
	f := newFixture(t, true)
	f.typeString(t, "a")

	assert.Equal(t, InputLetter, f.m.Snapshot().Input)
	f.m.EndRedrawCycle()
	assert.Equal(t, InputIdle, f.m.Snapshot().Input)
}

func TestEveryTransitionRequestsRedraw(t *testing.T) {
	f := newFixture(t, true)

	f.typeString(t, "ab")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeBackspace}))
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeClear}))
	f.typeString(t, "c")
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokeSubmit}))
	f.m.HandleVerdict(false)

	assert.Equal(t, 7, f.redraws)
}

func TestMultibyteRuneAppendsUTF8(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.m.HandleKeystroke(Keystroke{Class: KeystrokePrintable, Rune: 'é'}))
	assert.Equal(t, []byte("é"), f.buf.Bytes())
}
