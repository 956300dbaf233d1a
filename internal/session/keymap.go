package session

import "veillock/internal/state"

// Evdev key codes the locker cares about beyond the printable tables.
// Values are from linux/input-event-codes.h; the compositor sends them
// with the kernel offset already removed.
const (
	keyEsc        = 1
	keyBackspace  = 14
	keyU          = 22
	keyEnter      = 28
	keyLeftCtrl   = 29
	keyLeftShift  = 42
	keyRightShift = 54
	keyCapsLock   = 58
	keyKPEnter    = 96
	keyRightCtrl  = 97
	keyDelete     = 111
)

// keymapBase maps evdev key codes to unshifted US-layout runes.
var keymapBase = map[uint32]rune{
	2: '1', 3: '2', 4: '3', 5: '4', 6: '5',
	7: '6', 8: '7', 9: '8', 10: '9', 11: '0',
	12: '-', 13: '=', 15: '\t',
	16: 'q', 17: 'w', 18: 'e', 19: 'r', 20: 't',
	21: 'y', 22: 'u', 23: 'i', 24: 'o', 25: 'p',
	26: '[', 27: ']',
	30: 'a', 31: 's', 32: 'd', 33: 'f', 34: 'g',
	35: 'h', 36: 'j', 37: 'k', 38: 'l', 39: ';',
	40: '\'', 41: '`', 43: '\\',
	44: 'z', 45: 'x', 46: 'c', 47: 'v', 48: 'b',
	49: 'n', 50: 'm', 51: ',', 52: '.', 53: '/',
	55: '*', 57: ' ',
	71: '7', 72: '8', 73: '9', 74: '-',
	75: '4', 76: '5', 77: '6', 78: '+',
	79: '1', 80: '2', 81: '3', 82: '0', 83: '.',
	98: '/',
}

// keymapShift maps key codes to their shifted runes where shifting
// produces something other than the uppercase letter.
var keymapShift = map[uint32]rune{
	2: '!', 3: '@', 4: '#', 5: '$', 6: '%',
	7: '^', 8: '&', 9: '*', 10: '(', 11: ')',
	12: '_', 13: '+',
	26: '{', 27: '}',
	39: ':', 40: '"', 41: '~', 43: '|',
	51: '<', 52: '>', 53: '?',
}

// Keymap classifies raw key events into keystrokes. It tracks shift,
// ctrl and caps-lock itself from press and release traffic, so it
// never needs the compositor's keymap blob. Anything outside the US
// layout is invisible to it; passphrases typed on other layouts go
// through the compositor's own translation on systems that have one,
// and otherwise only the structural keys (enter, backspace, escape)
// still work.
type Keymap struct {
	shift int
	ctrl  int
	caps  bool
}

// HandleKey consumes one key event. The returned bool reports whether
// the event classified into a keystroke; modifier traffic and releases
// return false.
func (k *Keymap) HandleKey(code uint32, pressed bool) (state.Keystroke, bool) {
	switch code {
	case keyLeftShift, keyRightShift:
		// A release with no matching press happens when the modifier
		// was already held as the lock came up.
		k.shift = max(0, k.shift+pressedDelta(pressed))
		return state.Keystroke{}, false
	case keyLeftCtrl, keyRightCtrl:
		k.ctrl = max(0, k.ctrl+pressedDelta(pressed))
		return state.Keystroke{}, false
	case keyCapsLock:
		if pressed {
			k.caps = !k.caps
		}
		return state.Keystroke{}, false
	}
	if !pressed {
		return state.Keystroke{}, false
	}

	switch code {
	case keyEnter, keyKPEnter:
		return state.Keystroke{Class: state.KeystrokeSubmit}, true
	case keyBackspace:
		return state.Keystroke{Class: state.KeystrokeBackspace}, true
	case keyEsc, keyDelete:
		return state.Keystroke{Class: state.KeystrokeClear}, true
	case keyU:
		if k.ctrl > 0 {
			return state.Keystroke{Class: state.KeystrokeClear}, true
		}
	}
	if k.ctrl > 0 {
		// Ctrl chords other than ctrl+u are not passphrase input.
		return state.Keystroke{}, false
	}

	r, ok := keymapBase[code]
	if !ok {
		return state.Keystroke{}, false
	}
	if k.shift > 0 {
		if s, ok := keymapShift[code]; ok {
			r = s
		} else if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
	}
	if k.caps && r >= 'a' && r <= 'z' && k.shift == 0 {
		r -= 'a' - 'A'
	} else if k.caps && k.shift > 0 && r >= 'A' && r <= 'Z' {
		r += 'a' - 'A'
	}
	return state.Keystroke{Class: state.KeystrokePrintable, Rune: r}, true
}

func pressedDelta(pressed bool) int {
	if pressed {
		return 1
	}
	return -1
}
