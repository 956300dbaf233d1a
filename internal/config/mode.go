package config

import "fmt"

// Mode is the background image scaling mode. Scaling policy itself is
// the renderer's business; the config layer only validates the name.
type Mode int

const (
	ModeStretch Mode = iota
	ModeFill
	ModeFit
	ModeCenter
	ModeTile
	ModeSolidColor
)

var modeNames = map[string]Mode{
	"stretch":     ModeStretch,
	"fill":        ModeFill,
	"fit":         ModeFit,
	"center":      ModeCenter,
	"tile":        ModeTile,
	"solid_color": ModeSolidColor,
}

// ParseMode maps a mode name to its value; unknown names are a
// configuration error.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeNames[s]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("%w: unknown scaling mode %q", ErrInvalid, s)
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mode) String() string {
	for name, v := range modeNames {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("mode(%d)", int(m))
}
