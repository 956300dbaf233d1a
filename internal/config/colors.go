package config

import (
	"fmt"
	"strconv"
)

// RGBA is a color packed as 0xRRGGBBAA. It decodes from the
// "#rrggbb[aa]" form in both TOML values and command-line flags; an
// omitted alpha means fully opaque. A malformed color is a configuration
// error, never a silent default.
type RGBA uint32

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (c *RGBA) UnmarshalText(text []byte) error {
	parsed, err := ParseColor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// String renders the color back in #rrggbbaa form.
func (c RGBA) String() string {
	return fmt.Sprintf("#%08x", uint32(c))
}

// ParseColor parses "#rrggbb" or "#rrggbbaa"; the leading # is optional.
func ParseColor(s string) (RGBA, error) {
	hex := s
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 && len(hex) != 8 {
		return 0, fmt.Errorf("%w: color %q must be rrggbb or rrggbbaa", ErrInvalid, s)
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: color %q: %v", ErrInvalid, s, err)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xFF
	}
	return RGBA(v), nil
}

// Colors is the renderer's color table. The machine never reads it; it
// exists so state snapshots can be turned into pixels by the external
// renderer.
type Colors struct {
	Background     RGBA `toml:"background"`
	Text           RGBA `toml:"text"`
	Ring           RGBA `toml:"ring"`
	HighlightKey   RGBA `toml:"highlight_key"`
	HighlightBS    RGBA `toml:"highlight_bs"`
	HighlightClear RGBA `toml:"highlight_clear"`
	HighlightVer   RGBA `toml:"highlight_ver"`
	HighlightWrong RGBA `toml:"highlight_wrong"`
}

// DefaultColors returns the stock palette.
func DefaultColors() Colors {
	return Colors{
		Background:     0x95A5A6FF,
		Text:           0x2C3E50FF,
		Ring:           0x3498DBFF,
		HighlightKey:   0x1ABC9CFF,
		HighlightBS:    0xE67E22FF,
		HighlightClear: 0x27AE60FF,
		HighlightVer:   0x7F8C8DFF,
		HighlightWrong: 0xC0392BFF,
	}
}
