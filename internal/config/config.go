// Package config handles configuration loading and validation for
// veillock.
//
// Settings come from a TOML file merged under command-line flags. Every
// configuration problem is reported before the lock is established and
// before any secret material exists, so a bad value can never strand a
// locked session: the process exits with a configuration error instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is wrapped by every configuration failure: unknown keys,
// malformed colors, unparsable scaling modes. It maps to exit code 1.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the complete veillock configuration.
type Config struct {
	// IgnoreEmptyPassword drops a submit on an empty buffer instead of
	// sending it to the credential worker.
	IgnoreEmptyPassword bool `toml:"ignore_empty_password"`

	// ShowIndicator controls whether the unlock indicator is drawn at all.
	ShowIndicator bool `toml:"show_indicator"`

	// IndicatorIdleVisible keeps the indicator visible while idle.
	IndicatorIdleVisible bool `toml:"indicator_idle_visible"`

	// IndicatorRadius and IndicatorThickness size the indicator arc.
	IndicatorRadius    int `toml:"indicator_radius"`
	IndicatorThickness int `toml:"indicator_thickness"`

	// IndicatorX/IndicatorY position the indicator; -1 centers it.
	IndicatorX int `toml:"indicator_x_position"`
	IndicatorY int `toml:"indicator_y_position"`

	// Scaling is the background image scaling mode.
	Scaling Mode `toml:"scaling"`

	// Font and FontSize configure the indicator text. A zero size means
	// the renderer derives it from the radius.
	Font     string `toml:"font"`
	FontSize int    `toml:"font_size"`

	// Clock draws a date and time inside the indicator, using the
	// strftime-style TimeFormat and DateFormat strings.
	Clock      bool   `toml:"clock"`
	TimeFormat string `toml:"timestr"`
	DateFormat string `toml:"datestr"`

	// Colors is the indicator and background color table.
	Colors Colors `toml:"colors"`

	// Images assigns background images to outputs. Later rules replace
	// earlier rules for the same output.
	Images []ImageRule `toml:"image"`

	// ReadyFd, when non-negative, receives a newline once the
	// compositor confirms the lock. Scripts use it to sequence suspend.
	ReadyFd int `toml:"ready_fd"`

	// LogLevel and LogFormat configure the slog setup.
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default returns the configuration used when no file or flag says
// otherwise. The values match the historical defaults users expect from
// session lockers.
func Default() *Config {
	return &Config{
		IgnoreEmptyPassword: true,
		ShowIndicator:       true,
		IndicatorRadius:     50,
		IndicatorThickness:  10,
		IndicatorX:          -1,
		IndicatorY:          -1,
		Scaling:             ModeFill,
		Font:                "sans-serif",
		Clock:               true,
		TimeFormat:          "%T",
		DateFormat:          "%a, %x",
		Colors:              DefaultColors(),
		ReadyFd:             -1,
	}
}

// Path returns the first existing config file location, or empty when
// none exists: $XDG_CONFIG_HOME/veillock/config.toml, then
// ~/.config/veillock/config.toml.
func Path() string {
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, xdg)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config"))
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, "veillock", "config.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; an unreadable or malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s: unknown keys: %s",
			ErrInvalid, path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the relationships plain decoding cannot.
func (c *Config) Validate() error {
	if c.IndicatorRadius <= 0 {
		return fmt.Errorf("%w: indicator_radius must be positive", ErrInvalid)
	}
	if c.IndicatorThickness <= 0 {
		return fmt.Errorf("%w: indicator_thickness must be positive", ErrInvalid)
	}
	for _, img := range c.Images {
		if img.Path == "" {
			return fmt.Errorf("%w: image rule for output %q has no path", ErrInvalid, img.Output)
		}
	}
	return nil
}

// ExpandPath resolves a leading ~ and environment references in an
// image path. The shell does not expand these when the path comes from
// the config file or carries an output prefix.
func ExpandPath(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
