package config

import (
	"fmt"
	"strings"
)

// ImageRule assigns a background image path to a named output. An empty
// Output is the wildcard default for outputs with no exact rule.
type ImageRule struct {
	Output string `toml:"output"`
	Path   string `toml:"path"`
}

// ParseImageArg parses the command-line form "[[<output>]:]<path>".
// "img.png" is a default rule, ":img.png" likewise with an explicit
// empty output, "DP-1:img.png" binds the image to that output.
func ParseImageArg(arg string) (ImageRule, error) {
	output, path, found := strings.Cut(arg, ":")
	if !found {
		path = arg
		output = ""
	}
	if path == "" {
		return ImageRule{}, fmt.Errorf("%w: image argument %q has no path", ErrInvalid, arg)
	}
	return ImageRule{Output: output, Path: ExpandPath(path)}, nil
}

// ImageSet resolves which image belongs on which output with an explicit
// precedence rule: an exact output-name match wins, the wildcard default
// entry is the fallback, and outputs matching neither get nothing.
type ImageSet struct {
	byOutput map[string]string
}

// NewImageSet builds the lookup from rules in order; a later rule for
// the same output replaces the earlier one.
func NewImageSet(rules []ImageRule) *ImageSet {
	s := &ImageSet{byOutput: make(map[string]string, len(rules))}
	for _, r := range rules {
		s.byOutput[r.Output] = ExpandPath(r.Path)
	}
	return s
}

// Lookup returns the image path for the named output, or false when
// neither an exact rule nor a default applies.
func (s *ImageSet) Lookup(output string) (string, bool) {
	if path, ok := s.byOutput[output]; ok && output != "" {
		return path, true
	}
	path, ok := s.byOutput[""]
	return path, ok
}
