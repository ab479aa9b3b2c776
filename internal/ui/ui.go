// Package ui renders index status for the terminal: lipgloss styles on
// interactive terminals, plain text for pipes, CI and NO_COLOR.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// ColorMode selects when output is styled.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// colorMode is set once by the CLI before any output is rendered.
var colorMode = ColorAuto

// ParseColorMode validates a --color value.
func ParseColorMode(s string) (ColorMode, error) {
	switch m := ColorMode(s); m {
	case ColorAuto, ColorAlways, ColorNever:
		return m, nil
	case "":
		return ColorAuto, nil
	default:
		return "", fmt.Errorf("invalid color mode %q (use: auto, always, never)", s)
	}
}

// SetColorMode sets the mode used by NoColorFor.
func SetColorMode(m ColorMode) {
	colorMode = m
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ciVars are set by common CI systems.
var ciVars = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}

func envSet(names ...string) bool {
	for _, n := range names {
		if _, ok := os.LookupEnv(n); ok {
			return true
		}
	}
	return false
}

// NoColorFor reports whether output to w should be unstyled. In auto
// mode NO_COLOR, a CI environment or a non-terminal disable styles.
func NoColorFor(w io.Writer) bool {
	switch colorMode {
	case ColorAlways:
		return false
	case ColorNever:
		return true
	default:
		return envSet("NO_COLOR") || envSet(ciVars...) || !IsTTY(w)
	}
}
