package stream

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern matches item keys against wildcard alternatives.
//
//	*    any run of characters, including none
//	?    exactly one character
//	a|b  either alternative
//
// The empty pattern matches everything.
type Pattern struct {
	source string
	re     *regexp.Regexp
}

// CompilePattern compiles a wildcard pattern.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return &Pattern{}, nil
	}
	alts := strings.Split(pattern, "|")
	parts := make([]string, 0, len(alts))
	for _, alt := range alts {
		if alt == "" {
			return nil, fmt.Errorf("empty alternative in pattern %q", pattern)
		}
		parts = append(parts, wildcardToRegex(alt))
	}
	re, err := regexp.Compile("^(?:" + strings.Join(parts, "|") + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &Pattern{source: pattern, re: re}, nil
}

// Match reports whether s matches the pattern.
func (p *Pattern) Match(s string) bool {
	if p == nil || p.re == nil {
		return true
	}
	return p.re.MatchString(s)
}

// String returns the source pattern.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

func wildcardToRegex(pattern string) string {
	var result strings.Builder
	for _, c := range pattern {
		switch c {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		default:
			result.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return result.String()
}
