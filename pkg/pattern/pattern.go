// Package pattern provides the pattern syntax used for User-Agent
// classification rules.
//
// Three forms are supported:
//
//   - Exact (no prefix): case-insensitive equality.
//   - Wildcard (contains *): case-insensitive, * matches any run of
//     characters, multiple wildcards allowed.
//   - Regexp (~ prefix, ~* for case-insensitive): standard Go regexp.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Type identifies how a pattern is matched.
type Type int

const (
	TypeWildcard Type = iota
	TypeRegexp
	TypeExact
)

// Pattern is a compiled matcher. Compile once at config load, Match per
// request.
type Pattern struct {
	Original string
	Type     Type

	clean string
	re    *regexp.Regexp
}

// Compile parses and pre-compiles a pattern string.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{Original: raw}

	switch {
	case strings.HasPrefix(raw, "~*"):
		p.Type = TypeRegexp
		p.clean = raw[2:]
		re, err := regexp.Compile("(?i)" + p.clean)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", raw, err)
		}
		p.re = re
	case strings.HasPrefix(raw, "~"):
		p.Type = TypeRegexp
		p.clean = raw[1:]
		re, err := regexp.Compile(p.clean)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", raw, err)
		}
		p.re = re
	case strings.Contains(raw, "*"):
		p.Type = TypeWildcard
		p.clean = strings.ToLower(raw)
	default:
		p.Type = TypeExact
		p.clean = raw
	}

	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for the
// built-in rule tables initialized at process start.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether input matches the compiled pattern.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}
	switch p.Type {
	case TypeRegexp:
		return p.re.MatchString(input)
	case TypeWildcard:
		return matchWildcard(strings.ToLower(input), p.clean)
	case TypeExact:
		return strings.EqualFold(input, p.clean)
	}
	return false
}

// matchWildcard matches text against a pattern whose * segments match any
// run of characters. Both arguments must already be lowercased.
func matchWildcard(text, pat string) bool {
	if !strings.Contains(pat, "*") {
		return text == pat
	}

	parts := strings.Split(pat, "*")

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(text, last) {
		return false
	}
	text = text[:len(text)-len(last)]

	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(text, mid)
		if idx == -1 {
			return false
		}
		text = text[idx+len(mid):]
	}

	return true
}
