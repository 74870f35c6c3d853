package filter

import (
	"regexp"
	"strings"
)

// Pattern is a compiled wildcard pattern. '*' matches any run of characters,
// '?' matches exactly one character and the whole name must match.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern compiles a wildcard pattern. A pattern that fails to
// compile never matches.
func CompilePattern(pattern string, caseInsensitive bool) Pattern {
	re, err := regexp.Compile(wildcardToRegexp(pattern, caseInsensitive))
	if err != nil {
		return Pattern{raw: pattern}
	}
	return Pattern{raw: pattern, re: re}
}

func wildcardToRegexp(pattern string, caseInsensitive bool) string {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	if caseInsensitive {
		b.WriteString("(?is)^")
	} else {
		b.WriteString("(?s)^")
	}
	literalStart := 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?':
			b.WriteString(regexp.QuoteMeta(pattern[literalStart:i]))
			if pattern[i] == '*' {
				b.WriteString(".*")
			} else {
				b.WriteString(".")
			}
			literalStart = i + 1
		}
	}
	b.WriteString(regexp.QuoteMeta(pattern[literalStart:]))
	b.WriteString("$")
	return b.String()
}

// String returns the pattern as configured.
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether name matches the pattern in full.
func (p Pattern) Match(name string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(name)
}

// Match compiles pattern case-sensitively and tests name against it.
func Match(pattern, name string) bool {
	return CompilePattern(pattern, false).Match(name)
}

// PatternList is an ordered list of compiled patterns.
type PatternList []Pattern

// CompilePatterns compiles every pattern in order.
func CompilePatterns(patterns []string, caseInsensitive bool) PatternList {
	list := make(PatternList, 0, len(patterns))
	for _, p := range patterns {
		list = append(list, CompilePattern(p, caseInsensitive))
	}
	return list
}

// MatchAny reports whether any pattern in the list matches name.
func (l PatternList) MatchAny(name string) bool {
	for _, p := range l {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// Strings returns the raw patterns.
func (l PatternList) Strings() []string {
	out := make([]string, len(l))
	for i, p := range l {
		out[i] = p.raw
	}
	return out
}
