// Package query answers lookups, wildcard searches and listings against
// the published catalog snapshot.
package query

import "strings"

// Pattern is a compiled case-insensitive name pattern. '*' matches any
// run of characters (including none) and '?' matches exactly one.
type Pattern struct {
	raw      string
	lower    []rune
	wildcard bool
}

// Compile lowercases p once for repeated matching.
func Compile(p string) Pattern {
	lower := strings.ToLower(p)
	return Pattern{
		raw:      p,
		lower:    []rune(lower),
		wildcard: strings.ContainsAny(p, "*?"),
	}
}

// String returns the pattern as given.
func (p Pattern) String() string { return p.raw }

// MatchAll reports whether the pattern matches every name.
func (p Pattern) MatchAll() bool {
	if len(p.lower) == 0 {
		return true
	}
	for _, r := range p.lower {
		if r != '*' {
			return false
		}
	}
	return true
}

// Literal returns the lowercased pattern and true when it has no wildcard,
// in which case matching is plain case-insensitive equality.
func (p Pattern) Literal() (string, bool) {
	if p.wildcard {
		return "", false
	}
	return string(p.lower), true
}

// Match reports whether name matches. name must already be lowercased.
func (p Pattern) Match(lowerName string) bool {
	if p.MatchAll() {
		return true
	}
	if !p.wildcard {
		return string(p.lower) == lowerName
	}
	return matchRunes(p.lower, []rune(lowerName))
}

// matchRunes is the iterative star-backtracking matcher: on mismatch it
// retries from the most recent '*' with one more character consumed.
func matchRunes(pat, s []rune) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pat) && (pat[pi] == '?' || pat[pi] == s[si]):
			pi++
			si++
		case pi < len(pat) && pat[pi] == '*':
			star, mark = pi, si
			pi++
		case star >= 0:
			mark++
			pi, si = star+1, mark
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}
