// Package patternmatch implements wildcard and regex matching of
// cache keys for pattern-based invalidation, a supplement to the
// core's single-key ClearCache. Adapted from invalidation/patterns.go:
// the sync.Map-backed compiled-regex cache and the
// wildcard/regex/prefix/suffix/contains classification are kept;
// distributed-audit concerns are dropped (see the design ledger).
package patternmatch

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var regexCache sync.Map // pattern string -> *regexp.Regexp

// Matcher matches cache keys against one compiled pattern.
type Matcher struct {
	pattern string
	isRegex bool
	re      *regexp.Regexp
}

// New compiles pattern. A pattern wrapped in slashes ("/.../") is
// treated as a regular expression; anything containing "*" or "?" is
// treated as a shell-style wildcard; anything else matches literally.
func New(pattern string) (*Matcher, error) {
	if isRegexPattern(pattern) {
		body := pattern[1 : len(pattern)-1]
		re, err := compileCached(body)
		if err != nil {
			return nil, fmt.Errorf("patternmatch: invalid regex %q: %w", body, err)
		}
		return &Matcher{pattern: pattern, isRegex: true, re: re}, nil
	}

	if isWildcardPattern(pattern) {
		re, err := compileCached(wildcardToRegex(pattern))
		if err != nil {
			return nil, fmt.Errorf("patternmatch: invalid wildcard %q: %w", pattern, err)
		}
		return &Matcher{pattern: pattern, re: re}, nil
	}

	return &Matcher{pattern: pattern}, nil
}

// Match reports whether key satisfies the compiled pattern.
func (m *Matcher) Match(key string) bool {
	if m.re != nil {
		return m.re.MatchString(key)
	}
	return key == m.pattern
}

// ValidatePattern reports whether pattern would compile successfully,
// without retaining a Matcher.
func ValidatePattern(pattern string) error {
	_, err := New(pattern)
	return err
}

func isRegexPattern(p string) bool {
	return len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/")
}

func isWildcardPattern(p string) bool {
	return strings.ContainsAny(p, "*?")
}

// wildcardToRegex translates shell-style "*" and "?" into a regex
// anchored at both ends, escaping every other regex metacharacter in
// the pattern.
func wildcardToRegex(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}

func compileCached(expr string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache.Store(expr, re)
	return re, nil
}
