package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher decides whether an inbound message matches one of a set of
// registered patterns. Implementations may record submatches on the
// message (Match field). The engine's matcher is swappable via a single
// seam; RegexpMatcher is the default.
type Matcher interface {
	Match(patterns []string, msg *Message) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(patterns []string, msg *Message) bool

// Match calls f.
func (f MatcherFunc) Match(patterns []string, msg *Message) bool { return f(patterns, msg) }

// RegexpMatcher matches message text against patterns compiled as
// case-insensitive regular expressions. Compiled patterns are cached.
// An invalid pattern never matches; the error is reported through the
// optional OnError hook.
type RegexpMatcher struct {
	cache   map[string]*regexp.Regexp
	OnError func(pattern string, err error)
}

// NewRegexpMatcher creates the default case-insensitive regex matcher.
func NewRegexpMatcher() *RegexpMatcher {
	return &RegexpMatcher{cache: map[string]*regexp.Regexp{}}
}

// Match reports whether any pattern matches the message text. On a match
// the submatches are recorded on msg.Match.
func (rm *RegexpMatcher) Match(patterns []string, msg *Message) bool {
	if msg == nil || msg.Text == "" {
		return false
	}
	for _, p := range patterns {
		re, err := rm.compile(p)
		if err != nil {
			if rm.OnError != nil {
				rm.OnError(p, err)
			}
			continue
		}
		if m := re.FindStringSubmatch(msg.Text); m != nil {
			msg.Match = m
			return true
		}
	}
	return false
}

func (rm *RegexpMatcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := rm.cache[pattern]; ok {
		return re, nil
	}
	expr := pattern
	if !strings.HasPrefix(expr, "(?i)") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	rm.cache[pattern] = re
	return re, nil
}

// ExactPattern escapes a literal string into an anchored pattern, used by
// the script compiler for "string" type answer options.
func ExactPattern(s string) string {
	return "^" + regexp.QuoteMeta(s) + "$"
}
