// Package topic matches subscription patterns against slash-delimited event types.
//
// Grammar: segments are separated by "/"; "+" matches exactly one segment;
// "#" as the final segment matches zero or more trailing segments; "*" inside
// a segment matches zero or more characters without crossing "/". A pattern
// always matches a topic that is the identical string.
package topic

import (
	"fmt"
	"strings"

	"github.com/coachpo/barrierbus/errs"
)

const (
	// Separator delimits topic levels.
	Separator = "/"
	// SingleLevel matches exactly one level.
	SingleLevel = "+"
	// MultiLevel matches the remaining levels when it is the last segment.
	MultiLevel = "#"
	// SegmentGlob matches any run of characters inside one level.
	SegmentGlob = "*"
)

// Matcher reports whether a concrete topic satisfies a subscription pattern.
type Matcher interface {
	Match(pattern, topic string) bool
}

// MatcherFunc adapts a plain function to Matcher.
type MatcherFunc func(pattern, topic string) bool

// Match calls f.
func (f MatcherFunc) Match(pattern, topic string) bool {
	return f(pattern, topic)
}

// IsWildcard reports whether pattern contains any wildcard token.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, SingleLevel+MultiLevel+SegmentGlob)
}

// Validate reports patterns that can only ever match their literal spelling.
// Subscriptions accept such patterns verbatim; configuration surfaces reject them.
func Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return errs.New("topic/validate", errs.CodeInvalid, errs.WithMessage("pattern required"))
	}
	parts := strings.Split(pattern, Separator)
	for i, part := range parts {
		if part == MultiLevel && i != len(parts)-1 {
			return errs.New("topic/validate", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("%q must be the last segment", MultiLevel)),
				errs.WithField("pattern", pattern))
		}
		if part != SingleLevel && part != MultiLevel && strings.ContainsAny(part, SingleLevel+MultiLevel) {
			return errs.New("topic/validate", errs.CodeInvalid,
				errs.WithMessage("level wildcards cannot be mixed with other characters"),
				errs.WithField("pattern", pattern))
		}
	}
	return nil
}
