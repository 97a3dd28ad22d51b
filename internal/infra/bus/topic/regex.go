package topic

import (
	"regexp"
	"strings"
	"sync"
)

// RegexMatcher compiles each pattern to an anchored regular expression and
// caches the result. It is the fallback used when no Matcher is supplied and
// accepts exactly the same language as MQTTMatcher.
type RegexMatcher struct {
	cache sync.Map // pattern -> *regexp.Regexp (nil when the pattern never matches)
}

// NewRegexMatcher returns an empty fallback matcher.
func NewRegexMatcher() *RegexMatcher { return &RegexMatcher{} }

// Match implements Matcher.
func (m *RegexMatcher) Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	re := m.compiled(pattern)
	return re != nil && re.MatchString(topic)
}

func (m *RegexMatcher) compiled(pattern string) *regexp.Regexp {
	if cached, ok := m.cache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re := Compile(pattern)
	actual, _ := m.cache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}

// Compile translates a pattern into an anchored expression. It returns nil for
// patterns with a non-trailing "#", which match nothing but their own text.
func Compile(pattern string) *regexp.Regexp {
	if pattern == MultiLevel {
		return regexp.MustCompile(`(?s)^.*$`)
	}
	parts := strings.Split(pattern, Separator)
	var b strings.Builder
	b.WriteString("(?s)^")
	for i, part := range parts {
		if part == MultiLevel {
			if i != len(parts)-1 {
				return nil
			}
			b.WriteString(`(?:/.*)?`)
			break
		}
		if i > 0 {
			b.WriteString(regexp.QuoteMeta(Separator))
		}
		if part == SingleLevel {
			b.WriteString(`[^/]*`)
			continue
		}
		pieces := strings.Split(part, SegmentGlob)
		for j, piece := range pieces {
			if j > 0 {
				b.WriteString(`[^/]*`)
			}
			b.WriteString(regexp.QuoteMeta(piece))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
