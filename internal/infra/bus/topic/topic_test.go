package topic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type matchCase struct {
	pattern string
	topic   string
	want    bool
}

var matchCases = []matchCase{
	{"test/+", "test/simple", true},
	{"test/+", "test/simple/extra", false},
	{"test/#", "test/simple", true},
	{"test/#", "test/deep/nested/event", true},
	{"test/#", "test", true},
	{"test/#", "testing", false},
	{"test/exact", "test/exact", true},
	{"test/exact", "test/different", false},
	{"#", "anything/at/all", true},
	{"#", "", true},
	{"+", "single", true},
	{"+", "two/levels", false},
	{"+/+/+", "a/b/c", true},
	{"a/+/c", "a/b/d/c", false},
	{"a/+/#", "a", false},
	{"a/+/#", "a/b", true},
	{"a/+/#", "a/b/c/d", true},
	{"chat/*", "chat/message", true},
	{"chat/mess*", "chat/message", true},
	{"chat/*age", "chat/message", true},
	{"chat/m*s*e", "chat/message", true},
	{"chat/*", "chat/message/extra", false},
	{"chat/x*", "chat/message", false},
	{"a/#/b", "a/x/b", false},
	{"a/#/b", "a/#/b", true},
	{"a.b", "axb", false},
	{"a(b", "a(b", true},
	{"", "", true},
	{"", "a", false},
}

func TestMatchersAgreeOnGrammar(t *testing.T) {
	matchers := map[string]Matcher{
		"mqtt":  NewMQTTMatcher(),
		"regex": NewRegexMatcher(),
	}
	for name, m := range matchers {
		for _, tc := range matchCases {
			require.Equalf(t, tc.want, m.Match(tc.pattern, tc.topic), "%s: Match(%q, %q)", name, tc.pattern, tc.topic)
		}
	}
}

func TestRegexMatcherCachesCompiledPatterns(t *testing.T) {
	m := NewRegexMatcher()
	require.True(t, m.Match("a/+", "a/b"))
	require.True(t, m.Match("a/+", "a/c"))

	cached, ok := m.cache.Load("a/+")
	require.True(t, ok)
	require.NotNil(t, cached)

	require.False(t, m.Match("x/#/y", "x/1/y"))
	never, ok := m.cache.Load("x/#/y")
	require.True(t, ok)
	require.Nil(t, never)
}

func TestCompile(t *testing.T) {
	require.Equal(t, `(?s)^a/[^/]*(?:/.*)?$`, Compile("a/+/#").String())
	require.Equal(t, `(?s)^chat/[^/]*\.log$`, Compile("chat/*.log").String())
	require.Nil(t, Compile("#/a"))
}

func TestMatcherFunc(t *testing.T) {
	var calls int
	m := MatcherFunc(func(pattern, topic string) bool {
		calls++
		return pattern == topic
	})
	require.True(t, m.Match("x", "x"))
	require.Equal(t, 1, calls)
}

func TestValidate(t *testing.T) {
	for _, ok := range []string{"a", "a/+", "a/#", "#", "+/+", "chat/*"} {
		require.NoErrorf(t, Validate(ok), "pattern %q", ok)
	}
	for _, bad := range []string{"", "  ", "a/#/b", "a/b+", "a#"} {
		require.Errorf(t, Validate(bad), "pattern %q", bad)
	}
	require.True(t, IsWildcard("a/*"))
	require.False(t, IsWildcard("a/b"))
}
