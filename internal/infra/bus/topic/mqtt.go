package topic

import "strings"

// MQTTMatcher walks pattern and topic levels side by side. It is stateless
// and safe for concurrent use.
type MQTTMatcher struct{}

// NewMQTTMatcher returns the default matcher.
func NewMQTTMatcher() MQTTMatcher { return MQTTMatcher{} }

// Match implements Matcher.
func (MQTTMatcher) Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == MultiLevel {
		return true
	}
	return matchLevels(strings.Split(pattern, Separator), strings.Split(topic, Separator))
}

func matchLevels(pattern, topic []string) bool {
	ti := 0
	for pi, part := range pattern {
		switch {
		case part == MultiLevel:
			return pi == len(pattern)-1
		case part == SingleLevel:
			if ti >= len(topic) {
				return false
			}
		default:
			if ti >= len(topic) || !matchSegment(part, topic[ti]) {
				return false
			}
		}
		ti++
	}
	return ti == len(topic)
}

// matchSegment matches one level where "*" spans any run of characters.
func matchSegment(pattern, segment string) bool {
	if !strings.Contains(pattern, SegmentGlob) {
		return pattern == segment
	}
	pieces := strings.Split(pattern, SegmentGlob)
	if !strings.HasPrefix(segment, pieces[0]) {
		return false
	}
	segment = segment[len(pieces[0]):]
	last := pieces[len(pieces)-1]
	for _, piece := range pieces[1 : len(pieces)-1] {
		idx := strings.Index(segment, piece)
		if idx < 0 {
			return false
		}
		segment = segment[idx+len(piece):]
	}
	return len(segment) >= len(last) && strings.HasSuffix(segment, last)
}
