package eventbus

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/internal/infra/bus/topic"
)

// Option customises an EventBus.
type Option func(*EventBus)

// WithRateLimiter sets the admission control collaborator.
func WithRateLimiter(l RateLimiter) Option {
	return func(b *EventBus) {
		if l != nil {
			b.limiter = l
			b.rateLimiting = true
		}
	}
}

// WithBehaviorRegistry sets the behavior lookup.
func WithBehaviorRegistry(r BehaviorRegistry) Option {
	return func(b *EventBus) {
		if r != nil {
			b.behaviors = r
		}
	}
}

// WithMonitor sets the performance monitor.
func WithMonitor(m Monitor) Option {
	return func(b *EventBus) {
		if m != nil {
			b.monitor = m
		}
	}
}

// WithTransport sets the socket transport.
func WithTransport(t Transport) Option {
	return func(b *EventBus) {
		if t != nil {
			b.transport = t
		}
	}
}

// WithDecisionRecorder stores settled barrier decisions.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(b *EventBus) {
		b.recorder = r
	}
}

// WithMatcher overrides the MQTT topic matcher; nil selects the regex fallback.
func WithMatcher(m topic.Matcher) Option {
	return func(b *EventBus) {
		b.matcher = m
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// WithIDGenerator overrides event and subscription id generation.
func WithIDGenerator(fn func() string) Option {
	return func(b *EventBus) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *EventBus) {
		if now != nil {
			b.now = now
		}
	}
}

// SubscribeOption customises one subscription.
type SubscribeOption func(*Subscription)

// WithFilter skips events for which fn returns false.
func WithFilter(fn Filter) SubscribeOption {
	return func(s *Subscription) {
		s.Filter = fn
	}
}

// WithMaxRetries retries a failing handler up to n times with the bus retry delay.
func WithMaxRetries(n int) SubscribeOption {
	return func(s *Subscription) {
		if n < 0 {
			n = 0
		}
		s.MaxRetries = n
	}
}
