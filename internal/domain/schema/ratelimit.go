package schema

import "time"

// Limit types reported when admission control denies an event.
const (
	LimitTypeUser      = "user"
	LimitTypeEventType = "event_type"
	LimitTypeGlobal    = "global"
)

// RateLimitedEventType is the type of the synthesized event emitted for a denied publish.
const RateLimitedEventType = "system/rate_limited"

// RateLimitDecision is the admission verdict for one publish.
type RateLimitDecision struct {
	Allowed    bool          `json:"allowed"`
	LimitType  string        `json:"limitType,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterMs is the retry hint in milliseconds.
func (d RateLimitDecision) RetryAfterMs() int64 {
	return d.RetryAfter.Milliseconds()
}

// RateLimitTier describes one limiter tier for a key/event type.
type RateLimitTier struct {
	LimitType string  `json:"limitType"`
	Rate      float64 `json:"ratePerSecond"`
	Burst     int     `json:"burst"`
	Available float64 `json:"available"`
	Enabled   bool    `json:"enabled"`
}

// RateLimitStatus reports the limiter state for a key/event type pair.
type RateLimitStatus struct {
	Key          string          `json:"key"`
	EventType    string          `json:"eventType"`
	Allowed      bool            `json:"allowed"`
	RetryAfterMs int64           `json:"retryAfterMs"`
	Tiers        []RateLimitTier `json:"tiers"`
}
