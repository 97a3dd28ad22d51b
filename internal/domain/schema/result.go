package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// PublishResult is the only thing a publisher ever sees; failures are
// reported through Success and Error rather than returned errors.
type PublishResult struct {
	Success     bool              `json:"success"`
	EventID     string            `json:"eventId,omitempty"`
	Duration    time.Duration     `json:"-"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	WasBlocking bool              `json:"wasBlocking,omitempty"`
	Progression Progression       `json:"progression,omitempty"`
	Responses   []BarrierResponse `json:"responses,omitempty"`
	TimedOut    bool              `json:"timedOut,omitempty"`
}

// MarshalJSON adds the duration in milliseconds.
func (r PublishResult) MarshalJSON() ([]byte, error) {
	type alias PublishResult
	return json.Marshal(struct {
		alias
		DurationMs float64 `json:"duration"`
	}{
		alias:      alias(r),
		DurationMs: float64(r.Duration.Microseconds()) / 1000,
	})
}

// Blocked reports whether a barrier stopped the event.
func (r PublishResult) Blocked() bool {
	return r.WasBlocking && r.Progression == ProgressionBlock
}
