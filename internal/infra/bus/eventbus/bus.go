// Package eventbus implements the in-process publish/subscribe bus with
// quorum barriers for blocking events.
package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
)

// BarrierRequestedEventType is announced to approvers when a barrier opens.
const BarrierRequestedEventType = "barrier/requested"

// DefaultBarrierRoom is the transport room that receives barrier announcements.
const DefaultBarrierRoom = "barriers"

var (
	// ErrNotStarted is reported by Publish before Start or after Stop.
	ErrNotStarted = errs.New("eventbus", errs.CodeUnavailable, errs.WithMessage("Event bus not started"), errs.WithHTTP(503))
	// ErrStopped rejects publishers whose barrier was pending when the bus stopped.
	ErrStopped = errs.New("eventbus", errs.CodeStopped, errs.WithMessage("Event bus stopped"), errs.WithHTTP(503))
	// ErrBarrierExists is the cause reported when a barrier for the same event is already pending.
	ErrBarrierExists = errs.New("eventbus/barrier", errs.CodeConflict, errs.WithMessage("barrier already exists"), errs.WithHTTP(409))
)

// Handler consumes one delivered event. Returned errors (and panics) trigger retries.
type Handler func(ctx context.Context, evt *schema.Event) error

// RateLimiter is the admission control collaborator.
type RateLimiter interface {
	CheckEventRateLimit(ctx context.Context, key, eventType string) (schema.RateLimitDecision, error)
	CreateRateLimitedEvent(original *schema.Event, decision schema.RateLimitDecision) *schema.Event
	RateLimitStatus(ctx context.Context, key, eventType string) (schema.RateLimitStatus, error)
}

// BehaviorRegistry maps an event type to its propagation behavior.
type BehaviorRegistry interface {
	EventBehavior(eventType string) (schema.Behavior, error)
}

// Monitor passively records publish performance.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	RecordEvent(evt *schema.Event, duration time.Duration, success bool)
	PerformanceReport() schema.PerformanceReport
	SystemHealth() schema.SystemHealth
	OptimizationSuggestions() []string
}

// Transport forwards events to real-time socket clients grouped in rooms.
type Transport interface {
	Emit(ctx context.Context, eventType, roomID string, payload any) error
}

// DecisionRecorder stores the outcome of every settled barrier.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, decision schema.BarrierDecision) error
}

// Config tunes delivery and transport behaviour.
type Config struct {
	// RetryDelay is the fixed pause between handler retries.
	RetryDelay time.Duration
	// DefaultMaxRetries applies to subscriptions that do not set WithMaxRetries.
	DefaultMaxRetries int
	// TransportWorkers bounds concurrent transport emissions.
	TransportWorkers int
	// TransportQueue is the emission backlog before frames are dropped.
	TransportQueue int
	// BarrierRoom receives barrier/requested announcements.
	BarrierRoom string
	// DisableAnnouncements suppresses barrier/requested frames.
	DisableAnnouncements bool
	// DecisionTimeout bounds each DecisionRecorder call.
	DecisionTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryDelay:       time.Second,
		TransportWorkers: 4,
		TransportQueue:   1024,
		BarrierRoom:      DefaultBarrierRoom,
		DecisionTimeout:  5 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.TransportWorkers <= 0 {
		c.TransportWorkers = def.TransportWorkers
	}
	if c.TransportQueue <= 0 {
		c.TransportQueue = def.TransportQueue
	}
	if c.BarrierRoom == "" {
		c.BarrierRoom = def.BarrierRoom
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = def.DecisionTimeout
	}
	return c
}
