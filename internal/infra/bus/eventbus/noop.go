package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/barrierbus/internal/domain/schema"
)

type allowAll struct{}

func (allowAll) CheckEventRateLimit(context.Context, string, string) (schema.RateLimitDecision, error) {
	return schema.RateLimitDecision{Allowed: true}, nil
}

func (allowAll) CreateRateLimitedEvent(*schema.Event, schema.RateLimitDecision) *schema.Event {
	return nil
}

func (allowAll) RateLimitStatus(_ context.Context, key, eventType string) (schema.RateLimitStatus, error) {
	return schema.RateLimitStatus{Key: key, EventType: eventType, Allowed: true}, nil
}

type passiveBehaviors struct{}

func (passiveBehaviors) EventBehavior(string) (schema.Behavior, error) {
	return schema.PassiveBehavior(), nil
}

type noopMonitor struct{}

func (noopMonitor) Start(context.Context) error                    { return nil }
func (noopMonitor) Stop()                                          {}
func (noopMonitor) RecordEvent(*schema.Event, time.Duration, bool) {}
func (noopMonitor) PerformanceReport() schema.PerformanceReport    { return schema.PerformanceReport{} }
func (noopMonitor) SystemHealth() schema.SystemHealth {
	return schema.SystemHealth{Status: schema.HealthHealthy}
}
func (noopMonitor) OptimizationSuggestions() []string { return nil }

type noopTransport struct{}

func (noopTransport) Emit(context.Context, string, string, any) error { return nil }
