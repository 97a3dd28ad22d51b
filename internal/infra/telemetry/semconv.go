// Package telemetry provides semantic conventions and metric bridges for barrierbus observability.
package telemetry

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys. Following OpenTelemetry naming
// conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the event topic (e.g. chat/message).
	AttrEventType = attribute.Key("event.type")
	// AttrMode records the propagation mode (PASSIVE, APPROVAL, CONSENSUS).
	AttrMode = attribute.Key("eventbus.mode")
	// AttrProgression records a barrier resolution (continue, block).
	AttrProgression = attribute.Key("barrier.progression")
	// AttrTimedOut marks barriers settled by their timer.
	AttrTimedOut = attribute.Key("barrier.timed_out")
	// AttrLimitType identifies which rate limiter tier denied an event.
	AttrLimitType = attribute.Key("ratelimit.type")
	// AttrOperation differentiates specific operations (eventbus.publish, transport.emit, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

// Result values shared by publish and barrier telemetry.
const (
	ResultSuccess     = "success"
	ResultRateLimited = "rate_limited"
	ResultNotStarted  = "not_started"
	ResultError       = "error"
	ResultStopped     = "stopped"
	ResultCancelled   = "cancelled"
)

var environment atomic.Value

// SetEnvironment records the deployment environment used in metric labels.
func SetEnvironment(env string) {
	environment.Store(strings.TrimSpace(env))
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "dev"
}

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// PublishAttributes returns attributes for a finished publish.
func PublishAttributes(environment, eventType, mode, result string) []attribute.KeyValue {
	attrs := EventAttributes(environment, eventType)
	if mode != "" {
		attrs = append(attrs, AttrMode.String(mode))
	}
	return append(attrs, AttrResult.String(result))
}

// BarrierAttributes returns attributes for a settled barrier.
func BarrierAttributes(environment, eventType, progression string, timedOut bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrProgression.String(progression),
		AttrTimedOut.Bool(timedOut),
	}
}

// RateLimitAttributes returns attributes for admission denials.
func RateLimitAttributes(environment, eventType, limitType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrLimitType.String(limitType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
