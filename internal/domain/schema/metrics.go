package schema

import "time"

// EventTypeStats aggregates monitor observations for one event type.
type EventTypeStats struct {
	EventType  string    `json:"eventType"`
	Count      uint64    `json:"count"`
	Failures   uint64    `json:"failures"`
	AvgMs      float64   `json:"avgMs"`
	MaxMs      float64   `json:"maxMs"`
	P95Ms      float64   `json:"p95Ms"`
	ErrorRate  float64   `json:"errorRate"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// PerformanceReport summarises recorded publish latencies.
type PerformanceReport struct {
	TotalEvents   uint64           `json:"totalEvents"`
	TotalFailures uint64           `json:"totalFailures"`
	ErrorRate     float64          `json:"errorRate"`
	P50Ms         float64          `json:"p50Ms"`
	P95Ms         float64          `json:"p95Ms"`
	ThroughputPS  float64          `json:"throughputPerSecond"`
	Window        int              `json:"windowSize"`
	ByType        []EventTypeStats `json:"byType"`
	GeneratedAt   time.Time        `json:"generatedAt"`
}

// HealthStatus grades the system.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// SystemHealth is the monitor's health verdict with its inputs.
type SystemHealth struct {
	Status     HealthStatus `json:"status"`
	Issues     []string     `json:"issues,omitempty"`
	ErrorRate  float64      `json:"errorRate"`
	P95Ms      float64      `json:"p95Ms"`
	Goroutines int          `json:"goroutines"`
	HeapBytes  uint64       `json:"heapBytes"`
	Running    bool         `json:"running"`
	CheckedAt  time.Time    `json:"checkedAt"`
}

// MetricsSnapshot merges the bus counters with the monitor's view.
type MetricsSnapshot struct {
	EventsPublished         uint64            `json:"eventsPublished"`
	EventsDelivered         uint64            `json:"eventsDelivered"`
	EventsFailed            uint64            `json:"eventsFailed"`
	EventsRateLimited       uint64            `json:"eventsRateLimited"`
	BarrierSyncsCompleted   uint64            `json:"barrierSyncsCompleted"`
	BarrierSyncsTimedOut    uint64            `json:"barrierSyncsTimedOut"`
	HandlerFailures         uint64            `json:"handlerFailures"`
	TransportFailures       uint64            `json:"transportFailures"`
	ActiveSubscriptions     int               `json:"activeSubscriptions"`
	PendingBarriers         int               `json:"pendingBarriers"`
	LastEventTime           time.Time         `json:"lastEventTime,omitempty"`
	Running                 bool              `json:"running"`
	StartedAt               time.Time         `json:"startedAt,omitempty"`
	RateLimitingEnabled     bool              `json:"rateLimitingEnabled"`
	Performance             PerformanceReport `json:"performance"`
	Health                  SystemHealth      `json:"health"`
	OptimizationSuggestions []string          `json:"optimizationSuggestions"`
}
