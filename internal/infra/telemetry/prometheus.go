package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coachpo/barrierbus/internal/domain/schema"
)

// SnapshotSource exposes the bus metrics snapshot.
type SnapshotSource interface {
	Metrics() schema.MetricsSnapshot
}

type snapshotMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(schema.MetricsSnapshot) float64
}

// BusCollector bridges the bus counters into a prometheus registry. Values are
// read from the live snapshot on every scrape.
type BusCollector struct {
	source  SnapshotSource
	metrics []snapshotMetric
}

// NewBusCollector builds a collector over source.
func NewBusCollector(source SnapshotSource) *BusCollector {
	counter := func(name, help string, fn func(schema.MetricsSnapshot) float64) snapshotMetric {
		return snapshotMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName("barrierbus", "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: fn,
		}
	}
	gauge := func(name, help string, fn func(schema.MetricsSnapshot) float64) snapshotMetric {
		m := counter(name, help, fn)
		m.kind = prometheus.GaugeValue
		return m
	}
	return &BusCollector{
		source: source,
		metrics: []snapshotMetric{
			counter("events_published_total", "Events admitted past rate limiting.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.EventsPublished) }),
			counter("events_delivered_total", "Publishes that completed successfully.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.EventsDelivered) }),
			counter("events_failed_total", "Publishes that failed.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.EventsFailed) }),
			counter("events_rate_limited_total", "Publishes denied by the rate limiter.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.EventsRateLimited) }),
			counter("barrier_syncs_completed_total", "Barriers that settled.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.BarrierSyncsCompleted) }),
			counter("barrier_syncs_timed_out_total", "Barrier timers that fired before resolution.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.BarrierSyncsTimedOut) }),
			counter("handler_failures_total", "Subscription handlers abandoned after retries.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.HandlerFailures) }),
			counter("transport_failures_total", "Socket transport emissions that failed.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.TransportFailures) }),
			gauge("active_subscriptions", "Live subscriptions.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.ActiveSubscriptions) }),
			gauge("pending_barriers", "Barriers awaiting votes.",
				func(s schema.MetricsSnapshot) float64 { return float64(s.PendingBarriers) }),
			gauge("running", "1 while the bus is started.",
				func(s schema.MetricsSnapshot) float64 {
					if s.Running {
						return 1
					}
					return 0
				}),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	snap := c.source.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snap))
	}
}
