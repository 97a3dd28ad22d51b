// Package monitor records publish latencies and runtime samples and grades
// the health of the event bus.
package monitor

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/logging"
	"github.com/coachpo/barrierbus/internal/infra/telemetry"
)

const typeWindowSize = 128

// Config tunes sampling and health thresholds.
type Config struct {
	SampleInterval     time.Duration `yaml:"sampleInterval"`
	WindowSize         int           `yaml:"windowSize"`
	SlowThreshold      time.Duration `yaml:"slowThreshold"`
	CriticalLatency    time.Duration `yaml:"criticalLatency"`
	ErrorRateDegraded  float64       `yaml:"errorRateDegraded"`
	ErrorRateUnhealthy float64       `yaml:"errorRateUnhealthy"`
	MaxGoroutines      int           `yaml:"maxGoroutines"`
	MinSamples         int           `yaml:"minSamples"`
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		SampleInterval:     10 * time.Second,
		WindowSize:         1000,
		SlowThreshold:      100 * time.Millisecond,
		CriticalLatency:    time.Second,
		ErrorRateDegraded:  0.05,
		ErrorRateUnhealthy: 0.25,
		MaxGoroutines:      10000,
		MinSamples:         10,
	}
}

// Normalise fills zero values from DefaultConfig.
func (c Config) Normalise() Config {
	def := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = def.SlowThreshold
	}
	if c.CriticalLatency <= 0 {
		c.CriticalLatency = def.CriticalLatency
	}
	if c.ErrorRateDegraded <= 0 {
		c.ErrorRateDegraded = def.ErrorRateDegraded
	}
	if c.ErrorRateUnhealthy <= 0 {
		c.ErrorRateUnhealthy = def.ErrorRateUnhealthy
	}
	if c.MaxGoroutines <= 0 {
		c.MaxGoroutines = def.MaxGoroutines
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	return c
}

// RuntimeSample is one reading of process resources.
type RuntimeSample struct {
	Goroutines int
	HeapBytes  uint64
}

// ReadRuntime samples the current process.
func ReadRuntime() RuntimeSample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeSample{Goroutines: runtime.NumGoroutine(), HeapBytes: mem.HeapAlloc}
}

// ring keeps the most recent durations.
type ring struct {
	values []time.Duration
	next   int
	full   bool
}

func newRing(size int) ring { return ring{values: make([]time.Duration, size)} }

func (r *ring) add(d time.Duration) {
	r.values[r.next] = d
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []time.Duration {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	out := make([]time.Duration, n)
	copy(out, r.values[:n])
	return out
}

type typeStats struct {
	count    uint64
	failures uint64
	total    time.Duration
	max      time.Duration
	window   ring
	lastSeen time.Time
}

// Monitor implements the bus monitor contract.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
	sample func() RuntimeSample

	mu       sync.Mutex
	byType   map[string]*typeStats
	window   ring
	total    uint64
	failures uint64
	firstAt  time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool

	goroutines atomic.Int64
	heapBytes  atomic.Uint64
	baseline   atomic.Int64
	sampled    atomic.Bool

	recordedCounter metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRuntimeSampler replaces ReadRuntime.
func WithRuntimeSampler(fn func() RuntimeSample) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.sample = fn
		}
	}
}

// New builds a stopped monitor.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.Normalise(),
		logger: logging.Component("monitor"),
		now:    time.Now,
		sample: ReadRuntime,
		byType: make(map[string]*typeStats),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.window = newRing(m.cfg.WindowSize)

	meter := otel.Meter("monitor")
	m.recordedCounter, _ = meter.Int64Counter("monitor.events.recorded",
		metric.WithDescription("Number of publishes observed by the monitor"),
		metric.WithUnit("{event}"))
	m.durationHist, _ = meter.Float64Histogram("monitor.event.duration",
		metric.WithDescription("Publish latency observed by the monitor"),
		metric.WithUnit("ms"))
	envAttr := telemetry.AttrEnvironment.String(telemetry.Environment())
	_, _ = meter.Int64ObservableGauge("monitor.runtime.goroutines",
		metric.WithDescription("Goroutines at the last runtime sample"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			if m.sampled.Load() {
				observer.Observe(m.goroutines.Load(), metric.WithAttributes(envAttr))
			}
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("monitor.runtime.heap",
		metric.WithDescription("Heap bytes at the last runtime sample"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			if m.sampled.Load() {
				observer.Observe(int64(m.heapBytes.Load()), metric.WithAttributes(envAttr))
			}
			return nil
		}))
	return m
}

// Start launches the runtime sampler. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.running.Load() {
		return nil
	}
	m.takeSample()
	m.baseline.Store(m.goroutines.Load())

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)
	go m.loop(runCtx, m.done)
	m.logger.Debug().Dur("interval", m.cfg.SampleInterval).Msg("runtime sampler started")
	return nil
}

// Stop halts the sampler and waits for it to exit. Calling Stop twice is a no-op.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.running.Load() {
		return
	}
	m.cancel()
	<-m.done
	m.running.Store(false)
	m.logger.Debug().Msg("runtime sampler stopped")
}

// Running reports whether the sampler is active.
func (m *Monitor) Running() bool { return m.running.Load() }

func (m *Monitor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.takeSample()
		}
	}
}

func (m *Monitor) takeSample() {
	s := m.sample()
	m.goroutines.Store(int64(s.Goroutines))
	m.heapBytes.Store(s.HeapBytes)
	m.sampled.Store(true)
}

// RecordEvent aggregates one publish observation.
func (m *Monitor) RecordEvent(evt *schema.Event, duration time.Duration, success bool) {
	eventType := ""
	if evt != nil {
		eventType = evt.Type
	}
	now := m.now()

	m.mu.Lock()
	if m.total == 0 {
		m.firstAt = now
	}
	m.total++
	if !success {
		m.failures++
	}
	m.window.add(duration)
	stats, ok := m.byType[eventType]
	if !ok {
		stats = &typeStats{window: newRing(typeWindowSize)}
		m.byType[eventType] = stats
	}
	stats.count++
	if !success {
		stats.failures++
	}
	stats.total += duration
	if duration > stats.max {
		stats.max = duration
	}
	stats.window.add(duration)
	stats.lastSeen = now
	m.mu.Unlock()

	result := telemetry.ResultSuccess
	if !success {
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(append(telemetry.EventAttributes(telemetry.Environment(), eventType),
		telemetry.AttrResult.String(result))...)
	m.recordedCounter.Add(context.Background(), 1, attrs)
	m.durationHist.Record(context.Background(), ms(duration), attrs)
}

// PerformanceReport summarises everything recorded so far.
func (m *Monitor) PerformanceReport() schema.PerformanceReport {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.window.snapshot()
	report := schema.PerformanceReport{
		TotalEvents:   m.total,
		TotalFailures: m.failures,
		ErrorRate:     ratio(m.failures, m.total),
		P50Ms:         ms(percentile(window, 0.50)),
		P95Ms:         ms(percentile(window, 0.95)),
		Window:        len(window),
		ByType:        make([]schema.EventTypeStats, 0, len(m.byType)),
		GeneratedAt:   now,
	}
	if elapsed := now.Sub(m.firstAt); m.total > 0 && elapsed > 0 {
		report.ThroughputPS = float64(m.total) / elapsed.Seconds()
	}
	for eventType, stats := range m.byType {
		report.ByType = append(report.ByType, schema.EventTypeStats{
			EventType:  eventType,
			Count:      stats.count,
			Failures:   stats.failures,
			AvgMs:      ms(stats.total) / float64(stats.count),
			MaxMs:      ms(stats.max),
			P95Ms:      ms(percentile(stats.window.snapshot(), 0.95)),
			ErrorRate:  ratio(stats.failures, stats.count),
			LastSeenAt: stats.lastSeen,
		})
	}
	sort.Slice(report.ByType, func(i, j int) bool {
		if report.ByType[i].Count != report.ByType[j].Count {
			return report.ByType[i].Count > report.ByType[j].Count
		}
		return report.ByType[i].EventType < report.ByType[j].EventType
	})
	return report
}

// SystemHealth grades the bus from error rate, p95 latency and goroutine count.
func (m *Monitor) SystemHealth() schema.SystemHealth {
	if !m.sampled.Load() {
		m.takeSample()
	}
	report := m.PerformanceReport()
	health := schema.SystemHealth{
		Status:     schema.HealthHealthy,
		ErrorRate:  report.ErrorRate,
		P95Ms:      report.P95Ms,
		Goroutines: int(m.goroutines.Load()),
		HeapBytes:  m.heapBytes.Load(),
		Running:    m.running.Load(),
		CheckedAt:  report.GeneratedAt,
	}
	degrade := func(status schema.HealthStatus, issue string) {
		health.Issues = append(health.Issues, issue)
		if status == schema.HealthUnhealthy || health.Status == schema.HealthHealthy {
			health.Status = status
		}
	}

	enough := report.TotalEvents >= uint64(m.cfg.MinSamples)
	switch {
	case enough && report.ErrorRate >= m.cfg.ErrorRateUnhealthy:
		degrade(schema.HealthUnhealthy, fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", report.ErrorRate*100, m.cfg.ErrorRateUnhealthy*100))
	case enough && report.ErrorRate >= m.cfg.ErrorRateDegraded:
		degrade(schema.HealthDegraded, fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", report.ErrorRate*100, m.cfg.ErrorRateDegraded*100))
	}
	switch {
	case report.P95Ms >= ms(m.cfg.CriticalLatency):
		degrade(schema.HealthUnhealthy, fmt.Sprintf("p95 latency %.1fms exceeds %s", report.P95Ms, m.cfg.CriticalLatency))
	case report.P95Ms >= ms(m.cfg.SlowThreshold):
		degrade(schema.HealthDegraded, fmt.Sprintf("p95 latency %.1fms exceeds %s", report.P95Ms, m.cfg.SlowThreshold))
	}
	if health.Goroutines > m.cfg.MaxGoroutines {
		degrade(schema.HealthDegraded, fmt.Sprintf("%d goroutines exceeds %d", health.Goroutines, m.cfg.MaxGoroutines))
	}
	return health
}

// OptimizationSuggestions lists hints for slow or failing event types and
// goroutine growth since Start.
func (m *Monitor) OptimizationSuggestions() []string {
	report := m.PerformanceReport()
	suggestions := []string{}
	slowMs := ms(m.cfg.SlowThreshold)
	for _, stats := range report.ByType {
		if stats.Count < uint64(m.cfg.MinSamples) {
			continue
		}
		if stats.AvgMs >= slowMs {
			suggestions = append(suggestions, fmt.Sprintf(
				"Event type %q averages %.1fms per publish; move slow work out of blocking barriers or handlers", stats.EventType, stats.AvgMs))
		}
		if stats.ErrorRate >= m.cfg.ErrorRateDegraded {
			suggestions = append(suggestions, fmt.Sprintf(
				"Event type %q fails %.1f%% of publishes; check its behavior rule and rate limits", stats.EventType, stats.ErrorRate*100))
		}
	}
	if m.sampled.Load() {
		current, baseline := m.goroutines.Load(), m.baseline.Load()
		if baseline > 0 && current > 2*baseline && current-baseline > 100 {
			suggestions = append(suggestions, fmt.Sprintf(
				"Goroutines grew from %d to %d since start; look for subscriptions that are never removed", baseline, current))
		}
	}
	return suggestions
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func ratio(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
