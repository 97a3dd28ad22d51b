package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/barrierbus/internal/domain/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMonitor(cfg Config, sample *atomic.Int64) (*Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg,
		WithLogger(zerolog.Nop()),
		WithClock(clock.Now),
		WithRuntimeSampler(func() RuntimeSample {
			return RuntimeSample{Goroutines: int(sample.Load()), HeapBytes: 1 << 20}
		})), clock
}

func evt(eventType string) *schema.Event { return &schema.Event{Type: eventType} }

func TestPerformanceReport(t *testing.T) {
	var g atomic.Int64
	g.Store(10)
	m, clock := newMonitor(Config{MinSamples: 1}, &g)

	for i := 1; i <= 10; i++ {
		m.RecordEvent(evt("fast"), time.Duration(i)*time.Millisecond, true)
	}
	m.RecordEvent(evt("slow"), 200*time.Millisecond, false)
	clock.Advance(11 * time.Second)

	report := m.PerformanceReport()
	require.Equal(t, uint64(11), report.TotalEvents)
	require.Equal(t, uint64(1), report.TotalFailures)
	require.InDelta(t, 1.0/11, report.ErrorRate, 1e-9)
	require.Equal(t, 6.0, report.P50Ms)
	require.Equal(t, 200.0, report.P95Ms)
	require.Equal(t, 11, report.Window)
	require.InDelta(t, 1.0, report.ThroughputPS, 1e-9)

	require.Len(t, report.ByType, 2)
	fast := report.ByType[0]
	require.Equal(t, "fast", fast.EventType)
	require.Equal(t, uint64(10), fast.Count)
	require.Equal(t, 5.5, fast.AvgMs)
	require.Equal(t, 10.0, fast.MaxMs)
	require.Equal(t, 10.0, fast.P95Ms)
	require.Zero(t, fast.ErrorRate)
	require.Equal(t, 1.0, report.ByType[1].ErrorRate)
}

func TestWindowIsBounded(t *testing.T) {
	var g atomic.Int64
	m, _ := newMonitor(Config{WindowSize: 4}, &g)
	for i := 0; i < 10; i++ {
		m.RecordEvent(evt("a"), time.Second, true)
	}
	for i := 0; i < 4; i++ {
		m.RecordEvent(evt("a"), time.Millisecond, true)
	}
	report := m.PerformanceReport()
	require.Equal(t, 4, report.Window)
	require.Equal(t, 1.0, report.P95Ms)
	require.Equal(t, uint64(14), report.TotalEvents)
}

func TestSystemHealthGrades(t *testing.T) {
	var g atomic.Int64
	g.Store(50)

	m, _ := newMonitor(Config{MinSamples: 5}, &g)
	health := m.SystemHealth()
	require.Equal(t, schema.HealthHealthy, health.Status)
	require.Empty(t, health.Issues)
	require.Equal(t, 50, health.Goroutines)
	require.Equal(t, uint64(1<<20), health.HeapBytes)

	for i := 0; i < 19; i++ {
		m.RecordEvent(evt("a"), time.Millisecond, true)
	}
	m.RecordEvent(evt("a"), time.Millisecond, false)
	health = m.SystemHealth()
	require.Equal(t, schema.HealthDegraded, health.Status)
	require.Len(t, health.Issues, 1)

	for i := 0; i < 10; i++ {
		m.RecordEvent(evt("a"), 2*time.Second, false)
	}
	health = m.SystemHealth()
	require.Equal(t, schema.HealthUnhealthy, health.Status)
	require.Len(t, health.Issues, 2)
}

func TestSystemHealthGoroutines(t *testing.T) {
	var g atomic.Int64
	g.Store(500)
	m, _ := newMonitor(Config{MaxGoroutines: 100}, &g)
	health := m.SystemHealth()
	require.Equal(t, schema.HealthDegraded, health.Status)
	require.Contains(t, health.Issues[0], "500 goroutines")
}

func TestOptimizationSuggestions(t *testing.T) {
	var g atomic.Int64
	g.Store(100)
	m, _ := newMonitor(Config{MinSamples: 2, SampleInterval: time.Hour}, &g)
	require.Empty(t, m.OptimizationSuggestions())
	require.NotNil(t, m.OptimizationSuggestions())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.RecordEvent(evt("tool/run"), 500*time.Millisecond, true)
	m.RecordEvent(evt("tool/run"), 500*time.Millisecond, false)
	m.RecordEvent(evt("rare"), 5*time.Second, false)

	suggestions := m.OptimizationSuggestions()
	require.Len(t, suggestions, 2)
	require.Contains(t, suggestions[0], `"tool/run" averages 500.0ms`)
	require.Contains(t, suggestions[1], `"tool/run" fails 50.0%`)

	g.Store(400)
	m.takeSample()
	suggestions = m.OptimizationSuggestions()
	require.Len(t, suggestions, 3)
	require.Contains(t, suggestions[2], "from 100 to 400")
}

func TestStartStopIdempotent(t *testing.T) {
	var g atomic.Int64
	var samples atomic.Int32
	m := New(Config{SampleInterval: time.Millisecond}, WithLogger(zerolog.Nop()), WithRuntimeSampler(func() RuntimeSample {
		samples.Add(1)
		return RuntimeSample{Goroutines: int(g.Load())}
	}))

	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.True(t, m.Running())
	require.Eventually(t, func() bool { return samples.Load() >= 3 }, time.Second, time.Millisecond)

	m.Stop()
	m.Stop()
	require.False(t, m.Running())
	after := samples.Load()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, after, samples.Load())

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}

func TestPercentile(t *testing.T) {
	require.Zero(t, percentile(nil, 0.5))
	values := []time.Duration{5, 1, 4, 2, 3}
	require.Equal(t, time.Duration(3), percentile(values, 0.5))
	require.Equal(t, time.Duration(5), percentile(values, 0.95))
	require.Equal(t, time.Duration(1), percentile(values, 0))
	require.Equal(t, []time.Duration{5, 1, 4, 2, 3}, values)
}
